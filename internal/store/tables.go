package store

// Table names. Sessions record which of these a transaction touched.
const (
	tableUsers           = "users"
	tableCurrentUser     = "current_users"
	tableMutedUsers      = "muted_users"
	tableFlaggedMessages = "flagged_messages"
	tableChannels        = "channels"
	tableMembers         = "members"
	tableMessages        = "messages"
	tableReactions       = "reactions"
)

// wipeOrder lists every table, children first.
var wipeOrder = []string{
	tableReactions,
	tableFlaggedMessages,
	tableMutedUsers,
	tableMembers,
	tableMessages,
	tableCurrentUser,
	tableChannels,
	tableUsers,
}

// Timestamps are stored as INTEGER nanoseconds since the epoch (UTC) so that
// ORDER BY on them is exact.
const schemaSQL = `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'user',
		is_online INTEGER NOT NULL DEFAULT 0,
		is_banned INTEGER NOT NULL DEFAULT 0,
		last_active_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Single row: the logged-in user
	CREATE TABLE IF NOT EXISTS current_users (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		user_id TEXT NOT NULL,
		unread_count INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS muted_users (
		user_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS flagged_messages (
		message_id TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channels (
		cid TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_message_at INTEGER,
		deleted_at INTEGER,
		truncated_at INTEGER,
		is_hidden INTEGER NOT NULL DEFAULT 0,
		is_frozen INTEGER NOT NULL DEFAULT 0,
		is_muted INTEGER NOT NULL DEFAULT 0,
		member_count INTEGER NOT NULL DEFAULT 0,
		unread_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS members (
		channel_cid TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'member',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (channel_cid, user_id),
		FOREIGN KEY (channel_cid) REFERENCES channels(cid) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		channel_cid TEXT NOT NULL,
		user_id TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'regular',
		command TEXT NOT NULL DEFAULT '',
		arguments TEXT NOT NULL DEFAULT '',
		parent_id TEXT NOT NULL DEFAULT '',
		show_reply_in_channel INTEGER NOT NULL DEFAULT 0,
		reply_count INTEGER NOT NULL DEFAULT 0,
		is_pinned INTEGER NOT NULL DEFAULT 0,
		pinned_at INTEGER,
		pin_expires INTEGER,
		created_at INTEGER NOT NULL,
		locally_created_at INTEGER,
		updated_at INTEGER NOT NULL,
		deleted_at INTEGER,
		local_state TEXT NOT NULL DEFAULT '',
		reaction_counts TEXT NOT NULL DEFAULT '{}',  -- JSON object
		FOREIGN KEY (channel_cid) REFERENCES channels(cid) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS reactions (
		message_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		score INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		local_state TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (message_id, user_id, type),
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE INDEX IF NOT EXISTS idx_channels_last_message ON channels(last_message_at);
	CREATE INDEX IF NOT EXISTS idx_members_user ON members(user_id);
	CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_cid, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_local_state ON messages(local_state)
	    WHERE local_state != '';
	CREATE INDEX IF NOT EXISTS idx_reactions_message ON reactions(message_id, created_at);
	`
