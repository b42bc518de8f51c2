package store

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"

	"github.com/chatkit/chatcache/internal/model"
)

// Reader runs read queries. *Context (outside a transaction) and *Session
// (inside one) both implement it.
type Reader interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// table describes how to select and scan one record type.
type table[R Record] struct {
	name string
	// from is the FROM clause including joins, with the main table aliased.
	from string
	// columns is the select list matching scan.
	columns string
	// key is the qualified primary key column, appended to every ORDER BY.
	key string
	// deps lists the tables whose changes can alter a result.
	deps []string
	scan func(rows *sql.Rows) (R, error)
	// load fills relationships for a page of scanned records.
	load func(ctx context.Context, rd Reader, recs []R) error
}

// Query selects records of one type. Queries are immutable values: every
// builder method returns a modified copy.
type Query[R Record] struct {
	table   *table[R]
	where   []string
	args    []any
	orderBy []string
	limit   int
	offset  int
}

// Where adds a predicate, ANDed with the existing ones.
func (q Query[R]) Where(cond string, args ...any) Query[R] {
	q.where = append(slices.Clip(q.where), "("+cond+")")
	q.args = append(slices.Clip(q.args), args...)
	return q
}

// OrderBy appends a sort expression, e.g. "m.created_at DESC".
func (q Query[R]) OrderBy(expr string) Query[R] {
	q.orderBy = append(slices.Clip(q.orderBy), expr)
	return q
}

// Limit caps the number of results. Zero means no limit.
func (q Query[R]) Limit(n int) Query[R] {
	q.limit = n
	return q
}

// Offset skips the first n results.
func (q Query[R]) Offset(n int) Query[R] {
	q.offset = n
	return q
}

// Table returns the name of the queried table.
func (q Query[R]) Table() string {
	return q.table.name
}

// Dependencies returns the tables whose changes can alter the results.
func (q Query[R]) Dependencies() []string {
	return slices.Clone(q.table.deps)
}

func (q Query[R]) String() string {
	s, _ := q.sql()
	return s
}

func (q Query[R]) sql() (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(q.table.columns)
	b.WriteString(" FROM ")
	b.WriteString(q.table.from)
	if len(q.where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.where, " AND "))
	}
	b.WriteString(" ORDER BY ")
	for _, o := range q.orderBy {
		b.WriteString(o)
		b.WriteString(", ")
	}
	b.WriteString(q.table.key)

	args := slices.Clone(q.args)
	switch {
	case q.limit > 0:
		b.WriteString(" LIMIT ?")
		args = append(args, q.limit)
	case q.offset > 0:
		b.WriteString(" LIMIT -1")
	}
	if q.offset > 0 {
		b.WriteString(" OFFSET ?")
		args = append(args, q.offset)
	}
	return b.String(), args
}

// Fetch runs q and returns the matching records with relationships loaded.
func Fetch[R Record](ctx context.Context, rd Reader, q Query[R]) ([]R, error) {
	query, args := q.sql()
	rows, err := rd.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", q.table.name, err)
	}

	var recs []R
	for rows.Next() {
		rec, err := q.table.scan(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan %s: %w", q.table.name, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating %s: %w", q.table.name, err)
	}
	rows.Close()

	if q.table.load != nil && len(recs) > 0 {
		if err := q.table.load(ctx, rd, recs); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// FetchOne runs q and returns the first match, or nil when nothing matches.
func FetchOne[R Record](ctx context.Context, rd Reader, q Query[R]) (R, error) {
	recs, err := Fetch(ctx, rd, q.Limit(1))
	if err != nil || len(recs) == 0 {
		var zero R
		return zero, err
	}
	return recs[0], nil
}

// Count returns the number of records matching q.
func Count[R Record](ctx context.Context, rd Reader, q Query[R]) (int, error) {
	query, args := q.Limit(0).Offset(0).sql()
	rows, err := rd.QueryContext(ctx, "SELECT COUNT(*) FROM ("+query+")", args...)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", q.table.name, err)
	}
	defer rows.Close()

	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to count %s: %w", q.table.name, err)
		}
	}
	return n, rows.Err()
}

var usersTable = &table[*UserRecord]{
	name:    tableUsers,
	from:    "users u",
	columns: userColumns,
	key:     "u.id",
	deps:    []string{tableUsers},
	scan: func(rows *sql.Rows) (*UserRecord, error) {
		var r UserRecord
		err := rows.Scan(r.scanTargets()...)
		return &r, err
	},
}

var currentUsersTable = &table[*CurrentUserRecord]{
	name:    tableCurrentUser,
	from:    "current_users cu JOIN users u ON u.id = cu.user_id",
	columns: "cu.unread_count, " + userColumns,
	key:     "cu.id",
	deps:    []string{tableCurrentUser, tableUsers, tableMutedUsers, tableFlaggedMessages},
	scan: func(rows *sql.Rows) (*CurrentUserRecord, error) {
		var r CurrentUserRecord
		err := rows.Scan(append([]any{&r.UnreadCount}, r.User.scanTargets()...)...)
		return &r, err
	},
	load: loadCurrentUserLists,
}

var channelsTable = &table[*ChannelRecord]{
	name:    tableChannels,
	from:    "channels c",
	columns: channelColumns,
	key:     "c.cid",
	deps:    []string{tableChannels, tableMembers, tableUsers},
	scan: func(rows *sql.Rows) (*ChannelRecord, error) {
		var r ChannelRecord
		err := rows.Scan(r.scanTargets()...)
		return &r, err
	},
	load: loadChannelMembers,
}

var messagesTable = &table[*MessageRecord]{
	name:    tableMessages,
	from:    "messages m JOIN users u ON u.id = m.user_id",
	columns: messageColumns,
	key:     "m.id",
	deps:    []string{tableMessages, tableReactions, tableUsers},
	scan: func(rows *sql.Rows) (*MessageRecord, error) {
		var r MessageRecord
		err := rows.Scan(r.scanTargets()...)
		return &r, err
	},
	load: loadMessageReactions,
}

var reactionsTable = &table[*ReactionRecord]{
	name:    tableReactions,
	from:    "reactions r JOIN users u ON u.id = r.user_id",
	columns: reactionColumns,
	key:     "r.message_id, r.user_id, r.type",
	deps:    []string{tableReactions, tableUsers},
	scan: func(rows *sql.Rows) (*ReactionRecord, error) {
		var r ReactionRecord
		err := rows.Scan(r.scanTargets()...)
		return &r, err
	},
}

// Users selects all users.
func Users() Query[*UserRecord] { return Query[*UserRecord]{table: usersTable} }

// CurrentUsers selects the logged-in user (zero or one row).
func CurrentUsers() Query[*CurrentUserRecord] {
	return Query[*CurrentUserRecord]{table: currentUsersTable}
}

// Channels selects all channels.
func Channels() Query[*ChannelRecord] { return Query[*ChannelRecord]{table: channelsTable} }

// Messages selects all messages.
func Messages() Query[*MessageRecord] { return Query[*MessageRecord]{table: messagesTable} }

// Reactions selects all reactions.
func Reactions() Query[*ReactionRecord] { return Query[*ReactionRecord]{table: reactionsTable} }

// UserByID selects one user.
func UserByID(id model.UserID) Query[*UserRecord] {
	return Users().Where("u.id = ?", id)
}

// ChannelByCID selects one channel.
func ChannelByCID(cid model.ChannelID) Query[*ChannelRecord] {
	return Channels().Where("c.cid = ?", cid.String())
}

// ChannelListFilter narrows a channel list query.
type ChannelListFilter struct {
	// MemberID keeps channels the user is a member of.
	MemberID model.UserID
	// Type keeps channels of one type.
	Type string
	// IncludeHidden keeps hidden channels.
	IncludeHidden bool
	// IncludeDeleted keeps channels deleted on the server.
	IncludeDeleted bool
}

// ChannelList selects channels matching f, most recently active first.
func ChannelList(f ChannelListFilter) Query[*ChannelRecord] {
	q := Channels()
	if f.MemberID != "" {
		q = q.Where("c.cid IN (SELECT channel_cid FROM members WHERE user_id = ?)", f.MemberID)
	}
	if f.Type != "" {
		q = q.Where("c.type = ?", f.Type)
	}
	if !f.IncludeHidden {
		q = q.Where("c.is_hidden = 0")
	}
	if !f.IncludeDeleted {
		q = q.Where("c.deleted_at IS NULL")
	}
	return q.OrderBy("COALESCE(c.last_message_at, c.created_at) DESC")
}

// MessageByID selects one message.
func MessageByID(id model.MessageID) Query[*MessageRecord] {
	return Messages().Where("m.id = ?", id)
}

// MessagesInChannel selects the messages shown in a channel, newest first.
// Thread replies appear only when they were also posted to the channel.
func MessagesInChannel(cid model.ChannelID) Query[*MessageRecord] {
	return Messages().
		Where("m.channel_cid = ?", cid.String()).
		Where("m.parent_id = '' OR m.show_reply_in_channel = 1").
		OrderBy("m.created_at DESC")
}

// Replies selects a thread's replies, newest first.
func Replies(parentID model.MessageID) Query[*MessageRecord] {
	return Messages().Where("m.parent_id = ?", parentID).OrderBy("m.created_at DESC")
}

// MessagesWithLocalState selects messages in any of states, oldest first.
func MessagesWithLocalState(states ...model.LocalMessageState) Query[*MessageRecord] {
	if len(states) == 0 {
		return Messages().Where("0")
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(states)), ", ")
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}
	return Messages().
		Where("m.local_state IN ("+placeholders+")", args...).
		OrderBy("COALESCE(m.locally_created_at, m.created_at) ASC")
}

// ReactionsForMessage selects a message's reactions, newest first.
func ReactionsForMessage(id model.MessageID) Query[*ReactionRecord] {
	return Reactions().Where("r.message_id = ?", id).OrderBy("r.created_at DESC")
}

// latestReactionsLimit caps the reactions loaded with each message.
const latestReactionsLimit = 25

// inChunks calls fn with successive slices of at most 500 keys, staying
// below SQLite's bound-parameter limit.
func inChunks(keys []string, fn func(placeholders string, args []any) error) error {
	const size = 500
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		chunk := keys[start:end]
		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		if err := fn(placeholders, args); err != nil {
			return err
		}
	}
	return nil
}

func loadMessageReactions(ctx context.Context, rd Reader, recs []*MessageRecord) error {
	byID := make(map[string]*MessageRecord, len(recs))
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}

	return inChunks(ids, func(placeholders string, args []any) error {
		reactions, err := Fetch(ctx, rd, Reactions().
			Where("r.message_id IN ("+placeholders+")", args...).
			OrderBy("r.created_at DESC"))
		if err != nil {
			return fmt.Errorf("failed to load reactions: %w", err)
		}
		for _, reaction := range reactions {
			msg := byID[reaction.MessageID]
			if len(msg.LatestReactions) < latestReactionsLimit {
				msg.LatestReactions = append(msg.LatestReactions, *reaction)
			}
		}
		return nil
	})
}

func loadChannelMembers(ctx context.Context, rd Reader, recs []*ChannelRecord) error {
	byCID := make(map[string]*ChannelRecord, len(recs))
	cids := make([]string, 0, len(recs))
	for _, r := range recs {
		byCID[r.CID] = r
		cids = append(cids, r.CID)
	}

	return inChunks(cids, func(placeholders string, args []any) error {
		rows, err := rd.QueryContext(ctx, `
			SELECT mb.channel_cid, mb.role, mb.created_at, `+userColumns+`
			FROM members mb JOIN users u ON u.id = mb.user_id
			WHERE mb.channel_cid IN (`+placeholders+`)
			ORDER BY mb.created_at, u.id`, args...)
		if err != nil {
			return fmt.Errorf("failed to load members: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var m MemberRecord
			targets := append([]any{&m.ChannelCID, &m.Role, unixTime{&m.CreatedAt}}, m.User.scanTargets()...)
			if err := rows.Scan(targets...); err != nil {
				return fmt.Errorf("failed to scan member: %w", err)
			}
			ch := byCID[m.ChannelCID]
			ch.Members = append(ch.Members, m)
		}
		return rows.Err()
	})
}

func loadCurrentUserLists(ctx context.Context, rd Reader, recs []*CurrentUserRecord) error {
	muted, err := queryStrings(ctx, rd, "SELECT user_id FROM muted_users ORDER BY created_at, user_id")
	if err != nil {
		return fmt.Errorf("failed to load muted users: %w", err)
	}
	flagged, err := queryStrings(ctx, rd, "SELECT message_id FROM flagged_messages ORDER BY created_at, message_id")
	if err != nil {
		return fmt.Errorf("failed to load flagged messages: %w", err)
	}
	for _, r := range recs {
		r.MutedUserIDs = muted
		r.FlaggedMessageIDs = flagged
	}
	return nil
}

func queryStrings(ctx context.Context, rd Reader, query string, args ...any) ([]string, error) {
	rows, err := rd.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
