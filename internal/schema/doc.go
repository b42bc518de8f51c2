// Package schema defines the JSON payloads exchanged with the chat backend
// and the spool file layout the sync daemon ingests.
//
// # Overview
//
// Payloads mirror what the backend returns: a channel carries its members and
// a page of messages, a message carries its author and latest reactions. The
// store ingests payloads inside a write transaction; nothing in this package
// touches the database.
//
// # Spool Files
//
// The daemon watches a spool directory with two subdirectories:
//
//	channels/{type}--{id}.json   one ChannelPayload per file
//	messages/{id}.json           one MessagePayload per file
//
// Example: channels/messaging--general.json
//
//	{
//	  "cid": "messaging:general",
//	  "name": "General",
//	  "created_at": "2026-01-10T07:36:29Z",
//	  "updated_at": "2026-01-10T07:36:29Z",
//	  "members": [{"user": {"id": "alice"}, "role": "owner"}]
//	}
//
// Deleting a spool file deletes the matching record from the cache.
//
// # Usage Examples
//
// Writing a channel file:
//
//	ch := &schema.ChannelPayload{
//	    CID:       "messaging:general",
//	    Name:      "General",
//	    CreatedAt: time.Now(),
//	    UpdatedAt: time.Now(),
//	}
//	if err := schema.WriteChannelFile("spool/channels", ch); err != nil {
//	    return err
//	}
//
// Parsing a filename back into a channel id:
//
//	cid, err := schema.FromChannelFileName("messaging--general.json")
package schema
