package store

import (
	"encoding/json"
	"fmt"
	"sort"
)

// SaveDiscoveredChat persists a locally-discovered chat under its ID. Chats of any other
// origin are refused: only unconfirmed chats belong in this keyspace.
func (db *DB) SaveDiscoveredChat(c Chat) error {
	if c.Origin != OriginDiscovered {
		return fmt.Errorf("save discovered chat %q: origin is %q", c.ID, c.Origin)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode chat %q: %w", c.ID, err)
	}
	return db.Put(NamespaceDiscoveredChats, c.ID, data)
}

// DeleteDiscoveredChat forgets a locally-discovered chat, typically once a fetch confirmed it.
func (db *DB) DeleteDiscoveredChat(id string) error {
	return db.Delete(NamespaceDiscoveredChats, id)
}

// DiscoveredChats reads back every persisted locally-discovered chat, newest first.
// Entries that fail to decode, or that are no longer flagged locally-discovered, are dropped
// from the keyspace and skipped.
func (db *DB) DiscoveredChats() ([]Chat, error) {
	raw, err := db.List(NamespaceDiscoveredChats)
	if err != nil {
		return nil, err
	}

	chats := make([]Chat, 0, len(raw))
	for key, value := range raw {
		var c Chat
		if err := json.Unmarshal(value, &c); err != nil || c.ID != key || c.Origin != OriginDiscovered {
			_ = db.Delete(NamespaceDiscoveredChats, key)
			continue
		}
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		chats = append(chats, c)
	}

	sort.SliceStable(chats, func(i, j int) bool {
		if !chats[i].LastMessageAt.Equal(chats[j].LastMessageAt) {
			return chats[i].LastMessageAt.After(chats[j].LastMessageAt)
		}
		return chats[i].ID < chats[j].ID
	})
	return chats, nil
}
