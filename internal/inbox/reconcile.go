package inbox

import (
	"slices"
	"strings"

	"github.com/matheus3301/wppsync/internal/store"
)

// Reconcile merges an authoritative chat list with locally discovered chats into one list
// without duplicate ids, sorted by last message time descending.
//
// Discovered chats missing from authoritative are appended as they are. A discovered chat that
// the authoritative list also holds only contributes its display fields, and only when its last
// message is newer; the authoritative record keeps its identity and origin. Unread counts never
// go down on merge. The inputs are not modified and the result is the same for the same inputs.
func Reconcile(authoritative, discovered []store.Chat) []store.Chat {
	out := make([]store.Chat, 0, len(authoritative)+len(discovered))
	pos := make(map[string]int, len(authoritative)+len(discovered))

	for _, c := range authoritative {
		if c.ID == "" {
			continue
		}
		if i, ok := pos[c.ID]; ok {
			if c.LastMessageAt.After(out[i].LastMessageAt) {
				out[i] = c
			}
			continue
		}
		pos[c.ID] = len(out)
		out = append(out, c)
	}
	authCount := len(out)

	for _, d := range discovered {
		if d.ID == "" {
			continue
		}
		i, ok := pos[d.ID]
		if !ok {
			pos[d.ID] = len(out)
			out = append(out, d)
			continue
		}
		if i >= authCount {
			// Duplicate discovered entry: keep the newer one.
			if d.LastMessageAt.After(out[i].LastMessageAt) {
				out[i] = d
			}
			continue
		}
		if d.LastMessageAt.After(out[i].LastMessageAt) {
			merged := out[i]
			merged.LastMessageText = d.LastMessageText
			merged.LastMessageAt = d.LastMessageAt
			merged.UnreadCount = max(merged.UnreadCount, d.UnreadCount)
			out[i] = merged
		}
	}

	sortChats(out)
	return out
}

// sortChats orders by last message time descending, ties by id.
func sortChats(chats []store.Chat) {
	slices.SortStableFunc(chats, func(a, b store.Chat) int {
		if c := b.LastMessageAt.Compare(a.LastMessageAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
