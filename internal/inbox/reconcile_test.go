package inbox

import (
	"reflect"
	"testing"
	"time"

	"github.com/matheus3301/wppsync/internal/store"
)

var t0 = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

func at(min int) time.Time { return t0.Add(time.Duration(min) * time.Minute) }

func auth(id string, min, unread int, text string) store.Chat {
	return store.Chat{ID: id, DisplayName: "Auth " + id, LastMessageAt: at(min), UnreadCount: unread, LastMessageText: text, Origin: store.OriginAuthoritative}
}

func disc(id string, min, unread int, text string) store.Chat {
	return store.Chat{ID: id, DisplayName: "Local " + id, LastMessageAt: at(min), UnreadCount: unread, LastMessageText: text, Origin: store.OriginDiscovered}
}

func ids(chats []store.Chat) []string {
	out := make([]string, len(chats))
	for i, c := range chats {
		out[i] = c.ID
	}
	return out
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name string
		auth []store.Chat
		disc []store.Chat
		want []store.Chat
	}{
		{
			name: "unconfirmed discovered chat is appended",
			auth: []store.Chat{auth("A", 1, 0, "a")},
			disc: []store.Chat{disc("B", 2, 1, "b")},
			want: []store.Chat{disc("B", 2, 1, "b"), auth("A", 1, 0, "a")},
		},
		{
			name: "newer discovered copy overwrites display fields only",
			auth: []store.Chat{auth("A", 1, 2, "old")},
			disc: []store.Chat{disc("A", 5, 1, "new")},
			want: []store.Chat{{
				ID: "A", DisplayName: "Auth A", LastMessageAt: at(5), UnreadCount: 2,
				LastMessageText: "new", Origin: store.OriginAuthoritative,
			}},
		},
		{
			name: "newer discovered copy raises unread",
			auth: []store.Chat{auth("A", 1, 0, "old")},
			disc: []store.Chat{disc("A", 5, 3, "new")},
			want: []store.Chat{{
				ID: "A", DisplayName: "Auth A", LastMessageAt: at(5), UnreadCount: 3,
				LastMessageText: "new", Origin: store.OriginAuthoritative,
			}},
		},
		{
			name: "older discovered copy is ignored",
			auth: []store.Chat{auth("A", 9, 0, "fresh")},
			disc: []store.Chat{disc("A", 5, 4, "stale")},
			want: []store.Chat{auth("A", 9, 0, "fresh")},
		},
		{
			name: "duplicates collapse to the newest",
			auth: []store.Chat{auth("A", 1, 0, "a1"), auth("A", 3, 0, "a3")},
			disc: []store.Chat{disc("B", 2, 1, "b2"), disc("B", 1, 1, "b1")},
			want: []store.Chat{auth("A", 3, 0, "a3"), disc("B", 2, 1, "b2")},
		},
		{
			name: "sorted newest first with id tiebreak",
			auth: []store.Chat{auth("C", 1, 0, ""), auth("B", 4, 0, ""), auth("A", 4, 0, "")},
			want: []store.Chat{auth("A", 4, 0, ""), auth("B", 4, 0, ""), auth("C", 1, 0, "")},
		},
		{
			name: "empty ids are dropped",
			auth: []store.Chat{auth("", 1, 0, "")},
			disc: []store.Chat{disc("", 1, 0, "")},
			want: []store.Chat{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reconcile(tt.auth, tt.disc)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Reconcile() =\n%+v\nwant\n%+v", got, tt.want)
			}
		})
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	a := []store.Chat{auth("A", 1, 1, "a"), auth("B", 7, 0, "b"), auth("C", 3, 2, "c")}
	l := []store.Chat{disc("A", 4, 2, "a2"), disc("D", 5, 1, "d"), disc("C", 2, 9, "c0")}
	aCopy := append([]store.Chat(nil), a...)
	lCopy := append([]store.Chat(nil), l...)

	first := Reconcile(a, l)
	second := Reconcile(a, l)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("second run differs:\n%+v\n%+v", first, second)
	}

	seen := make(map[string]bool)
	for _, c := range first {
		if seen[c.ID] {
			t.Errorf("duplicate id %s", c.ID)
		}
		seen[c.ID] = true
	}
	if got := ids(first); !reflect.DeepEqual(got, []string{"B", "D", "A", "C"}) {
		t.Errorf("order = %v", got)
	}
	if !reflect.DeepEqual(a, aCopy) || !reflect.DeepEqual(l, lCopy) {
		t.Error("Reconcile modified its inputs")
	}
}
