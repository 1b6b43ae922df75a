package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/wppsync/internal/gateway"
	"github.com/matheus3301/wppsync/internal/inbox"
	"github.com/matheus3301/wppsync/internal/store"
	"github.com/matheus3301/wppsync/internal/wa"
	"go.uber.org/zap"
)

// Gateway is the read side of the gateway used to refresh chats and messages.
type Gateway interface {
	FetchChats(ctx context.Context, instance string) ([]gateway.Chat, error)
	FetchContacts(ctx context.Context, instance string) ([]gateway.Contact, error)
	FetchMessages(ctx context.Context, instance, chatID string, limit int) ([]wa.Envelope, error)
	FindContact(ctx context.Context, instance, addr string) (gateway.Contact, bool, error)
}

// Settings records sync checkpoints.
type Settings interface {
	Setting(key string) (string, error)
	SetSetting(key, value string) error
}

// ChatSink takes authoritative chat lists.
type ChatSink interface {
	ReplaceAuthoritative(chats []store.Chat)
}

// DefaultMessageLimit is how many messages a poll of the open chat asks for.
const DefaultMessageLimit = 50

// Refresher pulls authoritative chat lists and message windows from the gateway. It serves
// as the polling transport's Poller.
type Refresher struct {
	gw       Gateway
	settings Settings
	chats    ChatSink
	limit    int
	logger   *zap.Logger
}

// NewRefresher creates a refresher. limit <= 0 uses DefaultMessageLimit.
func NewRefresher(gw Gateway, settings Settings, chats ChatSink, limit int, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	return &Refresher{gw: gw, settings: settings, chats: chats, limit: limit, logger: logger}
}

// RefreshChats fetches the chat list of deviceID and makes it authoritative. When listing
// chats fails or comes back empty, the contact list stands in for it.
func (r *Refresher) RefreshChats(ctx context.Context, deviceID string) error {
	chats, err := r.gw.FetchChats(ctx, deviceID)
	if err == nil && len(chats) > 0 {
		r.apply(chatsFromGateway(chats), "chats")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	contacts, cerr := r.gw.FetchContacts(ctx, deviceID)
	switch {
	case cerr != nil && err != nil:
		return fmt.Errorf("fetch chats: %w", errors.Join(err, cerr))
	case cerr != nil:
		// An empty chat list is still a valid answer.
		r.logger.Warn("contacts fallback failed", zap.String("device_id", deviceID), zap.Error(cerr))
		r.apply(nil, "chats")
		return nil
	}
	if err != nil {
		r.logger.Warn("chat list unavailable, using contacts", zap.String("device_id", deviceID), zap.Error(err))
	}
	r.apply(chatsFromContacts(contacts), "contacts")
	return nil
}

func (r *Refresher) apply(chats []store.Chat, source string) {
	r.chats.ReplaceAuthoritative(chats)
	if err := r.settings.SetSetting(store.SettingLastChatFetch, time.Now().UTC().Format(time.RFC3339)); err != nil {
		r.logger.Warn("save chat fetch checkpoint", zap.Error(err))
	}
	r.logger.Debug("chat list refreshed", zap.String("source", source), zap.Int("chats", len(chats)))
}

// LastChatFetch returns when the chat list was last refreshed.
func (r *Refresher) LastChatFetch() (time.Time, bool) {
	v, err := r.settings.Setting(store.SettingLastChatFetch)
	if err != nil || v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// PollChats implements realtime.Poller.
func (r *Refresher) PollChats(ctx context.Context, deviceID string) error {
	return r.RefreshChats(ctx, deviceID)
}

// PollMessages implements realtime.Poller.
func (r *Refresher) PollMessages(ctx context.Context, deviceID, chatID string) ([]wa.Envelope, error) {
	return r.gw.FetchMessages(ctx, deviceID, chatID, r.limit)
}

func chatsFromGateway(in []gateway.Chat) []store.Chat {
	out := make([]store.Chat, 0, len(in))
	for _, c := range in {
		out = append(out, store.Chat{
			ID:              c.ID,
			DisplayName:     displayName(c.Name, c.ID),
			Address:         c.ID,
			IsGroup:         wa.IsGroup(c.ID),
			AvatarURL:       c.AvatarURL,
			LastMessageText: c.LastMessageText,
			LastMessageAt:   c.LastMessageAt,
			UnreadCount:     c.UnreadCount,
			Origin:          store.OriginAuthoritative,
		})
	}
	return out
}

func chatsFromContacts(in []gateway.Contact) []store.Chat {
	out := make([]store.Chat, 0, len(in))
	for _, c := range in {
		id := wa.CanonicalAddress(c.ID)
		out = append(out, store.Chat{
			ID:          id,
			DisplayName: displayName(c.Name, id),
			Address:     id,
			IsGroup:     wa.IsGroup(id),
			AvatarURL:   c.AvatarURL,
			Origin:      store.OriginAuthoritative,
		})
	}
	return out
}

func displayName(name, addr string) string {
	if name != "" {
		return name
	}
	return wa.PlaceholderName(addr)
}

// ContactEnricher looks chats up in the current device's contacts.
type ContactEnricher struct {
	gw      Gateway
	current func() string
}

// NewContactEnricher creates an enricher for the device current returns.
func NewContactEnricher(gw Gateway, current func() string) *ContactEnricher {
	return &ContactEnricher{gw: gw, current: current}
}

// Lookup implements inbox.Enricher.
func (e *ContactEnricher) Lookup(ctx context.Context, chatID string) (inbox.Profile, bool, error) {
	deviceID := e.current()
	if deviceID == "" {
		return inbox.Profile{}, false, nil
	}
	c, ok, err := e.gw.FindContact(ctx, deviceID, chatID)
	if err != nil || !ok {
		return inbox.Profile{}, false, err
	}
	return inbox.Profile{Name: c.Name, AvatarURL: c.AvatarURL}, true, nil
}
