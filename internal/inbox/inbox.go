package inbox

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/metrics"
	"github.com/matheus3301/wppsync/internal/store"
	"github.com/matheus3301/wppsync/internal/wa"
	"go.uber.org/zap"
)

// Store keeps locally discovered chats across restarts.
type Store interface {
	SaveDiscoveredChat(c store.Chat) error
	DeleteDiscoveredChat(id string) error
	DiscoveredChats() ([]store.Chat, error)
}

// Profile is what an enrichment lookup found for an address.
type Profile struct {
	Name      string
	AvatarURL string
}

// Enricher finds a display name and avatar for a chat address.
type Enricher interface {
	Lookup(ctx context.Context, chatID string) (Profile, bool, error)
}

// EnricherFunc adapts a function to Enricher.
type EnricherFunc func(ctx context.Context, chatID string) (Profile, bool, error)

// Lookup calls f.
func (f EnricherFunc) Lookup(ctx context.Context, chatID string) (Profile, bool, error) {
	return f(ctx, chatID)
}

const enrichTimeout = 15 * time.Second

// Inbox owns the reconciled chat list. It is the only writer of chat records; every change
// replaces whole records in a fresh slice.
type Inbox struct {
	db       Store
	enricher Enricher
	bus      *bus.Bus
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	authoritative []store.Chat
	chats         []store.Chat
	// touched marks authoritative chats whose live state is newer than the last fetch.
	touched   map[string]bool
	enriching map[string]bool
	open      string
}

// New creates an inbox and loads the persisted discovered chats. enricher may be nil.
func New(db Store, enricher Enricher, b *bus.Bus, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Inbox{
		db:        db,
		enricher:  enricher,
		bus:       b,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		touched:   make(map[string]bool),
		enriching: make(map[string]bool),
	}
	s.Load()
	return s
}

// Load rebuilds the live list from the last authoritative list and the persisted discovered
// chats. A store that cannot be read counts as empty.
func (s *Inbox) Load() {
	discovered, err := s.db.DiscoveredChats()
	if err != nil {
		s.logger.Warn("load discovered chats", zap.Error(err))
		discovered = nil
	}

	s.mu.Lock()
	chats := Reconcile(s.authoritative, discovered)
	s.chats = s.suppressOpen(chats)
	s.mu.Unlock()

	s.logger.Info("inbox loaded", zap.Int("discovered", len(discovered)))
	s.changed()
}

// Chats returns the reconciled list, newest first.
func (s *Inbox) Chats() []store.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.chats)
}

// Chat returns the chat with id.
func (s *Inbox) Chat(id string) (store.Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.index(id); i >= 0 {
		return s.chats[i], true
	}
	return store.Chat{}, false
}

// Opened returns the id of the open chat, or "".
func (s *Inbox) Opened() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// ReplaceAuthoritative reconciles a fresh authoritative list with what is known locally.
// Discovered chats the list confirms are removed from durable storage. A chat whose live
// state is newer than the fetched record stays in the local overlay until a fetch catches up.
func (s *Inbox) ReplaceAuthoritative(fetched []store.Chat) {
	auth := make([]store.Chat, 0, len(fetched))
	fetchedAt := make(map[string]time.Time, len(fetched))
	for _, c := range fetched {
		c.ID = wa.CanonicalAddress(c.ID)
		c.Origin = store.OriginAuthoritative
		auth = append(auth, c)
		if prev, ok := fetchedAt[c.ID]; !ok || c.LastMessageAt.After(prev) {
			fetchedAt[c.ID] = c.LastMessageAt
		}
	}

	s.mu.Lock()
	var locals, confirmed []store.Chat
	touched := make(map[string]bool)
	for _, c := range s.chats {
		remote, listed := fetchedAt[c.ID]
		switch {
		case c.Origin == store.OriginDiscovered:
			locals = append(locals, c)
			if listed {
				confirmed = append(confirmed, c)
			}
		case s.touched[c.ID] && listed:
			locals = append(locals, c)
		default:
			continue
		}
		if listed && remote.Before(c.LastMessageAt) {
			touched[c.ID] = true
		}
	}
	s.authoritative = auth
	s.touched = touched
	s.chats = s.suppressOpen(Reconcile(auth, locals))
	s.mu.Unlock()

	for _, c := range confirmed {
		if err := s.db.DeleteDiscoveredChat(c.ID); err != nil {
			s.logger.Warn("drop confirmed chat", zap.String("chat_id", c.ID), zap.Error(err))
		}
		metrics.ChatsConfirmed.Inc()
	}
	s.logger.Debug("authoritative chats applied",
		zap.Int("fetched", len(auth)),
		zap.Int("local", len(locals)),
		zap.Int("confirmed", len(confirmed)),
	)
	s.changed()
}

// ApplyInbound folds a live message into the owning chat, creating a discovered chat for an
// unknown address. Messages sent from the paired phone itself never count as unread.
func (s *Inbox) ApplyInbound(env wa.Envelope) store.Chat {
	at := env.SentAt
	if at.IsZero() {
		at = time.Now()
	}
	hint := ""
	if !env.FromMe && !wa.IsGroup(env.ChatID) {
		hint = env.PushName
	}
	return s.apply(env.ChatID, env.Preview(), at, !env.FromMe, hint)
}

// ApplyOutbound records a local send on the owning chat. Unread is left alone.
func (s *Inbox) ApplyOutbound(chatID, text string, at time.Time) store.Chat {
	return s.apply(chatID, text, at, false, "")
}

func (s *Inbox) apply(chatID, text string, at time.Time, unread bool, hint string) store.Chat {
	chatID = wa.CanonicalAddress(chatID)

	s.mu.Lock()
	i := s.index(chatID)
	var next store.Chat
	created := i < 0
	if created {
		next = store.Chat{
			ID:              chatID,
			DisplayName:     wa.PlaceholderName(chatID),
			Address:         chatID,
			IsGroup:         wa.IsGroup(chatID),
			LastMessageText: text,
			LastMessageAt:   at,
			Origin:          store.OriginDiscovered,
		}
		if unread && chatID != s.open {
			next.UnreadCount = 1
		}
	} else {
		next = s.chats[i]
		if !at.Before(next.LastMessageAt) {
			next.LastMessageText = text
			next.LastMessageAt = at
		}
		if unread && chatID != s.open {
			next.UnreadCount++
		}
	}
	s.replaceLocked(next)
	s.persist(next)
	s.mu.Unlock()

	if created {
		metrics.ChatsDiscovered.Inc()
		s.logger.Info("chat discovered", zap.String("chat_id", chatID))
		s.bus.Emit(bus.ChatDiscovered, next)
		s.enrich(chatID, hint)
	}
	s.changed()
	return next
}

// MarkOpened zeroes the unread count of chatID and keeps it zero while the chat stays open.
func (s *Inbox) MarkOpened(chatID string) {
	chatID = wa.CanonicalAddress(chatID)

	s.mu.Lock()
	s.open = chatID
	i := s.index(chatID)
	if i < 0 || s.chats[i].UnreadCount == 0 {
		s.mu.Unlock()
		return
	}
	next := s.chats[i]
	next.UnreadCount = 0
	s.replaceLocked(next)
	s.persist(next)
	s.mu.Unlock()

	s.changed()
}

// MarkClosed forgets the open chat.
func (s *Inbox) MarkClosed() {
	s.mu.Lock()
	s.open = ""
	s.mu.Unlock()
}

// Close cancels pending enrichment and waits for it.
func (s *Inbox) Close() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}

// enrich looks the chat up in the background. The result only ever touches display fields
// of a chat that is still locally discovered.
func (s *Inbox) enrich(chatID, hint string) {
	if s.enricher == nil && hint == "" {
		return
	}
	s.mu.Lock()
	if s.enriching[chatID] || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.enriching[chatID] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.enriching, chatID)
			s.mu.Unlock()
		}()

		p := Profile{Name: hint}
		if s.enricher != nil {
			ctx, cancel := context.WithTimeout(s.ctx, enrichTimeout)
			found, ok, err := s.enricher.Lookup(ctx, chatID)
			cancel()
			switch {
			case err != nil:
				s.logger.Debug("enrich chat", zap.String("chat_id", chatID), zap.Error(err))
			case ok:
				p.AvatarURL = found.AvatarURL
				if found.Name != "" {
					p.Name = found.Name
				}
			}
		}
		if s.ctx.Err() != nil || (p.Name == "" && p.AvatarURL == "") {
			return
		}
		s.applyProfile(chatID, p)
	}()
}

func (s *Inbox) applyProfile(chatID string, p Profile) {
	s.mu.Lock()
	i := s.index(chatID)
	if i < 0 || s.chats[i].Origin != store.OriginDiscovered {
		s.mu.Unlock()
		return
	}
	next := s.chats[i]
	if p.Name != "" {
		next.DisplayName = p.Name
	}
	if p.AvatarURL != "" {
		next.AvatarURL = p.AvatarURL
	}
	s.replaceLocked(next)
	s.persist(next)
	s.mu.Unlock()

	s.logger.Debug("chat enriched", zap.String("chat_id", chatID), zap.String("name", next.DisplayName))
	s.changed()
}

// replaceLocked swaps in c (adding it if new) and re-sorts into a fresh slice.
func (s *Inbox) replaceLocked(c store.Chat) {
	chats := slices.Clone(s.chats)
	if i := s.index(c.ID); i >= 0 {
		chats[i] = c
		if c.Origin == store.OriginAuthoritative {
			s.touched[c.ID] = true
		}
	} else {
		chats = append(chats, c)
	}
	sortChats(chats)
	s.chats = chats
}

// suppressOpen zeroes the unread count of the open chat in a freshly built list.
func (s *Inbox) suppressOpen(chats []store.Chat) []store.Chat {
	if s.open == "" {
		return chats
	}
	for i := range chats {
		if chats[i].ID == s.open {
			chats[i].UnreadCount = 0
		}
	}
	return chats
}

// persist writes discovered chats through; authoritative ones live only in memory. Called
// with s.mu held so writes land in mutation order.
func (s *Inbox) persist(c store.Chat) {
	if c.Origin != store.OriginDiscovered {
		return
	}
	if err := s.db.SaveDiscoveredChat(c); err != nil {
		s.logger.Warn("persist discovered chat", zap.String("chat_id", c.ID), zap.Error(err))
	}
}

func (s *Inbox) changed() {
	s.bus.Emit(bus.ChatListChanged, nil)
}

func (s *Inbox) index(id string) int {
	return slices.IndexFunc(s.chats, func(c store.Chat) bool { return c.ID == id })
}
