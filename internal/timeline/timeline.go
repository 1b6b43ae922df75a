package timeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/metrics"
	"github.com/matheus3301/wppsync/internal/store"
	"github.com/matheus3301/wppsync/internal/timer"
	"github.com/matheus3301/wppsync/internal/wa"
	"go.uber.org/zap"
)

var (
	ErrNoDevice     = errors.New("no device selected")
	ErrEmptyMessage = errors.New("message text is empty")
)

// Gateway fetches and sends messages for a device.
type Gateway interface {
	FetchMessages(ctx context.Context, instance, chatID string, limit int) ([]wa.Envelope, error)
	SendText(ctx context.Context, instance, chatID, text string) (wa.Envelope, error)
}

// ChatUpdater records a local send on the owning chat.
type ChatUpdater interface {
	ApplyOutbound(chatID, text string, at time.Time) store.Chat
}

// Config sizes the window and the post-send refresh.
type Config struct {
	WindowSize   int
	RefetchDelay time.Duration
}

func (c *Config) defaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = 50
	}
	if c.RefetchDelay <= 0 {
		c.RefetchDelay = 2 * time.Second
	}
}

// Changed is the payload of bus.TimelineChanged.
type Changed struct {
	ChatID string
}

// SendFailed is the payload of bus.MessageSendFailed.
type SendFailed struct {
	ChatID    string
	MessageID string
	Err       error
}

type refetch struct {
	seq    uint64
	handle *timer.Handle
}

// Store holds the message windows of materialized chats for the current device. A window is
// replaced wholesale by every fetch; optimistic sends are not matched to their server copy.
type Store struct {
	gw     Gateway
	chats  ChatUpdater
	bus    *bus.Bus
	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	device    string
	timelines map[string][]store.Message
	refetches map[string]refetch
	seq       uint64
	closed    bool
}

// New creates an empty store. chats may be nil.
func New(gw Gateway, chats ChatUpdater, b *bus.Bus, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		gw:        gw,
		chats:     chats,
		bus:       b,
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		timelines: make(map[string][]store.Message),
		refetches: make(map[string]refetch),
	}
}

// SetDevice switches the device whose chats are served, dropping every window.
func (s *Store) SetDevice(id string) {
	s.mu.Lock()
	if s.device == id {
		s.mu.Unlock()
		return
	}
	s.device = id
	s.timelines = make(map[string][]store.Message)
	pending := s.refetches
	s.refetches = make(map[string]refetch)
	s.mu.Unlock()

	for _, r := range pending {
		r.handle.Stop()
	}
}

// Device returns the device whose chats are served.
func (s *Store) Device() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// Messages returns the window of chatID and whether it is materialized.
func (s *Store) Messages(chatID string) ([]store.Message, bool) {
	chatID = wa.CanonicalAddress(chatID)
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.timelines[chatID]
	return slices.Clone(msgs), ok
}

// Fetch replaces the window of chatID with the latest messages from the gateway, oldest
// first, and materializes it. On error the previous window is kept.
func (s *Store) Fetch(ctx context.Context, chatID string) ([]store.Message, error) {
	return s.fetch(ctx, wa.CanonicalAddress(chatID), false)
}

func (s *Store) fetch(ctx context.Context, chatID string, onlyMaterialized bool) ([]store.Message, error) {
	device := s.Device()
	if device == "" {
		return nil, ErrNoDevice
	}

	envs, err := s.gw.FetchMessages(ctx, device, chatID, s.cfg.WindowSize)
	if err != nil {
		return nil, fmt.Errorf("fetch messages for %s: %w", chatID, err)
	}

	window := make([]store.Message, 0, len(envs))
	for _, env := range envs {
		m := env.ToStoreMessage()
		m.ChatID = chatID
		window = append(window, m)
	}
	sortMessages(window)
	if len(window) > s.cfg.WindowSize {
		window = window[len(window)-s.cfg.WindowSize:]
	}

	s.mu.Lock()
	if s.device != device || s.closed {
		s.mu.Unlock()
		return window, nil
	}
	if _, ok := s.timelines[chatID]; onlyMaterialized && !ok {
		s.mu.Unlock()
		return window, nil
	}
	s.timelines[chatID] = window
	s.mu.Unlock()

	s.logger.Debug("timeline fetched", zap.String("chat_id", chatID), zap.Int("messages", len(window)))
	s.bus.Emit(bus.TimelineChanged, Changed{ChatID: chatID})
	return slices.Clone(window), nil
}

// Send shows text in chatID right away, records it on the owning chat, and sends it. On
// success the window is re-fetched after a delay; on failure the optimistic entry stays and
// the error is returned. Nothing is retried.
func (s *Store) Send(ctx context.Context, chatID, text string) (store.Message, error) {
	chatID = wa.CanonicalAddress(chatID)
	if strings.TrimSpace(text) == "" {
		return store.Message{}, ErrEmptyMessage
	}
	device := s.Device()
	if device == "" {
		return store.Message{}, ErrNoDevice
	}

	msg := store.Message{
		ID:        "local-" + uuid.NewString(),
		ChatID:    chatID,
		Direction: store.DirectionOutbound,
		Body:      text,
		SentAt:    time.Now(),
		Kind:      store.KindText,
		Pending:   true,
	}

	s.mu.Lock()
	window, materialized := s.timelines[chatID]
	if materialized {
		next := append(slices.Clone(window), msg)
		s.timelines[chatID] = s.trim(next)
	}
	s.mu.Unlock()

	if materialized {
		s.bus.Emit(bus.TimelineChanged, Changed{ChatID: chatID})
	}
	if s.chats != nil {
		s.chats.ApplyOutbound(chatID, text, msg.SentAt)
	}

	if _, err := s.gw.SendText(ctx, device, chatID, text); err != nil {
		metrics.MessagesSent.WithLabelValues("error").Inc()
		s.logger.Warn("send failed", zap.String("chat_id", chatID), zap.Error(err))
		s.bus.Emit(bus.MessageSendFailed, SendFailed{ChatID: chatID, MessageID: msg.ID, Err: err})
		return msg, fmt.Errorf("send to %s: %w", chatID, err)
	}

	metrics.MessagesSent.WithLabelValues("ok").Inc()
	s.logger.Info("message sent", zap.String("chat_id", chatID))
	s.scheduleRefetch(chatID)
	return msg, nil
}

// ApplyInbound appends a live message to its chat's window if that window is materialized.
// It reports whether the message was appended.
func (s *Store) ApplyInbound(env wa.Envelope) bool {
	chatID := wa.CanonicalAddress(env.ChatID)
	m := env.ToStoreMessage()
	m.ChatID = chatID

	s.mu.Lock()
	window, ok := s.timelines[chatID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if m.ID != "" && slices.ContainsFunc(window, func(x store.Message) bool { return x.ID == m.ID }) {
		s.mu.Unlock()
		return false
	}
	next := append(slices.Clone(window), m)
	sortMessages(next)
	s.timelines[chatID] = s.trim(next)
	s.mu.Unlock()

	s.bus.Emit(bus.TimelineChanged, Changed{ChatID: chatID})
	return true
}

// Release drops the window of chatID and its pending re-fetch.
func (s *Store) Release(chatID string) {
	chatID = wa.CanonicalAddress(chatID)
	s.mu.Lock()
	delete(s.timelines, chatID)
	r := s.refetches[chatID]
	delete(s.refetches, chatID)
	s.mu.Unlock()

	r.handle.Stop()
}

// Close stops every pending re-fetch and waits for them.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.cancel()
	pending := s.refetches
	s.refetches = make(map[string]refetch)
	s.mu.Unlock()

	for _, r := range pending {
		r.handle.Stop()
	}
}

// scheduleRefetch replaces any pending re-fetch of chatID with a fresh one.
func (s *Store) scheduleRefetch(chatID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	old := s.refetches[chatID]
	s.seq++
	seq := s.seq
	h := timer.After(s.ctx, s.cfg.RefetchDelay, func(ctx context.Context) {
		defer s.forgetRefetch(chatID, seq)
		if _, err := s.fetch(ctx, chatID, true); err != nil && ctx.Err() == nil {
			s.logger.Warn("re-fetch after send", zap.String("chat_id", chatID), zap.Error(err))
		}
	})
	s.refetches[chatID] = refetch{seq: seq, handle: h}
	s.mu.Unlock()

	old.handle.Stop()
}

func (s *Store) forgetRefetch(chatID string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.refetches[chatID]; ok && r.seq == seq {
		delete(s.refetches, chatID)
	}
}

func (s *Store) trim(window []store.Message) []store.Message {
	if len(window) > s.cfg.WindowSize {
		return window[len(window)-s.cfg.WindowSize:]
	}
	return window
}

func sortMessages(msgs []store.Message) {
	slices.SortStableFunc(msgs, func(a, b store.Message) int {
		return a.SentAt.Compare(b.SentAt)
	})
}
