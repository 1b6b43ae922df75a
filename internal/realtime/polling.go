package realtime

import (
	"context"
	"slices"
	"sync"

	"github.com/matheus3301/wppsync/internal/metrics"
	"github.com/matheus3301/wppsync/internal/timer"
	"github.com/matheus3301/wppsync/internal/wa"
	"go.uber.org/zap"
)

// Poller fetches state for the polling transport.
type Poller interface {
	// PollChats refreshes the device's chat list.
	PollChats(ctx context.Context, deviceID string) error
	// PollMessages returns the recent messages of one chat.
	PollMessages(ctx context.Context, deviceID, chatID string) ([]wa.Envelope, error)
}

// pollingTransport is the last resort: a slow timer for the chat list and a fast timer for the
// open chat. It never fails to connect.
type pollingTransport struct {
	deviceID string
	poller   Poller
	cfg      Config
	sink     Sink
	logger   *zap.Logger

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	chats    *timer.Handle
	messages *timer.Handle
	chatID   string
	// seen holds message IDs already observed for chatID; the first poll of a chat only seeds it.
	seen   map[string]struct{}
	seeded bool
}

// NewPollingFactory builds polling transports backed by poller.
func NewPollingFactory(cfg Config, poller Poller, logger *zap.Logger) Factory {
	cfg.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(deviceID string, sink Sink) Transport {
		return &pollingTransport{
			deviceID: deviceID,
			poller:   poller,
			cfg:      cfg,
			sink:     sink,
			logger:   logger.With(zap.String("transport", string(KindPolling))),
		}
	}
}

func (p *pollingTransport) Kind() Kind { return KindPolling }

func (p *pollingTransport) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *pollingTransport) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.chats = timer.Every(p.ctx, p.cfg.ChatPollInterval, p.pollChats)
	if p.chatID != "" {
		p.messages = p.startMessagePoll(p.chatID)
	}
	p.mu.Unlock()

	p.logger.Info("polling started")
	p.sink(Event{Type: EventStatus, Transport: KindPolling, Status: StatusConnected})
	return nil
}

func (p *pollingTransport) Disconnect() {
	p.mu.Lock()
	cancel, chats, messages := p.cancel, p.chats, p.messages
	p.cancel, p.chats, p.messages = nil, nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	chats.Stop()
	messages.Stop()
}

// SetActiveChat cancels the message poll of the previous chat and starts one for chatID
// (none for "").
func (p *pollingTransport) SetActiveChat(chatID string) {
	p.mu.Lock()
	if chatID == p.chatID {
		p.mu.Unlock()
		return
	}
	old := p.messages
	p.messages = nil
	p.chatID = chatID
	p.seen = nil
	p.seeded = false
	if p.cancel != nil && chatID != "" {
		p.messages = p.startMessagePoll(chatID)
	}
	p.mu.Unlock()

	// Outside the lock: the old loop may be waiting for it.
	old.Stop()
}

// startMessagePoll must be called with p.mu held.
func (p *pollingTransport) startMessagePoll(chatID string) *timer.Handle {
	return timer.Every(p.ctx, p.cfg.MessagePollInterval, func(ctx context.Context) bool {
		p.pollMessages(ctx, chatID)
		return true
	})
}

func (p *pollingTransport) pollChats(ctx context.Context) bool {
	if err := p.poller.PollChats(ctx, p.deviceID); err != nil && ctx.Err() == nil {
		p.logger.Warn("chat list poll failed", zap.Error(err))
	}
	return true
}

func (p *pollingTransport) pollMessages(ctx context.Context, chatID string) {
	msgs, err := p.poller.PollMessages(ctx, p.deviceID, chatID)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("message poll failed", zap.String("chat_id", chatID), zap.Error(err))
		}
		return
	}

	p.mu.Lock()
	if p.chatID != chatID || ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	if p.seen == nil {
		p.seen = make(map[string]struct{}, len(msgs))
	}
	var fresh []wa.Envelope
	for _, m := range msgs {
		if _, ok := p.seen[m.MessageID]; ok {
			continue
		}
		p.seen[m.MessageID] = struct{}{}
		if p.seeded {
			fresh = append(fresh, m)
		}
	}
	p.seeded = true
	p.mu.Unlock()

	slices.SortStableFunc(fresh, func(a, b wa.Envelope) int { return a.SentAt.Compare(b.SentAt) })

	for i := range fresh {
		if ctx.Err() != nil {
			return
		}
		metrics.MessagesReceived.WithLabelValues(string(KindPolling)).Inc()
		p.sink(Event{Type: EventMessage, Transport: KindPolling, Message: &fresh[i]})
	}
}
