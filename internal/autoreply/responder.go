// Package autoreply answers inbound messages through an external assistant.
package autoreply

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/metrics"
	"github.com/matheus3301/wppsync/internal/store"
	"github.com/matheus3301/wppsync/internal/wa"
	"go.uber.org/zap"
)

// Sender sends a reply through the message store so it shows up optimistically.
type Sender interface {
	Send(ctx context.Context, chatID, text string) (store.Message, error)
}

type Config struct {
	// TypingDelay is waited between drafting a reply and sending it.
	TypingDelay time.Duration
	// Groups enables replies in group chats.
	Groups bool
}

// Responder drafts and sends replies to live inbound messages, one at a time.
type Responder struct {
	replier Replier
	sender  Sender
	bus     *bus.Bus
	cfg     Config
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a responder. A negative TypingDelay disables the wait.
func New(replier Replier, sender Sender, b *bus.Bus, cfg Config, logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TypingDelay == 0 {
		cfg.TypingDelay = 3 * time.Second
	}
	return &Responder{replier: replier, sender: sender, bus: b, cfg: cfg, logger: logger}
}

// Start begins answering rt.message events.
func (r *Responder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe(bus.RealtimeMessage, 64)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsub()
		r.loop(ctx, ch)
	}()
}

// Stop stops the responder and waits for an in-flight reply to finish or abort.
func (r *Responder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Responder) loop(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case evt := <-ch:
			env, ok := evt.Payload.(wa.Envelope)
			if !ok || !r.wants(env) {
				continue
			}
			r.respond(ctx, env)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Responder) wants(env wa.Envelope) bool {
	if env.FromMe || env.Body == "" {
		return false
	}
	return r.cfg.Groups || !wa.IsGroup(env.ChatID)
}

func (r *Responder) respond(ctx context.Context, env wa.Envelope) {
	chatID := wa.CanonicalAddress(env.ChatID)
	reply, err := r.replier.Reply(ctx, Request{
		DeviceID: env.Instance,
		ChatID:   chatID,
		PushName: env.PushName,
		Text:     env.Body,
	})
	if err != nil {
		if ctx.Err() == nil {
			metrics.AutoReplies.WithLabelValues("error").Inc()
			r.logger.Warn("draft reply failed", zap.String("chat_id", chatID), zap.Error(err))
		}
		return
	}
	if reply == "" {
		metrics.AutoReplies.WithLabelValues("skipped").Inc()
		return
	}

	if r.cfg.TypingDelay > 0 {
		t := time.NewTimer(r.cfg.TypingDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	if _, err := r.sender.Send(ctx, chatID, reply); err != nil {
		metrics.AutoReplies.WithLabelValues("error").Inc()
		r.logger.Warn("send reply failed", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	metrics.AutoReplies.WithLabelValues("ok").Inc()
	r.logger.Info("auto reply sent", zap.String("chat_id", chatID), zap.String("message_id", env.MessageID))
}
