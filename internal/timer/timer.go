package timer

import (
	"context"
	"time"
)

// Handle owns one timer-driven goroutine. Stop cancels it and waits for it to exit,
// so once Stop returns the callback will not run again.
//
// Stop must not be called from inside the handle's own callback; return false from an
// Every callback instead.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Every runs fn every interval until fn returns false, the parent context is cancelled,
// or the handle is stopped. The first run happens after one interval.
func Every(parent context.Context, interval time.Duration, fn func(ctx context.Context) bool) *Handle {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer cancel()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				if !fn(ctx) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return h
}

// After runs fn once after delay unless the handle is stopped first.
func After(parent context.Context, delay time.Duration, fn func(ctx context.Context)) *Handle {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer cancel()
		t := time.NewTimer(delay)
		defer t.Stop()

		select {
		case <-t.C:
			if ctx.Err() == nil {
				fn(ctx)
			}
		case <-ctx.Done():
		}
	}()

	return h
}

// Stop cancels the timer and blocks until its goroutine has returned. Safe on a nil
// receiver and safe to call more than once.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.cancel()
	<-h.done
}

// Done is closed once the timer goroutine has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Sleep waits for d or until ctx is done. Returns false if ctx ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
