// Package watch runs snapshot delivery loops for store subscriptions.
package watch

import (
	"context"
	"sync"
	"time"
)

// Watcher calls its tick function on a dedicated goroutine: once at start,
// after every Kick (bursts coalesce) and every interval when interval > 0.
// It implements core.Subscription.
type Watcher struct {
	kick   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	onStop func()
}

func Run(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) *Watcher {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		kick:   make(chan struct{}, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.loop(ctx, interval, tick)
	return w
}

func (w *Watcher) loop(ctx context.Context, interval time.Duration, tick func(ctx context.Context)) {
	defer close(w.done)

	var tc <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tc = t.C
	}

	deliver := func() {
		if ctx.Err() != nil {
			return
		}
		tick(ctx)
	}

	deliver()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.kick:
			deliver()
		case <-tc:
			deliver()
		}
	}
}

// Kick schedules a delivery without blocking.
func (w *Watcher) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// OnStop registers fn to run once when the watcher is unsubscribed, before
// waiting for the loop to exit.
func (w *Watcher) OnStop(fn func()) { w.onStop = fn }

// Done is closed when the delivery goroutine exits.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Unsubscribe stops the loop and waits for the in-flight delivery, if any.
// It must not be called from inside tick.
func (w *Watcher) Unsubscribe() {
	w.once.Do(func() {
		if w.onStop != nil {
			w.onStop()
		}
		w.cancel()
		<-w.done
	})
}
