package channel

import (
	"log/slog"
	"sync"
)

// writer persists catalog snapshots in the background. Snapshots queued while
// a save is in flight are coalesced: only the newest one is written next.
// flush waits until everything queued so far has been handled.
type writer struct {
	store Store
	log   *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Channel
	queued  uint64
	written uint64
	lastErr error
	closed  bool

	kick chan struct{}
	done chan struct{}
}

func newWriter(store Store, log *slog.Logger) *writer {
	w := &writer{
		store: store,
		log:   log,
		kick:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *writer) enqueue(snapshot []Channel) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		if err := w.store.Save(snapshot); err != nil {
			w.log.Error("save channel catalog failed", slog.String("error", err.Error()))
		}
		return
	}
	w.pending = snapshot
	w.queued++
	select {
	case w.kick <- struct{}{}:
	default:
	}
	w.mu.Unlock()
}

func (w *writer) run() {
	defer close(w.done)
	for range w.kick {
		w.drain()
	}
	w.drain()
}

func (w *writer) drain() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.written < w.queued {
		snapshot, seq := w.pending, w.queued
		w.pending = nil
		w.mu.Unlock()

		err := w.store.Save(snapshot)
		if err != nil {
			w.log.Error("save channel catalog failed", slog.String("error", err.Error()))
		} else {
			w.log.Debug("channel catalog saved", slog.Int("channels", len(snapshot)))
		}

		w.mu.Lock()
		w.lastErr = err
		w.written = seq
		w.cond.Broadcast()
	}
}

func (w *writer) flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	target := w.queued
	for w.written < target {
		w.cond.Wait()
	}
	return w.lastErr
}

func (w *writer) close() error {
	w.mu.Lock()
	if w.closed {
		err := w.lastErr
		w.mu.Unlock()
		return err
	}
	w.closed = true
	w.mu.Unlock()

	close(w.kick)
	<-w.done
	return w.flush()
}
