package inventory

import (
	"log/slog"
	"sync"

	"github.com/keglevelmonitor/development-sub000/internal/logging"
)

// Saver persists keg snapshots. *Store implements it.
type Saver interface {
	Save(kegs ...Keg) error
}

// Writer persists keg snapshots off the sensor loop.
//
// Each keg has a pending slot of depth one: a newer snapshot replaces an
// unwritten older one. Snapshots carry cumulative totals, so dropping an
// intermediate one loses nothing. Writes never run concurrently. A failed
// write stays pending and is retried on the next Submit, Retry or Flush.
type Writer struct {
	saver  Saver
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]Keg

	wake     chan struct{}
	flushReq chan chan error
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once

	// OnError, if set, is called after every failed write.
	OnError func(error)
}

// NewWriter starts the writer goroutine.
func NewWriter(saver Saver, logger *slog.Logger) *Writer {
	logger = logging.Default(logger)
	w := &Writer{
		saver:    saver,
		logger:   logger.With("component", "inventory-writer"),
		pending:  make(map[string]Keg),
		wake:     make(chan struct{}, 1),
		flushReq: make(chan chan error),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// Submit queues a snapshot of k. It never blocks on I/O.
func (w *Writer) Submit(k Keg) {
	w.mu.Lock()
	w.pending[k.ID] = k
	w.mu.Unlock()
	w.Retry()
}

// Retry wakes the writer to write whatever is pending. It never blocks.
func (w *Writer) Retry() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of snapshots not yet written.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Flush writes everything pending and waits for the result.
func (w *Writer) Flush() error {
	reply := make(chan error, 1)
	select {
	case w.flushReq <- reply:
		return <-reply
	case <-w.done:
		return w.write()
	}
}

// Close drains pending snapshots and stops the writer.
func (w *Writer) Close() error {
	w.once.Do(func() { close(w.stop) })
	<-w.done
	return w.write()
}

func (w *Writer) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.wake:
			w.write()
		case reply := <-w.flushReq:
			reply <- w.write()
		case <-w.stop:
			return
		}
	}
}

// write is only called from loop, or after loop has exited.
func (w *Writer) write() error {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.pending
	w.pending = make(map[string]Keg)
	w.mu.Unlock()

	kegs := make([]Keg, 0, len(batch))
	for _, k := range batch {
		kegs = append(kegs, k)
	}
	err := w.saver.Save(kegs...)
	if err == nil {
		return nil
	}

	w.logger.Error("persist failed, will retry", "kegs", len(kegs), "error", err)
	w.mu.Lock()
	for id, k := range batch {
		if _, newer := w.pending[id]; !newer {
			w.pending[id] = k
		}
	}
	w.mu.Unlock()
	if w.OnError != nil {
		w.OnError(err)
	}
	return err
}
