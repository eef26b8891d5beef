// Package worker provides the halt-channel goroutine management idiom
// used throughout this tree in place of a single process-wide reactor.
// The long-lived goroutines of session.Session and discovery.Server
// are started with Go and watch HaltCh for their shutdown signal;
// dial.Connect and discovery.Discover stop through their context
// instead.
package worker

import "sync"

// Worker is embedded by types that own one or more background
// goroutines. Halt closes a channel that every goroutine started with
// Go selects on; Wait blocks until all of them have called Done (which
// Go arranges for automatically).
type Worker struct {
	sync.WaitGroup

	haltOnce sync.Once
	haltedCh chan struct{}
}

func (w *Worker) init() {
	if w.haltedCh == nil {
		w.haltedCh = make(chan struct{})
	}
}

// Go starts fn in a new goroutine, counted by the embedded WaitGroup.
func (w *Worker) Go(fn func()) {
	w.init()
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// HaltCh returns the channel that is closed when Halt is called.
// Goroutines started with Go must select on it to notice shutdown.
func (w *Worker) HaltCh() <-chan struct{} {
	w.init()
	return w.haltedCh
}

// Halt closes the halt channel exactly once. It does not block; call
// Wait afterwards to block until all goroutines have returned.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltedCh)
	})
}

// IsHalted reports whether Halt has been called.
func (w *Worker) IsHalted() bool {
	w.init()
	select {
	case <-w.haltedCh:
		return true
	default:
		return false
	}
}
