package flasher

import (
	"sync"
)

// DefaultEventBuffer is the channel capacity used by NewAdapter when size <= 0.
const DefaultEventBuffer = 64

// Adapter is the Callback registered with a Backend. Every call becomes an
// Event on the channel returned by Events.
type Adapter struct {
	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	bound     Backend
	closeOnce sync.Once
}

var _ Callback = (*Adapter)(nil)

// NewAdapter returns an unbound adapter whose event channel buffers size events.
func NewAdapter(size int) *Adapter {
	if size <= 0 {
		size = DefaultEventBuffer
	}
	return &Adapter{
		events: make(chan Event, size),
		done:   make(chan struct{}),
	}
}

// Bind registers the adapter with b. Binding again while bound is a no-op
// that reports success; a failed bind can be retried.
func (a *Adapter) Bind(b Backend) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.bound != nil {
		return true
	}
	if !b.Bind(a) {
		return false
	}
	a.bound = b
	return true
}

// Bound reports whether Bind has succeeded.
func (a *Adapter) Bound() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bound != nil
}

// Events is the stream consumed by the installer.
func (a *Adapter) Events() <-chan Event {
	return a.events
}

func (a *Adapter) OnStatusUpdate(phase Phase, percent int) {
	a.push(StatusEvent(phase, percent))
}

func (a *Adapter) OnFinished(failed bool) {
	a.push(FinishedEvent(failed))
}

// push blocks until the event is queued so terminal events are never lost.
// After Close, events are discarded.
func (a *Adapter) push(e Event) {
	select {
	case <-a.done:
		return
	default:
	}

	select {
	case a.events <- e:
	case <-a.done:
	}
}

// Close unblocks pending pushes. The event channel stays open.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() { close(a.done) })
}
