// Package transport delivers decoded video frames from an open stream,
// either by polling one frame per HTTP POST or over a pushed WebSocket, and
// deduplicates transports opened for the same camera.
package transport

import (
	"errors"
	"slices"
	"sync"

	"vmslink/pkg/models"
)

var (
	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id.
	ErrSubscriberExists = errors.New("subscriber id already exists")

	// ErrNoCapability is returned when a subscriber implements none of the
	// observer interfaces.
	ErrNoCapability = errors.New("subscriber implements no observer interface")

	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("transport is closed")
)

// FrameObserver receives every decoded frame.
type FrameObserver interface {
	OnFrame(f *models.Frame)
}

// ErrorObserver receives transport failures.
type ErrorObserver interface {
	OnTransportError(err error)
}

// RestartKind tells the owning stream how to recover.
type RestartKind int

const (
	// RestartRetry asks for a quick retry of the same stream: the previous
	// failure was recent.
	RestartRetry RestartKind = iota + 1
	// RestartFull asks for the stream to be requested again from scratch.
	RestartFull
)

func (k RestartKind) String() string {
	switch k {
	case RestartRetry:
		return "retry"
	case RestartFull:
		return "full"
	default:
		return "unknown"
	}
}

// RestartObserver is asked to restart the stream. Transports never restart
// themselves.
type RestartObserver interface {
	OnRestartRequested(kind RestartKind)
}

// StateObserver is told when the connection goes down temporarily and when
// it is back.
type StateObserver interface {
	OnConnectionDown()
	OnConnectionUp()
}

type subscriber struct {
	id      string
	frame   FrameObserver
	err     ErrorObserver
	restart RestartObserver
	state   StateObserver
}

// registry holds a transport's subscribers keyed by id. Delivery iterates a
// snapshot, so a subscriber may unsubscribe from inside a callback.
type registry struct {
	mu   sync.RWMutex
	subs []subscriber
}

func (r *registry) add(id string, o any) error {
	s := subscriber{id: id}
	s.frame, _ = o.(FrameObserver)
	s.err, _ = o.(ErrorObserver)
	s.restart, _ = o.(RestartObserver)
	s.state, _ = o.(StateObserver)
	if s.frame == nil && s.err == nil && s.restart == nil && s.state == nil {
		return ErrNoCapability
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if slices.ContainsFunc(r.subs, func(x subscriber) bool { return x.id == id }) {
		return ErrSubscriberExists
	}
	r.subs = append(r.subs, s)
	return nil
}

// remove reports whether id was subscribed.
func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.subs)
	r.subs = slices.DeleteFunc(r.subs, func(x subscriber) bool { return x.id == id })
	return len(r.subs) != n
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *registry) snapshot() []subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.subs)
}

func (r *registry) frame(f *models.Frame) {
	for _, s := range r.snapshot() {
		if s.frame != nil {
			s.frame.OnFrame(f)
		}
	}
}

func (r *registry) error(err error) {
	for _, s := range r.snapshot() {
		if s.err != nil {
			s.err.OnTransportError(err)
		}
	}
}

func (r *registry) restartRequested(kind RestartKind) {
	for _, s := range r.snapshot() {
		if s.restart != nil {
			s.restart.OnRestartRequested(kind)
		}
	}
}

func (r *registry) down() {
	for _, s := range r.snapshot() {
		if s.state != nil {
			s.state.OnConnectionDown()
		}
	}
}

func (r *registry) up() {
	for _, s := range r.snapshot() {
		if s.state != nil {
			s.state.OnConnectionUp()
		}
	}
}
