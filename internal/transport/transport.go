package transport

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"vmslink/pkg/models"
)

var (
	ErrEmptyResponse  = errors.New("empty frame response")
	ErrRequestTimeout = errors.New("frame request timed out")
)

// State is the lifecycle state of a transport.
type State int

const (
	StateNotOpened State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNotOpened:
		return "not-opened"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport delivers the frames of one open video stream to its subscribers.
type Transport interface {
	// Start begins delivery. It fails when the transport is closed or the
	// push channel cannot be opened.
	Start(ctx context.Context) error
	// Resume retries delivery on the same stream after delay, following a
	// RestartRetry request.
	Resume(delay time.Duration)
	// Close stops delivery and cancels pending work. It is idempotent.
	Close()

	// Subscribe registers o under id. o must implement at least one of the
	// observer interfaces.
	Subscribe(id string, o any) error
	Unsubscribe(id string)

	// LastFrame returns the most recently received frame, or nil.
	LastFrame() *models.Frame
	State() State
	Stream() models.VideoStream
	// Frames returns the number of frames delivered so far.
	Frames() uint64
}

// FailureHistory is implemented by transports whose restart requests depend
// on when the previous failure happened. An owner replacing such a transport
// seeds the replacement with the old one's failure time.
type FailureHistory interface {
	LastFailure() time.Time
	SeedLastFailure(t time.Time)
}

// Options tunes the video transports.
type Options struct {
	// RequestTimeout bounds a single frame request or WebSocket handshake.
	RequestTimeout time.Duration
	// BrokenDownRecheck is how often a deferred poll re-checks the command
	// channel.
	BrokenDownRecheck time.Duration
	// EmptyFrameGrowth and EmptyFrameJitter shape the backoff after empty
	// live frames.
	EmptyFrameGrowth float64
	EmptyFrameJitter time.Duration

	KeepAliveInterval time.Duration
	// RestartCooldown separates a quick retry from a full restart: a push
	// channel failing again within it asks for a retry only.
	RestartCooldown time.Duration

	InsecureSkipVerify bool
}

func DefaultOptions() Options {
	return Options{
		RequestTimeout:    20 * time.Second,
		BrokenDownRecheck: 100 * time.Millisecond,
		EmptyFrameGrowth:  1.32,
		EmptyFrameJitter:  10 * time.Millisecond,
		KeepAliveInterval: 10 * time.Second,
		RestartCooldown:   5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	if o.BrokenDownRecheck <= 0 {
		o.BrokenDownRecheck = d.BrokenDownRecheck
	}
	if o.EmptyFrameGrowth <= 1 {
		o.EmptyFrameGrowth = d.EmptyFrameGrowth
	}
	if o.EmptyFrameJitter < 0 {
		o.EmptyFrameJitter = 0
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = d.KeepAliveInterval
	}
	if o.RestartCooldown <= 0 {
		o.RestartCooldown = d.RestartCooldown
	}
	return o
}

// uniformJitter returns a source of durations in [-spread, spread].
func uniformJitter(spread time.Duration) func() time.Duration {
	return func() time.Duration {
		if spread <= 0 {
			return 0
		}
		return time.Duration(rand.Int63n(int64(2*spread)+1)) - spread
	}
}
