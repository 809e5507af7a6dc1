package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"vmslink/internal/failure"
	"vmslink/internal/frame"
	"vmslink/internal/stability"
	"vmslink/pkg/models"
)

// Poll fetches one frame per HTTP POST to the stream URL, with at most one
// request scheduled or in flight at any time.
type Poll struct {
	stream models.VideoStream
	http   *resty.Client
	stab   *stability.Controller
	opts   Options
	log    *slog.Logger
	subs   registry
	jitter func() time.Duration
	frames atomic.Uint64

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	state     State
	scheduled bool
	inFlight  bool
	timer     *time.Timer
	abort     context.CancelFunc
	last      *models.Frame
	lastDelay time.Duration

	pacedInterval time.Duration // derived from declared stream pacing
	emptyInterval time.Duration // backoff after empty live frames
}

// NewPoll creates a poll transport for stream. A nil http client gets a
// private one.
func NewPoll(stream models.VideoStream, hc *resty.Client, stab *stability.Controller, opts Options, log *slog.Logger) *Poll {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	if hc == nil {
		hc = resty.New()
	}
	return &Poll{
		stream: stream,
		http:   hc,
		stab:   stab,
		opts:   opts,
		log:    log.With("component", "poll-transport", "video_id", stream.VideoID),
		jitter: uniformJitter(opts.EmptyFrameJitter),
		state:  StateNotOpened,
	}
}

// SetJitter replaces the empty-frame jitter source. For tests.
func (p *Poll) SetJitter(j func() time.Duration) {
	p.mu.Lock()
	p.jitter = j
	p.mu.Unlock()
}

func (p *Poll) Stream() models.VideoStream { return p.stream }

func (p *Poll) Frames() uint64 { return p.frames.Load() }

func (p *Poll) Subscribe(id string, o any) error { return p.subs.add(id, o) }

func (p *Poll) Unsubscribe(id string) { p.subs.remove(id) }

func (p *Poll) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poll) LastFrame() *models.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Start issues the first frame request. Cancelling ctx closes the transport.
func (p *Poll) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.state == StateRunning {
		p.mu.Unlock()
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.state = StateRunning
	done := p.ctx.Done()
	p.mu.Unlock()

	go func() {
		<-done
		p.Close()
	}()
	p.log.Debug("poll transport started", "url", p.stream.URL)
	p.schedule(0)
	return nil
}

// Resume schedules the next request after delay if nothing is pending.
func (p *Poll) Resume(delay time.Duration) {
	p.schedule(delay)
}

// Close is idempotent. It stops the scheduled request and aborts the one in
// flight.
func (p *Poll) Close() {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateClosed
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.scheduled = false
	abort, cancel := p.abort, p.cancel
	p.mu.Unlock()

	if abort != nil {
		abort()
	}
	if cancel != nil {
		cancel()
	}
	p.log.Debug("poll transport closed")
}

// canRunLocked reports whether a new request may be scheduled: the
// transport is running and no request is scheduled or in flight.
func (p *Poll) canRunLocked() bool {
	return p.state == StateRunning && !p.scheduled && !p.inFlight
}

func (p *Poll) schedule(delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.canRunLocked() {
		return
	}
	p.scheduled = true
	p.lastDelay = delay
	p.timer = time.AfterFunc(delay, p.fire)
}

// fire runs when the scheduled delay expires. While the command channel is
// broken down the request is deferred, not issued.
func (p *Poll) fire() {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	if p.stab != nil && p.stab.IsBrokenDown() {
		p.timer = time.AfterFunc(p.opts.BrokenDownRecheck, p.fire)
		p.mu.Unlock()
		return
	}
	p.scheduled = false
	p.inFlight = true
	ctx, abort := context.WithTimeout(p.ctx, p.opts.RequestTimeout)
	p.abort = abort
	p.mu.Unlock()

	f, err := p.fetch(ctx)
	abort()

	p.mu.Lock()
	p.inFlight = false
	p.abort = nil
	closed := p.state != StateRunning
	p.mu.Unlock()
	if closed {
		return
	}

	if err != nil {
		p.fail(err)
		return
	}
	p.deliver(f)
	p.schedule(p.nextInterval(f))
}

func (p *Poll) fetch(ctx context.Context) (*models.Frame, error) {
	resp, err := p.http.R().SetContext(ctx).Post(p.stream.URL)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, failure.Transport(p.stream.URL, ErrRequestTimeout)
		}
		return nil, failure.Transport(p.stream.URL, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &failure.Error{
			Kind: failure.KindTransport,
			Op:   p.stream.URL,
			Code: fmt.Sprint(resp.StatusCode()),
			Err:  fmt.Errorf("unexpected status %s", resp.Status()),
		}
	}
	body := resp.Body()
	if len(body) == 0 {
		return nil, failure.Transport(p.stream.URL, ErrEmptyResponse)
	}
	f, err := frame.Decode(body, p.stream.DataType)
	if err != nil {
		return nil, failure.Protocol(p.stream.URL, err)
	}
	return f, nil
}

func (p *Poll) deliver(f *models.Frame) {
	p.mu.Lock()
	p.last = f
	p.mu.Unlock()
	p.frames.Add(1)
	p.subs.frame(f)
}

// fail reports err and leaves the restart decision to the owner. A stream
// the server no longer knows needs a full restart; anything else a retry.
func (p *Poll) fail(err error) {
	p.log.Warn("frame request failed", "error", err)
	if p.stab != nil {
		p.stab.VideoFailure()
	}
	p.subs.error(err)

	kind := RestartRetry
	var fe *failure.Error
	if errors.As(err, &fe) && (fe.Code == "404" || fe.Code == "410") {
		kind = RestartFull
	}
	p.subs.restartRequested(kind)
}

// nextInterval picks the delay before the next request from what f carried.
// Declared pacing wins and is remembered. Empty live frames back off
// geometrically up to the stability controller's maximum. Otherwise the
// shared request interval applies.
func (p *Poll) nextInterval(f *models.Frame) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if iv := f.Stream.Interval(); iv > 0 {
		p.pacedInterval = iv * 2 / 3
		return p.pacedInterval
	}
	if p.pacedInterval > 0 {
		return p.pacedInterval
	}

	current := p.currentInterval()
	if p.stream.SignalType == models.SignalLive && f.Empty() {
		prev := max(p.emptyInterval, current)
		next := time.Duration(float64(prev)*p.opts.EmptyFrameGrowth) + p.jitter()
		p.emptyInterval = min(next, p.maxInterval())
		return p.emptyInterval
	}
	p.emptyInterval = 0
	return current
}

func (p *Poll) currentInterval() time.Duration {
	if p.stab == nil {
		return stability.DefaultOptions().MinInterval
	}
	return p.stab.CurrentRequestInterval()
}

func (p *Poll) maxInterval() time.Duration {
	if p.stab == nil {
		return stability.DefaultOptions().MaxInterval
	}
	return p.stab.MaxRequestInterval()
}

// scheduledDelay returns the delay of the most recent scheduling.
func (p *Poll) scheduledDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastDelay
}
