package transport

import (
	"context"
	"crypto/tls"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"vmslink/internal/failure"
	"vmslink/internal/frame"
	"vmslink/internal/stability"
	"vmslink/pkg/models"
)

// Push receives frames over a WebSocket the server writes to as frames are
// produced. The only outbound traffic is an empty keep-alive message.
type Push struct {
	stream models.VideoStream
	dialer *websocket.Dialer
	stab   *stability.Controller
	opts   Options
	log    *slog.Logger
	subs   registry
	active func() bool
	frames atomic.Uint64

	writeMu sync.Mutex

	mu          sync.Mutex
	now         func() time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	state       State
	conn        *websocket.Conn
	lastFailure time.Time
	last        *models.Frame
	resume      *time.Timer
}

// NewPush creates a push transport for stream. active reports whether the
// owning connection is still logged in; restarts are only requested while it
// is. A nil active counts as always active.
func NewPush(stream models.VideoStream, stab *stability.Controller, active func() bool, opts Options, log *slog.Logger) *Push {
	if log == nil {
		log = slog.Default()
	}
	if active == nil {
		active = func() bool { return true }
	}
	opts = opts.withDefaults()
	d := &websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: opts.RequestTimeout,
	}
	if opts.InsecureSkipVerify {
		d.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Push{
		stream: stream,
		dialer: d,
		stab:   stab,
		opts:   opts,
		log:    log.With("component", "push-transport", "video_id", stream.VideoID),
		active: active,
		now:    time.Now,
		state:  StateNotOpened,
	}
}

// LastFailure returns when the channel last went down, or the zero time.
func (p *Push) LastFailure() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFailure
}

// SeedLastFailure carries the failure time of a transport this one replaces,
// so a channel that keeps dropping across full restarts still falls within
// the restart cooldown. An earlier time than the one recorded is ignored.
func (p *Push) SeedLastFailure(t time.Time) {
	p.mu.Lock()
	if t.After(p.lastFailure) {
		p.lastFailure = t
	}
	p.mu.Unlock()
}

// SetClock replaces the time source. For tests.
func (p *Push) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

func (p *Push) Stream() models.VideoStream { return p.stream }

func (p *Push) Frames() uint64 { return p.frames.Load() }

func (p *Push) Subscribe(id string, o any) error { return p.subs.add(id, o) }

func (p *Push) Unsubscribe(id string) { p.subs.remove(id) }

func (p *Push) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Push) LastFrame() *models.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Start opens the WebSocket. Cancelling ctx closes the transport.
func (p *Push) Start(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateClosed:
		p.mu.Unlock()
		return ErrClosed
	case StateRunning:
		p.mu.Unlock()
		return nil
	}
	if p.ctx == nil {
		p.ctx, p.cancel = context.WithCancel(ctx)
		done := p.ctx.Done()
		go func() {
			<-done
			p.Close()
		}()
	}
	p.mu.Unlock()
	return p.open()
}

func (p *Push) open() error {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()

	conn, _, err := p.dialer.DialContext(ctx, p.stream.URL, nil)
	if err != nil {
		return failure.Transport(p.stream.URL, err)
	}

	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	p.state = StateRunning
	p.conn = conn
	p.mu.Unlock()

	p.log.Debug("push channel open", "url", p.stream.URL)
	p.subs.up()
	go p.keepAlive(ctx, conn)
	go p.readLoop(conn)
	return nil
}

// Resume reopens the channel after delay if it is down.
func (p *Push) Resume(delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateNotOpened || p.ctx == nil {
		return
	}
	if p.resume != nil {
		p.resume.Stop()
	}
	p.resume = time.AfterFunc(delay, func() {
		if p.State() != StateNotOpened {
			return
		}
		if err := p.open(); err != nil && p.State() != StateClosed {
			p.failed(err)
		}
	})
}

// Close is idempotent. It closes the channel without requesting a restart.
func (p *Push) Close() {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateClosed
	conn, cancel := p.conn, p.cancel
	p.conn = nil
	if p.resume != nil {
		p.resume.Stop()
	}
	p.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	p.log.Debug("push transport closed")
}

func (p *Push) keepAlive(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(p.opts.KeepAliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		p.mu.Lock()
		current := p.conn == conn
		p.mu.Unlock()
		if !current {
			return
		}
		p.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(p.opts.RequestTimeout))
		err := conn.WriteMessage(websocket.BinaryMessage, nil)
		p.writeMu.Unlock()
		if err != nil {
			p.log.Debug("keep-alive failed", "error", err)
			return
		}
	}
}

func (p *Push) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			p.channelClosed(conn, err)
			return
		}
		if len(data) == 0 {
			continue
		}
		f, err := frame.Decode(data, p.stream.DataType)
		if err != nil {
			p.log.Warn("undecodable frame", "error", err)
			p.subs.error(failure.Protocol(p.stream.URL, err))
			continue
		}
		p.mu.Lock()
		p.last = f
		p.mu.Unlock()
		p.frames.Add(1)
		p.subs.frame(f)
	}
}

// channelClosed handles the end of a running channel.
func (p *Push) channelClosed(conn *websocket.Conn, err error) {
	p.mu.Lock()
	if p.conn != conn || p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	p.state = StateNotOpened
	p.conn = nil
	p.mu.Unlock()
	conn.Close()

	p.failed(failure.Transport(p.stream.URL, err))
}

// failed reports err and, when the connection is still logged in, asks the
// owner to restart: a retry when the previous failure is within the
// cooldown, a full restart otherwise.
func (p *Push) failed(err error) {
	p.mu.Lock()
	now := p.now()
	kind := RestartFull
	if !p.lastFailure.IsZero() && now.Sub(p.lastFailure) < p.opts.RestartCooldown {
		kind = RestartRetry
	}
	p.lastFailure = now
	p.mu.Unlock()

	p.log.Warn("push channel down", "error", err, "restart", kind)
	if p.stab != nil {
		p.stab.VideoFailure()
	}
	p.subs.error(err)
	if p.active() {
		p.subs.down()
		p.subs.restartRequested(kind)
	}
}
