package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vmslink/internal/client"
	"vmslink/internal/failure"
	"vmslink/internal/transport"
	"vmslink/pkg/models"
)

var ErrStreamClosed = errors.New("stream is closed")

// Stream is one subscriber's view of an open video stream. It owns the
// restart decision for its transport: a quick retry resumes the transport,
// a full restart requests the stream again, both after the stability
// controller's failure interval.
type Stream struct {
	id      string
	s       *Session
	req     models.StreamRequest
	onFrame func(*models.Frame)
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	vs          models.VideoStream
	t           transport.Transport
	closed      bool
	restarting  bool
	restarts    int
	lastFailure time.Time // failure time of the transport a full restart replaced
	// pending holds a restart requested while the transport was not yet
	// recorded or another restart was running.
	pending transport.RestartKind
}

// OpenStream requests a stream and attaches to its transport, reusing a
// pooled one when the server answers with a video id that is already open.
// While the challenge pool is halted it fails with an AuthExhaustion error.
// onFrame is called for every frame, from the transport's goroutine.
func (s *Session) OpenStream(ctx context.Context, req models.StreamRequest, onFrame func(*models.Frame)) (*Stream, error) {
	if !s.Active() {
		return nil, ErrNotConnected
	}
	st := &Stream{
		id:      uuid.NewString(),
		s:       s,
		req:     req,
		onFrame: onFrame,
		log:     s.log.With("camera_id", req.CameraID),
	}
	st.ctx, st.cancel = context.WithCancel(s.ctx)
	if err := st.open(ctx); err != nil {
		st.cancel()
		return nil, err
	}
	s.track(st)
	return st, nil
}

func (st *Stream) open(ctx context.Context) error {
	if st.s.Halted() {
		// Commands would go out unsigned and be refused; wait for the
		// challenge pool to recover.
		return failure.AuthExhaustion(client.CmdRequestStream)
	}
	st.mu.Lock()
	req, lastFailure := st.req, st.lastFailure
	st.mu.Unlock()
	vs, err := st.s.Client.RequestStream(ctx, req)
	if err != nil {
		return err
	}
	t, err := st.s.attach(vs, st.id, st, lastFailure)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		st.s.release(vs, st.id, true)
		return ErrStreamClosed
	}
	st.vs, st.t = vs, t
	var pending transport.RestartKind
	if !st.restarting {
		pending, st.pending = st.pending, 0
	}
	st.mu.Unlock()
	st.log.Info("stream open", "video_id", vs.VideoID, "method", vs.Method)
	if pending != 0 {
		go st.restart(pending)
	}
	return nil
}

// attach subscribes o to the transport serving vs, creating and starting
// one if the pool has none. lastFailure seeds the restart cooldown of the
// transport before it starts.
func (s *Session) attach(vs models.VideoStream, id string, o any, lastFailure time.Time) (transport.Transport, error) {
	if t, ok := s.Pool.Acquire(vs.CameraID, vs.VideoID); ok {
		seedFailure(t, lastFailure)
		if err := t.Subscribe(id, o); err != nil {
			s.Pool.Release(vs.CameraID, vs.VideoID)
			return nil, err
		}
		return t, nil
	}

	var t transport.Transport
	switch vs.Method {
	case models.MethodPush:
		t = transport.NewPush(vs, s.Stability, s.Active, s.transportOptions(), s.log)
	default:
		t = transport.NewPoll(vs, s.video, s.Stability, s.transportOptions(), s.log)
	}
	seedFailure(t, lastFailure)
	if err := t.Subscribe(id, o); err != nil {
		return nil, err
	}
	if err := s.Pool.AddCamera(vs.CameraID, vs.VideoID, t); err != nil {
		// Another stream pooled the same video id first.
		t.Close()
		return s.attach(vs, id, o, lastFailure)
	}
	if err := t.Start(s.ctx); err != nil {
		s.Pool.RemoveCamera(vs.CameraID, vs.VideoID)
		t.Close()
		s.closeRemote(vs.VideoID)
		return nil, err
	}
	return t, nil
}

func seedFailure(t transport.Transport, at time.Time) {
	if fh, ok := t.(transport.FailureHistory); ok && !at.IsZero() {
		fh.SeedLastFailure(at)
	}
}

// release detaches subscriber id. The last subscriber closes the transport
// and, when remote is set, the server-side stream.
func (s *Session) release(vs models.VideoStream, id string, remote bool) {
	if t, ok := s.Pool.GetCameraByVideoID(vs.VideoID); ok {
		t.Unsubscribe(id)
	}
	t, last := s.Pool.Release(vs.CameraID, vs.VideoID)
	if !last {
		return
	}
	t.Close()
	if remote {
		s.closeRemote(vs.VideoID)
	}
}

func (s *Session) closeRemote(videoID string) {
	if !s.Active() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.Client.Config.Timeout)
	defer cancel()
	if _, err := s.Client.CloseStream(ctx, videoID); err != nil {
		s.log.Warn("close stream failed", "video_id", videoID, "error", err)
	}
}

func (st *Stream) ID() string { return st.id }

func (st *Stream) VideoStream() models.VideoStream {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.vs
}

func (st *Stream) Transport() transport.Transport {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.t
}

// Restarts returns how many full restarts the stream went through.
func (st *Stream) Restarts() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.restarts
}

// LastFrame returns the newest frame of the current transport, or nil.
func (st *Stream) LastFrame() *models.Frame {
	if t := st.Transport(); t != nil {
		return t.LastFrame()
	}
	return nil
}

// Resize asks the server to scale the stream's frames to width x height.
// Every subscriber of a shared transport sees the new size.
func (st *Stream) Resize(ctx context.Context, width, height int) error {
	st.mu.Lock()
	vs, closed := st.vs, st.closed
	if !closed {
		st.req.Width, st.req.Height = width, height
	}
	st.mu.Unlock()
	if closed {
		return ErrStreamClosed
	}
	_, err := st.s.Client.ChangeStream(ctx, vs.VideoID, width, height)
	return err
}

// Close detaches from the transport and closes the server-side stream if no
// other subscriber uses it. It is idempotent.
func (st *Stream) Close() {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	vs, t := st.vs, st.t
	st.t = nil
	st.mu.Unlock()

	st.cancel()
	st.s.untrack(st)
	if t != nil {
		st.s.release(vs, st.id, true)
	}
}

// closeLocal is Close without server traffic, used while the session
// disconnects anyway.
func (st *Stream) closeLocal() {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	vs, t := st.vs, st.t
	st.t = nil
	st.mu.Unlock()

	st.cancel()
	st.s.untrack(st)
	if t != nil {
		st.s.release(vs, st.id, false)
	}
}

func (st *Stream) OnFrame(f *models.Frame) {
	if st.onFrame != nil {
		st.onFrame(f)
	}
}

func (st *Stream) OnTransportError(err error) {
	st.log.Debug("transport error", "error", err)
}

func (st *Stream) OnConnectionDown() {
	st.log.Info("video connection down")
}

func (st *Stream) OnConnectionUp() {
	st.log.Debug("video connection up")
}

func (st *Stream) OnRestartRequested(kind transport.RestartKind) {
	go st.restart(kind)
}

func (st *Stream) restart(kind transport.RestartKind) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	if st.restarting || st.t == nil {
		st.pending = max(st.pending, kind)
		st.mu.Unlock()
		return
	}
	st.restarting = true
	st.pending = 0
	vs, t := st.vs, st.t
	if kind != transport.RestartRetry {
		// Detach before releasing so a concurrent Close does not release the
		// same subscription again.
		st.t = nil
		st.restarts++
	}
	st.mu.Unlock()
	defer func() {
		st.mu.Lock()
		st.restarting = false
		next := st.pending
		st.pending = 0
		run := next != 0 && !st.closed && st.t != nil
		st.mu.Unlock()
		if run {
			go st.restart(next)
		}
	}()

	delay := st.s.Stability.RequestIntervalOnFailure()
	if kind == transport.RestartRetry {
		st.log.Debug("retrying stream", "video_id", vs.VideoID, "delay", delay)
		t.Resume(delay)
		return
	}

	st.log.Info("restarting stream", "video_id", vs.VideoID, "delay", delay)
	if fh, ok := t.(transport.FailureHistory); ok {
		at := fh.LastFailure()
		st.mu.Lock()
		st.lastFailure = at
		st.mu.Unlock()
	}
	st.s.release(vs, st.id, true)

	for {
		select {
		case <-st.ctx.Done():
			return
		case <-time.After(delay):
		}
		err := st.open(st.ctx)
		if err == nil || errors.Is(err, ErrStreamClosed) {
			return
		}
		st.log.Warn("stream restart failed", "error", err)
		delay = st.s.Stability.RequestIntervalOnFailure()
	}
}
