package transport

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"vmslink/internal/failure"
	"vmslink/internal/frame"
	"vmslink/internal/stability"
	"vmslink/pkg/models"
)

func liveStream(url string) models.VideoStream {
	return models.VideoStream{
		CameraID:   "cam-1",
		VideoID:    "video-1",
		SignalType: models.SignalLive,
		Method:     models.MethodPull,
		DataType:   models.DataTypeImage,
		URL:        url,
	}
}

func newTestPoll(url string, opts Options) (*Poll, *stability.Controller) {
	stab := stability.New(stability.DefaultOptions(), quietLogger())
	p := NewPoll(liveStream(url), nil, stab, opts, quietLogger())
	p.SetJitter(func() time.Duration { return 0 })
	return p, stab
}

func pacedFrame(interval time.Duration) *models.Frame {
	return &models.Frame{
		Timestamp: time.UnixMilli(1_700_000_000_000),
		Stream:    &models.StreamInfo{ValidFields: models.StreamInfoTimeBetweenFrames, TimeBetweenFrames: interval},
		Payload:   []byte{0xFF, 0xD8, 0xFF, 0xE0},
	}
}

func TestNextIntervalFollowsDeclaredPacing(t *testing.T) {
	p, _ := newTestPoll("", Options{})
	if got := p.nextInterval(pacedFrame(300 * time.Millisecond)); got != 200*time.Millisecond {
		t.Fatalf("interval = %v, want 200ms", got)
	}
	// Later frames without pacing metadata keep the derived interval.
	if got := p.nextInterval(&models.Frame{DataSize: 4}); got != 200*time.Millisecond {
		t.Fatalf("interval = %v, want reused 200ms", got)
	}
}

func TestNextIntervalEmptyLiveFramesGrowGeometrically(t *testing.T) {
	p, stab := newTestPoll("", Options{})
	prev := stab.CurrentRequestInterval()
	for i := 0; i < 3; i++ {
		got := p.nextInterval(&models.Frame{})
		ratio := float64(got) / float64(prev)
		if math.Abs(ratio-1.32) > 0.001 {
			t.Fatalf("empty frame %d: %v -> %v (x%.3f)", i, prev, got, ratio)
		}
		prev = got
	}

	for i := 0; i < 50; i++ {
		prev = p.nextInterval(&models.Frame{})
	}
	if prev != stab.MaxRequestInterval() {
		t.Fatalf("interval = %v, want cap %v", prev, stab.MaxRequestInterval())
	}

	// A frame with data ends the backoff.
	if got := p.nextInterval(&models.Frame{DataSize: 10}); got != stab.CurrentRequestInterval() {
		t.Fatalf("interval after data = %v", got)
	}
}

func TestNextIntervalJitterIsApplied(t *testing.T) {
	p, stab := newTestPoll("", Options{})
	p.SetJitter(func() time.Duration { return 10 * time.Millisecond })
	want := time.Duration(float64(stab.CurrentRequestInterval())*1.32) + 10*time.Millisecond
	if got := p.nextInterval(&models.Frame{}); got != want {
		t.Fatalf("interval = %v, want %v", got, want)
	}
}

func TestNextIntervalPlaybackEmptyFramesDoNotGrow(t *testing.T) {
	p, stab := newTestPoll("", Options{})
	p.stream.SignalType = models.SignalPlayback
	for i := 0; i < 3; i++ {
		if got := p.nextInterval(&models.Frame{}); got != stab.CurrentRequestInterval() {
			t.Fatalf("playback interval = %v", got)
		}
	}
}

func frameServer(t *testing.T, f *models.Frame, inFlight, maxInFlight, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	body := frame.Encode(f)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		hits.Add(1)
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPollSchedulesFromDeclaredInterval(t *testing.T) {
	var inFlight, maxInFlight, hits atomic.Int32
	srv := frameServer(t, pacedFrame(300*time.Millisecond), &inFlight, &maxInFlight, &hits)
	p, _ := newTestPoll(srv.URL, Options{})
	rec := newRecorder()
	p.Subscribe("rec", rec)

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	f := waitFrame(t, rec)
	if f.MimeType != "image/jpeg" {
		t.Fatalf("mime = %q", f.MimeType)
	}
	deadline := time.Now().Add(time.Second)
	for p.scheduledDelay() != 200*time.Millisecond {
		if time.Now().After(deadline) {
			t.Fatalf("next request scheduled after %v, want 200ms", p.scheduledDelay())
		}
		time.Sleep(time.Millisecond)
	}
	if p.LastFrame() != f {
		t.Fatal("last frame not recorded")
	}
}

func TestPollNeverOverlapsRequests(t *testing.T) {
	var inFlight, maxInFlight, hits atomic.Int32
	srv := frameServer(t, &models.Frame{Payload: []byte("x")}, &inFlight, &maxInFlight, &hits)
	p, _ := newTestPoll(srv.URL, Options{})
	p.stream.SignalType = models.SignalPlayback
	rec := newRecorder()
	p.Subscribe("rec", rec)
	p.Start(context.Background())
	defer p.Close()

	for i := 0; i < 5; i++ {
		p.Resume(0)
		waitFrame(t, rec)
	}
	if maxInFlight.Load() != 1 {
		t.Fatalf("max concurrent requests = %d", maxInFlight.Load())
	}
	if p.Frames() < 5 {
		t.Fatalf("frames = %d", p.Frames())
	}
}

func TestPollDefersWhileBrokenDown(t *testing.T) {
	var inFlight, maxInFlight, hits atomic.Int32
	srv := frameServer(t, &models.Frame{Payload: []byte("x")}, &inFlight, &maxInFlight, &hits)
	p, stab := newTestPoll(srv.URL, Options{BrokenDownRecheck: 10 * time.Millisecond})
	rec := newRecorder()
	p.Subscribe("rec", rec)

	stab.AddBreakDown()
	p.Start(context.Background())
	defer p.Close()

	time.Sleep(100 * time.Millisecond)
	if hits.Load() != 0 {
		t.Fatalf("%d requests issued while broken down", hits.Load())
	}
	stab.RemoveBreakDown()
	waitFrame(t, rec)
}

func TestPollTimeoutAbortsAndReports(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	p, stab := newTestPoll(srv.URL, Options{RequestTimeout: 50 * time.Millisecond})
	rec := newRecorder()
	p.Subscribe("rec", rec)
	p.Start(context.Background())
	defer p.Close()

	if k := waitRestart(t, rec); k != RestartRetry {
		t.Fatalf("restart kind = %v", k)
	}
	if err := rec.lastErr(); !errors.Is(err, ErrRequestTimeout) || !errors.Is(err, failure.ErrTransport) {
		t.Fatalf("err = %v", err)
	}
	if stab.Snapshot().VideoFailureScore == 0 {
		t.Fatal("failure not reported to the stability controller")
	}
	if p.State() != StateRunning {
		t.Fatalf("state = %v; the owner decides what happens next", p.State())
	}
}

func TestPollGoneStreamAsksForFullRestart(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	p, _ := newTestPoll(srv.URL, Options{})
	rec := newRecorder()
	p.Subscribe("rec", rec)
	p.Start(context.Background())
	defer p.Close()

	if k := waitRestart(t, rec); k != RestartFull {
		t.Fatalf("restart kind = %v", k)
	}
}

func TestPollEmptyBodyIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	t.Cleanup(srv.Close)
	p, _ := newTestPoll(srv.URL, Options{})
	rec := newRecorder()
	p.Subscribe("rec", rec)
	p.Start(context.Background())
	defer p.Close()

	waitRestart(t, rec)
	if err := rec.lastErr(); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err = %v", err)
	}
}

func TestPollCloseIsIdempotent(t *testing.T) {
	p, _ := newTestPoll("http://127.0.0.1:1/", Options{})
	p.Close()
	p.Close()
	if p.State() != StateClosed {
		t.Fatalf("state = %v", p.State())
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("start after close: %v", err)
	}
}

func TestPollClosesWithContext(t *testing.T) {
	var inFlight, maxInFlight, hits atomic.Int32
	srv := frameServer(t, &models.Frame{Payload: []byte("x")}, &inFlight, &maxInFlight, &hits)
	p, _ := newTestPoll(srv.URL, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	cancel()

	deadline := time.Now().Add(time.Second)
	for p.State() != StateClosed {
		if time.Now().After(deadline) {
			t.Fatal("transport did not close with its context")
		}
		time.Sleep(time.Millisecond)
	}
}
