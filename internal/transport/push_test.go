package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"vmslink/internal/failure"
	"vmslink/internal/frame"
	"vmslink/pkg/models"
)

var upgrader = websocket.Upgrader{}

// wsServer upgrades every connection and hands it to serve.
func wsServer(t *testing.T, serve func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func pushStream(url string) models.VideoStream {
	s := liveStream(url)
	s.Method = models.MethodPush
	return s
}

func TestPushDeliversLatestFrame(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		for i := uint32(1); i <= 3; i++ {
			conn.WriteMessage(websocket.BinaryMessage, frame.Encode(&models.Frame{FrameNumber: i, Payload: []byte("x")}))
		}
		// Hold the channel open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	p := NewPush(pushStream(url), nil, nil, Options{}, quietLogger())
	rec := newRecorder()
	p.Subscribe("rec", rec)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if p.State() != StateRunning {
		t.Fatalf("state = %v", p.State())
	}
	for i := uint32(1); i <= 3; i++ {
		if f := waitFrame(t, rec); f.FrameNumber != i {
			t.Fatalf("frame %d arrived as %d", i, f.FrameNumber)
		}
	}
	if p.LastFrame().FrameNumber != 3 {
		t.Fatalf("last frame = %d", p.LastFrame().FrameNumber)
	}
	rec.mu.Lock()
	ups := rec.ups
	rec.mu.Unlock()
	if ups != 1 {
		t.Fatalf("ups = %d", ups)
	}
}

func TestPushSendsKeepAlive(t *testing.T) {
	got := make(chan int, 4)
	url := wsServer(t, func(conn *websocket.Conn) {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				got <- len(data)
			}
		}
	})

	p := NewPush(pushStream(url), nil, nil, Options{KeepAliveInterval: 10 * time.Millisecond}, quietLogger())
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	select {
	case n := <-got:
		if n != 0 {
			t.Fatalf("keep-alive carried %d bytes", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no keep-alive received")
	}
}

func TestPushRestartCooldown(t *testing.T) {
	var conns atomic.Int32
	url := wsServer(t, func(conn *websocket.Conn) {
		conns.Add(1)
		// Close right away: every channel drops after opening.
	})

	p := NewPush(pushStream(url), nil, nil, Options{RestartCooldown: time.Minute}, quietLogger())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var clock atomic.Int64
	clock.Store(now.UnixNano())
	p.SetClock(func() time.Time { return time.Unix(0, clock.Load()) })
	rec := newRecorder()
	p.Subscribe("rec", rec)

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if k := waitRestart(t, rec); k != RestartFull {
		t.Fatalf("first failure: %v, want full restart", k)
	}
	if err := rec.lastErr(); !errors.Is(err, failure.ErrTransport) {
		t.Fatalf("err = %v", err)
	}

	clock.Add(int64(time.Second))
	p.Resume(0)
	if k := waitRestart(t, rec); k != RestartRetry {
		t.Fatalf("failure within cooldown: %v, want retry", k)
	}

	clock.Add(int64(2 * time.Minute))
	p.Resume(0)
	if k := waitRestart(t, rec); k != RestartFull {
		t.Fatalf("failure after cooldown: %v, want full restart", k)
	}
	rec.mu.Lock()
	downs := rec.downs
	rec.mu.Unlock()
	if downs != 3 {
		t.Fatalf("downs = %d", downs)
	}
}

func TestPushSeededFailureCountsForCooldown(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {})

	p := NewPush(pushStream(url), nil, nil, Options{RestartCooldown: time.Minute}, quietLogger())
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return now })
	p.SeedLastFailure(now.Add(-time.Second))
	p.SeedLastFailure(now.Add(-time.Hour))
	if got := p.LastFailure(); !got.Equal(now.Add(-time.Second)) {
		t.Fatalf("last failure = %v", got)
	}
	rec := newRecorder()
	p.Subscribe("rec", rec)

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if k := waitRestart(t, rec); k != RestartRetry {
		t.Fatalf("first failure after a seeded one: %v, want retry", k)
	}
	if !p.LastFailure().Equal(now) {
		t.Fatalf("last failure = %v, want %v", p.LastFailure(), now)
	}
}

func TestPushNoRestartWhenConnectionInactive(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {})

	p := NewPush(pushStream(url), nil, func() bool { return false }, Options{}, quietLogger())
	rec := newRecorder()
	p.Subscribe("rec", rec)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	deadline := time.Now().Add(2 * time.Second)
	for p.State() != StateNotOpened {
		if time.Now().After(deadline) {
			t.Fatal("channel close not noticed")
		}
		time.Sleep(time.Millisecond)
	}
	select {
	case k := <-rec.restartCh:
		t.Fatalf("restart %v requested for an inactive connection", k)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPushCloseIsIdempotent(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	p := NewPush(pushStream(url), nil, nil, Options{}, quietLogger())
	rec := newRecorder()
	p.Subscribe("rec", rec)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	p.Close()
	p.Close()
	if p.State() != StateClosed {
		t.Fatalf("state = %v", p.State())
	}
	select {
	case k := <-rec.restartCh:
		t.Fatalf("close requested restart %v", k)
	case <-time.After(50 * time.Millisecond):
	}
}
