// Package session wires one connection to the video server together: the
// stability controller, the command channel, the key exchange and challenge
// pool, and the pool of open video transports. Nothing here is global, so a
// process may hold several independent sessions.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"vmslink/internal/auth"
	"vmslink/internal/client"
	"vmslink/internal/stability"
	"vmslink/internal/transport"
)

var ErrNotConnected = errors.New("session is not connected")

// Options configures every component of a session.
type Options struct {
	Client     client.Config
	Stability  stability.Options
	Challenges auth.PoolOptions
	Transport  transport.Options

	PrimeBits     int
	ChallengeHash auth.HashAlgorithm
	// DisableChap sends commands without challenge parameters.
	DisableChap bool

	HeartbeatInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		Client:            client.DefaultConfig(),
		Stability:         stability.DefaultOptions(),
		Challenges:        auth.DefaultPoolOptions(),
		Transport:         transport.DefaultOptions(),
		PrimeBits:         1024,
		ChallengeHash:     auth.HashSHA512,
		HeartbeatInterval: 25 * time.Second,
	}
}

// Session is the context object shared by a connection's components.
type Session struct {
	Stability  *stability.Controller
	Client     *client.Client
	Challenges *auth.ChallengePool
	Keys       *auth.Keys
	Secure     *auth.SecureString
	Pool       *transport.Pool

	opts  Options
	log   *slog.Logger
	video *resty.Client

	ctx    context.Context
	cancel context.CancelFunc
	halted atomic.Bool

	mu      sync.Mutex
	kx      *auth.KeyExchange
	info    client.ConnectInfo
	streams map[*Stream]struct{}
}

// New builds a disconnected session.
func New(opts Options, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	if opts.PrimeBits == 0 {
		opts.PrimeBits = 1024
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultOptions().HeartbeatInterval
	}

	stab := stability.New(opts.Stability, log)
	keys := auth.NewKeys()
	s := &Session{
		Stability: stab,
		Client:    client.New(opts.Client, stab, log),
		Keys:      keys,
		Secure:    auth.NewSecureString(keys),
		Pool:      transport.NewPool(),
		opts:      opts,
		log:       log.With("component", "session"),
		streams:   make(map[*Stream]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.Challenges = auth.NewChallengePool(opts.Challenges, s.refill, s, log)

	video := resty.New()
	video.SetTimeout(s.transportOptions().RequestTimeout)
	if opts.Client.InsecureSkipVerify || opts.Transport.InsecureSkipVerify {
		video.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	s.video = video
	return s
}

func (s *Session) transportOptions() transport.Options {
	o := s.opts.Transport
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = transport.DefaultOptions().RequestTimeout
	}
	o.InsecureSkipVerify = o.InsecureSkipVerify || s.opts.Client.InsecureSkipVerify
	return o
}

// Connect opens the connection and negotiates the shared key.
func (s *Session) Connect(ctx context.Context) (client.ConnectInfo, error) {
	kx, err := auth.NewKeyExchange(s.opts.PrimeBits)
	if err != nil {
		return client.ConnectInfo{}, err
	}
	info, err := s.Client.Connect(ctx, kx)
	if err != nil {
		return client.ConnectInfo{}, fmt.Errorf("connect: %w", err)
	}
	s.Keys.SetExchange(kx)

	s.mu.Lock()
	s.kx, s.info = kx, info
	s.mu.Unlock()
	return info, nil
}

// Login authenticates the connection and, unless disabled, fills the
// challenge pool and starts signing commands.
func (s *Session) Login(ctx context.Context, username, password string) error {
	s.mu.Lock()
	kx := s.kx
	s.mu.Unlock()
	if kx == nil {
		return ErrNotConnected
	}
	resp, err := s.Client.Login(ctx, kx, username, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	s.log.Info("logged in", "user", username)
	if s.opts.DisableChap {
		return nil
	}

	signer, err := auth.NewSigner(s.Challenges, s.Keys, s.opts.ChallengeHash)
	if err != nil {
		return err
	}
	s.Challenges.Add(resp.Values("Challenge")...)
	if s.Challenges.Len() == 0 {
		values, err := s.Client.RequestChallenges(ctx, s.opts.Challenges.RefillCount, false)
		if err != nil {
			return fmt.Errorf("initial challenges: %w", err)
		}
		s.Challenges.Add(values...)
	}
	s.Client.SetSigner(signer)
	return nil
}

// ConnectInfo returns what the server answered to Connect.
func (s *Session) ConnectInfo() client.ConnectInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Active reports whether the session holds a live connection id.
func (s *Session) Active() bool {
	return s.Client.ConnectionID() != ""
}

// Halted reports whether the challenge pool has run dry.
func (s *Session) Halted() bool {
	return s.halted.Load()
}

func (s *Session) OnChallengesHalted() {
	s.halted.Store(true)
}

func (s *Session) OnChallengesResumed() {
	s.halted.Store(false)
}

// refill is the challenge pool's Refiller. It must not block the pool.
func (s *Session) refill(num int, reset bool) {
	go func() {
		values, err := s.Client.RequestChallenges(s.ctx, num, reset)
		if err != nil {
			s.log.Warn("challenge refill failed", "error", err)
			s.Challenges.RefillFailed()
			return
		}
		s.Challenges.Add(values...)
	}()
}

// Run drives the stability ticks and the heartbeat until ctx is done or
// the session is closed.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.Stability.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.heartbeat(ctx)
		return nil
	})
	return g.Wait()
}

func (s *Session) heartbeat(ctx context.Context) {
	t := time.NewTicker(s.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !s.Active() {
			continue
		}
		if _, err := s.Client.LiveMessage(ctx); err != nil {
			s.log.Warn("heartbeat failed", "error", err)
		}
	}
}

// Close closes every stream, disconnects and forgets the negotiated keys.
// It is idempotent.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	streams := make([]*Stream, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		st.closeLocal()
	}
	for _, t := range s.Pool.Clear() {
		t.Close()
	}

	var err error
	if s.Active() {
		_, err = s.Client.Disconnect(ctx)
	}
	s.cancel()
	s.Client.SetSigner(nil)
	s.Challenges.Clear()
	s.Keys.Clear()

	s.mu.Lock()
	s.kx = nil
	s.info = client.ConnectInfo{}
	s.mu.Unlock()
	return err
}

func (s *Session) track(st *Stream) {
	s.mu.Lock()
	s.streams[st] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) untrack(st *Stream) {
	s.mu.Lock()
	delete(s.streams, st)
	s.mu.Unlock()
}

// Stats is a point-in-time view of the session for monitoring.
type Stats struct {
	Stability  stability.Snapshot
	Challenges int
	Halted     bool
	Transports int
	Frames     uint64
	Connected  bool
}

func (s *Session) Stats() Stats {
	st := Stats{
		Stability:  s.Stability.Snapshot(),
		Challenges: s.Challenges.Len(),
		Halted:     s.Halted(),
		Connected:  s.Active(),
	}
	for _, t := range s.Pool.Transports() {
		st.Transports++
		st.Frames += t.Frames()
	}
	return st
}
