// Package client implements the XML command channel to the video server:
// request envelopes, multi-document responses, sequencing, the restart
// policy for high-priority commands and break-down accounting.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"

	"vmslink/internal/auth"
	"vmslink/internal/failure"
	"vmslink/internal/stability"
	"vmslink/pkg/models"
)

var (
	ErrEmptyResponse   = errors.New("empty response")
	ErrNoFinalResponse = errors.New("response ended without a final document")
)

// Config configures the command channel.
type Config struct {
	BaseURL string
	// CommandPath is the endpoint commands are posted to.
	CommandPath string
	// VideoPath and PushPath prefix the per-stream poll and WebSocket URLs.
	VideoPath string
	PushPath  string

	Timeout              time.Duration // whole exchange, body included
	RestartDelay         time.Duration
	HeartbeatMinInterval time.Duration
	InsecureSkipVerify   bool
}

func DefaultConfig() Config {
	return Config{
		CommandPath:          "/XProtectMobile/Communication",
		VideoPath:            "/XProtectMobile/Video/",
		PushPath:             "/XProtectMobile/VideoWebSocket/",
		Timeout:              30 * time.Second,
		RestartDelay:         time.Second,
		HeartbeatMinInterval: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CommandPath == "" {
		c.CommandPath = d.CommandPath
	}
	if c.VideoPath == "" {
		c.VideoPath = d.VideoPath
	}
	if c.PushPath == "" {
		c.PushPath = d.PushPath
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = d.RestartDelay
	}
	if c.HeartbeatMinInterval <= 0 {
		c.HeartbeatMinInterval = d.HeartbeatMinInterval
	}
	return c
}

// Signer supplies CHAP parameters for outgoing commands.
type Signer interface {
	Calculate() auth.ChapParams
}

// Client is the command channel of one connection.
type Client struct {
	HTTP   *resty.Client
	Config Config

	log  *slog.Logger
	stab *stability.Controller
	now  func() time.Time
	seq  atomic.Int64

	mu               sync.Mutex
	connectionID     string
	signer           Signer
	lastHeartbeatRun time.Time
}

// New builds a command channel against cfg.BaseURL. stab receives the
// channel's break-downs; a nil stab gets a private controller.
func New(cfg Config, stab *stability.Controller, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if stab == nil {
		stab = stability.New(stability.DefaultOptions(), log)
	}
	cfg = cfg.withDefaults()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	r := resty.New()
	r.SetBaseURL(cfg.BaseURL)
	r.SetTimeout(cfg.Timeout)
	r.SetHeader("Content-Type", "text/xml; charset=utf-8")
	r.SetHeader("Accept", "text/xml")
	if cfg.InsecureSkipVerify {
		// On-prem servers commonly run with self-signed certificates.
		r.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	return &Client{
		HTTP:   r,
		Config: cfg,
		log:    log.With("component", "command-channel"),
		stab:   stab,
		now:    time.Now,
	}
}

// SetClock replaces the time source. For tests.
func (c *Client) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Client) Stability() *stability.Controller { return c.stab }

func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

func (c *Client) SetConnectionID(id string) {
	c.mu.Lock()
	c.connectionID = id
	c.mu.Unlock()
}

// SetSigner installs the CHAP signer. Nil disables CHAP parameters.
func (c *Client) SetSigner(s Signer) {
	c.mu.Lock()
	c.signer = s
	c.mu.Unlock()
}

// NextSequenceID returns the next id of this connection's monotonic sequence.
func (c *Client) NextSequenceID() int64 {
	return c.seq.Add(1)
}

// Options modify a single send.
type Options struct {
	// NoRestart disables the restart policy for this request.
	NoRestart bool
}

// Request is the handle of a command in flight.
type Request struct {
	Command Command

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	resp *models.Response
	err  error

	suppressRestart atomic.Bool

	mu        sync.Mutex
	brokeDown bool
}

// Cancel aborts the exchange if it is still in flight. Calling it again, or
// after completion, does nothing.
func (r *Request) Cancel() {
	r.cancel()
}

// SuppressRestart disables the restart policy, e.g. once the owning
// connection has been torn down.
func (r *Request) SuppressRestart() {
	r.suppressRestart.Store(true)
}

// Done is closed when the request has finished.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Result blocks until the request has finished. A server error returns both
// the response and a failure.ErrServer error.
func (r *Request) Result() (*models.Response, error) {
	<-r.done
	return r.resp, r.err
}

func (r *Request) finish(resp *models.Response, err error) {
	r.once.Do(func() {
		r.resp, r.err = resp, err
		close(r.done)
		r.cancel()
	})
}

func (r *Request) addBreakDown(s *stability.Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.brokeDown {
		r.brokeDown = true
		s.AddBreakDown()
	}
}

func (r *Request) clearBreakDown(s *stability.Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.brokeDown {
		r.brokeDown = false
		s.RemoveBreakDown()
	}
}

// Send starts cmd and returns its handle immediately. A zero SequenceID is
// replaced by the next id of the connection.
func (c *Client) Send(ctx context.Context, cmd Command, opts Options) *Request {
	if cmd.SequenceID == 0 {
		cmd.SequenceID = c.NextSequenceID()
	}
	rctx, cancel := context.WithCancel(ctx)
	req := &Request{
		Command: cmd,
		ctx:     rctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.run(req, opts)
	return req
}

// Do sends cmd and waits for its result.
func (c *Client) Do(ctx context.Context, cmd Command, opts Options) (*models.Response, error) {
	return c.Send(ctx, cmd, opts).Result()
}

func (c *Client) run(req *Request, opts Options) {
	// A request never leaves a break-down behind once it is finished.
	defer req.clearBreakDown(c.stab)

	name := req.Command.Name
	for attempt := 0; ; attempt++ {
		resp, err := c.exchange(req.ctx, req.Command)
		if req.ctx.Err() != nil {
			req.finish(nil, failure.Transport(name, req.ctx.Err()))
			return
		}
		if err == nil {
			req.clearBreakDown(c.stab)
			req.finish(resp, responseError(name, resp))
			return
		}

		req.addBreakDown(c.stab)
		if attempt > 0 || opts.NoRestart || req.suppressRestart.Load() || !c.mayRestart(name) {
			c.log.Warn("command failed", "command", name, "seq", req.Command.SequenceID, "error", err)
			req.finish(nil, err)
			return
		}

		c.log.Info("restarting command", "command", name, "seq", req.Command.SequenceID, "delay", c.Config.RestartDelay, "error", err)
		select {
		case <-req.ctx.Done():
			req.finish(nil, failure.Transport(name, req.ctx.Err()))
			return
		case <-time.After(c.Config.RestartDelay):
		}
		if req.suppressRestart.Load() {
			req.finish(nil, err)
			return
		}
	}
}

func responseError(name string, resp *models.Response) error {
	if !resp.IsError {
		return nil
	}
	if resp.ErrorCode == ErrorCodeMalformedResponse {
		return failure.Protocol(name, errors.New(resp.ErrorMessage))
	}
	return failure.Server(name, resp.ErrorCode)
}

// mayRestart applies the restart policy for a failed command and, for the
// heartbeat, records the restart.
func (c *Client) mayRestart(name string) bool {
	if !restartable[name] {
		return false
	}
	if name != CmdLiveMessage {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !c.lastHeartbeatRun.IsZero() && now.Sub(c.lastHeartbeatRun) < c.Config.HeartbeatMinInterval {
		return false
	}
	c.lastHeartbeatRun = now
	return true
}

func (c *Client) sign(cmd Command) Command {
	c.mu.Lock()
	s := c.signer
	c.mu.Unlock()
	if s == nil || unsigned[cmd.Name] {
		return cmd
	}
	p := s.Calculate()
	if p.Empty() {
		return cmd
	}
	return cmd.With(P("Challenge", p.Challenge), P("ChalAnswer", p.ChalAnswer))
}

// exchange performs one HTTP round trip and returns the first final
// response document of the body.
func (c *Client) exchange(ctx context.Context, cmd Command) (*models.Response, error) {
	body := Envelope(c.ConnectionID(), c.sign(cmd))
	c.log.Debug("sending command", "command", cmd.Name, "seq", cmd.SequenceID)

	resp, err := c.HTTP.R().
		SetContext(ctx).
		SetBody(body).
		SetDoNotParseResponse(true).
		Post(c.Config.CommandPath)
	if err != nil {
		return nil, failure.Transport(cmd.Name, err)
	}
	raw := resp.RawBody()
	if raw == nil {
		return nil, failure.Transport(cmd.Name, ErrEmptyResponse)
	}
	defer raw.Close()

	if resp.StatusCode() != http.StatusOK {
		return nil, failure.Transport(cmd.Name, fmt.Errorf("unexpected status %s", resp.Status()))
	}

	var dec Decoder
	buf := make([]byte, 32*1024)
	for {
		n, rerr := raw.Read(buf)
		for _, r := range dec.Feed(buf[:n]) {
			if r.IsProcessing {
				c.log.Debug("server still processing", "command", cmd.Name, "seq", cmd.SequenceID)
				continue
			}
			return r, nil
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, failure.Transport(cmd.Name, rerr)
		}
	}
	if r := dec.Flush(); r != nil && !r.IsProcessing {
		return r, nil
	}
	if dec.Empty() {
		return nil, failure.Transport(cmd.Name, ErrEmptyResponse)
	}
	return nil, failure.Transport(cmd.Name, ErrNoFinalResponse)
}
