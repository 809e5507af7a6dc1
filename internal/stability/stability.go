// Package stability keeps video request cadence inversely proportional to
// recent server overload while giving the command channel priority.
//
// One Controller is shared by a session's command channel and all of its video
// transports. Command failures gate video polling entirely (IsBrokenDown);
// video failures raise a decaying score that stretches the request interval.
package stability

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Options tunes the controller. Zero values are replaced by DefaultOptions.
type Options struct {
	MinInterval          time.Duration // starting baseline request interval
	MinIntervalFloor     time.Duration // baseline never recovers below this
	MinIntervalCeiling   time.Duration // baseline never grows above this
	MaxInterval          time.Duration // cap for empty-frame backoff
	MaxIntervalOnFailure time.Duration
	GrowthPerError       float64 // ms of interval per score point; also the on-failure multiplier
	FailureWeight        float64 // score added per video failure
	RecoverPace          float64
	MinIntervalGrowth    float64 // baseline multiplier on back-to-back failures

	DecayPeriod   time.Duration
	RecoverPeriod time.Duration
	QuietPeriod   time.Duration // failure-free time before the baseline recovers
	BurstWindow   time.Duration // failures closer than this raise the baseline
}

func DefaultOptions() Options {
	return Options{
		MinInterval:          50 * time.Millisecond,
		MinIntervalFloor:     20 * time.Millisecond,
		MinIntervalCeiling:   time.Second,
		MaxInterval:          2 * time.Second,
		MaxIntervalOnFailure: 5 * time.Second,
		GrowthPerError:       1.5,
		FailureWeight:        10,
		RecoverPace:          10,
		MinIntervalGrowth:    1.25,
		DecayPeriod:          time.Second,
		RecoverPeriod:        7 * time.Second,
		QuietPeriod:          30 * time.Second,
		BurstWindow:          15 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MinInterval <= 0 {
		o.MinInterval = d.MinInterval
	}
	if o.MinIntervalFloor <= 0 {
		o.MinIntervalFloor = d.MinIntervalFloor
	}
	if o.MinIntervalCeiling <= 0 {
		o.MinIntervalCeiling = d.MinIntervalCeiling
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = d.MaxInterval
	}
	if o.MaxIntervalOnFailure <= 0 {
		o.MaxIntervalOnFailure = d.MaxIntervalOnFailure
	}
	if o.GrowthPerError <= 0 {
		o.GrowthPerError = d.GrowthPerError
	}
	if o.FailureWeight <= 0 {
		o.FailureWeight = d.FailureWeight
	}
	if o.RecoverPace <= 0 {
		o.RecoverPace = d.RecoverPace
	}
	if o.MinIntervalGrowth <= 1 {
		o.MinIntervalGrowth = d.MinIntervalGrowth
	}
	if o.DecayPeriod <= 0 {
		o.DecayPeriod = d.DecayPeriod
	}
	if o.RecoverPeriod <= 0 {
		o.RecoverPeriod = d.RecoverPeriod
	}
	if o.QuietPeriod <= 0 {
		o.QuietPeriod = d.QuietPeriod
	}
	if o.BurstWindow <= 0 {
		o.BurstWindow = d.BurstWindow
	}
	return o
}

// Snapshot is a point-in-time copy of the controller state.
type Snapshot struct {
	BreakDowns               int
	VideoFailureScore        float64
	LastVideoFailure         time.Time
	MinRequestInterval       time.Duration
	CurrentRequestInterval   time.Duration
	RequestIntervalOnFailure time.Duration
}

type Controller struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time

	mu               sync.Mutex
	breakDowns       int
	score            float64
	lastVideoFailure time.Time
	minInterval      time.Duration
	current          time.Duration
	onFailure        time.Duration
}

// New creates a controller. If log is nil, slog.Default() is used.
func New(opts Options, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	c := &Controller{
		opts:        opts,
		log:         log.With("component", "stability"),
		now:         time.Now,
		minInterval: opts.MinInterval,
	}
	c.recompute()
	return c
}

// SetClock replaces the time source. For tests.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// AddBreakDown records one outstanding command channel failure.
func (c *Controller) AddBreakDown() {
	c.mu.Lock()
	c.breakDowns++
	n := c.breakDowns
	c.mu.Unlock()
	if n == 1 {
		c.log.Warn("command channel broken down, deferring video requests")
	}
}

// RemoveBreakDown clears one outstanding command channel failure.
func (c *Controller) RemoveBreakDown() {
	c.mu.Lock()
	if c.breakDowns > 0 {
		c.breakDowns--
	}
	n := c.breakDowns
	c.mu.Unlock()
	if n == 0 {
		c.log.Debug("command channel recovered")
	}
}

// IsBrokenDown reports whether any command channel failure is outstanding.
func (c *Controller) IsBrokenDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.breakDowns > 0
}

// VideoFailure records a failed video request. A failure within BurstWindow
// of the previous one is treated as sustained overload and raises the
// baseline interval.
func (c *Controller) VideoFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.lastVideoFailure.IsZero() && now.Sub(c.lastVideoFailure) < c.opts.BurstWindow {
		grown := time.Duration(float64(c.minInterval) * c.opts.MinIntervalGrowth)
		c.minInterval = min(grown, c.opts.MinIntervalCeiling)
	}
	c.lastVideoFailure = now
	c.score += c.opts.FailureWeight
	c.recompute()
	c.log.Debug("video failure", "score", c.score, "interval", c.current)
}

// DecayTick lowers the failure score: score -= 1 + floor(score/RecoverPace),
// never below zero.
func (c *Controller) DecayTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.score <= 0 {
		return
	}
	c.score -= 1 + math.Floor(c.score/c.opts.RecoverPace)
	if c.score < 0 {
		c.score = 0
	}
	c.recompute()
}

// RecoverTick lowers the baseline interval by 10% when no video failure
// happened during the last QuietPeriod.
func (c *Controller) RecoverTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastVideoFailure.IsZero() && c.now().Sub(c.lastVideoFailure) < c.opts.QuietPeriod {
		return
	}
	lowered := time.Duration(float64(c.minInterval) * 0.9)
	c.minInterval = max(lowered, c.opts.MinIntervalFloor)
	c.recompute()
}

func (c *Controller) recompute() {
	c.current = c.minInterval + time.Duration(c.score*c.opts.GrowthPerError*float64(time.Millisecond))
	c.onFailure = min(c.opts.MaxIntervalOnFailure, time.Duration(float64(c.current)*c.opts.GrowthPerError))
}

func (c *Controller) CurrentRequestInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Controller) RequestIntervalOnFailure() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onFailure
}

func (c *Controller) MinRequestInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minInterval
}

// MaxRequestInterval caps empty-frame backoff on live streams.
func (c *Controller) MaxRequestInterval() time.Duration {
	return c.opts.MaxInterval
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		BreakDowns:               c.breakDowns,
		VideoFailureScore:        c.score,
		LastVideoFailure:         c.lastVideoFailure,
		MinRequestInterval:       c.minInterval,
		CurrentRequestInterval:   c.current,
		RequestIntervalOnFailure: c.onFailure,
	}
}

// Run drives DecayTick and RecoverTick until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	decay := time.NewTicker(c.opts.DecayPeriod)
	defer decay.Stop()
	rec := time.NewTicker(c.opts.RecoverPeriod)
	defer rec.Stop()

	for {
		select {
		case <-decay.C:
			c.DecayTick()
		case <-rec.C:
			c.RecoverTick()
		case <-ctx.Done():
			return
		}
	}
}
