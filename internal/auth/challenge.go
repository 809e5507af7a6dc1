package auth

import (
	"log/slog"
	"sync"
	"time"
)

// ChallengeTTL is how long a server-issued challenge stays usable.
const ChallengeTTL = 59 * time.Minute

// Challenge is a single-use, time-limited CHAP nonce.
type Challenge struct {
	Value   string
	Created time.Time
	TTL     time.Duration
}

// Valid reports whether the challenge is still usable at now.
func (c Challenge) Valid(now time.Time) bool {
	return now.Sub(c.Created) < c.TTL
}

// Remaining returns the lifetime left at now, or zero once expired.
func (c Challenge) Remaining(now time.Time) time.Duration {
	if d := c.TTL - now.Sub(c.Created); d > 0 {
		return d
	}
	return 0
}

// Refiller asks the server for more challenges. It must not block: the
// answer is fed back through ChallengePool.Add, a failure through
// ChallengePool.RefillFailed.
type Refiller func(num int, reset bool)

// HaltObserver is told when the pool runs so low that the application should
// stop issuing authenticated commands, and when it recovers.
type HaltObserver interface {
	OnChallengesHalted()
	OnChallengesResumed()
}

type PoolOptions struct {
	MinChallenges int     // refill below this many
	HaltRatio     float64 // halt at or below MinChallenges*HaltRatio
	RefillCount   int     // challenges requested per refill
}

func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MinChallenges: 50,
		HaltRatio:     0.05,
		RefillCount:   100,
	}
}

// ChallengePool caches server-issued challenges and keeps itself topped up.
type ChallengePool struct {
	log      *slog.Logger
	now      func() time.Time
	refill   Refiller
	observer HaltObserver

	minChallenges int
	haltThreshold int
	refillCount   int

	mu             sync.Mutex
	challenges     []Challenge
	waitingForData bool
	halted         bool
}

// NewChallengePool creates an empty pool. refill and observer may be nil.
func NewChallengePool(opts PoolOptions, refill Refiller, observer HaltObserver, log *slog.Logger) *ChallengePool {
	if log == nil {
		log = slog.Default()
	}
	d := DefaultPoolOptions()
	if opts.MinChallenges <= 0 {
		opts.MinChallenges = d.MinChallenges
	}
	if opts.HaltRatio <= 0 {
		opts.HaltRatio = d.HaltRatio
	}
	if opts.RefillCount <= 0 {
		opts.RefillCount = d.RefillCount
	}
	return &ChallengePool{
		log:           log.With("component", "challenge-pool"),
		now:           time.Now,
		refill:        refill,
		observer:      observer,
		minChallenges: opts.MinChallenges,
		haltThreshold: int(float64(opts.MinChallenges) * opts.HaltRatio),
		refillCount:   opts.RefillCount,
	}
}

// SetClock replaces the time source. For tests.
func (p *ChallengePool) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// SetRefiller installs the function used to request more challenges.
func (p *ChallengePool) SetRefiller(r Refiller) {
	p.mu.Lock()
	p.refill = r
	p.mu.Unlock()
}

func (p *ChallengePool) HaltThreshold() int { return p.haltThreshold }

func (p *ChallengePool) clock() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now()
}

// Add appends freshly received challenge values and clears the outstanding
// refill.
func (p *ChallengePool) Add(values ...string) {
	p.mu.Lock()
	now := p.now()
	for _, v := range values {
		if v == "" {
			continue
		}
		p.challenges = append(p.challenges, Challenge{Value: v, Created: now, TTL: ChallengeTTL})
	}
	p.waitingForData = false
	notify := p.evaluateHaltLocked()
	size := len(p.challenges)
	p.mu.Unlock()

	p.log.Debug("challenges added", "received", len(values), "size", size)
	notify()
}

// RefillFailed clears the outstanding refill so the next take can ask again.
func (p *ChallengePool) RefillFailed() {
	p.mu.Lock()
	p.waitingForData = false
	p.mu.Unlock()
}

// TakeValidChallenge pops challenges from the front until it finds one that
// has not expired. Expired challenges are discarded on the way. Each pop is
// preceded by a halt evaluation and, when the pool is below its low
// watermark, a refill request.
func (p *ChallengePool) TakeValidChallenge() (Challenge, bool) {
	for {
		p.mu.Lock()
		notify := p.evaluateHaltLocked()
		refill := p.prepareRefillLocked()
		if len(p.challenges) == 0 {
			p.mu.Unlock()
			notify()
			refill()
			return Challenge{}, false
		}
		c := p.challenges[0]
		p.challenges = p.challenges[1:]
		valid := c.Valid(p.now())
		p.mu.Unlock()

		notify()
		refill()
		if valid {
			return c, true
		}
		p.log.Debug("discarding expired challenge", "created", c.Created)
	}
}

func (p *ChallengePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.challenges)
}

func (p *ChallengePool) Halted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.halted
}

// WaitingForData reports whether a refill is outstanding.
func (p *ChallengePool) WaitingForData() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitingForData
}

// Clear drops every cached challenge, e.g. after a disconnect.
func (p *ChallengePool) Clear() {
	p.mu.Lock()
	p.challenges = nil
	p.waitingForData = false
	p.mu.Unlock()
}

// evaluateHaltLocked updates the halted flag and returns the observer
// notification to run once the lock is released.
func (p *ChallengePool) evaluateHaltLocked() func() {
	shouldHalt := len(p.challenges) <= p.haltThreshold
	if shouldHalt == p.halted {
		return func() {}
	}
	p.halted = shouldHalt
	size := len(p.challenges)
	return func() {
		if shouldHalt {
			p.log.Warn("challenge pool exhausted, halting", "size", size)
		} else {
			p.log.Info("challenge pool recovered", "size", size)
		}
		if p.observer == nil {
			return
		}
		if shouldHalt {
			p.observer.OnChallengesHalted()
		} else {
			p.observer.OnChallengesResumed()
		}
	}
}

// prepareRefillLocked marks a refill outstanding when one is needed and
// returns the call to make once the lock is released.
func (p *ChallengePool) prepareRefillLocked() func() {
	if p.refill == nil || p.waitingForData || len(p.challenges) >= p.minChallenges {
		return func() {}
	}
	p.waitingForData = true
	refill, num, reset := p.refill, p.refillCount, p.halted
	return func() {
		p.log.Debug("requesting challenges", "num", num, "reset", reset)
		refill(num, reset)
	}
}
