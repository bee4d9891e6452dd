// Package governor paces outbound requests to the listings API, detects
// upstream blocking, and drives recovery.
//
// A Governor is owned by exactly one crawl run. Its recovery protocol is an
// explicit state machine (running, probing, backoff-wait, tile-deferred) over
// an injected clock, so every transition is testable without real waits.
package governor

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rewired-gh/geupmae/internal/clock"
	"github.com/rewired-gh/geupmae/internal/logger"
)

// Outcome is the tri-state classification of one upstream response.
type Outcome int

const (
	OK Outcome = iota
	Blocked
	NetworkError
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Blocked:
		return "blocked"
	default:
		return "network_error"
	}
}

// State is the governor's position in the recovery state machine.
type State int

const (
	StateRunning State = iota
	StateProbing
	StateBackoffWait
	StateTileDeferred
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateProbing:
		return "probing"
	case StateBackoffWait:
		return "backoff-wait"
	default:
		return "tile-deferred"
	}
}

// ErrTileDeferred is returned by Recover when a block outlasted MaxOverruns
// maximum-wait windows. The caller defers the current tile to the next run.
var ErrTileDeferred = errors.New("upstream block outlasted recovery budget; tile deferred")

// Config holds pacing and recovery parameters.
type Config struct {
	StartDelay    time.Duration
	MinDelay      time.Duration
	MaxDelay      time.Duration
	Step          time.Duration
	Jitter        float64 // symmetric fraction, 0.15 = ±15%
	SuccessStreak int     // successes at one delay before tuning down
	BatchSize     int     // consecutive successes before a forced rest
	BatchRest     time.Duration
	ProbeInterval time.Duration
	MaxBlockWait  time.Duration
	CoolDown      time.Duration
	MaxOverruns   int // max-wait windows tolerated before deferring the tile
}

func DefaultConfig() Config {
	return Config{
		StartDelay:    2 * time.Second,
		MinDelay:      800 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		Step:          500 * time.Millisecond,
		Jitter:        0.15,
		SuccessStreak: 20,
		BatchSize:     50,
		BatchRest:     20 * time.Second,
		ProbeInterval: 30 * time.Second,
		MaxBlockWait:  10 * time.Minute,
		CoolDown:      5 * time.Minute,
		MaxOverruns:   3,
	}
}

// Stats is a point-in-time view of the governor for logs and metrics.
type Stats struct {
	State             State
	Delay             time.Duration
	Floor             time.Duration
	Blocks            int
	ConsecutiveBlocks int
	Overruns          int
	LastBlock         time.Time
}

// Governor is the per-run rate controller.
type Governor struct {
	mu    sync.Mutex
	cfg   Config
	clock clock.Clock
	rng   *rand.Rand

	state       State
	delay       time.Duration
	floor       time.Duration
	safeDelay   time.Duration
	streak      int
	batch       int
	restPending bool

	blocks            int
	consecutiveBlocks int
	overruns          int
	lastBlock         time.Time

	observer func(Stats)
}

// New creates a governor. Zero config fields fall back to DefaultConfig.
// A nil rng is seeded from the clock.
func New(cfg Config, clk clock.Clock, rng *rand.Rand) *Governor {
	cfg = withDefaults(cfg)
	if clk == nil {
		clk = clock.Real{}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(clk.Now().UnixNano()))
	}
	g := &Governor{cfg: cfg, clock: clk, rng: rng}
	g.Reset()
	return g
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.StartDelay <= 0 {
		cfg.StartDelay = def.StartDelay
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = def.MinDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Step <= 0 {
		cfg.Step = def.Step
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	if cfg.SuccessStreak <= 0 {
		cfg.SuccessStreak = def.SuccessStreak
	}
	if cfg.BatchRest < 0 {
		cfg.BatchRest = 0
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = def.ProbeInterval
	}
	if cfg.MaxBlockWait <= 0 {
		cfg.MaxBlockWait = def.MaxBlockWait
	}
	if cfg.CoolDown < 0 {
		cfg.CoolDown = 0
	}
	if cfg.MaxOverruns <= 0 {
		cfg.MaxOverruns = def.MaxOverruns
	}
	if cfg.StartDelay < cfg.MinDelay {
		cfg.StartDelay = cfg.MinDelay
	}
	if cfg.MaxDelay < cfg.StartDelay {
		cfg.MaxDelay = cfg.StartDelay
	}
	return cfg
}

// Observe registers fn to receive Stats after every state or delay change.
func (g *Governor) Observe(fn func(Stats)) {
	g.mu.Lock()
	g.observer = fn
	g.mu.Unlock()
	g.notify()
}

// Reset restores run-start state: conservative start delay, no learned floor.
func (g *Governor) Reset() {
	g.mu.Lock()
	g.state = StateRunning
	g.delay = g.cfg.StartDelay
	g.floor = g.cfg.MinDelay
	g.safeDelay = g.cfg.StartDelay
	g.streak = 0
	g.batch = 0
	g.restPending = false
	g.blocks = 0
	g.consecutiveBlocks = 0
	g.overruns = 0
	g.lastBlock = time.Time{}
	g.mu.Unlock()
	g.notify()
}

// Stats returns a snapshot of the governor.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statsLocked()
}

func (g *Governor) statsLocked() Stats {
	return Stats{
		State:             g.state,
		Delay:             g.delay,
		Floor:             g.floor,
		Blocks:            g.blocks,
		ConsecutiveBlocks: g.consecutiveBlocks,
		Overruns:          g.overruns,
		LastBlock:         g.lastBlock,
	}
}

func (g *Governor) notify() {
	g.mu.Lock()
	fn := g.observer
	s := g.statsLocked()
	g.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (g *Governor) setState(s State) {
	g.mu.Lock()
	changed := g.state != s
	g.state = s
	g.mu.Unlock()
	if changed {
		g.notify()
	}
}

// NextDelay returns the current inter-request delay perturbed by ±Jitter.
// Once the run has been blocked it never drops below the pre-block delay.
func (g *Governor) NextDelay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	f := 1 + (g.rng.Float64()*2-1)*g.cfg.Jitter
	d := time.Duration(float64(g.delay) * f)
	if g.blocks > 0 && d < g.safeDelay {
		d = g.safeDelay
	}
	return d
}

// Pace suspends the caller before the next request: first any pending batch
// rest, then the jittered delay.
func (g *Governor) Pace(ctx context.Context) error {
	g.mu.Lock()
	rest := g.restPending
	g.restPending = false
	g.mu.Unlock()

	if rest && g.cfg.BatchRest > 0 {
		logger.Debug("Batch of %d requests done, resting %v", g.cfg.BatchSize, g.cfg.BatchRest)
		if err := g.clock.Sleep(ctx, g.cfg.BatchRest); err != nil {
			return err
		}
	}
	return g.clock.Sleep(ctx, g.NextDelay())
}

// OnSuccess records an ok response. A full success streak tunes the delay
// down by one step, never below the learned floor.
func (g *Governor) OnSuccess() {
	g.mu.Lock()
	if g.state == StateTileDeferred {
		g.state = StateRunning
	}
	g.consecutiveBlocks = 0
	g.streak++
	g.batch++
	if g.streak >= g.cfg.SuccessStreak {
		g.streak = 0
		next := g.delay - g.cfg.Step
		if next < g.floor {
			next = g.floor
		}
		if next != g.delay {
			logger.Debug("Tuning request delay down %v -> %v", g.delay, next)
		}
		g.delay = next
	}
	if g.cfg.BatchSize > 0 && g.batch >= g.cfg.BatchSize {
		g.batch = 0
		g.restPending = true
	}
	g.mu.Unlock()
	g.notify()
}

// OnNetworkError records a transport failure. It breaks success streaks but
// is not a block.
func (g *Governor) OnNetworkError() {
	g.mu.Lock()
	g.streak = 0
	g.batch = 0
	g.mu.Unlock()
}

// OnBlocked records a block signal and arms the recovery protocol.
func (g *Governor) OnBlocked() {
	g.mu.Lock()
	g.blocks++
	g.consecutiveBlocks++
	g.lastBlock = g.clock.Now()
	g.safeDelay = g.delay
	g.streak = 0
	g.batch = 0
	g.overruns = 0
	g.state = StateProbing
	blocks := g.blocks
	delay := g.delay
	g.mu.Unlock()
	logger.Warn("Upstream block detected (#%d) at delay %v, entering recovery", blocks, delay)
	g.notify()
}

// Probe re-issues a request during recovery and reports its outcome.
type Probe func(ctx context.Context) Outcome

// Recover runs the probe-and-recover protocol after OnBlocked. It returns nil
// once a probe succeeds, ErrTileDeferred after MaxOverruns exhausted windows,
// or the context error.
func (g *Governor) Recover(ctx context.Context, probe Probe) error {
	windowStart := g.clock.Now()
	probes := 0

	for {
		g.setState(StateBackoffWait)
		if err := g.clock.Sleep(ctx, g.cfg.ProbeInterval); err != nil {
			return err
		}

		g.setState(StateProbing)
		probes++
		switch outcome := probe(ctx); outcome {
		case OK:
			g.recovered(probes)
			return nil
		case Blocked:
			g.mu.Lock()
			g.consecutiveBlocks++
			g.mu.Unlock()
			logger.Debug("Probe %d still blocked", probes)
		default:
			logger.Debug("Probe %d failed with %s", probes, outcome)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if g.clock.Now().Sub(windowStart) < g.cfg.MaxBlockWait {
			continue
		}

		g.mu.Lock()
		g.overruns++
		overruns := g.overruns
		g.mu.Unlock()
		if overruns >= g.cfg.MaxOverruns {
			logger.Warn("Block persisted through %d windows of %v, deferring tile", overruns, g.cfg.MaxBlockWait)
			g.setState(StateTileDeferred)
			return ErrTileDeferred
		}
		logger.Warn("Block outlasted %v (window %d/%d), cooling down %v before probing again",
			g.cfg.MaxBlockWait, overruns, g.cfg.MaxOverruns, g.cfg.CoolDown)
		g.setState(StateBackoffWait)
		if err := g.clock.Sleep(ctx, g.cfg.CoolDown); err != nil {
			return err
		}
		windowStart = g.clock.Now()
	}
}

// recovered resumes at the pre-block delay plus one step. That delay becomes
// the floor for the rest of the run.
func (g *Governor) recovered(probes int) {
	g.mu.Lock()
	next := g.safeDelay + g.cfg.Step
	if next > g.cfg.MaxDelay {
		next = g.cfg.MaxDelay
	}
	if next < g.safeDelay {
		next = g.safeDelay
	}
	if next < g.delay {
		next = g.delay
	}
	g.delay = next
	if next > g.floor {
		g.floor = next
	}
	g.state = StateRunning
	g.consecutiveBlocks = 0
	g.streak = 0
	g.batch = 0
	g.mu.Unlock()
	logger.Info("Upstream recovered after %d probes, resuming at delay %v", probes, next)
	g.notify()
}

// Classify maps an HTTP response or transport error to an Outcome.
// Redirects (to a block page), 403 and 429 are blocks; 5xx and other
// failures are network errors the caller may retry.
func Classify(resp *http.Response, err error) Outcome {
	if err != nil {
		return NetworkError
	}
	if resp == nil {
		return NetworkError
	}
	return ClassifyStatus(resp.StatusCode)
}

// ClassifyStatus classifies a bare status code.
func ClassifyStatus(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return OK
	case code >= 300 && code < 400:
		return Blocked
	case code == http.StatusForbidden, code == http.StatusTooManyRequests:
		return Blocked
	default:
		return NetworkError
	}
}
