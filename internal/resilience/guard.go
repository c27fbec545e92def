// Package resilience protects calls to backing dependencies (the Redis level
// cache, the alert webhook) and retries operations that lost a race.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// GuardState is the state of a dependency guard.
type GuardState int

const (
	// GuardClosed lets calls through.
	GuardClosed GuardState = iota
	// GuardOpen rejects calls until the cool-off elapses.
	GuardOpen
	// GuardHalfOpen lets trial calls through to test recovery.
	GuardHalfOpen
)

func (s GuardState) String() string {
	switch s {
	case GuardClosed:
		return "closed"
	case GuardOpen:
		return "open"
	case GuardHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrGuardOpen is returned when a call is rejected because the guard is open.
var ErrGuardOpen = eris.New("resilience: dependency guard is open")

// GuardConfig controls when a guard opens and how it recovers.
type GuardConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// guard. Default: 5.
	FailureThreshold int

	// CoolOff is how long the guard stays open before allowing a trial call.
	// Default: 30s.
	CoolOff time.Duration

	// TrialCalls is the number of successful half-open calls required to close
	// the guard again. Default: 1.
	TrialCalls int

	// CountsAsFailure decides which errors count toward the threshold. Nil
	// counts every non-nil error.
	CountsAsFailure func(err error) bool

	// OnStateChange is called with the guard's mutex held.
	OnStateChange func(name string, from, to GuardState)
}

// DefaultGuardConfig returns the defaults used for the level cache.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		FailureThreshold: 5,
		CoolOff:          30 * time.Second,
		TrialCalls:       1,
	}
}

// Guard is a circuit breaker in front of one dependency.
type Guard struct {
	name string
	cfg  GuardConfig

	mu        sync.Mutex
	state     GuardState
	failures  int
	openedAt  time.Time
	successes int

	now func() time.Time
}

// NewGuard creates a closed guard for the named dependency.
func NewGuard(name string, cfg GuardConfig) *Guard {
	def := DefaultGuardConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = def.CoolOff
	}
	if cfg.TrialCalls <= 0 {
		cfg.TrialCalls = def.TrialCalls
	}
	return &Guard{name: name, cfg: cfg, now: time.Now}
}

// Name returns the dependency name.
func (g *Guard) Name() string { return g.name }

// Execute runs fn unless the guard is open.
func (g *Guard) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is Execute for functions that return a value.
func Call[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := g.admit(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	g.record(err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// State returns the current state; an open guard past its cool-off reports
// half-open.
func (g *Guard) State() GuardState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == GuardOpen && g.now().Sub(g.openedAt) >= g.cfg.CoolOff {
		return GuardHalfOpen
	}
	return g.state
}

// Reset closes the guard.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
	g.successes = 0
	g.setState(GuardClosed)
}

func (g *Guard) admit() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != GuardOpen {
		return nil
	}
	if g.now().Sub(g.openedAt) < g.cfg.CoolOff {
		return eris.Wrap(ErrGuardOpen, g.name)
	}
	g.setState(GuardHalfOpen)
	return nil
}

func (g *Guard) record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	failed := err != nil
	if failed && g.cfg.CountsAsFailure != nil {
		failed = g.cfg.CountsAsFailure(err)
	}

	if !failed {
		g.failures = 0
		if g.state == GuardHalfOpen {
			g.successes++
			if g.successes >= g.cfg.TrialCalls {
				g.successes = 0
				g.setState(GuardClosed)
			}
		}
		return
	}

	g.failures++
	g.successes = 0
	if g.state == GuardHalfOpen || g.failures >= g.cfg.FailureThreshold {
		g.openedAt = g.now()
		g.setState(GuardOpen)
	}
}

func (g *Guard) setState(to GuardState) {
	from := g.state
	g.state = to
	if from != to && g.cfg.OnStateChange != nil {
		g.cfg.OnStateChange(g.name, from, to)
	}
}

// Guards is a registry of named guards sharing one config.
type Guards struct {
	mu     sync.RWMutex
	guards map[string]*Guard
	cfg    GuardConfig
}

// NewGuards creates an empty registry.
func NewGuards(cfg GuardConfig) *Guards {
	return &Guards{guards: make(map[string]*Guard), cfg: cfg}
}

// Get returns the guard for name, creating it on first use.
func (r *Guards) Get(name string) *Guard {
	r.mu.RLock()
	g, ok := r.guards[name]
	r.mu.RUnlock()
	if ok {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok = r.guards[name]; ok {
		return g
	}
	g = NewGuard(name, r.cfg)
	r.guards[name] = g
	return g
}

// States snapshots every guard's state by name, for health reporting.
func (r *Guards) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.guards))
	for name, g := range r.guards {
		out[name] = g.State().String()
	}
	return out
}
