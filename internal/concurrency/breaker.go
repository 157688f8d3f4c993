package concurrency

import (
	"sort"
	"sync"
	"time"
)

// BreakerState is the effective state of one source's circuit.
type BreakerState string

// Circuit states.
const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes the per-source circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	// HalfOpenSuccesses is the number of consecutive probe successes that
	// close a half-open circuit.
	HalfOpenSuccesses int `mapstructure:"half_open_successes"`
}

// DefaultBreakerConfig returns three failures, a one minute cooldown and two
// successes to close.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute, HalfOpenSuccesses: 2}
}

type circuit struct {
	consecutiveFailures int
	disabledUntil       time.Time
	halfOpenSuccesses   int
	probing             bool
}

// CircuitSnapshot is a read-only view of one circuit.
type CircuitSnapshot struct {
	Source              string       `json:"source"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	DisabledUntil       time.Time    `json:"disabled_until,omitempty"`
	HalfOpenSuccesses   int          `json:"half_open_successes"`
}

// Breakers holds one circuit per source name. Circuits are created lazily and
// live only in memory.
type Breakers struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// NewBreakers builds the breaker set. A nil clock uses time.Now.
func NewBreakers(cfg BreakerConfig, now func() time.Time) *Breakers {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = def.HalfOpenSuccesses
	}
	if now == nil {
		now = time.Now
	}
	return &Breakers{cfg: cfg, now: now, circuits: make(map[string]*circuit)}
}

func (b *Breakers) get(source string) *circuit {
	c, ok := b.circuits[source]
	if !ok {
		c = &circuit{}
		b.circuits[source] = c
	}
	return c
}

// state derives the effective state. Open becomes half-open once the
// cooldown elapses; nothing is written until an outcome is recorded.
func (b *Breakers) state(c *circuit) BreakerState {
	if c.disabledUntil.IsZero() {
		return StateClosed
	}
	if b.now().Before(c.disabledUntil) {
		return StateOpen
	}
	return StateHalfOpen
}

// IsAvailable reports whether a call to source may proceed. It does not
// change any state. A half-open circuit with a probe in flight reports false.
func (b *Breakers) IsAvailable(source string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[source]
	if !ok {
		return true
	}
	switch b.state(c) {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !c.probing
	default:
		return false
	}
}

// TryAcquire admits a call. In half-open state only one caller wins the probe
// until its outcome is recorded or released.
func (b *Breakers) TryAcquire(source string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(source)
	switch b.state(c) {
	case StateClosed:
		return true
	case StateHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
		return true
	default:
		return false
	}
}

// Release gives up a probe claimed by TryAcquire without recording an
// outcome, for calls abandoned through cancellation.
func (b *Breakers) Release(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[source]; ok {
		c.probing = false
	}
}

// RecordFailure counts a failed source call and reports whether the circuit
// is open afterwards.
func (b *Breakers) RecordFailure(source string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(source)
	c.probing = false
	switch b.state(c) {
	case StateHalfOpen:
		c.consecutiveFailures++
		c.halfOpenSuccesses = 0
		c.disabledUntil = b.now().Add(b.cfg.Cooldown)
		return true
	case StateOpen:
		c.consecutiveFailures++
		return true
	default:
		c.consecutiveFailures++
		if c.consecutiveFailures >= b.cfg.FailureThreshold {
			c.disabledUntil = b.now().Add(b.cfg.Cooldown)
			return true
		}
		return false
	}
}

// RecordSuccess counts a successful source call. Closed circuits reset their
// failure count; half-open circuits close after enough consecutive successes.
func (b *Breakers) RecordSuccess(source string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(source)
	c.probing = false
	switch b.state(c) {
	case StateClosed:
		c.consecutiveFailures = 0
	case StateHalfOpen:
		c.halfOpenSuccesses++
		if c.halfOpenSuccesses >= b.cfg.HalfOpenSuccesses {
			*c = circuit{}
		}
	}
}

// State returns the effective state of source.
func (b *Breakers) State(source string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[source]
	if !ok {
		return StateClosed
	}
	return b.state(c)
}

// Snapshot returns every known circuit ordered by source.
func (b *Breakers) Snapshot() []CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CircuitSnapshot, 0, len(b.circuits))
	for name, c := range b.circuits {
		out = append(out, CircuitSnapshot{
			Source:              name,
			State:               b.state(c),
			ConsecutiveFailures: c.consecutiveFailures,
			DisabledUntil:       c.disabledUntil,
			HalfOpenSuccesses:   c.halfOpenSuccesses,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}
