package rtbf

import (
	"errors"
	"sync"
	"time"

	"github.com/davidleathers/privacy-decision-gateway/internal/clock"
)

// CircuitState is the breaker position for one layer backend.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ErrCircuitOpen is reported as the failure of a layer whose backend has
// been failing repeatedly.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures per-layer breakers.
type CircuitBreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"` // consecutive failures that open the circuit
	SuccessThreshold int           `koanf:"success_threshold"` // half-open successes that close it again
	Cooldown         time.Duration `koanf:"cooldown"`          // time open before a trial call
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	return c
}

// circuitBreaker guards one layer backend.
type circuitBreaker struct {
	config CircuitBreakerConfig
	clock  clock.Clock

	mu          sync.Mutex
	state       CircuitState
	failures    int
	successes   int
	openedAt    time.Time
	trialActive bool
}

func newCircuitBreaker(config CircuitBreakerConfig, clk clock.Clock) *circuitBreaker {
	return &circuitBreaker{config: config.withDefaults(), clock: clk, state: CircuitClosed}
}

// allow reports whether a call may proceed. In half-open only one trial
// runs at a time.
func (cb *circuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.clock.Now().Sub(cb.openedAt) < cb.config.Cooldown {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.successes = 0
		cb.trialActive = true
		return true
	case CircuitHalfOpen:
		if cb.trialActive {
			return false
		}
		cb.trialActive = true
		return true
	}
	return true
}

func (cb *circuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialActive = false

	if err != nil {
		cb.failures++
		if cb.state == CircuitHalfOpen || cb.failures >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
			cb.openedAt = cb.clock.Now()
		}
		return
	}

	cb.failures = 0
	if cb.state == CircuitHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = CircuitClosed
		}
	}
}

func (cb *circuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// breakerSet lazily creates one breaker per layer.
type breakerSet struct {
	config   CircuitBreakerConfig
	clock    clock.Clock
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
}

func newBreakerSet(config CircuitBreakerConfig, clk clock.Clock) *breakerSet {
	return &breakerSet{config: config, clock: clk, breakers: make(map[string]*circuitBreaker)}
}

func (s *breakerSet) get(name string) *circuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[name]
	if !ok {
		cb = newCircuitBreaker(s.config, s.clock)
		s.breakers[name] = cb
	}
	return cb
}

func (s *breakerSet) states() map[string]CircuitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]CircuitState, len(s.breakers))
	for name, cb := range s.breakers {
		out[name] = cb.State()
	}
	return out
}
