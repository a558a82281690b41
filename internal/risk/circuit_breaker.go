package risk

import (
	"sync"
	"time"

	"riskbot/internal/logger"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker гейтит отправку ордеров при серии сбоев биржи. В отличие
// от kill-switch восстанавливается сам после cooldown, если не включён
// вручную.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg BreakerConfig
	log *logger.Logger

	state       BreakerState
	manual      bool
	failures    int
	successes   int
	lastFailure time.Time
	now         func() time.Time
}

func NewCircuitBreaker(cfg BreakerConfig, log *logger.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, log: log, state: BreakerClosed, now: time.Now}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.manual {
		return false
	}

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.lastFailure) > cb.cfg.Cooldown {
			cb.state = BreakerHalfOpen
			cb.successes = 0
			cb.log.WithComponent("circuit_breaker").Info("Circuit breaker переходит в HALF_OPEN.")
			return true
		}
		return false
	case BreakerHalfOpen:
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.state = BreakerClosed
			cb.failures = 0
			cb.log.WithComponent("circuit_breaker").Info("Circuit breaker закрыт, биржа отвечает.")
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()

	switch cb.state {
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.state = BreakerOpen
			cb.log.WithComponent("circuit_breaker").WithFields(map[string]interface{}{
				"failures": cb.failures,
			}).Warn("Circuit breaker открыт: серия сбоев биржи.")
		}
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.log.WithComponent("circuit_breaker").Warn("Circuit breaker снова открыт: сбой в HALF_OPEN.")
	}
}

// Engage — ручная блокировка, автоматически не снимается.
func (cb *CircuitBreaker) Engage() {
	cb.mu.Lock()
	cb.manual = true
	cb.mu.Unlock()
	cb.log.WithComponent("circuit_breaker").Warn("Circuit breaker включён вручную.")
}

func (cb *CircuitBreaker) Disengage() {
	cb.mu.Lock()
	cb.manual = false
	cb.state = BreakerClosed
	cb.failures = 0
	cb.mu.Unlock()
	cb.log.WithComponent("circuit_breaker").Info("Circuit breaker выключен вручную.")
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.manual {
		return BreakerOpen
	}
	return cb.state
}
