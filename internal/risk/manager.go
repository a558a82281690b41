package risk

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"riskbot/internal/logger"
	"riskbot/internal/models"
	"riskbot/internal/monitor"
)

type Limits struct {
	MaxPositionPct       float64
	MaxLeverage          float64
	DrawdownSoftPct      float64
	DrawdownHardPct      float64
	MarginFloor          float64
	MaxConsecutiveErrors int
}

type Status struct {
	KillSwitchActive bool      `json:"kill_switch_active"`
	KillSwitchReason string    `json:"kill_switch_reason"`
	DrawdownPct      float64   `json:"drawdown_pct"`
	DailyPnL         float64   `json:"daily_pnl"`
	PeakEquity       float64   `json:"peak_equity"`
	OpenNotional     float64   `json:"open_notional"`
	DayStart         time.Time `json:"day_start"`
	BreakerState     string    `json:"breaker_state"`
}

// Manager — единственный владелец риск-состояния. Вся мутация идёт через
// его методы, наружу уходят только снапшоты.
type Manager struct {
	mu sync.Mutex

	limits   Limits
	state    State
	breaker  *CircuitBreaker
	policies []Policy
	log      *logger.Logger
	now      func() time.Time
}

func NewManager(limits Limits, breaker *CircuitBreaker, log *logger.Logger) *Manager {
	m := &Manager{
		limits:  limits,
		breaker: breaker,
		log:     log,
		now:     time.Now,
	}
	m.policies = []Policy{
		maxPositionPolicy{maxPct: limits.MaxPositionPct},
		maxLeveragePolicy{maxLeverage: limits.MaxLeverage},
		drawdownSoftPolicy{softPct: limits.DrawdownSoftPct},
		drawdownHardPolicy{hardPct: limits.DrawdownHardPct},
		marginPolicy{floor: limits.MarginFloor},
		breakerPolicy{breaker: breaker},
	}
	return m
}

// Restore подкладывает сохранённое состояние (рестарт процесса).
func (m *Manager) Restore(st State) {
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()
	if st.KillSwitchActive {
		m.logEntry().WithFields(map[string]interface{}{
			"reason": st.KillSwitchReason,
			"since":  st.KillSwitchAt,
		}).Warn("Kill-switch активен после рестарта, торговля заблокирована.")
	}
}

func (m *Manager) logEntry() *logrus.Entry {
	return m.log.WithComponent("risk")
}

// Validate прогоняет решение через упорядоченный список политик. Политики
// не short-circuit: в отказе перечислены все нарушенные причины. Активный
// kill-switch — единственное исключение: аккаунт остановлен целиком,
// диагностика остальных политик смысла не имеет.
func (m *Manager) Validate(decision models.Decision, acct AccountSnapshot) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDayLocked(acct.Equity)
	m.state.OpenNotional = acct.OpenNotional
	m.observeEquityLocked(acct.Equity)

	if m.state.KillSwitchActive {
		return Result{Approved: false, Reasons: []string{ReasonKillSwitchActive}}
	}

	proposal := Proposal{
		Decision: decision,
		Notional: decision.SizeHint * acct.Equity,
	}

	var reasons []string
	for _, policy := range m.policies {
		if reason := policy.Check(proposal, acct, &m.state); reason != "" {
			reasons = append(reasons, reason)
		}
	}

	if containsReason(reasons, ReasonDrawdownHard) {
		m.activateLocked(KillReasonMaxDD)
	}

	if len(reasons) > 0 {
		return Result{Approved: false, Reasons: reasons}
	}
	return Result{Approved: true}
}

// UpdateAfterFill учитывает результат исполнения в суточном PnL и
// просадке. Жёсткий лимит просадки проверяется и здесь: убыточное
// исполнение не должно ждать следующего решения, чтобы остановить торговлю.
func (m *Manager) UpdateAfterFill(realizedPnL, equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollDayLocked(equity)
	m.state.DailyRealizedPnL += realizedPnL
	m.observeEquityLocked(equity)

	if !m.state.KillSwitchActive && m.limits.DrawdownHardPct > 0 &&
		m.state.CurrentDrawdownPct >= m.limits.DrawdownHardPct {
		m.activateLocked(KillReasonMaxDD)
	}
}

// EvaluateConnectionHealth вызывается на каждом health-тике независимо от
// наличия решений: молчащее соединение должно остановить торговлю само.
func (m *Manager) EvaluateConnectionHealth(h monitor.Health) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.KillSwitchActive {
		return
	}
	if h.IsStale {
		m.activateLocked(KillReasonWSStale)
		return
	}
	if m.limits.MaxConsecutiveErrors > 0 && h.ConsecutiveErrors >= m.limits.MaxConsecutiveErrors {
		m.activateLocked(KillReasonErrorRate)
	}
}

// ResetDaily обнуляет суточный учёт. Kill-switch не трогает: его снимает
// только явное ручное действие.
func (m *Manager) ResetDaily(equity float64) {
	m.mu.Lock()
	m.resetDailyLocked(equity)
	m.mu.Unlock()
}

func (m *Manager) ActivateKillSwitch(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.KillSwitchActive {
		m.activateLocked(reason)
	}
}

// ClearKillSwitch — единственный путь снятия kill-switch, с аудитом.
func (m *Manager) ClearKillSwitch(operator string) {
	m.mu.Lock()
	reason := m.state.KillSwitchReason
	m.state.KillSwitchActive = false
	m.state.KillSwitchReason = ""
	m.state.KillSwitchAt = time.Time{}
	m.state.UpdatedAt = m.now()
	m.mu.Unlock()

	m.logEntry().WithFields(map[string]interface{}{
		"operator": operator,
		"reason":   reason,
	}).Warn("Kill-switch снят вручную.")
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		KillSwitchActive: m.state.KillSwitchActive,
		KillSwitchReason: m.state.KillSwitchReason,
		DrawdownPct:      m.state.CurrentDrawdownPct,
		DailyPnL:         m.state.DailyRealizedPnL,
		PeakEquity:       m.state.DailyPeakEquity,
		OpenNotional:     m.state.OpenNotional,
		DayStart:         m.state.DayStart,
	}
	if m.breaker != nil {
		st.BreakerState = m.breaker.State().String()
	}
	return st
}

// Snapshot — копия состояния для персиста.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Breaker() *CircuitBreaker {
	return m.breaker
}

func (m *Manager) activateLocked(reason string) {
	m.state.KillSwitchActive = true
	m.state.KillSwitchReason = reason
	m.state.KillSwitchAt = m.now()
	m.state.UpdatedAt = m.state.KillSwitchAt

	m.logEntry().WithFields(map[string]interface{}{
		"reason":       reason,
		"drawdown_pct": m.state.CurrentDrawdownPct,
		"daily_pnl":    m.state.DailyRealizedPnL,
	}).Error("Kill-switch активирован, новая торговля заблокирована.")
}

func (m *Manager) observeEquityLocked(equity float64) {
	if equity <= 0 {
		return
	}
	if equity > m.state.DailyPeakEquity {
		m.state.DailyPeakEquity = equity
	}
	m.state.CurrentDrawdownPct = drawdownPct(m.state.DailyPeakEquity, equity)
	m.state.UpdatedAt = m.now()
}

func (m *Manager) rollDayLocked(equity float64) {
	now := m.now().UTC()
	if m.state.DayStart.IsZero() {
		m.state.DayStart = midnightUTC(now)
		return
	}
	if now.Sub(m.state.DayStart) >= 24*time.Hour {
		m.resetDailyLocked(equity)
	}
}

func (m *Manager) resetDailyLocked(equity float64) {
	m.state.DailyRealizedPnL = 0
	m.state.DailyPeakEquity = equity
	m.state.CurrentDrawdownPct = 0
	m.state.DayStart = midnightUTC(m.now().UTC())
	m.state.UpdatedAt = m.now()

	m.logEntry().WithFields(map[string]interface{}{
		"equity": equity,
	}).Info("Суточный риск-учёт сброшен.")
}

func midnightUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func containsReason(reasons []string, reason string) bool {
	for _, r := range reasons {
		if r == reason {
			return true
		}
	}
	return false
}
