package risk

import (
	"riskbot/internal/models"
)

// Причины отказа. Отказ — ожидаемый результат, а не ошибка, поэтому
// причины возвращаются данными.
const (
	ReasonKillSwitchActive = "kill_switch_active"
	ReasonCircuitBreaker   = "circuit_breaker_engaged"
	ReasonMaxPosition      = "max_position_exceeded"
	ReasonMaxLeverage      = "max_leverage_exceeded"
	ReasonDrawdownSoft     = "daily_drawdown_soft_limit"
	ReasonDrawdownHard     = "max_dd_exceeded"
	ReasonMarginFloor      = "margin_floor_breached"
	ReasonVenueError       = "venue_error"
)

// Причины активации kill-switch.
const (
	KillReasonMaxDD     = "max_dd_exceeded"
	KillReasonWSStale   = "ws_stale"
	KillReasonErrorRate = "error_rate"
	KillReasonManual    = "manual"
)

// AccountSnapshot — срез состояния аккаунта на момент проверки, собирает
// его вызывающий (диспетчер) из провайдера аккаунта и трекера.
type AccountSnapshot struct {
	Equity       float64
	OpenNotional float64
	PositionQty  float64
	Leveraged    bool
}

// Proposal — решение, переведённое в нотионал. Для сокращающих позицию
// решений добавочная экспозиция равна нулю.
type Proposal struct {
	Decision models.Decision
	Notional float64
}

func (p Proposal) addedExposure() float64 {
	if p.Decision.Reduce {
		return 0
	}
	return p.Notional
}

type Result struct {
	Approved bool
	Reasons  []string
}

type Policy interface {
	Name() string
	// Check возвращает причину отказа или пустую строку.
	Check(p Proposal, acct AccountSnapshot, st *State) string
}

type maxPositionPolicy struct {
	maxPct float64
}

func (maxPositionPolicy) Name() string { return "max_position" }

func (pl maxPositionPolicy) Check(p Proposal, acct AccountSnapshot, st *State) string {
	if pl.maxPct <= 0 || p.Decision.Reduce {
		return ""
	}
	if acct.Equity <= 0 {
		return ReasonMaxPosition
	}
	if p.Notional > pl.maxPct/100.0*acct.Equity {
		return ReasonMaxPosition
	}
	return ""
}

type maxLeveragePolicy struct {
	maxLeverage float64
}

func (maxLeveragePolicy) Name() string { return "max_leverage" }

func (pl maxLeveragePolicy) Check(p Proposal, acct AccountSnapshot, st *State) string {
	if pl.maxLeverage <= 0 {
		return ""
	}
	if acct.Equity <= 0 {
		return ReasonMaxLeverage
	}
	projected := acct.OpenNotional + p.addedExposure()
	if projected/acct.Equity > pl.maxLeverage {
		return ReasonMaxLeverage
	}
	return ""
}

// Мягкий лимит просадки: новый риск запрещён, сокращение позиции — можно.
type drawdownSoftPolicy struct {
	softPct float64
}

func (drawdownSoftPolicy) Name() string { return "drawdown_soft" }

func (pl drawdownSoftPolicy) Check(p Proposal, acct AccountSnapshot, st *State) string {
	if pl.softPct <= 0 || p.Decision.Reduce {
		return ""
	}
	if st.CurrentDrawdownPct >= pl.softPct {
		return ReasonDrawdownSoft
	}
	return ""
}

type drawdownHardPolicy struct {
	hardPct float64
}

func (drawdownHardPolicy) Name() string { return "drawdown_hard" }

func (pl drawdownHardPolicy) Check(p Proposal, acct AccountSnapshot, st *State) string {
	if pl.hardPct <= 0 {
		return ""
	}
	if st.CurrentDrawdownPct >= pl.hardPct {
		return ReasonDrawdownHard
	}
	return ""
}

type marginPolicy struct {
	floor float64
}

func (marginPolicy) Name() string { return "margin" }

func (pl marginPolicy) Check(p Proposal, acct AccountSnapshot, st *State) string {
	if pl.floor <= 0 || !acct.Leveraged {
		return ""
	}
	projected := acct.OpenNotional + p.addedExposure()
	if projected <= 0 {
		return ""
	}
	if acct.Equity/projected < pl.floor {
		return ReasonMarginFloor
	}
	return ""
}

type breakerPolicy struct {
	breaker *CircuitBreaker
}

func (breakerPolicy) Name() string { return "circuit_breaker" }

func (pl breakerPolicy) Check(p Proposal, acct AccountSnapshot, st *State) string {
	if pl.breaker != nil && !pl.breaker.Allow() {
		return ReasonCircuitBreaker
	}
	return ""
}
