package models

import "time"

type OrderSide string
type OrderType string
type OrderState string
type ExecutionMode string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"

	OrderStateSubmitted       OrderState = "SUBMITTED"
	OrderStateOpen            OrderState = "OPEN"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCancelled       OrderState = "CANCELLED"
	OrderStateRejected        OrderState = "REJECTED"
	OrderStateExpired         OrderState = "EXPIRED"

	ModeDryRun ExecutionMode = "DRY_RUN"
	ModePaper  ExecutionMode = "PAPER"
	ModeLive   ExecutionMode = "LIVE"
)

// Из терминального состояния переходов нет.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired:
		return true
	}
	return false
}

type Order struct {
	ClientID        string        `json:"client_id"`
	VenueID         string        `json:"venue_id"`
	Symbol          string        `json:"symbol"`
	Side            OrderSide     `json:"side"`
	Type            OrderType     `json:"type"`
	RequestedQty    float64       `json:"requested_qty"`
	LimitPrice      float64       `json:"limit_price"`
	MarkAtSubmit    float64       `json:"mark_at_submit"`
	State           OrderState    `json:"state"`
	FilledQty       float64       `json:"filled_qty"`
	AvgFillPrice    float64       `json:"avg_fill_price"`
	CommissionTotal float64       `json:"commission_total"`
	RejectReason    string        `json:"reject_reason"`
	Mode            ExecutionMode `json:"mode"`
	TimeInForce     string        `json:"time_in_force"`
	Reduce          bool          `json:"reduce"`
	Sequence        int64         `json:"sequence"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

type Fill struct {
	OrderClientID   string    `json:"order_client_id"`
	VenueOrderID    string    `json:"venue_order_id"`
	ExecID          string    `json:"exec_id"`
	Symbol          string    `json:"symbol"`
	Side            OrderSide `json:"side"`
	Qty             float64   `json:"qty"`
	Price           float64   `json:"price"`
	Commission      float64   `json:"commission"`
	CommissionAsset string    `json:"commission_asset"`
	IsFinal         bool      `json:"is_final"`
	Timestamp       time.Time `json:"timestamp"`
	Sequence        int64     `json:"sequence"`
}

// Decision — абстрактное торговое решение. Кто его произвёл (правила,
// AI-провайдер), ядру не важно.
type Decision struct {
	Symbol     string    `json:"symbol"`
	Direction  OrderSide `json:"direction"`
	SizeHint   float64   `json:"size_hint"`
	Confidence float64   `json:"confidence"`
	Reason     string    `json:"reason"`
	Reduce     bool      `json:"reduce"`
	LimitPrice float64   `json:"limit_price"`
}

type Ticker struct {
	Symbol    string    `json:"symbol"`
	LastPrice float64   `json:"last_price"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  int64     `json:"sequence"`
}

type Position struct {
	Symbol   string  `json:"symbol"`
	Qty      float64 `json:"qty"`
	AvgPrice float64 `json:"avg_price"`
}
