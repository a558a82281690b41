package venue

import (
	"context"

	"riskbot/internal/models"
)

type EventType string

const (
	EventTypeOrder      EventType = "Order"
	EventTypeFill       EventType = "Fill"
	EventTypeTicker     EventType = "Ticker"
	EventTypeReconnect  EventType = "Reconnect"
	EventTypeDisconnect EventType = "Disconnect"
)

type Event struct {
	Type   EventType
	Order  *models.Order
	Fill   *models.Fill
	Ticker *models.Ticker
}

type InstrumentRules struct {
	TickSize    float64
	LotSize     float64
	MinQty      float64
	MinNotional float64
	BaseCoin    string
	QuoteCoin   string
}

type Balance struct {
	Coin      string
	Wallet    float64
	Available float64
}

// Client — транспорт биржи. Ядро работает только через этот интерфейс,
// конкретный адаптер (bybit и т.п.) живёт в подпакете.
type Client interface {
	GetInstrumentRules(ctx context.Context, symbol string) (InstrumentRules, error)
	Subscribe(ctx context.Context, symbol string) (<-chan Event, error)
	PlaceOrder(ctx context.Context, order models.Order) (models.Order, error)
	CancelOrder(ctx context.Context, symbol, venueID string) error
	GetOrderStatus(ctx context.Context, symbol, clientID string) (models.Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	GetFills(ctx context.Context, symbol string) ([]models.Fill, error)
	GetBalances(ctx context.Context, coins []string) (map[string]Balance, error)
}

// HealthSink — приёмник сырых событий соединения. Адаптер дёргает его на
// каждом кадре, ошибке и реконнекте; реализация живёт в internal/monitor.
type HealthSink interface {
	RecordUpdate()
	RecordError()
	RecordReconnect()
}

// NopHealth подставляется, когда мониторинг не подключён.
type NopHealth struct{}

func (NopHealth) RecordUpdate()    {}
func (NopHealth) RecordError()     {}
func (NopHealth) RecordReconnect() {}
