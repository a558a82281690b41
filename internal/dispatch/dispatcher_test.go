package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskbot/internal/config"
	"riskbot/internal/logger"
	"riskbot/internal/models"
	"riskbot/internal/risk"
	"riskbot/internal/tracker"
	"riskbot/internal/venue"
)

type fakeVenue struct {
	placeCalls  int
	cancelCalls int
	statusCalls int
	ordersCalls int
	fillsCalls  int

	placeVenueID string
	placeDelay   time.Duration
	placeErr     error
	statusOrder  models.Order
	statusErr    error
	openOrders   []models.Order
	fills        []models.Fill
	cancelErr    error
}

func (f *fakeVenue) GetInstrumentRules(ctx context.Context, symbol string) (venue.InstrumentRules, error) {
	return venue.InstrumentRules{}, nil
}

func (f *fakeVenue) Subscribe(ctx context.Context, symbol string) (<-chan venue.Event, error) {
	return nil, nil
}

func (f *fakeVenue) PlaceOrder(ctx context.Context, order models.Order) (models.Order, error) {
	f.placeCalls++
	if f.placeDelay > 0 {
		time.Sleep(f.placeDelay)
	}
	if f.placeErr != nil {
		return models.Order{}, f.placeErr
	}
	placed := order
	placed.VenueID = f.placeVenueID
	return placed, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, symbol, venueID string) error {
	f.cancelCalls++
	return f.cancelErr
}

func (f *fakeVenue) GetOrderStatus(ctx context.Context, symbol, clientID string) (models.Order, error) {
	f.statusCalls++
	if f.statusErr != nil {
		return models.Order{}, f.statusErr
	}
	return f.statusOrder, nil
}

func (f *fakeVenue) GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	f.ordersCalls++
	return f.openOrders, nil
}

func (f *fakeVenue) GetFills(ctx context.Context, symbol string) ([]models.Fill, error) {
	f.fillsCalls++
	return f.fills, nil
}

func (f *fakeVenue) GetBalances(ctx context.Context, coins []string) (map[string]venue.Balance, error) {
	return nil, nil
}

type fakeAccount struct {
	equity    float64
	positions []models.Position
}

func (f *fakeAccount) CurrentEquity(ctx context.Context) (float64, error) {
	return f.equity, nil
}

func (f *fakeAccount) OpenPositions(ctx context.Context) ([]models.Position, error) {
	return f.positions, nil
}

func newTestDispatcher(client *fakeVenue) (*Dispatcher, *tracker.Tracker, *risk.Manager) {
	log := logger.Discard()
	rm := risk.NewManager(risk.Limits{
		MaxPositionPct:  50.0,
		MaxLeverage:     3.0,
		DrawdownSoftPct: 3.0,
		DrawdownHardPct: 5.0,
	}, risk.NewCircuitBreaker(risk.DefaultBreakerConfig(), log), log)
	trk := tracker.New()
	acct := &fakeAccount{equity: 10000}

	d := New(config.ExecutionConfig{
		Symbol:        "BTCUSDT",
		SlippagePct:   0.05,
		AckTimeout:    50 * time.Millisecond,
		QuoteCoin:     "USDT",
		CommissionPct: 0.1,
	}, config.RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, client, trk, rm, acct, log)
	d.SetRules(venue.InstrumentRules{
		TickSize:    0.01,
		LotSize:     0.001,
		MinQty:      0.001,
		MinNotional: 5,
		BaseCoin:    "BTC",
		QuoteCoin:   "USDT",
	})
	d.setMark("BTCUSDT", 100)
	return d, trk, rm
}

func marketDecision(sizeHint float64) models.Decision {
	return models.Decision{
		Symbol:    "BTCUSDT",
		Direction: models.OrderSideBuy,
		SizeHint:  sizeHint,
		Reason:    "test",
	}
}

func TestExecuteDryRunNeverTouchesVenue(t *testing.T) {
	client := &fakeVenue{}
	d, trk, _ := newTestDispatcher(client)

	res, err := d.Execute(context.Background(), marketDecision(0.1), models.ModeDryRun)
	require.NoError(t, err)
	assert.Equal(t, StatusDryRun, res.Status)
	require.NotNil(t, res.Order)
	assert.InDelta(t, 10.0, res.Order.RequestedQty, 1e-9)

	// Биржа не вызывалась, трекер пуст.
	assert.Zero(t, client.placeCalls)
	assert.Zero(t, client.cancelCalls)
	assert.Zero(t, client.statusCalls)
	_, ok := trk.Get(res.Order.ClientID)
	assert.False(t, ok)
}

func TestExecuteRejectedByRisk(t *testing.T) {
	client := &fakeVenue{}
	d, trk, _ := newTestDispatcher(client)

	// 60% от equity при лимите 50%.
	res, err := d.Execute(context.Background(), marketDecision(0.6), models.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Contains(t, res.Reasons, risk.ReasonMaxPosition)
	assert.Zero(t, client.placeCalls)
	assert.Empty(t, trk.OpenOrders())
}

func TestExecuteRejectedWhenKillSwitchActive(t *testing.T) {
	client := &fakeVenue{}
	d, _, rm := newTestDispatcher(client)
	rm.ActivateKillSwitch(risk.KillReasonManual)

	res, err := d.Execute(context.Background(), marketDecision(0.1), models.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, []string{risk.ReasonKillSwitchActive}, res.Reasons)
	assert.Zero(t, client.placeCalls)
}

func TestExecutePaperSimulatesFill(t *testing.T) {
	client := &fakeVenue{}
	d, trk, rm := newTestDispatcher(client)

	res, err := d.Execute(context.Background(), marketDecision(0.1), models.ModePaper)
	require.NoError(t, err)
	assert.Equal(t, StatusSimulated, res.Status)
	assert.Zero(t, client.placeCalls)

	require.NotNil(t, res.Order)
	assert.Equal(t, models.OrderStateFilled, res.Order.State)
	// Покупка исполняется дороже марки на проскальзывание 0.05%.
	assert.InDelta(t, 100.05, res.Order.AvgFillPrice, 1e-9)

	stored, ok := trk.Get(res.Order.ClientID)
	require.True(t, ok)
	assert.Equal(t, models.OrderStateFilled, stored.State)
	assert.InDelta(t, res.Order.RequestedQty, stored.FilledQty, 1e-9)

	// Комиссия учтена в суточном PnL.
	assert.Less(t, rm.Status().DailyPnL, 0.0)
}

func TestExecutePaperSellSlippage(t *testing.T) {
	client := &fakeVenue{}
	d, _, _ := newTestDispatcher(client)

	decision := marketDecision(0.1)
	decision.Direction = models.OrderSideSell
	res, err := d.Execute(context.Background(), decision, models.ModePaper)
	require.NoError(t, err)
	assert.InDelta(t, 99.95, res.Order.AvgFillPrice, 1e-9)
}

func TestExecuteLiveRegistersAfterAck(t *testing.T) {
	client := &fakeVenue{placeVenueID: "v-42"}
	d, trk, _ := newTestDispatcher(client)

	res, err := d.Execute(context.Background(), marketDecision(0.1), models.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, StatusPlaced, res.Status)
	assert.Equal(t, 1, client.placeCalls)

	stored, ok := trk.Get(res.Order.ClientID)
	require.True(t, ok)
	assert.Equal(t, models.OrderStateOpen, stored.State)
	assert.Equal(t, "v-42", stored.VenueID)
	assert.Equal(t, models.ModeLive, stored.Mode)
}

func TestExecuteSerializesConcurrentDecisions(t *testing.T) {
	// Медленный ack: без сериализации оба решения успели бы снять снапшот
	// экспозиции до того, как первый ордер попадёт в трекер.
	client := &fakeVenue{placeVenueID: "v-1", placeDelay: 20 * time.Millisecond}
	log := logger.Discard()
	rm := risk.NewManager(risk.Limits{
		MaxPositionPct:  50.0,
		MaxLeverage:     0.5,
		DrawdownSoftPct: 3.0,
		DrawdownHardPct: 5.0,
	}, risk.NewCircuitBreaker(risk.DefaultBreakerConfig(), log), log)
	trk := tracker.New()
	acct := &fakeAccount{equity: 10000}

	d := New(config.ExecutionConfig{
		Symbol:        "BTCUSDT",
		SlippagePct:   0.05,
		AckTimeout:    time.Second,
		QuoteCoin:     "USDT",
		CommissionPct: 0.1,
	}, config.RetryConfig{
		MaxAttempts: 1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}, client, trk, rm, acct, log)
	d.SetRules(venue.InstrumentRules{
		TickSize:    0.01,
		LotSize:     0.001,
		MinQty:      0.001,
		MinNotional: 5,
		BaseCoin:    "BTC",
		QuoteCoin:   "USDT",
	})
	d.setMark("BTCUSDT", 100)

	// Каждое решение на 4000 при лимите плеча 0.5x от 10000 = 5000:
	// по одному проходит, вместе — нет.
	decision := marketDecision(0.4)
	decision.LimitPrice = 100

	var wg sync.WaitGroup
	results := make([]ExecutionResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = d.Execute(context.Background(), decision, models.ModeLive)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	placed, rejected := 0, 0
	for _, res := range results {
		switch res.Status {
		case StatusPlaced:
			placed++
		case StatusRejected:
			rejected++
			assert.Contains(t, res.Reasons, risk.ReasonMaxLeverage)
		}
	}
	assert.Equal(t, 1, placed)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, client.placeCalls)
	assert.InDelta(t, 4000.0, trk.OpenExposure(), 1e-9)
}

func TestExecuteLiveVenueRejection(t *testing.T) {
	client := &fakeVenue{placeErr: errors.New("Ошибка bybit: insufficient balance (code=170131)")}
	d, trk, _ := newTestDispatcher(client)

	res, err := d.Execute(context.Background(), marketDecision(0.1), models.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, []string{risk.ReasonVenueError}, res.Reasons)

	// Отклонённый биржей ордер в трекер не попадает.
	assert.Empty(t, trk.OpenOrders())
	assert.Zero(t, client.statusCalls)
}

func TestExecuteLiveAckTimeoutFoundOnVenue(t *testing.T) {
	client := &fakeVenue{
		placeErr:    context.DeadlineExceeded,
		statusOrder: models.Order{VenueID: "v-7", State: models.OrderStateOpen},
	}
	d, trk, _ := newTestDispatcher(client)

	res, err := d.Execute(context.Background(), marketDecision(0.1), models.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, StatusPlaced, res.Status)
	assert.Equal(t, 1, client.statusCalls)

	stored, ok := trk.Get(res.Order.ClientID)
	require.True(t, ok)
	assert.Equal(t, "v-7", stored.VenueID)
}

func TestExecuteLiveAckTimeoutNotFound(t *testing.T) {
	client := &fakeVenue{
		placeErr:  context.DeadlineExceeded,
		statusErr: errors.New("Order does not exist: rb-x"),
	}
	d, trk, _ := newTestDispatcher(client)

	res, err := d.Execute(context.Background(), marketDecision(0.1), models.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, []string{risk.ReasonVenueError}, res.Reasons)
	assert.Empty(t, trk.OpenOrders())
}

func TestExecuteLiveAckTimeoutQueryFails(t *testing.T) {
	client := &fakeVenue{
		placeErr:  context.DeadlineExceeded,
		statusErr: errors.New("connection reset by peer"),
	}
	d, trk, _ := newTestDispatcher(client)

	res, err := d.Execute(context.Background(), marketDecision(0.1), models.ModeLive)
	require.NoError(t, err)

	// Исход неизвестен: ни повторной отправки, ни записи в трекер.
	assert.Equal(t, StatusIndeterminate, res.Status)
	assert.Equal(t, []string{reasonAckTimeout}, res.Reasons)
	assert.Equal(t, 1, client.placeCalls)
	assert.Empty(t, trk.OpenOrders())
}

func TestBuildOrderBelowMinNotional(t *testing.T) {
	client := &fakeVenue{}
	d, _, _ := newTestDispatcher(client)
	d.SetRules(venue.InstrumentRules{LotSize: 0.001, MinQty: 0.001, MinNotional: 100000})

	res, err := d.Execute(context.Background(), marketDecision(0.1), models.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Contains(t, res.Reasons, reasonBelowMinNotional)
	assert.Zero(t, client.placeCalls)
}

func TestBuildOrderLimitUsesDecisionPrice(t *testing.T) {
	client := &fakeVenue{placeVenueID: "v-1"}
	d, _, _ := newTestDispatcher(client)

	decision := marketDecision(0.1)
	decision.LimitPrice = 99.555
	res, err := d.Execute(context.Background(), decision, models.ModeLive)
	require.NoError(t, err)

	require.NotNil(t, res.Order)
	assert.Equal(t, models.OrderTypeLimit, res.Order.Type)
	assert.Equal(t, "GTC", res.Order.TimeInForce)
	// Цена округлена вниз до шага 0.01.
	assert.InDelta(t, 99.55, res.Order.LimitPrice, 1e-9)
}

func TestValidateDecisionErrors(t *testing.T) {
	client := &fakeVenue{}
	d, _, _ := newTestDispatcher(client)

	_, err := d.Execute(context.Background(), models.Decision{}, models.ModeDryRun)
	assert.Error(t, err)

	_, err = d.Execute(context.Background(), models.Decision{
		Symbol:    "BTCUSDT",
		Direction: models.OrderSideBuy,
		SizeHint:  -1,
	}, models.ModeDryRun)
	assert.Error(t, err)
}

func TestCancelRequiresKnownAcknowledgedOrder(t *testing.T) {
	client := &fakeVenue{}
	d, trk, _ := newTestDispatcher(client)

	err := d.Cancel(context.Background(), "rb-missing")
	assert.ErrorIs(t, err, tracker.ErrUnknownOrder)

	require.NoError(t, trk.Submit(models.Order{ClientID: "rb-1", Symbol: "BTCUSDT", RequestedQty: 1}))
	err = d.Cancel(context.Background(), "rb-1")
	assert.Error(t, err)
	assert.Zero(t, client.cancelCalls)
}

func TestCancelIsBestEffort(t *testing.T) {
	client := &fakeVenue{}
	d, trk, _ := newTestDispatcher(client)

	require.NoError(t, trk.Submit(models.Order{ClientID: "rb-1", Symbol: "BTCUSDT", RequestedQty: 1}))
	require.NoError(t, trk.Acknowledge("rb-1", "v-1"))

	require.NoError(t, d.Cancel(context.Background(), "rb-1"))
	assert.Equal(t, 1, client.cancelCalls)

	// Локально ордер остаётся OPEN до подтверждающего события биржи.
	stored, _ := trk.Get("rb-1")
	assert.Equal(t, models.OrderStateOpen, stored.State)
}

func TestCancelOrderAlreadyGoneOnVenue(t *testing.T) {
	client := &fakeVenue{cancelErr: errors.New("Ошибка bybit: Order does not exist (code=170213)")}
	d, trk, _ := newTestDispatcher(client)

	require.NoError(t, trk.Submit(models.Order{ClientID: "rb-1", Symbol: "BTCUSDT", RequestedQty: 1}))
	require.NoError(t, trk.Acknowledge("rb-1", "v-1"))

	// Ордера уже нет на бирже: отмена не ошибка, финал доедет событием.
	assert.NoError(t, d.Cancel(context.Background(), "rb-1"))
}
