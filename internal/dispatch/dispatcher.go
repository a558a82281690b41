package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"riskbot/internal/account"
	"riskbot/internal/config"
	"riskbot/internal/logger"
	"riskbot/internal/metrics"
	"riskbot/internal/models"
	"riskbot/internal/risk"
	"riskbot/internal/tracker"
	"riskbot/internal/venue"
)

type ResultStatus string

const (
	StatusRejected      ResultStatus = "REJECTED"
	StatusDryRun        ResultStatus = "DRY_RUN"
	StatusSimulated     ResultStatus = "SIMULATED"
	StatusPlaced        ResultStatus = "PLACED"
	StatusIndeterminate ResultStatus = "INDETERMINATE"
)

const (
	reasonBelowMinNotional = "below_min_notional"
	reasonBelowMinQty      = "below_min_qty"
	reasonAckTimeout       = "ack_timeout"
)

// Префикс client_id ордеров этого бота: по нему отличаем свои события
// в потоке биржи от чужих.
const clientIDPrefix = "rb-"

type ExecutionResult struct {
	Status  ResultStatus
	Order   *models.Order
	Reasons []string
}

// Dispatcher переводит решения в биржевые ордера. В LIVE ордер попадает в
// трекер только после подтверждения биржи, чтобы не учитывать ордера,
// которых биржа не видела.
type Dispatcher struct {
	cfg     config.ExecutionConfig
	retry   config.RetryConfig
	client  venue.Client
	tracker *tracker.Tracker
	risk    *risk.Manager
	acct    account.Provider
	log     *logger.Logger

	rules venue.InstrumentRules

	// Один мьютекс на аккаунт: решения и событийные мутации сериализуются
	// целиком, от снапшота экспозиции до регистрации в трекере. Иначе два
	// конкурентных решения прошли бы проверку по устаревшему агрегату.
	acctMu sync.Mutex

	mu            sync.Mutex
	marks         map[string]float64
	lastTickerSeq int64
	lastOrderSeq  int64
	ackObserver   func(time.Duration)
}

func New(cfg config.ExecutionConfig, retry config.RetryConfig, client venue.Client, trk *tracker.Tracker, rm *risk.Manager, acct account.Provider, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		retry:   retry,
		client:  client,
		tracker: trk,
		risk:    rm,
		acct:    acct,
		log:     log,
		marks:   map[string]float64{},
	}
}

func (d *Dispatcher) SetRules(rules venue.InstrumentRules) {
	d.mu.Lock()
	d.rules = rules
	d.mu.Unlock()
}

// SetAckObserver подключает внешний приёмник задержки подтверждения
// (например, монитор соединения).
func (d *Dispatcher) SetAckObserver(fn func(time.Duration)) {
	d.mu.Lock()
	d.ackObserver = fn
	d.mu.Unlock()
}

// SetAccountProvider разрывает цикл инициализации: провайдеру аккаунта
// нужна цена из Mark, а диспетчеру — сам провайдер.
func (d *Dispatcher) SetAccountProvider(acct account.Provider) {
	d.acct = acct
}

func (d *Dispatcher) logEntry() *logrus.Entry {
	entry := d.log.WithComponent("dispatch")
	if d.cfg.Symbol != "" {
		entry = entry.WithField("symbol", d.cfg.Symbol)
	}
	return entry
}

// Execute прогоняет решение через риск-проверку и исполняет его согласно
// режиму. Отказ — не ошибка: он возвращается в результате. Ошибка уходит
// только на нарушение инварианта или недоступность провайдера аккаунта.
// Режим фиксируется на ордере при отправке: смена режима между вызовами
// не трогает ордера, которые уже в полёте.
func (d *Dispatcher) Execute(ctx context.Context, decision models.Decision, mode models.ExecutionMode) (ExecutionResult, error) {
	if err := validateDecision(decision); err != nil {
		return ExecutionResult{}, err
	}

	d.acctMu.Lock()
	defer d.acctMu.Unlock()

	mark := d.Mark(decision.Symbol)
	price := decision.LimitPrice
	if price == 0 {
		price = mark
	}
	if price <= 0 {
		return ExecutionResult{}, fmt.Errorf("Нет цены для решения по %s.", decision.Symbol)
	}

	acct, err := d.accountSnapshot(ctx, decision.Symbol)
	if err != nil {
		return ExecutionResult{}, err
	}

	res := d.risk.Validate(decision, acct)
	if !res.Approved {
		for _, reason := range res.Reasons {
			metrics.IncRejection(reason)
		}
		metrics.IncDecision(string(mode), string(StatusRejected))
		d.logEntry().WithFields(map[string]interface{}{
			"mode":    mode,
			"reasons": strings.Join(res.Reasons, ","),
			"reason":  decision.Reason,
		}).Info("Решение отклонено риск-проверкой.")
		return ExecutionResult{Status: StatusRejected, Reasons: res.Reasons}, nil
	}

	order, rejectReasons := d.buildOrder(decision, acct.Equity, price)
	if len(rejectReasons) > 0 {
		metrics.IncDecision(string(mode), string(StatusRejected))
		return ExecutionResult{Status: StatusRejected, Reasons: rejectReasons}, nil
	}
	order.Mode = mode

	switch mode {
	case models.ModeDryRun:
		return d.executeDryRun(order, decision)
	case models.ModePaper:
		return d.executePaper(ctx, order, mark)
	case models.ModeLive:
		return d.executeLive(ctx, order)
	default:
		return ExecutionResult{}, fmt.Errorf("Неизвестный режим исполнения: %s", mode)
	}
}

// DRY_RUN: только проверка, биржа не вызывается, трекер не трогается.
func (d *Dispatcher) executeDryRun(order models.Order, decision models.Decision) (ExecutionResult, error) {
	metrics.IncDecision(string(models.ModeDryRun), string(StatusDryRun))
	d.logEntry().WithFields(map[string]interface{}{
		"client_id": order.ClientID,
		"side":      order.Side,
		"qty":       order.RequestedQty,
		"price":     order.LimitPrice,
		"reason":    decision.Reason,
	}).Info("DRY_RUN: решение прошло проверку, ордер не отправлен.")
	return ExecutionResult{Status: StatusDryRun, Order: &order}, nil
}

// PAPER: локальная симуляция немедленного исполнения по марке с проскальзыванием,
// результат проходит через трекер тем же путём, что и живой fill.
func (d *Dispatcher) executePaper(ctx context.Context, order models.Order, mark float64) (ExecutionResult, error) {
	execPrice := mark
	if order.Type == models.OrderTypeLimit && order.LimitPrice > 0 {
		execPrice = order.LimitPrice
	}
	slip := d.cfg.SlippagePct / 100.0
	if order.Side == models.OrderSideBuy {
		execPrice *= 1 + slip
	} else {
		execPrice *= 1 - slip
	}

	if err := d.tracker.Submit(order); err != nil {
		return ExecutionResult{}, err
	}
	venueID := "paper-" + newID()
	if err := d.tracker.Acknowledge(order.ClientID, venueID); err != nil {
		return ExecutionResult{}, err
	}

	commission := execPrice * order.RequestedQty * d.cfg.CommissionPct / 100.0
	fill := models.Fill{
		OrderClientID:   order.ClientID,
		VenueOrderID:    venueID,
		ExecID:          "paper-exec-" + newID(),
		Symbol:          order.Symbol,
		Side:            order.Side,
		Qty:             order.RequestedQty,
		Price:           execPrice,
		Commission:      commission,
		CommissionAsset: d.cfg.QuoteCoin,
		IsFinal:         true,
		Timestamp:       time.Now(),
	}
	filled, err := d.tracker.ApplyFill(order.ClientID, fill)
	if err != nil {
		return ExecutionResult{}, err
	}

	if equity, eqErr := d.acct.CurrentEquity(ctx); eqErr == nil {
		d.risk.UpdateAfterFill(-commission, equity)
	}

	metrics.IncDecision(string(models.ModePaper), string(StatusSimulated))
	d.logEntry().WithFields(map[string]interface{}{
		"client_id": order.ClientID,
		"side":      order.Side,
		"qty":       fill.Qty,
		"price":     execPrice,
	}).Info("PAPER: ордер исполнен симуляцией.")
	return ExecutionResult{Status: StatusSimulated, Order: &filled}, nil
}

// LIVE: ожидание подтверждения ограничено таймаутом. По таймауту исход
// неопределён — сначала сверка статуса по client_id, повторная отправка
// вслепую запрещена.
func (d *Dispatcher) executeLive(ctx context.Context, order models.Order) (ExecutionResult, error) {
	ackCtx, cancel := context.WithTimeout(ctx, d.ackTimeout())
	defer cancel()

	started := time.Now()
	placed, err := d.client.PlaceOrder(ackCtx, order)
	if err == nil {
		d.risk.Breaker().RecordSuccess()
		elapsed := time.Since(started)
		metrics.ObserveAckLatency(elapsed)
		d.mu.Lock()
		observer := d.ackObserver
		d.mu.Unlock()
		if observer != nil {
			observer(elapsed)
		}
		return d.registerAcknowledged(order, placed.VenueID)
	}

	d.risk.Breaker().RecordFailure()

	if !isIndeterminate(err) {
		metrics.IncDecision(string(models.ModeLive), string(StatusRejected))
		d.logEntry().WithError(err).WithField("client_id", order.ClientID).Warn("Биржа отклонила ордер.")
		return ExecutionResult{Status: StatusRejected, Reasons: []string{risk.ReasonVenueError}}, nil
	}

	// Таймаут подтверждения: ордер мог как дойти, так и нет.
	d.logEntry().WithField("client_id", order.ClientID).Warn("Таймаут подтверждения, сверка статуса по client_id.")
	existing, found, qErr := d.lookupByClientID(ctx, order.Symbol, order.ClientID)
	if qErr != nil {
		metrics.IncDecision(string(models.ModeLive), string(StatusIndeterminate))
		return ExecutionResult{Status: StatusIndeterminate, Reasons: []string{reasonAckTimeout}}, nil
	}
	if found {
		d.logEntry().WithField("client_id", order.ClientID).Info("Ордер дошёл до биржи несмотря на таймаут.")
		return d.registerAcknowledged(order, existing.VenueID)
	}

	metrics.IncDecision(string(models.ModeLive), string(StatusRejected))
	return ExecutionResult{Status: StatusRejected, Reasons: []string{risk.ReasonVenueError}}, nil
}

func (d *Dispatcher) registerAcknowledged(order models.Order, venueID string) (ExecutionResult, error) {
	if err := d.tracker.Submit(order); err != nil {
		return ExecutionResult{}, err
	}
	if err := d.tracker.Acknowledge(order.ClientID, venueID); err != nil {
		return ExecutionResult{}, err
	}
	registered, _ := d.tracker.Get(order.ClientID)

	metrics.IncDecision(string(models.ModeLive), string(StatusPlaced))
	metrics.SetOpenOrders(len(d.tracker.OpenOrders()))
	d.logEntry().WithFields(map[string]interface{}{
		"client_id": order.ClientID,
		"venue_id":  venueID,
		"side":      order.Side,
		"qty":       order.RequestedQty,
		"price":     order.LimitPrice,
	}).Info("Ордер подтверждён биржей и зарегистрирован.")
	return ExecutionResult{Status: StatusPlaced, Order: &registered}, nil
}

// Cancel — best-effort запрос отмены. Трекер перейдёт в CANCELLED только
// по подтверждающему событию биржи: параллельно с отменой может лететь fill.
func (d *Dispatcher) Cancel(ctx context.Context, clientID string) error {
	order, ok := d.tracker.Get(clientID)
	if !ok {
		return fmt.Errorf("%w: %s", tracker.ErrUnknownOrder, clientID)
	}
	if order.State.IsTerminal() {
		return fmt.Errorf("%w: cancel из %s", tracker.ErrInvalidTransition, order.State)
	}
	if order.VenueID == "" {
		return fmt.Errorf("Ордер %s ещё не подтверждён биржей.", clientID)
	}

	err := d.withRetryVoid(ctx, func() error {
		return d.client.CancelOrder(ctx, order.Symbol, order.VenueID)
	})
	if err != nil && !isOrderNotExistError(err) {
		return err
	}
	d.logEntry().WithField("client_id", clientID).Info("Запрос отмены отправлен.")
	return nil
}

func (d *Dispatcher) buildOrder(decision models.Decision, equity, price float64) (models.Order, []string) {
	notional := decision.SizeHint * equity
	qty := d.roundQty(notional / price)

	orderType := models.OrderTypeMarket
	tif := "IOC"
	limitPrice := 0.0
	if decision.LimitPrice > 0 {
		orderType = models.OrderTypeLimit
		tif = "GTC"
		limitPrice = d.roundPrice(decision.LimitPrice)
	}

	var reasons []string
	if d.rules.MinQty > 0 && qty < d.rules.MinQty {
		reasons = append(reasons, reasonBelowMinQty)
	}
	if d.rules.MinNotional > 0 && qty*price < d.rules.MinNotional {
		reasons = append(reasons, reasonBelowMinNotional)
	}
	if len(reasons) > 0 {
		d.logEntry().WithFields(map[string]interface{}{
			"qty":      qty,
			"notional": qty * price,
			"min_qty":  d.rules.MinQty,
			"min_amt":  d.rules.MinNotional,
		}).Warn("Ордер не проходит ограничения торговой пары.")
		return models.Order{}, reasons
	}

	return models.Order{
		ClientID:     clientIDPrefix + newID(),
		Symbol:       decision.Symbol,
		Side:         decision.Direction,
		Type:         orderType,
		RequestedQty: qty,
		LimitPrice:   limitPrice,
		MarkAtSubmit: price,
		TimeInForce:  tif,
		Reduce:       decision.Reduce,
		CreatedAt:    time.Now(),
	}, nil
}

func (d *Dispatcher) accountSnapshot(ctx context.Context, symbol string) (risk.AccountSnapshot, error) {
	equity, err := d.acct.CurrentEquity(ctx)
	if err != nil {
		return risk.AccountSnapshot{}, fmt.Errorf("Не удалось получить equity: %w", err)
	}
	positions, err := d.acct.OpenPositions(ctx)
	if err != nil {
		return risk.AccountSnapshot{}, fmt.Errorf("Не удалось получить позиции: %w", err)
	}

	posQty := 0.0
	openNotional := d.tracker.OpenExposure()
	for _, pos := range positions {
		if pos.Symbol == symbol {
			posQty += pos.Qty
		}
		openNotional += absFloat(pos.Qty) * pos.AvgPrice
	}

	return risk.AccountSnapshot{
		Equity:       equity,
		OpenNotional: openNotional,
		PositionQty:  posQty,
	}, nil
}

func (d *Dispatcher) lookupByClientID(ctx context.Context, symbol, clientID string) (models.Order, bool, error) {
	var result models.Order
	err := d.withRetryVoid(ctx, func() error {
		order, err := d.client.GetOrderStatus(ctx, symbol, clientID)
		if err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		if isOrderNotExistError(err) {
			return models.Order{}, false, nil
		}
		return models.Order{}, false, err
	}
	if result.VenueID == "" {
		return models.Order{}, false, nil
	}
	return result, true, nil
}

// Mark — последняя известная цена символа из потока тикеров.
func (d *Dispatcher) Mark(symbol string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.marks[symbol]
}

func (d *Dispatcher) setMark(symbol string, price float64) {
	d.mu.Lock()
	d.marks[symbol] = price
	d.mu.Unlock()
}

func (d *Dispatcher) roundPrice(price float64) float64 {
	return roundDown(price, d.rules.TickSize)
}

func (d *Dispatcher) roundQty(qty float64) float64 {
	return roundDown(qty, d.rules.LotSize)
}

func (d *Dispatcher) ackTimeout() time.Duration {
	if d.cfg.AckTimeout <= 0 {
		return 5 * time.Second
	}
	return d.cfg.AckTimeout
}

func validateDecision(decision models.Decision) error {
	if decision.Symbol == "" {
		return errors.New("Решение без символа.")
	}
	if decision.Direction != models.OrderSideBuy && decision.Direction != models.OrderSideSell {
		return fmt.Errorf("Некорректное направление: %s", decision.Direction)
	}
	if decision.SizeHint <= 0 {
		return errors.New("Решение с неположительным размером.")
	}
	return nil
}

func newID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	if len(raw) > 16 {
		return raw[:16]
	}
	return raw
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
