package dispatch

import (
	"context"
	"errors"
	"strings"

	"riskbot/internal/metrics"
	"riskbot/internal/models"
	"riskbot/internal/tracker"
	"riskbot/internal/venue"
)

// Run — единственный писатель состояния по событиям биржи. Порядок
// применения fills — порядок доставки, он же авторитетный порядок биржи.
func (d *Dispatcher) Run(ctx context.Context, events <-chan venue.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				d.logEntry().Warn("Канал событий WS закрыт.")
				return
			}
			switch event.Type {
			case venue.EventTypeFill:
				if event.Fill != nil {
					d.handleFill(ctx, *event.Fill)
				}
			case venue.EventTypeOrder:
				if event.Order != nil {
					d.handleOrder(ctx, *event.Order)
				}
			case venue.EventTypeTicker:
				if event.Ticker != nil {
					d.handleTicker(*event.Ticker)
				}
			case venue.EventTypeReconnect:
				d.logEntry().Info("Получен сигнал реконнекта WS, полная сверка с биржей.")
				if err := d.Reconcile(ctx); err != nil {
					d.logEntry().WithError(err).Warn("Не удалось сверить состояние после реконнекта.")
				}
			case venue.EventTypeDisconnect:
				d.logEntry().Warn("WS соединение потеряно, ждём переподключения.")
			}
		}
	}
}

func (d *Dispatcher) handleFill(ctx context.Context, fill models.Fill) {
	if !strings.HasPrefix(fill.OrderClientID, clientIDPrefix) {
		return
	}

	d.acctMu.Lock()
	defer d.acctMu.Unlock()

	if _, ok := d.tracker.Get(fill.OrderClientID); !ok {
		// Fill по неизвестному client_id — потерянное состояние (например,
		// рестарт). Молча бросить нельзя: это триггер полной сверки.
		d.logEntry().WithFields(map[string]interface{}{
			"client_id": fill.OrderClientID,
			"exec_id":   fill.ExecID,
		}).Warn("Fill по неизвестному client_id, запускаем сверку.")
		if err := d.reconcileLocked(ctx); err != nil {
			d.logEntry().WithError(err).Error("Сверка после неизвестного fill не удалась.")
		}
		return
	}

	order, err := d.tracker.ApplyFill(fill.OrderClientID, fill)
	if err != nil {
		d.logEntry().WithError(err).WithField("client_id", fill.OrderClientID).Error("Не удалось применить fill, локальному состоянию нет доверия.")
		if err := d.reconcileLocked(ctx); err != nil {
			d.logEntry().WithError(err).Error("Сверка после ошибки fill не удалась.")
		}
		return
	}

	d.logEntry().WithFields(map[string]interface{}{
		"client_id":  order.ClientID,
		"exec_id":    fill.ExecID,
		"qty":        fill.Qty,
		"price":      fill.Price,
		"filled_qty": order.FilledQty,
		"avg":        order.AvgFillPrice,
		"state":      order.State,
	}).Info("fill")

	if equity, eqErr := d.acct.CurrentEquity(ctx); eqErr == nil {
		d.risk.UpdateAfterFill(-fill.Commission, equity)
	}
	metrics.SetOpenOrders(len(d.tracker.OpenOrders()))
}

func (d *Dispatcher) handleOrder(ctx context.Context, order models.Order) {
	if !strings.HasPrefix(order.ClientID, clientIDPrefix) {
		return
	}

	d.acctMu.Lock()
	defer d.acctMu.Unlock()

	d.mu.Lock()
	if order.Sequence > 0 && order.Sequence <= d.lastOrderSeq {
		d.mu.Unlock()
		return
	}
	if order.Sequence > 0 {
		d.lastOrderSeq = order.Sequence
	}
	d.mu.Unlock()

	var err error
	switch order.State {
	case models.OrderStateOpen:
		err = d.tracker.Acknowledge(order.ClientID, order.VenueID)
	case models.OrderStateCancelled:
		err = d.tracker.Cancel(order.ClientID)
	case models.OrderStateRejected:
		err = d.tracker.Reject(order.ClientID, order.RejectReason)
	case models.OrderStateExpired:
		err = d.tracker.Expire(order.ClientID)
	default:
		// FILLED/PARTIALLY_FILLED приходят отдельными fill-событиями.
		return
	}

	if err == nil {
		metrics.SetOpenOrders(len(d.tracker.OpenOrders()))
		d.logEntry().WithFields(map[string]interface{}{
			"client_id": order.ClientID,
			"venue_id":  order.VenueID,
			"state":     order.State,
		}).Info("Статус ордера обновлён по событию биржи.")
		return
	}

	if errors.Is(err, tracker.ErrUnknownOrder) {
		d.logEntry().WithField("client_id", order.ClientID).Warn("Событие по неизвестному ордеру, запускаем сверку.")
		if rErr := d.reconcileLocked(ctx); rErr != nil {
			d.logEntry().WithError(rErr).Error("Сверка после неизвестного ордера не удалась.")
		}
		return
	}
	if errors.Is(err, tracker.ErrInvalidTransition) {
		// Гонка cancel/fill разрешилась на стороне биржи иначе, чем у нас.
		d.logEntry().WithError(err).WithField("client_id", order.ClientID).Error("Рассинхрон состояния ордера, запускаем сверку.")
		if rErr := d.reconcileLocked(ctx); rErr != nil {
			d.logEntry().WithError(rErr).Error("Сверка после рассинхрона не удалась.")
		}
	}
}

func (d *Dispatcher) handleTicker(ticker models.Ticker) {
	d.mu.Lock()
	if ticker.Sequence > 0 && ticker.Sequence <= d.lastTickerSeq {
		d.mu.Unlock()
		return
	}
	if ticker.Sequence > 0 {
		d.lastTickerSeq = ticker.Sequence
	}
	d.marks[ticker.Symbol] = ticker.LastPrice
	d.mu.Unlock()
}

// Reconcile перестраивает трекер с нуля по авторитетному состоянию биржи:
// открытые ордера плюс история fills, частичные заплатки запрещены.
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	d.acctMu.Lock()
	defer d.acctMu.Unlock()
	return d.reconcileLocked(ctx)
}

func (d *Dispatcher) reconcileLocked(ctx context.Context) error {
	openOrders, err := d.withRetryOrders(ctx, d.cfg.Symbol)
	if err != nil {
		return err
	}
	fills, err := d.withRetryFills(ctx, d.cfg.Symbol)
	if err != nil {
		return err
	}

	d.tracker.Reset()

	restored := 0
	for _, order := range openOrders {
		if !strings.HasPrefix(order.ClientID, clientIDPrefix) {
			continue
		}
		base := order
		base.State = ""
		base.VenueID = ""
		base.FilledQty = 0
		base.AvgFillPrice = 0
		if err := d.tracker.Submit(base); err != nil {
			return err
		}
		if err := d.tracker.Acknowledge(order.ClientID, order.VenueID); err != nil {
			return err
		}
		restored++
	}

	replayed := 0
	for _, fill := range fills {
		if !strings.HasPrefix(fill.OrderClientID, clientIDPrefix) {
			continue
		}
		if _, ok := d.tracker.Get(fill.OrderClientID); !ok {
			// Ордер уже закрыт на бирже, его fills ничего не восстанавливают.
			continue
		}
		if _, err := d.tracker.ApplyFill(fill.OrderClientID, fill); err != nil {
			return err
		}
		replayed++
	}

	metrics.SetOpenOrders(len(d.tracker.OpenOrders()))
	d.logEntry().WithFields(map[string]interface{}{
		"orders": restored,
		"fills":  replayed,
	}).Info("Состояние восстановлено по данным биржи.")
	return nil
}
