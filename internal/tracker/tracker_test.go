package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riskbot/internal/models"
)

func newOrder(clientID string, qty float64) models.Order {
	return models.Order{
		ClientID:     clientID,
		Symbol:       "BTCUSDT",
		Side:         models.OrderSideBuy,
		Type:         models.OrderTypeMarket,
		RequestedQty: qty,
	}
}

func TestSubmitAndAcknowledge(t *testing.T) {
	trk := New()

	require.NoError(t, trk.Submit(newOrder("rb-1", 1.0)))

	order, ok := trk.Get("rb-1")
	require.True(t, ok)
	assert.Equal(t, models.OrderStateSubmitted, order.State)
	assert.Empty(t, order.VenueID)

	require.NoError(t, trk.Acknowledge("rb-1", "v-100"))
	order, _ = trk.Get("rb-1")
	assert.Equal(t, models.OrderStateOpen, order.State)
	assert.Equal(t, "v-100", order.VenueID)
}

func TestSubmitDuplicateClientID(t *testing.T) {
	trk := New()

	require.NoError(t, trk.Submit(newOrder("rb-1", 1.0)))
	err := trk.Submit(newOrder("rb-1", 2.0))
	assert.ErrorIs(t, err, ErrDuplicateClientID)
}

func TestAcknowledgeIdempotent(t *testing.T) {
	trk := New()
	require.NoError(t, trk.Submit(newOrder("rb-1", 1.0)))
	require.NoError(t, trk.Acknowledge("rb-1", "v-100"))

	// Повтор с тем же venue_id — no-op.
	require.NoError(t, trk.Acknowledge("rb-1", "v-100"))

	// С другим venue_id — двойная привязка, ошибка.
	err := trk.Acknowledge("rb-1", "v-200")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAcknowledgeUnknown(t *testing.T) {
	trk := New()
	err := trk.Acknowledge("rb-missing", "v-1")
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestPartialFillsAccumulateWeightedAverage(t *testing.T) {
	trk := New()
	require.NoError(t, trk.Submit(newOrder("rb-1", 1.0)))
	require.NoError(t, trk.Acknowledge("rb-1", "v-100"))

	order, err := trk.ApplyFill("rb-1", models.Fill{ExecID: "e1", Qty: 0.4, Price: 100})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatePartiallyFilled, order.State)
	assert.InDelta(t, 0.4, order.FilledQty, 1e-12)
	assert.InDelta(t, 100.0, order.AvgFillPrice, 1e-12)

	order, err = trk.ApplyFill("rb-1", models.Fill{ExecID: "e2", Qty: 0.6, Price: 102, IsFinal: true})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateFilled, order.State)
	assert.InDelta(t, 1.0, order.FilledQty, 1e-12)
	// (0.4*100 + 0.6*102) / 1.0 = 101.2
	assert.InDelta(t, 101.2, order.AvgFillPrice, 1e-9)
}

func TestFillDedupByExecID(t *testing.T) {
	trk := New()
	require.NoError(t, trk.Submit(newOrder("rb-1", 1.0)))
	require.NoError(t, trk.Acknowledge("rb-1", "v-100"))

	fill := models.Fill{ExecID: "e1", Qty: 0.4, Price: 100, Commission: 0.1}
	_, err := trk.ApplyFill("rb-1", fill)
	require.NoError(t, err)

	// Повторная доставка того же exec_id не меняет состояние.
	order, err := trk.ApplyFill("rb-1", fill)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, order.FilledQty, 1e-12)
	assert.InDelta(t, 0.1, order.CommissionTotal, 1e-12)
	assert.Len(t, trk.Fills("rb-1"), 1)
}

func TestFillBeforeAcknowledge(t *testing.T) {
	trk := New()
	require.NoError(t, trk.Submit(newOrder("rb-1", 1.0)))

	_, err := trk.ApplyFill("rb-1", models.Fill{ExecID: "e1", Qty: 0.5, Price: 100})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFillExceedsRequestedQty(t *testing.T) {
	trk := New()
	require.NoError(t, trk.Submit(newOrder("rb-1", 1.0)))
	require.NoError(t, trk.Acknowledge("rb-1", "v-100"))

	_, err := trk.ApplyFill("rb-1", models.Fill{ExecID: "e1", Qty: 0.7, Price: 100})
	require.NoError(t, err)

	_, err = trk.ApplyFill("rb-1", models.Fill{ExecID: "e2", Qty: 0.5, Price: 100})
	assert.ErrorIs(t, err, ErrFillExceedsQty)

	// Состояние не изменилось после отвергнутого fill.
	order, _ := trk.Get("rb-1")
	assert.InDelta(t, 0.7, order.FilledQty, 1e-12)
	assert.Equal(t, models.OrderStatePartiallyFilled, order.State)
}

func TestTerminalStatesRejectMutation(t *testing.T) {
	trk := New()
	require.NoError(t, trk.Submit(newOrder("rb-1", 1.0)))
	require.NoError(t, trk.Acknowledge("rb-1", "v-100"))
	_, err := trk.ApplyFill("rb-1", models.Fill{ExecID: "e1", Qty: 1.0, Price: 100, IsFinal: true})
	require.NoError(t, err)

	_, err = trk.ApplyFill("rb-1", models.Fill{ExecID: "e2", Qty: 0.1, Price: 100})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, trk.Cancel("rb-1"), ErrInvalidTransition)
	assert.ErrorIs(t, trk.Expire("rb-1"), ErrInvalidTransition)
	assert.ErrorIs(t, trk.Acknowledge("rb-1", "v-200"), ErrInvalidTransition)
}

func TestCancelOnlyFromOpenStates(t *testing.T) {
	trk := New()
	require.NoError(t, trk.Submit(newOrder("rb-1", 1.0)))

	// SUBMITTED нельзя отменять локально: биржа ещё не подтвердила ордер.
	assert.ErrorIs(t, trk.Cancel("rb-1"), ErrInvalidTransition)

	require.NoError(t, trk.Acknowledge("rb-1", "v-100"))
	require.NoError(t, trk.Cancel("rb-1"))

	order, _ := trk.Get("rb-1")
	assert.Equal(t, models.OrderStateCancelled, order.State)
	assert.True(t, order.State.IsTerminal())
}

func TestCancelPartiallyFilledKeepsFills(t *testing.T) {
	trk := New()
	require.NoError(t, trk.Submit(newOrder("rb-1", 1.0)))
	require.NoError(t, trk.Acknowledge("rb-1", "v-100"))
	_, err := trk.ApplyFill("rb-1", models.Fill{ExecID: "e1", Qty: 0.3, Price: 99})
	require.NoError(t, err)

	require.NoError(t, trk.Cancel("rb-1"))
	order, _ := trk.Get("rb-1")
	assert.Equal(t, models.OrderStateCancelled, order.State)
	assert.InDelta(t, 0.3, order.FilledQty, 1e-12)
	assert.InDelta(t, 99.0, order.AvgFillPrice, 1e-12)
}

func TestRejectOnlyFromSubmitted(t *testing.T) {
	trk := New()
	require.NoError(t, trk.Submit(newOrder("rb-1", 1.0)))
	require.NoError(t, trk.Reject("rb-1", "insufficient balance"))

	order, _ := trk.Get("rb-1")
	assert.Equal(t, models.OrderStateRejected, order.State)
	assert.Equal(t, "insufficient balance", order.RejectReason)

	require.NoError(t, trk.Submit(newOrder("rb-2", 1.0)))
	require.NoError(t, trk.Acknowledge("rb-2", "v-2"))
	assert.ErrorIs(t, trk.Reject("rb-2", "late"), ErrInvalidTransition)
}

func TestExpire(t *testing.T) {
	trk := New()
	require.NoError(t, trk.Submit(newOrder("rb-1", 1.0)))
	require.NoError(t, trk.Acknowledge("rb-1", "v-100"))
	require.NoError(t, trk.Expire("rb-1"))

	order, _ := trk.Get("rb-1")
	assert.Equal(t, models.OrderStateExpired, order.State)
}

func TestOpenOrdersInsertionOrder(t *testing.T) {
	trk := New()
	for _, id := range []string{"rb-a", "rb-b", "rb-c"} {
		require.NoError(t, trk.Submit(newOrder(id, 1.0)))
		require.NoError(t, trk.Acknowledge(id, "v-"+id))
	}
	require.NoError(t, trk.Cancel("rb-b"))

	open := trk.OpenOrders()
	require.Len(t, open, 2)
	assert.Equal(t, "rb-a", open[0].ClientID)
	assert.Equal(t, "rb-c", open[1].ClientID)
}

func TestByVenueID(t *testing.T) {
	trk := New()
	require.NoError(t, trk.Submit(newOrder("rb-1", 1.0)))
	require.NoError(t, trk.Acknowledge("rb-1", "v-100"))

	order, ok := trk.ByVenueID("v-100")
	require.True(t, ok)
	assert.Equal(t, "rb-1", order.ClientID)

	_, ok = trk.ByVenueID("v-missing")
	assert.False(t, ok)
}

func TestOpenExposure(t *testing.T) {
	trk := New()

	limit := newOrder("rb-1", 2.0)
	limit.Type = models.OrderTypeLimit
	limit.LimitPrice = 100
	require.NoError(t, trk.Submit(limit))
	require.NoError(t, trk.Acknowledge("rb-1", "v-1"))
	_, err := trk.ApplyFill("rb-1", models.Fill{ExecID: "e1", Qty: 0.5, Price: 100})
	require.NoError(t, err)

	// Неисполненный остаток 1.5 по лимитной цене 100.
	assert.InDelta(t, 150.0, trk.OpenExposure(), 1e-9)
}

func TestOpenExposureMarketOrderUsesSubmitMark(t *testing.T) {
	trk := New()

	market := newOrder("rb-1", 2.0)
	market.MarkAtSubmit = 100
	require.NoError(t, trk.Submit(market))
	require.NoError(t, trk.Acknowledge("rb-1", "v-1"))

	// Fills ещё нет, но ордер уже занимает 200 по марке на момент отправки.
	assert.InDelta(t, 200.0, trk.OpenExposure(), 1e-9)

	_, err := trk.ApplyFill("rb-1", models.Fill{ExecID: "e1", Qty: 1.0, Price: 110})
	require.NoError(t, err)
	// После первого fill остаток оценивается по средней цене исполнения.
	assert.InDelta(t, 110.0, trk.OpenExposure(), 1e-9)
}

func TestSnapshotIncludesTerminalOrders(t *testing.T) {
	trk := New()
	require.NoError(t, trk.Submit(newOrder("rb-1", 1.0)))
	require.NoError(t, trk.Submit(newOrder("rb-2", 1.0)))
	require.NoError(t, trk.Reject("rb-2", "bad"))

	snap := trk.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "rb-1", snap[0].ClientID)
	assert.Equal(t, models.OrderStateRejected, snap[1].State)
}

func TestGetReturnsCopy(t *testing.T) {
	trk := New()
	require.NoError(t, trk.Submit(newOrder("rb-1", 1.0)))

	order, _ := trk.Get("rb-1")
	order.State = models.OrderStateFilled

	fresh, _ := trk.Get("rb-1")
	assert.Equal(t, models.OrderStateSubmitted, fresh.State)
}

func TestReset(t *testing.T) {
	trk := New()
	require.NoError(t, trk.Submit(newOrder("rb-1", 1.0)))
	require.NoError(t, trk.Acknowledge("rb-1", "v-1"))
	_, err := trk.ApplyFill("rb-1", models.Fill{ExecID: "e1", Qty: 0.5, Price: 100})
	require.NoError(t, err)

	trk.Reset()

	_, ok := trk.Get("rb-1")
	assert.False(t, ok)
	assert.Empty(t, trk.OpenOrders())

	// После сброса exec_id можно применять заново: дедуп очищен.
	require.NoError(t, trk.Submit(newOrder("rb-1", 1.0)))
	require.NoError(t, trk.Acknowledge("rb-1", "v-1"))
	_, err = trk.ApplyFill("rb-1", models.Fill{ExecID: "e1", Qty: 0.5, Price: 100})
	require.NoError(t, err)
}
