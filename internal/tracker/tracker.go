package tracker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"riskbot/internal/models"
)

// Нарушения инвариантов трекера. Это ошибки программиста или рассинхрон
// с биржей, их нельзя глотать: локальному состоянию больше нет доверия,
// нужна полная сверка с биржей.
var (
	ErrDuplicateClientID = errors.New("client_id уже зарегистрирован")
	ErrUnknownOrder      = errors.New("ордер с таким client_id не найден")
	ErrInvalidTransition = errors.New("недопустимый переход состояния ордера")
	ErrFillExceedsQty    = errors.New("исполнение превышает заявленный объём")
)

const qtyEps = 1e-9

// Tracker — единственный владелец авторитетных копий ордеров. Все мутации
// идут через его методы под одним мьютексом на аккаунт: риск-решения
// зависят от совокупной экспозиции, пер-ордерные блокировки дали бы двум
// конкурентным решениям пройти проверку по устаревшему агрегату.
type Tracker struct {
	mu     sync.Mutex
	orders map[string]*models.Order
	fills  map[string][]models.Fill
	seen   map[string]bool
	index  []string

	now func() time.Time
}

func New() *Tracker {
	return &Tracker{
		orders: map[string]*models.Order{},
		fills:  map[string][]models.Fill{},
		seen:   map[string]bool{},
		now:    time.Now,
	}
}

// Submit регистрирует новый ордер в состоянии SUBMITTED.
func (t *Tracker) Submit(order models.Order) error {
	if order.ClientID == "" {
		return fmt.Errorf("%w: пустой client_id", ErrInvalidTransition)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.orders[order.ClientID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateClientID, order.ClientID)
	}

	now := t.now()
	order.State = models.OrderStateSubmitted
	order.FilledQty = 0
	order.AvgFillPrice = 0
	order.CommissionTotal = 0
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	t.orders[order.ClientID] = &order
	t.index = append(t.index, order.ClientID)
	return nil
}

// Acknowledge связывает ордер с биржевым id и переводит SUBMITTED → OPEN.
// Повторный вызов с тем же venue_id — no-op; с другим — ошибка, двойной
// привязки не бывает.
func (t *Tracker) Acknowledge(clientID, venueID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, clientID)
	}
	if order.State.IsTerminal() {
		return fmt.Errorf("%w: acknowledge из %s", ErrInvalidTransition, order.State)
	}
	if order.VenueID != "" {
		if order.VenueID == venueID {
			return nil
		}
		return fmt.Errorf("%w: повторный acknowledge с другим venue_id", ErrInvalidTransition)
	}
	if order.State != models.OrderStateSubmitted {
		return fmt.Errorf("%w: acknowledge из %s", ErrInvalidTransition, order.State)
	}

	order.VenueID = venueID
	order.State = models.OrderStateOpen
	order.UpdatedAt = t.now()
	return nil
}

// ApplyFill применяет исполнение в порядке доставки биржи. Дедупликация —
// по exec_id, если биржа его дала; без exec_id доставка не-более-одного-раза
// остаётся на совести вызывающего.
func (t *Tracker) ApplyFill(clientID string, fill models.Fill) (models.Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[clientID]
	if !ok {
		return models.Order{}, fmt.Errorf("%w: %s", ErrUnknownOrder, clientID)
	}
	if order.State.IsTerminal() {
		return models.Order{}, fmt.Errorf("%w: fill из %s", ErrInvalidTransition, order.State)
	}
	if order.State == models.OrderStateSubmitted {
		return models.Order{}, fmt.Errorf("%w: fill до acknowledge", ErrInvalidTransition)
	}

	if fill.ExecID != "" {
		if t.seen[fill.ExecID] {
			return *order, nil
		}
		t.seen[fill.ExecID] = true
	}

	if fill.Qty <= 0 {
		return models.Order{}, fmt.Errorf("%w: неположительный объём исполнения", ErrInvalidTransition)
	}
	newFilled := order.FilledQty + fill.Qty
	if newFilled > order.RequestedQty+qtyEps {
		return models.Order{}, fmt.Errorf("%w: %f > %f", ErrFillExceedsQty, newFilled, order.RequestedQty)
	}

	totalCost := order.AvgFillPrice*order.FilledQty + fill.Price*fill.Qty
	order.FilledQty = newFilled
	order.AvgFillPrice = totalCost / newFilled
	order.CommissionTotal += fill.Commission
	order.UpdatedAt = t.now()

	if fill.IsFinal || order.FilledQty >= order.RequestedQty-qtyEps {
		order.State = models.OrderStateFilled
	} else {
		order.State = models.OrderStatePartiallyFilled
	}

	t.fills[clientID] = append(t.fills[clientID], fill)
	return *order, nil
}

// Cancel — только по подтверждающему событию биржи, никогда оптимистично:
// исполнение может лететь параллельно с отменой.
func (t *Tracker) Cancel(clientID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, clientID)
	}
	switch order.State {
	case models.OrderStateOpen, models.OrderStatePartiallyFilled:
		order.State = models.OrderStateCancelled
		order.UpdatedAt = t.now()
		return nil
	default:
		return fmt.Errorf("%w: cancel из %s", ErrInvalidTransition, order.State)
	}
}

func (t *Tracker) Reject(clientID, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, clientID)
	}
	if order.State != models.OrderStateSubmitted {
		return fmt.Errorf("%w: reject из %s", ErrInvalidTransition, order.State)
	}
	order.State = models.OrderStateRejected
	order.RejectReason = reason
	order.UpdatedAt = t.now()
	return nil
}

func (t *Tracker) Expire(clientID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[clientID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, clientID)
	}
	switch order.State {
	case models.OrderStateOpen, models.OrderStatePartiallyFilled:
		order.State = models.OrderStateExpired
		order.UpdatedAt = t.now()
		return nil
	default:
		return fmt.Errorf("%w: expire из %s", ErrInvalidTransition, order.State)
	}
}

// Get возвращает копию, никогда живую ссылку.
func (t *Tracker) Get(clientID string) (models.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	order, ok := t.orders[clientID]
	if !ok {
		return models.Order{}, false
	}
	return *order, true
}

func (t *Tracker) ByVenueID(venueID string) (models.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, clientID := range t.index {
		if order := t.orders[clientID]; order.VenueID == venueID {
			return *order, true
		}
	}
	return models.Order{}, false
}

// OpenOrders — снапшот незавершённых ордеров в порядке регистрации.
func (t *Tracker) OpenOrders() []models.Order {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []models.Order
	for _, clientID := range t.index {
		order := t.orders[clientID]
		switch order.State {
		case models.OrderStateOpen, models.OrderStatePartiallyFilled:
			result = append(result, *order)
		}
	}
	return result
}

// OpenExposure — суммарный нотионал неисполненного остатка открытых
// ордеров, вход для риск-проверок.
func (t *Tracker) OpenExposure() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := 0.0
	for _, clientID := range t.index {
		order := t.orders[clientID]
		switch order.State {
		case models.OrderStateOpen, models.OrderStatePartiallyFilled:
			// Маркет-ордер до первого fill оцениваем по марке на момент
			// отправки, иначе его экспозиция невидима для риск-проверок.
			price := order.LimitPrice
			if price == 0 {
				price = order.AvgFillPrice
			}
			if price == 0 {
				price = order.MarkAtSubmit
			}
			total += (order.RequestedQty - order.FilledQty) * price
		}
	}
	return total
}

// Snapshot — копии всех ордеров в порядке регистрации, включая
// завершённые.
func (t *Tracker) Snapshot() []models.Order {
	t.mu.Lock()
	defer t.mu.Unlock()

	result := make([]models.Order, 0, len(t.index))
	for _, clientID := range t.index {
		result = append(result, *t.orders[clientID])
	}
	return result
}

func (t *Tracker) Fills(clientID string) []models.Fill {
	t.mu.Lock()
	defer t.mu.Unlock()

	src := t.fills[clientID]
	result := make([]models.Fill, len(src))
	copy(result, src)
	return result
}

// Reset сбрасывает трекер перед полной сверкой с биржей.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.orders = map[string]*models.Order{}
	t.fills = map[string][]models.Fill{}
	t.seen = map[string]bool{}
	t.index = nil
}
