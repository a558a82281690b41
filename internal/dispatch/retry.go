package dispatch

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"riskbot/internal/models"
)

// Ретраи только для идемпотентных вызовов (статус, отмена, fills, открытые
// ордера). Отправка ордера не ретраится вслепую: под неоднозначным
// таймаутом повтор — это дубль.

func (d *Dispatcher) withRetryVoid(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i < d.maxAttempts(); i++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if isOrderNotExistError(lastErr) {
			return lastErr
		}
		wait := d.retryDelay(i, lastErr)
		d.logEntry().WithError(lastErr).WithField("wait", wait.String()).Warn("Ошибка, повторяем запрос.")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

func (d *Dispatcher) withRetryOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	var lastErr error
	for i := 0; i < d.maxAttempts(); i++ {
		orders, err := d.client.GetOpenOrders(ctx, symbol)
		if err == nil {
			return orders, nil
		}
		lastErr = err
		wait := d.retryDelay(i, err)
		d.logEntry().WithError(lastErr).WithField("wait", wait.String()).Warn("Ошибка, повторяем запрос.")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

func (d *Dispatcher) withRetryFills(ctx context.Context, symbol string) ([]models.Fill, error) {
	var lastErr error
	for i := 0; i < d.maxAttempts(); i++ {
		fills, err := d.client.GetFills(ctx, symbol)
		if err == nil {
			return fills, nil
		}
		lastErr = err
		wait := d.retryDelay(i, err)
		d.logEntry().WithError(lastErr).WithField("wait", wait.String()).Warn("Ошибка, повторяем запрос.")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, lastErr
}

func (d *Dispatcher) maxAttempts() int {
	if d.retry.MaxAttempts <= 0 {
		return 5
	}
	return d.retry.MaxAttempts
}

// retryDelay: base * 2^attempt с верхней границей и джиттером; на rate
// limit ждём вчетверо дольше.
func (d *Dispatcher) retryDelay(attempt int, err error) time.Duration {
	base := d.retry.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := d.retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	if attempt > 30 {
		attempt = 30
	}
	wait := time.Duration(math.Min(float64(base)*math.Pow(2, float64(attempt)), float64(maxDelay)))
	if isRateLimitError(err) {
		wait = time.Duration(math.Min(float64(wait)*4, float64(maxDelay)))
	}
	if d.retry.JitterPct > 0 {
		jitter := 1 + d.retry.JitterPct*(rand.Float64()*2-1)
		wait = time.Duration(float64(wait) * jitter)
	}
	return wait
}

func roundDown(value, step float64) float64 {
	if step == 0 {
		return value
	}
	return math.Floor(value/step) * step
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Too many visits!") || strings.Contains(msg, "429") || strings.Contains(msg, "10006")
}

func isOrderNotExistError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "170213") || strings.Contains(msg, "Order does not exist")
}

// Неоднозначный исход: запрос мог дойти до биржи, ответ — нет.
func isIndeterminate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset")
}
