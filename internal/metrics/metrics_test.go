package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCollectors(t *testing.T) {
	IncDecision("LIVE", "PLACED")
	IncRejection("max_position_exceeded")
	SetKillSwitch(true)
	SetDrawdownPct(2.5)
	SetDailyPnL(-12.5)
	SetOpenOrders(3)
	SetConnectionStale(false)
	ObserveAckLatency(150 * time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "riskbot_decisions_total")
	assert.Contains(t, body, "riskbot_rejections_total")
	assert.Contains(t, body, "riskbot_kill_switch_active 1")
	assert.Contains(t, body, "riskbot_daily_drawdown_pct 2.5")
	assert.Contains(t, body, "riskbot_open_orders 3")
	assert.Contains(t, body, "riskbot_connection_stale 0")
	assert.Contains(t, body, "riskbot_ack_latency_seconds_count")
}

func TestInitIdempotent(t *testing.T) {
	Init()
	// Повторный вызов не должен паниковать на двойной регистрации.
	Init()
}
