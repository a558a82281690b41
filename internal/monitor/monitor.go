package monitor

import (
	"math"
	"sort"
	"sync"
	"time"
)

type Health struct {
	LastUpdateAt       time.Time     `json:"last_update_at"`
	ConsecutiveErrors  int           `json:"consecutive_errors"`
	ErrorsInWindow     int           `json:"errors_in_window"`
	ReconnectsInWindow int           `json:"reconnects_in_window"`
	LatencyP95Ms       float64       `json:"latency_p95_ms"`
	IsStale            bool          `json:"is_stale"`
	StaleFor           time.Duration `json:"stale_for"`
}

type Config struct {
	StaleAfter      time.Duration
	ErrorWindow     time.Duration
	ReconnectWindow time.Duration
}

// Monitor копит сырые события соединения и по запросу отдаёт телеметрию.
// Тишина в канале не менее опасна, чем ошибки: staleness считается только
// от времени последнего апдейта.
type Monitor struct {
	mu sync.Mutex

	cfg Config
	now func() time.Time

	lastUpdate  time.Time
	consecutive int
	errorTimes  []time.Time
	reconnects  []time.Time
	latencies   []float64
}

const maxLatencySamples = 512

func New(cfg Config) *Monitor {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 60 * time.Second
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = time.Minute
	}
	if cfg.ReconnectWindow <= 0 {
		cfg.ReconnectWindow = time.Hour
	}
	return &Monitor{cfg: cfg, now: time.Now}
}

func (m *Monitor) RecordUpdate() {
	m.mu.Lock()
	m.lastUpdate = m.now()
	m.consecutive = 0
	m.mu.Unlock()
}

func (m *Monitor) RecordError() {
	m.mu.Lock()
	now := m.now()
	m.consecutive++
	m.errorTimes = append(m.errorTimes, now)
	m.errorTimes = prune(m.errorTimes, now.Add(-m.cfg.ErrorWindow))
	m.mu.Unlock()
}

func (m *Monitor) RecordReconnect() {
	m.mu.Lock()
	now := m.now()
	m.reconnects = append(m.reconnects, now)
	m.reconnects = prune(m.reconnects, now.Add(-m.cfg.ReconnectWindow))
	m.mu.Unlock()
}

func (m *Monitor) RecordLatency(d time.Duration) {
	m.mu.Lock()
	m.latencies = append(m.latencies, float64(d)/float64(time.Millisecond))
	if len(m.latencies) > maxLatencySamples {
		m.latencies = m.latencies[len(m.latencies)-maxLatencySamples:]
	}
	m.mu.Unlock()
}

func (m *Monitor) Snapshot() Health {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.errorTimes = prune(m.errorTimes, now.Add(-m.cfg.ErrorWindow))
	m.reconnects = prune(m.reconnects, now.Add(-m.cfg.ReconnectWindow))

	h := Health{
		LastUpdateAt:       m.lastUpdate,
		ConsecutiveErrors:  m.consecutive,
		ErrorsInWindow:     len(m.errorTimes),
		ReconnectsInWindow: len(m.reconnects),
		LatencyP95Ms:       p95(m.latencies),
	}
	if m.lastUpdate.IsZero() {
		// Апдейтов ещё не было: соединение не считаем протухшим, пока не
		// пришёл первый кадр, иначе kill-switch сработает на старте.
		return h
	}
	sinceUpdate := now.Sub(m.lastUpdate)
	if sinceUpdate > m.cfg.StaleAfter {
		h.IsStale = true
		h.StaleFor = sinceUpdate - m.cfg.StaleAfter
	}
	return h
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(times) && !times[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return times
	}
	return append(times[:0], times[idx:]...)
}

func p95(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	rank := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}
