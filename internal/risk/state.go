package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State — суточный риск-учёт аккаунта. Переживает рестарты: сохраняется
// в JSON-файл и восстанавливается на старте.
type State struct {
	DailyRealizedPnL   float64   `json:"daily_realized_pnl"`
	DailyPeakEquity    float64   `json:"daily_peak_equity"`
	CurrentDrawdownPct float64   `json:"current_drawdown_pct"`
	OpenNotional       float64   `json:"open_notional_exposure"`
	KillSwitchActive   bool      `json:"kill_switch_active"`
	KillSwitchReason   string    `json:"kill_switch_reason"`
	KillSwitchAt       time.Time `json:"kill_switch_at"`
	DayStart           time.Time `json:"day_start"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func drawdownPct(peak, equity float64) float64 {
	if peak <= 0 {
		return 0
	}
	dd := (peak - equity) / peak * 100.0
	if dd < 0 {
		return 0
	}
	return dd
}

func SaveState(path string, st State) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("Не удалось сериализовать риск-состояние: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("Не удалось создать каталог состояния: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("Не удалось записать риск-состояние: %w", err)
	}
	return os.Rename(tmp, path)
}

func LoadState(path string) (State, error) {
	var st State
	data, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("Не удалось разобрать риск-состояние: %w", err)
	}
	return st, nil
}
