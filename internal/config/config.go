package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Exchange  ExchangeConfig
	Execution ExecutionConfig
	Risk      RiskConfig
	Monitor   MonitorConfig
	Retry     RetryConfig
	Runtime   RuntimeConfig
	Metrics   MetricsConfig
}

type ExchangeConfig struct {
	BaseUrl      string
	WSPublicURL  string
	WSPrivateURL string
	AccountType  string
	ApiKey       string
	Secret       string
}

type ExecutionConfig struct {
	Symbol        string
	Mode          string
	SlippagePct   float64
	AckTimeout    time.Duration
	QuoteCoin     string
	CommissionPct float64
}

type RiskConfig struct {
	MaxPositionPct  float64
	MaxLeverage     float64
	DrawdownSoftPct float64
	DrawdownHardPct float64
	MarginFloor     float64
	StateFile       string
}

type MonitorConfig struct {
	StaleAfter           time.Duration
	ErrorWindow          time.Duration
	ReconnectWindow      time.Duration
	MaxConsecutiveErrors int
	HealthTick           time.Duration
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterPct   float64
}

type RuntimeConfig struct {
	RestoreStateOnStart bool
	Log                 LogConfig
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

type MetricsConfig struct {
	Enabled bool
	Addr    string
}

func Load() (*Config, error) {

	cfg := &Config{}
	viper.AddConfigPath("configs")
	viper.SetConfigName("config")
	viper.ReadInConfig()

	setDefaults()

	cfg.Exchange = ExchangeConfig{
		BaseUrl:      viper.GetString("exchange.base_url"),
		WSPublicURL:  viper.GetString("exchange.ws_public_url"),
		WSPrivateURL: viper.GetString("exchange.ws_private_url"),
		AccountType:  viper.GetString("exchange.account_type"),
		ApiKey:       envSub("exchange.api_key"),
		Secret:       envSub("exchange.secret"),
	}

	cfg.Execution = ExecutionConfig{
		Symbol:        viper.GetString("execution.symbol"),
		Mode:          viper.GetString("execution.mode"),
		SlippagePct:   viper.GetFloat64("execution.slippage_pct"),
		AckTimeout:    viper.GetDuration("execution.ack_timeout"),
		QuoteCoin:     viper.GetString("execution.quote_coin"),
		CommissionPct: viper.GetFloat64("execution.commission_pct"),
	}

	cfg.Risk = RiskConfig{
		MaxPositionPct:  viper.GetFloat64("risk.max_position_pct"),
		MaxLeverage:     viper.GetFloat64("risk.max_leverage"),
		DrawdownSoftPct: viper.GetFloat64("risk.drawdown_soft_pct"),
		DrawdownHardPct: viper.GetFloat64("risk.drawdown_hard_pct"),
		MarginFloor:     viper.GetFloat64("risk.margin_floor"),
		StateFile:       viper.GetString("risk.state_file"),
	}

	cfg.Monitor = MonitorConfig{
		StaleAfter:           viper.GetDuration("monitor.stale_after"),
		ErrorWindow:          viper.GetDuration("monitor.error_window"),
		ReconnectWindow:      viper.GetDuration("monitor.reconnect_window"),
		MaxConsecutiveErrors: viper.GetInt("monitor.max_consecutive_errors"),
		HealthTick:           viper.GetDuration("monitor.health_tick"),
	}

	cfg.Retry = RetryConfig{
		MaxAttempts: viper.GetInt("retry.max_attempts"),
		BaseDelay:   viper.GetDuration("retry.base_delay"),
		MaxDelay:    viper.GetDuration("retry.max_delay"),
		JitterPct:   viper.GetFloat64("retry.jitter_pct"),
	}

	cfg.Runtime = RuntimeConfig{
		RestoreStateOnStart: viper.GetBool("runtime.restore_state_on_start"),
		Log: LogConfig{
			Level:      viper.GetString("runtime.log.level"),
			Format:     viper.GetString("runtime.log.format"),
			File:       viper.GetString("runtime.log.file"),
			MaxSize:    viper.GetInt("runtime.log.max_size"),
			MaxBackups: viper.GetInt("runtime.log.max_backups"),
			MaxAge:     viper.GetInt("runtime.log.max_age"),
			Compress:   viper.GetBool("runtime.log.compress"),
		},
	}

	cfg.Metrics = MetricsConfig{
		Enabled: viper.GetBool("metrics.enabled"),
		Addr:    viper.GetString("metrics.addr"),
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("execution.mode", "DRY_RUN")
	viper.SetDefault("execution.slippage_pct", 0.05)
	viper.SetDefault("execution.ack_timeout", 5*time.Second)
	viper.SetDefault("execution.quote_coin", "USDT")
	viper.SetDefault("risk.max_position_pct", 25.0)
	viper.SetDefault("risk.max_leverage", 3.0)
	viper.SetDefault("risk.drawdown_soft_pct", 3.0)
	viper.SetDefault("risk.drawdown_hard_pct", 5.0)
	viper.SetDefault("risk.state_file", "data/risk_state.json")
	viper.SetDefault("monitor.stale_after", 60*time.Second)
	viper.SetDefault("monitor.error_window", time.Minute)
	viper.SetDefault("monitor.reconnect_window", time.Hour)
	viper.SetDefault("monitor.max_consecutive_errors", 10)
	viper.SetDefault("monitor.health_tick", 5*time.Second)
	viper.SetDefault("retry.max_attempts", 5)
	viper.SetDefault("retry.base_delay", time.Second)
	viper.SetDefault("retry.max_delay", 30*time.Second)
	viper.SetDefault("retry.jitter_pct", 0.2)
	viper.SetDefault("metrics.addr", ":9090")
}

func envSub(key string) string {
	val := viper.GetString(key)
	if val == "" {
		return ""
	}

	re := regexp.MustCompile(`\$\{(\w+)\}`)
	return re.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
