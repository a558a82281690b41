package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"riskbot/internal/account"
	"riskbot/internal/config"
	"riskbot/internal/dispatch"
	"riskbot/internal/logger"
	"riskbot/internal/metrics"
	"riskbot/internal/monitor"
	"riskbot/internal/risk"
	"riskbot/internal/tracker"
	"riskbot/internal/venue"
	"riskbot/internal/venue/bybit"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(logger.Config{
		Level:      cfg.Runtime.Log.Level,
		Format:     cfg.Runtime.Log.Format,
		Output:     cfg.Runtime.Log.File,
		MaxSize:    cfg.Runtime.Log.MaxSize,
		MaxBackups: cfg.Runtime.Log.MaxBackups,
		MaxAge:     cfg.Runtime.Log.MaxAge,
		Compress:   cfg.Runtime.Log.Compress,
	})

	log.WithFields(map[string]interface{}{
		"symbol": cfg.Execution.Symbol,
		"mode":   cfg.Execution.Mode,
	}).Info("Бот запущен.")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon := monitor.New(monitor.Config{
		StaleAfter:      cfg.Monitor.StaleAfter,
		ErrorWindow:     cfg.Monitor.ErrorWindow,
		ReconnectWindow: cfg.Monitor.ReconnectWindow,
	})

	client := bybit.New(cfg.Exchange.BaseUrl, cfg.Exchange.WSPublicURL, cfg.Exchange.WSPrivateURL, cfg.Exchange.AccountType, cfg.Exchange.ApiKey, cfg.Exchange.Secret, log, mon)
	defer client.Close()

	rules, err := fetchRules(ctx, client, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Не удалось получить параметры торговой пары.")
	}

	breaker := risk.NewCircuitBreaker(risk.DefaultBreakerConfig(), log)
	rm := risk.NewManager(risk.Limits{
		MaxPositionPct:       cfg.Risk.MaxPositionPct,
		MaxLeverage:          cfg.Risk.MaxLeverage,
		DrawdownSoftPct:      cfg.Risk.DrawdownSoftPct,
		DrawdownHardPct:      cfg.Risk.DrawdownHardPct,
		MarginFloor:          cfg.Risk.MarginFloor,
		MaxConsecutiveErrors: cfg.Monitor.MaxConsecutiveErrors,
	}, breaker, log)

	if cfg.Runtime.RestoreStateOnStart {
		if st, err := risk.LoadState(cfg.Risk.StateFile); err == nil {
			rm.Restore(st)
		} else if !os.IsNotExist(err) {
			log.WithError(err).Warn("Не удалось восстановить риск-состояние.")
		}
	}

	trk := tracker.New()
	dispatcher := dispatch.New(cfg.Execution, cfg.Retry, client, trk, rm, nil, log)
	dispatcher.SetRules(rules)
	dispatcher.SetAckObserver(mon.RecordLatency)

	acct := account.NewVenueProvider(client, rules, cfg.Execution.Symbol, dispatcher.Mark)
	dispatcher.SetAccountProvider(acct)

	events, err := client.Subscribe(ctx, cfg.Execution.Symbol)
	if err != nil {
		log.WithError(err).Fatal("Не удалось подписаться на поток биржи.")
	}

	go dispatcher.Run(ctx, events)
	go healthLoop(ctx, cfg.Monitor.HealthTick, mon, rm)
	go dailyResetLoop(ctx, rm, acct, cfg.Risk.StateFile, log)

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Addr, log)
	}

	<-sigCh

	cancel()

	if err := risk.SaveState(cfg.Risk.StateFile, rm.Snapshot()); err != nil {
		log.WithError(err).Warn("Не удалось сохранить риск-состояние.")
	}

	log.Info("Бот остановлен.")
}

func fetchRules(ctx context.Context, client venue.Client, cfg *config.Config, log *logger.Logger) (venue.InstrumentRules, error) {
	var lastErr error
	attempts := cfg.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	delay := cfg.Retry.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 0; i < attempts; i++ {
		rules, err := client.GetInstrumentRules(ctx, cfg.Execution.Symbol)
		if err == nil {
			return rules, nil
		}
		lastErr = err
		log.WithError(err).Warn("Ошибка, повторяем запрос.")
		select {
		case <-ctx.Done():
			return venue.InstrumentRules{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return venue.InstrumentRules{}, lastErr
}

// healthLoop переводит телеметрию соединения в риск-оценку и метрики.
func healthLoop(ctx context.Context, tick time.Duration, mon *monitor.Monitor, rm *risk.Manager) {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := mon.Snapshot()
			rm.EvaluateConnectionHealth(h)

			st := rm.Status()
			metrics.SetKillSwitch(st.KillSwitchActive)
			metrics.SetDrawdownPct(st.DrawdownPct)
			metrics.SetDailyPnL(st.DailyPnL)
			metrics.SetConnectionStale(h.IsStale)
		}
	}
}

// dailyResetLoop сбрасывает суточный риск-учёт в полночь UTC и сохраняет
// состояние на диск.
func dailyResetLoop(ctx context.Context, rm *risk.Manager, acct account.Provider, stateFile string, log *logger.Logger) {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)

		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}

		equity, err := acct.CurrentEquity(ctx)
		if err != nil {
			log.WithError(err).Warn("Не удалось получить equity для суточного сброса.")
			equity = 0
		}
		rm.ResetDaily(equity)

		if err := risk.SaveState(stateFile, rm.Snapshot()); err != nil {
			log.WithError(err).Warn("Не удалось сохранить риск-состояние.")
		}
	}
}

func serveMetrics(addr string, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.WithFields(map[string]interface{}{"addr": addr}).Info("Метрики доступны по /metrics.")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("HTTP сервер метрик завершился с ошибкой.")
	}
}
