package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"noteticket-bot/internal/app"
	"noteticket-bot/internal/infra/config"
	applog "noteticket-bot/internal/infra/log"
	"noteticket-bot/internal/infra/metrics"
	"noteticket-bot/internal/usecase/sweep"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), cfg.MetricsAddr)

	rt, err := app.NewRuntime(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("sweeper: не удалось инициализировать окружение")
	}
	defer rt.Close()

	orchestrator, err := rt.Orchestrator()
	if err != nil {
		logger.Fatal().Err(err).Msg("sweeper: не удалось собрать конвейер")
	}

	scheduler := sweep.NewScheduler(orchestrator, cfg.Sweep.Interval, applog.Component(logger, "scheduler"))
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("sweeper: не удалось запустить планировщик")
	}
	logger.Info().Dur("interval", cfg.Sweep.Interval).Msg("sweeper: старт")

	<-ctx.Done()
	logger.Info().Msg("sweeper: остановка")
	scheduler.Stop()
}
