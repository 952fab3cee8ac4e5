package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"noteticket-bot/internal/app"
	"noteticket-bot/internal/infra/cache"
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
		logger.Fatal().Err(err).Msg("notifier: не удалось инициализировать окружение")
	}
	defer rt.Close()

	notifyQueue, err := rt.NotifyQueue()
	if err != nil {
		logger.Fatal().Err(err).Msg("notifier: не удалось открыть очередь")
	}
	if notifyQueue == nil {
		logger.Fatal().Msg("notifier: не указан бэкенд очереди (NOTIFY_QUEUE_BACKEND)")
	}
	direct, err := rt.DirectNotifier()
	if err != nil {
		logger.Fatal().Err(err).Msg("notifier: не удалось создать отправителя")
	}

	var attempts sweep.AttemptCounter
	if rt.Redis != nil {
		attempts = cache.NewDeliveryAttempts(rt.Redis, 0)
	}
	worker := sweep.NewDeliveryWorker(notifyQueue, direct, attempts, applog.Component(logger, "notifier"))

	logger.Info().Str("queue", cfg.Queues.Notify).Msg("notifier: запуск обработки очереди")
	worker.Run(ctx)
	logger.Info().Msg("notifier: остановлен")
}
