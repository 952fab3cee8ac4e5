package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"noteticket-bot/internal/adapters/api"
	"noteticket-bot/internal/app"
	"noteticket-bot/internal/domain"
	"noteticket-bot/internal/infra/cache"
	"noteticket-bot/internal/infra/config"
	httpinfra "noteticket-bot/internal/infra/http"
	applog "noteticket-bot/internal/infra/log"
	"noteticket-bot/internal/infra/metrics"
	"noteticket-bot/internal/usecase/throttle"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.APIKey == "" {
		logger.Fatal().Msg("api: не указан ключ API (API_KEY)")
	}

	rt, err := app.NewRuntime(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось инициализировать окружение")
	}
	defer rt.Close()

	orchestrator, err := rt.Orchestrator()
	if err != nil {
		logger.Fatal().Err(err).Msg("api: не удалось собрать конвейер")
	}

	var store domain.RateLimitRepo = rt.Repo
	if strings.EqualFold(cfg.RateLimit.Backend, "redis") {
		if rt.Redis == nil {
			logger.Fatal().Msg("api: ограничитель в Redis требует REDIS_ADDR")
		}
		store = cache.NewRateLimitStore(rt.Redis, cfg.RateLimit.Window)
	}
	limiter := throttle.NewService(store, cfg.RateLimit.Max, cfg.RateLimit.Window)

	apiLog := applog.Component(logger, "api")
	handler := api.NewHandler(orchestrator, rt.Reports(), apiLog)

	server := httpinfra.NewServer(apiLog)
	server.Router.Route("/api", func(r chi.Router) {
		r.Use(httpinfra.APIKeyMiddleware(cfg.APIKey))
		r.Use(httpinfra.RateLimitMiddleware(limiter, apiLog))
		handler.Routes(r)
	})

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), cfg.MetricsAddr)
	go func() {
		logger.Info().Int("port", cfg.Port).Msg("api: старт")
		if err := server.Start(":" + strconv.Itoa(cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api: сервер остановлен")
			stop()
		}
	}()
	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: ошибка остановки сервера")
	}
}
