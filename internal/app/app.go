package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"noteticket-bot/internal/adapters/discord"
	"noteticket-bot/internal/adapters/extractor"
	"noteticket-bot/internal/adapters/repo"
	"noteticket-bot/internal/adapters/telegram"
	"noteticket-bot/internal/domain"
	"noteticket-bot/internal/infra/cache"
	"noteticket-bot/internal/infra/config"
	"noteticket-bot/internal/infra/db"
	applog "noteticket-bot/internal/infra/log"
	"noteticket-bot/internal/infra/openai"
	"noteticket-bot/internal/infra/queue"
	"noteticket-bot/internal/usecase/sweep"
)

// Бэкенды очереди уведомлений.
const (
	QueueBackendNone     = ""
	QueueBackendRedis    = "redis"
	QueueBackendRabbitMQ = "rabbitmq"
)

// Runtime содержит общие для процессов подключения.
type Runtime struct {
	Config  config.AppConfig
	Log     zerolog.Logger
	Pool    *pgxpool.Pool
	Repo    *repo.Postgres
	Redis   *redis.Client
	Discord *discord.Platform

	closers []func()
}

// NewRuntime подключается к Postgres, Discord и, если указан адрес, к Redis.
func NewRuntime(cfg config.AppConfig, logger zerolog.Logger) (*Runtime, error) {
	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("нет подключения к БД: %w", err)
	}
	rt := &Runtime{Config: cfg, Log: logger, Pool: pool, Repo: repo.NewPostgres(pool)}
	rt.closers = append(rt.closers, pool.Close)

	if cfg.RedisAddr != "" {
		client, err := cache.Connect(cfg.RedisAddr)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("нет подключения к Redis: %w", err)
		}
		rt.Redis = client
		rt.closers = append(rt.closers, func() { _ = client.Close() })
	}

	if cfg.Discord.Token == "" {
		rt.Close()
		return nil, errors.New("не указан токен Discord (DISCORD_TOKEN)")
	}
	session, err := discord.NewSession(cfg.Discord.Token)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("не удалось создать сессию Discord: %w", err)
	}
	rt.Discord = discord.NewPlatform(session)
	return rt, nil
}

// Close освобождает подключения в обратном порядке.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// NotifyQueue открывает очередь уведомлений выбранного бэкенда.
// Для пустого бэкенда возвращает nil.
func (rt *Runtime) NotifyQueue() (domain.NotifyQueue, error) {
	backend := strings.ToLower(strings.TrimSpace(rt.Config.Queues.Backend))
	switch backend {
	case QueueBackendNone:
		return nil, nil
	case QueueBackendRedis:
		if rt.Redis == nil {
			return nil, errors.New("очередь redis требует REDIS_ADDR")
		}
		return queue.NewRedisNotifyQueue(rt.Redis, rt.Config.Queues.Notify), nil
	case QueueBackendRabbitMQ:
		q, err := queue.NewRabbitNotifyQueue(rt.Config.RabbitURL, rt.Config.Queues.Notify)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = q.Close() })
		return q, nil
	}
	return nil, fmt.Errorf("неизвестный бэкенд очереди %q", backend)
}

// DirectNotifier отправляет уведомления в Discord и, если настроено, дублирует их в Telegram.
func (rt *Runtime) DirectNotifier() (*sweep.DirectNotifier, error) {
	var mirrors []domain.NotificationSink
	if rt.Config.Telegram.Token != "" && rt.Config.Telegram.NotifyChatID != 0 {
		bot, err := telegram.NewBot(rt.Config.Telegram.Token)
		if err != nil {
			return nil, fmt.Errorf("не удалось создать бота Telegram: %w", err)
		}
		mirrors = append(mirrors, telegram.NewMirror(bot, rt.Config.Telegram.NotifyChatID))
	}
	return sweep.NewDirectNotifier(rt.Discord, applog.Component(rt.Log, "notifier"), mirrors...), nil
}

// Orchestrator собирает конвейер прохода поверх подключений.
func (rt *Runtime) Orchestrator() (*sweep.Orchestrator, error) {
	cfg := rt.Config
	if cfg.OpenAI.APIKey == "" {
		return nil, errors.New("не указан ключ OpenAI (OPENAI_API_KEY)")
	}
	client := openai.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Timeout, cfg.OpenAI.RPS)
	llm := extractor.NewLLM(client, cfg.OpenAI.Model, cfg.OpenAI.Timeout)

	logger := applog.Component(rt.Log, "sweep")
	gate := sweep.NewGate(sweep.NewTracker(rt.Repo), rt.Repo, cfg.HashSalt, logger)
	pipeline := sweep.NewPipeline(llm, rt.Repo, gate, cfg.Sweep.BatchSize, logger)

	var notifier domain.Notifier
	q, err := rt.NotifyQueue()
	if err != nil {
		return nil, err
	}
	if q != nil {
		notifier = sweep.NewQueueNotifier(q)
	} else {
		direct, err := rt.DirectNotifier()
		if err != nil {
			return nil, err
		}
		notifier = direct
	}

	deps := sweep.Deps{
		Configs:  rt.Repo,
		Source:   rt.Discord,
		History:  rt.Repo,
		Pipeline: pipeline,
		Notifier: notifier,
	}
	if rt.Redis != nil {
		deps.Locks = cache.NewGuildLocks(rt.Redis, cfg.Sweep.LockTTL)
	}
	return sweep.NewOrchestrator(deps, cfg.Sweep.FetchLimit, cfg.Sweep.GuildConcurrency, logger), nil
}

// Reports собирает отчёты о состоянии гильдий.
func (rt *Runtime) Reports() *sweep.Reports {
	return sweep.NewReports(rt.Repo, rt.Repo, rt.Repo)
}
