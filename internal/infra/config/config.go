package config

import (
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	APIKey      string `envconfig:"API_KEY"`
	HashSalt    string `envconfig:"HASH_SALT" default:"default-salt"`

	Discord struct {
		Token string `envconfig:"DISCORD_TOKEN"`
	} `envconfig:""`

	Telegram struct {
		Token        string `envconfig:"TG_BOT_TOKEN"`
		NotifyChatID int64  `envconfig:"TG_NOTIFY_CHAT_ID"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"OPENAI_MODEL" default:"gpt-4o"`
		Timeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"60s"`
		RPS     float64       `envconfig:"OPENAI_RPS" default:"2"`
	} `envconfig:""`

	Sweep struct {
		Interval         time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h"`
		BatchSize        int           `envconfig:"SWEEP_BATCH_SIZE" default:"10"`
		FetchLimit       int           `envconfig:"SWEEP_FETCH_LIMIT" default:"100"`
		GuildConcurrency int           `envconfig:"SWEEP_GUILD_CONCURRENCY" default:"1"`
		LockTTL          time.Duration `envconfig:"SWEEP_LOCK_TTL" default:"30m"`
	} `envconfig:""`

	RateLimit struct {
		Max     int           `envconfig:"RATE_LIMIT_MAX" default:"10"`
		Window  time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"60s"`
		Backend string        `envconfig:"RATE_LIMIT_BACKEND" default:"postgres"`
	} `envconfig:""`

	Queues struct {
		Notify  string `envconfig:"NOTIFY_QUEUE" default:"action_item_notifications"`
		Backend string `envconfig:"NOTIFY_QUEUE_BACKEND"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения, предварительно подхватив .env, если он есть.
func Load() AppConfig {
	_ = godotenv.Load()
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
