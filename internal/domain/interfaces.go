package domain

import (
	"context"
	"errors"
	"time"
)

// ErrGuildNotFound возвращается, если для гильдии нет конфигурации.
var ErrGuildNotFound = errors.New("гильдия не настроена")

// ErrSweepNotFound возвращается, если запись истории не найдена.
var ErrSweepNotFound = errors.New("проход не найден")

// ErrChannelUnavailable возвращается платформой для удалённых или нетекстовых каналов.
var ErrChannelUnavailable = errors.New("канал недоступен")

// ErrMalformedOutput возвращается извлекателем, если ответ модели не разобран.
var ErrMalformedOutput = errors.New("некорректный ответ модели")

// MessageSource выгружает последние сообщения канала.
type MessageSource interface {
	FetchRecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error)
	ChannelName(ctx context.Context, channelID string) (string, error)
}

// NotificationSink отправляет готовый текст в канал.
type NotificationSink interface {
	PostNotification(ctx context.Context, channelID, content string) error
}

// Extractor извлекает задачи из текста переписки.
type Extractor interface {
	Extract(ctx context.Context, transcript string) (Extraction, error)
}

// SweepConfigRepo отдаёт настройки гильдий. CRUD живёт вне ядра.
type SweepConfigRepo interface {
	GetSweepConfig(ctx context.Context, guildID string) (SweepConfig, error)
	ListGuildIDs(ctx context.Context) ([]string, error)
	UpdateLastSweepTime(ctx context.Context, guildID string, at time.Time) error
}

// ProcessedMessageRepo хранит отметки обработанных сообщений.
type ProcessedMessageRepo interface {
	ListProcessedIDs(ctx context.Context, channelID, guildID string) ([]string, error)
	// MarkProcessed вставляет отметки одним запросом, существующие не трогает.
	MarkProcessed(ctx context.Context, marks []ProcessedMessageMark) error
}

// ActionItemRepo сохраняет задачи.
type ActionItemRepo interface {
	SaveActionGroup(ctx context.Context, group ActionGroup) error
	CountActionItems(ctx context.Context, guildID string) (int, error)
}

// RateLimitRepo хранит события ограничителя запросов.
type RateLimitRepo interface {
	CountRateLimitEvents(ctx context.Context, identifier string, since time.Time) (int, error)
	RecordRateLimitEvent(ctx context.Context, event RateLimitEvent) error
}

// AtomicRateLimitRepo проверяет лимит и записывает событие одной операцией.
// count — число событий в окне до текущего запроса.
type AtomicRateLimitRepo interface {
	AdmitRateLimitEvent(ctx context.Context, event RateLimitEvent, since time.Time, limit int) (count int, admitted bool, err error)
}

// SweepHistoryRepo хранит историю проходов.
type SweepHistoryRepo interface {
	CreateSweepHistory(ctx context.Context, record SweepHistoryRecord) error
	ListSweepHistory(ctx context.Context, guildID string, limit, offset int) ([]SweepHistoryRecord, int, error)
	GetSweepHistory(ctx context.Context, guildID, sweepID string) (SweepHistoryRecord, error)
}

// GuildLocker не даёт запустить два прохода одной гильдии одновременно.
type GuildLocker interface {
	// TryLock возвращает false, если проход по гильдии уже идёт.
	TryLock(ctx context.Context, guildID string) (bool, error)
	Unlock(ctx context.Context, guildID string) error
}

// LeaseExtender реализуется блокировками с ограниченным сроком жизни.
// Пока проход идёт, оркестратор продлевает аренду каждые LeaseTTL()/3.
type LeaseExtender interface {
	Extend(ctx context.Context, guildID string) error
	LeaseTTL() time.Duration
}
