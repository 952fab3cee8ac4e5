package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"noteticket-bot/internal/domain"
	"noteticket-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
// Каждая запись выполняется одним запросом, кроме проверки лимита запросов.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.SweepConfigRepo      = (*Postgres)(nil)
	_ domain.ProcessedMessageRepo = (*Postgres)(nil)
	_ domain.ActionItemRepo       = (*Postgres)(nil)
	_ domain.RateLimitRepo        = (*Postgres)(nil)
	_ domain.AtomicRateLimitRepo  = (*Postgres)(nil)
	_ domain.PrivacyAuditRepo     = (*Postgres)(nil)
	_ domain.SweepHistoryRepo     = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// GetSweepConfig реализует domain.SweepConfigRepo.
func (p *Postgres) GetSweepConfig(ctx context.Context, guildID string) (domain.SweepConfig, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var cfg domain.SweepConfig
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT guild_id, active, channels_to_monitor, sweep_interval_hours, privacy_mode_enabled, todo_channel_id, last_sweep_time
FROM bot_config
WHERE guild_id = $1
`, guildID).Scan(&cfg.GuildID, &cfg.Active, &cfg.ChannelsToMonitor, &cfg.SweepIntervalHours, &cfg.PrivacyModeEnabled, &cfg.TodoChannelID, &cfg.LastSweepTime)
	if errors.Is(err, pgx.ErrNoRows) {
		metrics.ObserveNetworkRequest("postgres", "bot_config_get", "bot_config", start, nil)
		return domain.SweepConfig{}, domain.ErrGuildNotFound
	}
	metrics.ObserveNetworkRequest("postgres", "bot_config_get", "bot_config", start, err)
	if err != nil {
		return domain.SweepConfig{}, fmt.Errorf("чтение настроек гильдии: %w", err)
	}
	return cfg, nil
}

// ListGuildIDs возвращает все настроенные гильдии.
func (p *Postgres) ListGuildIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT guild_id FROM bot_config ORDER BY guild_id`)
	metrics.ObserveNetworkRequest("postgres", "bot_config_list", "bot_config", start, err)
	if err != nil {
		return nil, fmt.Errorf("список гильдий: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("список гильдий: %w", err)
	}
	return ids, nil
}

// UpdateLastSweepTime сохраняет время старта последнего прохода.
func (p *Postgres) UpdateLastSweepTime(ctx context.Context, guildID string, at time.Time) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE bot_config SET last_sweep_time = $2, updated_at = now()
WHERE guild_id = $1
`, guildID, at)
	metrics.ObserveNetworkRequest("postgres", "bot_config_touch", "bot_config", start, err)
	return err
}

// ListProcessedIDs реализует domain.ProcessedMessageRepo.
func (p *Postgres) ListProcessedIDs(ctx context.Context, channelID, guildID string) ([]string, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT message_id FROM processed_messages
WHERE channel_id = $1 AND guild_id = $2
`, channelID, guildID)
	metrics.ObserveNetworkRequest("postgres", "processed_messages_list", "processed_messages", start, err)
	if err != nil {
		return nil, fmt.Errorf("чтение отметок: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("чтение отметок: %w", err)
	}
	return ids, nil
}

// MarkProcessed вставляет отметки одним запросом, повторные идентификаторы пропускаются.
func (p *Postgres) MarkProcessed(ctx context.Context, marks []domain.ProcessedMessageMark) error {
	if len(marks) == 0 {
		return nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	ids := make([]string, len(marks))
	channels := make([]string, len(marks))
	guilds := make([]string, len(marks))
	found := make([]bool, len(marks))
	processedAt := make([]time.Time, len(marks))
	for i, m := range marks {
		ids[i], channels[i], guilds[i], found[i], processedAt[i] = m.MessageID, m.ChannelID, m.GuildID, m.ActionItemsFound, m.ProcessedAt
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO processed_messages (message_id, channel_id, guild_id, action_items_found, processed_at)
SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::boolean[], $5::timestamptz[])
ON CONFLICT (message_id) DO NOTHING
`, ids, channels, guilds, found, processedAt)
	metrics.ObserveNetworkRequest("postgres", "processed_messages_insert", "processed_messages", start, err)
	return err
}

// SaveActionGroup сохраняет задачи батча одной вставкой с общим batch_id.
func (p *Postgres) SaveActionGroup(ctx context.Context, group domain.ActionGroup) error {
	if len(group.Items) == 0 {
		return nil
	}
	for _, item := range group.Items {
		if err := item.Validate(); err != nil {
			return fmt.Errorf("задача %s: %w", item.ID, err)
		}
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	n := len(group.Items)
	ids := make([]string, n)
	texts := make([]string, n)
	priorities := make([]string, n)
	categories := make([]string, n)
	statuses := make([]string, n)
	assignees := make([]*string, n)
	createdAt := make([]time.Time, n)
	for i, item := range group.Items {
		ids[i] = item.ID
		texts[i] = item.Text
		priorities[i] = string(item.Priority)
		categories[i] = string(item.Category)
		statuses[i] = string(item.Status)
		assignees[i] = item.AssignedTo
		createdAt[i] = item.CreatedAt
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO action_items (id, batch_id, guild_id, channel_id, summary, text, priority, category, status, assigned_to, source_type, created_at, updated_at)
SELECT u.id, $1, $2, $3, $4, u.text, u.priority, u.category, u.status, u.assigned_to, $5, u.created_at, u.created_at
FROM unnest($6::text[], $7::text[], $8::text[], $9::text[], $10::text[], $11::text[], $12::timestamptz[])
	AS u(id, text, priority, category, status, assigned_to, created_at)
ON CONFLICT (id) DO NOTHING
`, group.BatchID, group.GuildID, group.ChannelID, group.Summary, string(group.SourceType),
		ids, texts, priorities, categories, statuses, assignees, createdAt)
	metrics.ObserveNetworkRequest("postgres", "action_items_insert", "action_items", start, err)
	return err
}

// CountActionItems считает задачи гильдии.
func (p *Postgres) CountActionItems(ctx context.Context, guildID string) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var count int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM action_items WHERE guild_id = $1`, guildID).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "action_items_count", "action_items", start, err)
	if err != nil {
		return 0, fmt.Errorf("подсчёт задач: %w", err)
	}
	return count, nil
}

// CountRateLimitEvents реализует domain.RateLimitRepo.
func (p *Postgres) CountRateLimitEvents(ctx context.Context, identifier string, since time.Time) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var count int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT COUNT(*) FROM api_rate_limits
WHERE identifier = $1 AND requested_at > $2
`, identifier, since).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "rate_limit_count", "api_rate_limits", start, err)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// RecordRateLimitEvent добавляет событие ограничителя.
func (p *Postgres) RecordRateLimitEvent(ctx context.Context, event domain.RateLimitEvent) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO api_rate_limits (identifier, requested_at) VALUES ($1, $2)
`, event.Identifier, event.RequestedAt)
	metrics.ObserveNetworkRequest("postgres", "rate_limit_insert", "api_rate_limits", start, err)
	return err
}

// AdmitRateLimitEvent считает события и записывает новое в одной транзакции.
// Транзакционная advisory-блокировка по идентификатору сериализует
// конкурентные запросы одного клиента.
func (p *Postgres) AdmitRateLimitEvent(ctx context.Context, event domain.RateLimitEvent, since time.Time, limit int) (int, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		count    int
		admitted bool
	)
	start := time.Now()
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, event.Identifier); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx, `
SELECT COUNT(*) FROM api_rate_limits
WHERE identifier = $1 AND requested_at > $2
`, event.Identifier, since).Scan(&count); err != nil {
			return err
		}
		if count >= limit {
			return nil
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO api_rate_limits (identifier, requested_at) VALUES ($1, $2)
`, event.Identifier, event.RequestedAt); err != nil {
			return err
		}
		admitted = true
		return nil
	})
	metrics.ObserveNetworkRequest("postgres", "rate_limit_admit", "api_rate_limits", start, err)
	if err != nil {
		return 0, false, err
	}
	return count, admitted, nil
}

// AppendPrivacyAudit реализует domain.PrivacyAuditRepo.
func (p *Postgres) AppendPrivacyAudit(ctx context.Context, entry domain.PrivacyAuditEntry) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	payload := []byte("{}")
	if entry.Metadata != nil {
		data, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("metadata: %w", err)
		}
		payload = data
	}
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = time.Now().UTC()
	}

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO privacy_audit (user_id_hash, action, metadata, logged_at)
VALUES ($1, $2, $3, $4)
`, entry.UserIDHash, entry.Action, payload, entry.LoggedAt)
	metrics.ObserveNetworkRequest("postgres", "privacy_audit_insert", "privacy_audit", start, err)
	return err
}

// CreateSweepHistory реализует domain.SweepHistoryRepo.
func (p *Postgres) CreateSweepHistory(ctx context.Context, r domain.SweepHistoryRecord) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO sweep_history (id, guild_id, triggered_at, channels_processed, messages_processed, action_items_found, status, duration_seconds, cause)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING
`, r.ID, r.GuildID, r.TriggeredAt, r.ChannelsProcessed, r.MessagesProcessed, r.ActionItemsFound, string(r.Status), r.DurationSeconds, string(r.Cause))
	metrics.ObserveNetworkRequest("postgres", "sweep_history_insert", "sweep_history", start, err)
	return err
}

const historyColumns = `id, guild_id, triggered_at, channels_processed, messages_processed, action_items_found, status, duration_seconds, cause`

func scanHistory(row pgx.CollectableRow) (domain.SweepHistoryRecord, error) {
	var r domain.SweepHistoryRecord
	var status, cause string
	err := row.Scan(&r.ID, &r.GuildID, &r.TriggeredAt, &r.ChannelsProcessed, &r.MessagesProcessed, &r.ActionItemsFound, &status, &r.DurationSeconds, &cause)
	r.Status = domain.SweepStatus(status)
	r.Cause = domain.SourceType(cause)
	return r, err
}

// ListSweepHistory возвращает проходы гильдии от новых к старым и их общее число.
func (p *Postgres) ListSweepHistory(ctx context.Context, guildID string, limit, offset int) ([]domain.SweepHistoryRecord, int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var total int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sweep_history WHERE guild_id = $1`, guildID).Scan(&total)
	metrics.ObserveNetworkRequest("postgres", "sweep_history_count", "sweep_history", start, err)
	if err != nil {
		return nil, 0, fmt.Errorf("подсчёт истории: %w", err)
	}

	start = time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+historyColumns+`
FROM sweep_history
WHERE guild_id = $1
ORDER BY triggered_at DESC
LIMIT $2 OFFSET $3
`, guildID, limit, offset)
	metrics.ObserveNetworkRequest("postgres", "sweep_history_list", "sweep_history", start, err)
	if err != nil {
		return nil, 0, fmt.Errorf("история проходов: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanHistory)
	if err != nil {
		return nil, 0, fmt.Errorf("история проходов: %w", err)
	}
	return records, total, nil
}

// GetSweepHistory возвращает один проход гильдии.
func (p *Postgres) GetSweepHistory(ctx context.Context, guildID, sweepID string) (domain.SweepHistoryRecord, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+historyColumns+`
FROM sweep_history
WHERE guild_id = $1 AND id = $2
`, guildID, sweepID)
	metrics.ObserveNetworkRequest("postgres", "sweep_history_get", "sweep_history", start, err)
	if err != nil {
		return domain.SweepHistoryRecord{}, fmt.Errorf("чтение прохода: %w", err)
	}
	record, err := pgx.CollectOneRow(rows, scanHistory)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.SweepHistoryRecord{}, domain.ErrSweepNotFound
	}
	if err != nil {
		return domain.SweepHistoryRecord{}, fmt.Errorf("чтение прохода: %w", err)
	}
	return record, nil
}
