package sweep

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"noteticket-bot/internal/domain"
	"noteticket-bot/internal/infra/metrics"
)

var (
	// ErrSweepDisabled возвращается при ручном запуске по неактивной гильдии без force.
	ErrSweepDisabled = errors.New("проход по гильдии отключён")
	// ErrNoChannels возвращается, если у гильдии нет каналов для прохода.
	ErrNoChannels = errors.New("у гильдии нет каналов для прохода")
	// ErrSweepInProgress возвращается, если по гильдии уже идёт проход.
	ErrSweepInProgress = errors.New("проход по гильдии уже выполняется")
)

// DefaultFetchLimit — сколько последних сообщений канала берётся за проход.
const DefaultFetchLimit = 100

// TriggerRequest — ручной запуск прохода.
type TriggerRequest struct {
	GuildID    string
	ChannelIDs []string
	Force      bool
	// Messages задаёт сообщения по каналам напрямую. Для остальных каналов
	// берутся последние сообщения без фильтра по времени.
	Messages map[string][]domain.Message
	Actor    string
}

// ChannelOutcome — итог прохода одного канала внутри прохода гильдии.
type ChannelOutcome struct {
	ChannelID         string `json:"channelId"`
	MessagesProcessed int    `json:"messagesProcessed"`
	ActionItemsFound  int    `json:"actionItemsFound"`
	Skipped           bool   `json:"skipped,omitempty"`
	Error             string `json:"error,omitempty"`
}

// SweepResult — итог прохода гильдии.
type SweepResult struct {
	SweepID           string             `json:"sweepId"`
	GuildID           string             `json:"guildId"`
	ChannelsProcessed int                `json:"channelsProcessed"`
	ChannelsFailed    int                `json:"channelsFailed"`
	ChannelsSkipped   int                `json:"channelsSkipped"`
	MessagesProcessed int                `json:"messagesProcessed"`
	ActionItemsFound  int                `json:"actionItemsFound"`
	Status            domain.SweepStatus `json:"status"`
	DurationSeconds   int                `json:"durationSeconds"`
	Channels          []ChannelOutcome   `json:"channels"`
}

// Empty сообщает, что ни один канал не был обработан.
func (r SweepResult) Empty() bool { return r.ChannelsProcessed == 0 }

// Partial сообщает, что часть каналов обработана, а часть завершилась ошибкой.
func (r SweepResult) Partial() bool { return r.ChannelsProcessed > 0 && r.ChannelsFailed > 0 }

// Deps — зависимости оркестратора.
type Deps struct {
	Configs  domain.SweepConfigRepo
	Source   domain.MessageSource
	History  domain.SweepHistoryRepo
	Pipeline *Pipeline
	// Notifier может быть nil: тогда уведомления не отправляются.
	Notifier domain.Notifier
	// Locks — общая для процессов блокировка гильдий, может быть nil.
	Locks domain.GuildLocker
}

// Orchestrator управляет проходами по гильдиям и их каналам.
type Orchestrator struct {
	configs     domain.SweepConfigRepo
	source      domain.MessageSource
	history     domain.SweepHistoryRepo
	pipeline    *Pipeline
	notifier    domain.Notifier
	shared      domain.GuildLocker
	local       *localLocks
	fetchLimit  int
	concurrency int
	log         zerolog.Logger
	now         func() time.Time
}

// NewOrchestrator создаёт оркестратор. concurrency ограничивает число гильдий,
// проходимых одновременно.
func NewOrchestrator(deps Deps, fetchLimit, concurrency int, logger zerolog.Logger) *Orchestrator {
	if fetchLimit <= 0 {
		fetchLimit = DefaultFetchLimit
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Orchestrator{
		configs:     deps.Configs,
		source:      deps.Source,
		history:     deps.History,
		pipeline:    deps.Pipeline,
		notifier:    deps.Notifier,
		shared:      deps.Locks,
		local:       newLocalLocks(),
		fetchLimit:  fetchLimit,
		concurrency: concurrency,
		log:         logger,
		now:         time.Now,
	}
}

// RunScheduled проходит все известные гильдии. Ошибки гильдий логируются и не прерывают прогон.
func (o *Orchestrator) RunScheduled(ctx context.Context) error {
	guildIDs, err := o.configs.ListGuildIDs(ctx)
	if err != nil {
		return fmt.Errorf("список гильдий: %w", err)
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.concurrency)
	for _, guildID := range guildIDs {
		group.Go(func() error {
			o.runScheduledGuild(groupCtx, guildID)
			return nil
		})
	}
	return group.Wait()
}

func (o *Orchestrator) runScheduledGuild(ctx context.Context, guildID string) {
	logger := o.log.With().Str("guild", guildID).Logger()
	cfg, err := o.configs.GetSweepConfig(ctx, guildID)
	if err != nil {
		logger.Error().Err(err).Msg("sweep: не удалось получить настройки гильдии")
		return
	}
	if !cfg.Active {
		logger.Debug().Msg("sweep: гильдия неактивна")
		return
	}
	channels := normalizeChannelIDs(cfg.ChannelsToMonitor)
	if len(channels) == 0 {
		logger.Debug().Msg("sweep: нет каналов для прохода")
		return
	}
	result, err := o.sweepGuild(ctx, cfg, channels, domain.SourceScheduled, nil, SystemActor)
	switch {
	case errors.Is(err, ErrSweepInProgress):
		logger.Info().Msg("sweep: проход уже идёт, пропускаем")
	case err != nil:
		logger.Error().Err(err).Msg("sweep: проход гильдии не выполнен")
	default:
		logger.Info().
			Str("sweep_id", result.SweepID).
			Int("channels", result.ChannelsProcessed).
			Int("failed", result.ChannelsFailed).
			Int("items", result.ActionItemsFound).
			Msg("sweep: проход завершён")
	}
}

// Trigger выполняет ручной проход. Ошибки конфигурации возвращаются до любых записей.
func (o *Orchestrator) Trigger(ctx context.Context, req TriggerRequest) (SweepResult, error) {
	cfg, err := o.configs.GetSweepConfig(ctx, req.GuildID)
	if err != nil {
		return SweepResult{}, err
	}
	if !cfg.Active && !req.Force {
		return SweepResult{}, ErrSweepDisabled
	}
	channels := normalizeChannelIDs(req.ChannelIDs)
	if len(channels) == 0 {
		channels = normalizeChannelIDs(cfg.ChannelsToMonitor)
	}
	if len(channels) == 0 {
		return SweepResult{}, ErrNoChannels
	}
	result, err := o.sweepGuild(ctx, cfg, channels, domain.SourceManual, req.Messages, req.Actor)
	if err != nil {
		return result, err
	}
	o.pipeline.gate.AuditManualTrigger(ctx, result, req.Force, req.Actor)
	return result, nil
}

// SweepChannel проходит один канал по переданным сообщениям без учёта прохода гильдии.
func (o *Orchestrator) SweepChannel(ctx context.Context, guildID, channelID string, messages []domain.Message, source domain.SourceType, actor string) (ChannelResult, error) {
	cfg, err := o.configs.GetSweepConfig(ctx, guildID)
	if err != nil {
		return ChannelResult{}, err
	}
	if !cfg.Active {
		return ChannelResult{}, ErrSweepDisabled
	}
	release, err := o.acquire(ctx, guildID)
	if err != nil {
		return ChannelResult{}, err
	}
	defer release()

	if source == "" {
		source = domain.SourceManual
	}
	return o.pipeline.ProcessChannel(ctx, ChannelRequest{
		Config:    cfg,
		ChannelID: strings.TrimSpace(channelID),
		Messages:  messages,
		Source:    source,
		Actor:     actor,
	})
}

func (o *Orchestrator) sweepGuild(ctx context.Context, cfg domain.SweepConfig, channels []string, cause domain.SourceType, supplied map[string][]domain.Message, actor string) (SweepResult, error) {
	release, err := o.acquire(ctx, cfg.GuildID)
	if err != nil {
		return SweepResult{}, err
	}
	defer release()

	start := o.now().UTC()
	result := SweepResult{SweepID: uuid.NewString(), GuildID: cfg.GuildID, Status: domain.SweepCompleted}
	logger := o.log.With().Str("guild", cfg.GuildID).Str("sweep_id", result.SweepID).Str("cause", string(cause)).Logger()
	logger.Info().Int("channels", len(channels)).Msg("sweep: начало прохода")

	for _, channelID := range channels {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome := ChannelOutcome{ChannelID: channelID}
		res, err := o.sweepChannel(ctx, cfg, channelID, cause, supplied, actor, start)
		outcome.MessagesProcessed = res.MessagesProcessed
		outcome.ActionItemsFound = len(res.ActionItems)
		result.MessagesProcessed += res.MessagesProcessed
		result.ActionItemsFound += len(res.ActionItems)
		switch {
		case err == nil:
			result.ChannelsProcessed++
		case ctx.Err() != nil:
			return result, ctx.Err()
		case errors.Is(err, domain.ErrChannelUnavailable):
			outcome.Skipped = true
			result.ChannelsSkipped++
			logger.Warn().Err(err).Str("channel", channelID).Msg("sweep: канал недоступен, пропускаем")
		default:
			outcome.Error = err.Error()
			result.ChannelsFailed++
			logger.Error().Err(err).Str("channel", channelID).Msg("sweep: ошибка прохода канала")
		}
		result.Channels = append(result.Channels, outcome)
	}

	if err := o.configs.UpdateLastSweepTime(ctx, cfg.GuildID, start); err != nil {
		logger.Error().Err(err).Msg("sweep: не удалось обновить время прохода")
	}

	duration := o.now().Sub(start)
	result.DurationSeconds = int(duration.Round(time.Second) / time.Second)
	record := domain.SweepHistoryRecord{
		ID:                result.SweepID,
		GuildID:           cfg.GuildID,
		TriggeredAt:       start,
		ChannelsProcessed: result.ChannelsProcessed,
		MessagesProcessed: result.MessagesProcessed,
		ActionItemsFound:  result.ActionItemsFound,
		Status:            result.Status,
		DurationSeconds:   result.DurationSeconds,
		Cause:             cause,
	}
	if err := o.history.CreateSweepHistory(ctx, record); err != nil {
		logger.Error().Err(err).Msg("sweep: не удалось записать историю")
	}
	metrics.ObserveSweep(string(cause), duration, result.ChannelsFailed)
	return result, nil
}

func (o *Orchestrator) sweepChannel(ctx context.Context, cfg domain.SweepConfig, channelID string, cause domain.SourceType, supplied map[string][]domain.Message, actor string, start time.Time) (ChannelResult, error) {
	messages, ok := supplied[channelID]
	if !ok {
		fetched, err := o.source.FetchRecentMessages(ctx, channelID, o.fetchLimit)
		if err != nil {
			return ChannelResult{ChannelID: channelID}, fmt.Errorf("получение сообщений: %w", err)
		}
		messages = fetched
		if cause == domain.SourceScheduled {
			messages = filterEligible(messages, start, cfg.Interval())
		}
	}

	res, err := o.pipeline.ProcessChannel(ctx, ChannelRequest{
		Config:    cfg,
		ChannelID: channelID,
		Messages:  messages,
		Source:    cause,
		Actor:     actor,
	})
	if err != nil {
		return res, err
	}
	if len(res.ActionItems) > 0 {
		o.notify(ctx, cfg, channelID, cause, res.ActionItems)
	}
	return res, nil
}

func (o *Orchestrator) notify(ctx context.Context, cfg domain.SweepConfig, channelID string, cause domain.SourceType, items []domain.ActionItem) {
	if o.notifier == nil || cfg.TodoChannelID == nil || strings.TrimSpace(*cfg.TodoChannelID) == "" {
		return
	}
	channelName := channelID
	if name, err := o.source.ChannelName(ctx, channelID); err == nil && name != "" {
		channelName = name
	}
	job := domain.NotifyJob{
		ID:                uuid.NewString(),
		GuildID:           cfg.GuildID,
		SourceChannelID:   channelID,
		SourceChannelName: channelName,
		TodoChannelID:     strings.TrimSpace(*cfg.TodoChannelID),
		Items:             domain.NotifyItemsFrom(items),
		RequestedAt:       o.now().UTC(),
		Cause:             cause,
	}
	bestEffort(o.log, "notification", func() error {
		return o.notifier.Notify(ctx, job)
	})
}

// acquire занимает гильдию локально и, если настроено, в общей блокировке.
func (o *Orchestrator) acquire(ctx context.Context, guildID string) (func(), error) {
	ok, _ := o.local.TryLock(ctx, guildID)
	if !ok {
		return nil, ErrSweepInProgress
	}
	if o.shared == nil {
		return func() { _ = o.local.Unlock(ctx, guildID) }, nil
	}
	ok, err := o.shared.TryLock(ctx, guildID)
	if err != nil || !ok {
		_ = o.local.Unlock(ctx, guildID)
		if err != nil {
			return nil, fmt.Errorf("блокировка гильдии: %w", err)
		}
		return nil, ErrSweepInProgress
	}
	stopRenew := o.renewLease(ctx, guildID)
	return func() {
		stopRenew()
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := o.shared.Unlock(unlockCtx, guildID); err != nil {
			o.log.Warn().Err(err).Str("guild", guildID).Msg("sweep: не удалось снять блокировку")
		}
		_ = o.local.Unlock(ctx, guildID)
	}, nil
}

// renewLease продлевает общую блокировку, пока проход не завершится.
// Возвращает функцию остановки, которая ждёт выхода горутины.
func (o *Orchestrator) renewLease(ctx context.Context, guildID string) func() {
	ext, ok := o.shared.(domain.LeaseExtender)
	if !ok || ext.LeaseTTL() <= 0 {
		return func() {}
	}
	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(ext.LeaseTTL() / 3)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if err := ext.Extend(renewCtx, guildID); err != nil && renewCtx.Err() == nil {
					o.log.Warn().Err(err).Str("guild", guildID).Msg("sweep: не удалось продлить блокировку")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// filterEligible оставляет сообщения моложе window на момент now.
func filterEligible(messages []domain.Message, now time.Time, window time.Duration) []domain.Message {
	out := make([]domain.Message, 0, len(messages))
	for _, msg := range messages {
		if now.Sub(msg.CreatedAt) < window {
			out = append(out, msg)
		}
	}
	return out
}

// normalizeChannelIDs убирает пустые и повторяющиеся идентификаторы, сохраняя порядок.
func normalizeChannelIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		cleaned = append(cleaned, trimmed)
	}
	return cleaned
}
