package sweep

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"noteticket-bot/internal/domain"
	"noteticket-bot/internal/infra/metrics"
)

const defaultGroupSummary = "Action items extracted from conversation"

// ChannelRequest описывает проход одного канала.
type ChannelRequest struct {
	Config    domain.SweepConfig
	ChannelID string
	Messages  []domain.Message
	Source    domain.SourceType
	Actor     string
}

// ChannelResult — итог прохода канала.
type ChannelResult struct {
	ChannelID         string
	MessagesProcessed int
	ActionItems       []domain.ActionItem
	BatchesFailed     int
}

// Pipeline проводит сообщения канала через шлюз приватности, батчи и модель.
type Pipeline struct {
	extractor domain.Extractor
	items     domain.ActionItemRepo
	gate      *Gate
	batchSize int
	log       zerolog.Logger
	now       func() time.Time
	newID     func() string
}

// NewPipeline создаёт конвейер.
func NewPipeline(extractor domain.Extractor, items domain.ActionItemRepo, gate *Gate, batchSize int, logger zerolog.Logger) *Pipeline {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Pipeline{
		extractor: extractor,
		items:     items,
		gate:      gate,
		batchSize: batchSize,
		log:       logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// ProcessChannel извлекает и сохраняет задачи из сообщений канала.
// Ошибка одного батча не прерывает остальные. Ошибка сохранения
// задач или отметок возвращается целиком: канал будет пройден повторно.
// Сообщения батча, упавшего не из-за ответа модели, не отмечаются
// и попадут в следующий проход.
func (p *Pipeline) ProcessChannel(ctx context.Context, req ChannelRequest) (ChannelResult, error) {
	result := ChannelResult{ChannelID: req.ChannelID}
	logger := p.log.With().Str("guild", req.Config.GuildID).Str("channel", req.ChannelID).Logger()

	messages := slices.Clone(req.Messages)
	slices.SortStableFunc(messages, func(a, b domain.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	examined, err := p.gate.Select(ctx, req.Config, req.ChannelID, messages)
	if err != nil {
		return result, fmt.Errorf("отбор сообщений: %w", err)
	}
	result.MessagesProcessed = len(examined)
	retry := make(map[string]struct{})

	for batch := range MakeBatches(examined, p.batchSize) {
		if isBlankTranscript(batch) {
			metrics.ObserveBatch(metrics.BatchBlank, 0)
			continue
		}
		extraction, err := p.extractor.Extract(ctx, RenderTranscript(batch))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			result.BatchesFailed++
			outcome := metrics.BatchFailed
			if errors.Is(err, domain.ErrMalformedOutput) {
				outcome = metrics.BatchMalformed
			} else {
				for _, msg := range batch {
					retry[msg.ID] = struct{}{}
				}
			}
			metrics.ObserveBatch(outcome, 0)
			logger.Warn().Err(err).Int("batch_size", len(batch)).Str("outcome", outcome).Msg("sweep: батч пропущен")
			continue
		}
		group := p.buildGroup(req, extraction)
		if len(group.Items) == 0 {
			metrics.ObserveBatch(metrics.BatchEmpty, 0)
			continue
		}
		if err := p.items.SaveActionGroup(ctx, group); err != nil {
			return result, fmt.Errorf("сохранение задач: %w", err)
		}
		metrics.ObserveBatch(metrics.BatchExtracted, len(group.Items))
		logger.Debug().Str("batch_id", group.BatchID).Int("items", len(group.Items)).Msg("sweep: задачи сохранены")
		result.ActionItems = append(result.ActionItems, group.Items...)
	}

	committed := examined
	if len(retry) > 0 {
		committed = slices.DeleteFunc(slices.Clone(examined), func(msg domain.Message) bool {
			_, ok := retry[msg.ID]
			return ok
		})
	}
	if err := p.gate.Commit(ctx, req.Config, req.ChannelID, committed, len(result.ActionItems), req.Actor); err != nil {
		return result, fmt.Errorf("фиксация прохода: %w", err)
	}
	return result, nil
}

func (p *Pipeline) buildGroup(req ChannelRequest, extraction domain.Extraction) domain.ActionGroup {
	now := p.now().UTC()
	summary := extraction.Summary
	if summary == "" {
		summary = defaultGroupSummary
	}
	source := req.Source
	if source == "" {
		source = domain.SourceScheduled
	}
	group := domain.ActionGroup{
		BatchID:    p.newID(),
		GuildID:    req.Config.GuildID,
		ChannelID:  req.ChannelID,
		Summary:    summary,
		SourceType: source,
	}
	for _, item := range extraction.Items {
		item.ID = p.newID()
		item.BatchID = group.BatchID
		item.GuildID = req.Config.GuildID
		item.ChannelID = req.ChannelID
		item.Summary = summary
		item.Status = domain.StatusPending
		item.SourceType = source
		item.CreatedAt = now
		item.UpdatedAt = now
		if err := item.Validate(); err != nil {
			p.log.Warn().Err(err).Str("channel", req.ChannelID).Msg("sweep: задача отброшена")
			continue
		}
		group.Items = append(group.Items, item)
	}
	return group
}
