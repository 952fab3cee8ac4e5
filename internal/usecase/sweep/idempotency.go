package sweep

import (
	"context"
	"fmt"
	"time"

	"noteticket-bot/internal/domain"
)

// Tracker помнит, какие сообщения уже рассматривались в режиме приватности.
type Tracker struct {
	repo domain.ProcessedMessageRepo
	now  func() time.Time
}

// NewTracker создаёт трекер поверх хранилища отметок.
func NewTracker(repo domain.ProcessedMessageRepo) *Tracker {
	return &Tracker{repo: repo, now: time.Now}
}

// FilterNew оставляет сообщения, для которых в канале ещё нет отметки.
func (t *Tracker) FilterNew(ctx context.Context, messages []domain.Message, channelID, guildID string) ([]domain.Message, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	known, err := t.repo.ListProcessedIDs(ctx, channelID, guildID)
	if err != nil {
		return nil, fmt.Errorf("получение отметок: %w", err)
	}
	seen := make(map[string]struct{}, len(known))
	for _, id := range known {
		seen[id] = struct{}{}
	}
	fresh := make([]domain.Message, 0, len(messages))
	for _, msg := range messages {
		if _, ok := seen[msg.ID]; ok {
			continue
		}
		// повтор внутри одной выборки тоже не пропускаем дважды
		seen[msg.ID] = struct{}{}
		fresh = append(fresh, msg)
	}
	return fresh, nil
}

// MarkProcessed ставит отметку каждому сообщению. Существующие отметки не меняются.
func (t *Tracker) MarkProcessed(ctx context.Context, messages []domain.Message, channelID, guildID string, found bool) error {
	if len(messages) == 0 {
		return nil
	}
	now := t.now().UTC()
	marks := make([]domain.ProcessedMessageMark, 0, len(messages))
	for _, msg := range messages {
		marks = append(marks, domain.ProcessedMessageMark{
			MessageID:        msg.ID,
			ChannelID:        channelID,
			GuildID:          guildID,
			ActionItemsFound: found,
			ProcessedAt:      now,
		})
	}
	if err := t.repo.MarkProcessed(ctx, marks); err != nil {
		return fmt.Errorf("запись отметок: %w", err)
	}
	return nil
}
