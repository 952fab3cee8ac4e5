package sweep

import (
	"context"
	"fmt"
	"time"

	"noteticket-bot/internal/domain"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// GuildStatus — состояние проходов гильдии.
type GuildStatus struct {
	GuildID            string     `json:"guildId"`
	Active             bool       `json:"active"`
	SweepIntervalHours int        `json:"sweepIntervalHours"`
	LastSweepTime      *time.Time `json:"lastSweepTime"`
	NextSweepTime      *time.Time `json:"nextSweepTime"`
	TodoChannelID      *string    `json:"todoChannelId"`
	ChannelsMonitored  int        `json:"channelsMonitored"`
	TotalActionItems   int        `json:"totalActionItems"`
	PrivacyModeEnabled bool       `json:"privacyModeEnabled"`
}

// HistoryPage — страница истории проходов.
type HistoryPage struct {
	Records []domain.SweepHistoryRecord
	Total   int
	Limit   int
	Offset  int
}

// Reports отдаёт состояние и историю проходов.
type Reports struct {
	configs domain.SweepConfigRepo
	items   domain.ActionItemRepo
	history domain.SweepHistoryRepo
}

// NewReports создаёт сервис отчётов.
func NewReports(configs domain.SweepConfigRepo, items domain.ActionItemRepo, history domain.SweepHistoryRepo) *Reports {
	return &Reports{configs: configs, items: items, history: history}
}

// Status возвращает состояние гильдии. Следующий проход считается только для активных гильдий.
func (r *Reports) Status(ctx context.Context, guildID string) (GuildStatus, error) {
	cfg, err := r.configs.GetSweepConfig(ctx, guildID)
	if err != nil {
		return GuildStatus{}, err
	}
	total, err := r.items.CountActionItems(ctx, guildID)
	if err != nil {
		return GuildStatus{}, fmt.Errorf("подсчёт задач: %w", err)
	}
	status := GuildStatus{
		GuildID:            cfg.GuildID,
		Active:             cfg.Active,
		SweepIntervalHours: cfg.SweepIntervalHours,
		LastSweepTime:      cfg.LastSweepTime,
		TodoChannelID:      cfg.TodoChannelID,
		ChannelsMonitored:  len(normalizeChannelIDs(cfg.ChannelsToMonitor)),
		TotalActionItems:   total,
		PrivacyModeEnabled: cfg.PrivacyModeEnabled,
	}
	if cfg.Active && cfg.LastSweepTime != nil {
		next := cfg.LastSweepTime.Add(cfg.Interval())
		status.NextSweepTime = &next
	}
	return status, nil
}

// History возвращает страницу истории. limit ограничен сотней.
func (r *Reports) History(ctx context.Context, guildID string, limit, offset int) (HistoryPage, error) {
	if _, err := r.configs.GetSweepConfig(ctx, guildID); err != nil {
		return HistoryPage{}, err
	}
	limit, offset = clampPage(limit, offset)
	records, total, err := r.history.ListSweepHistory(ctx, guildID, limit, offset)
	if err != nil {
		return HistoryPage{}, fmt.Errorf("история проходов: %w", err)
	}
	return HistoryPage{Records: records, Total: total, Limit: limit, Offset: offset}, nil
}

// HistoryRecord возвращает один проход гильдии.
func (r *Reports) HistoryRecord(ctx context.Context, guildID, sweepID string) (domain.SweepHistoryRecord, error) {
	return r.history.GetSweepHistory(ctx, guildID, sweepID)
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
