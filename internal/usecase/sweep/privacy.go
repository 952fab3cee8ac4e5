package sweep

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog"

	"noteticket-bot/internal/domain"
)

// SystemActor — инициатор плановых проходов в журнале приватности.
const SystemActor = "system"

// Gate переключает поведение конвейера по флагу приватности гильдии.
// Состояния не держит: режим берётся из конфигурации текущего прохода.
type Gate struct {
	tracker *Tracker
	audit   domain.PrivacyAuditRepo
	salt    string
	log     zerolog.Logger
	now     func() time.Time
}

// NewGate создаёт шлюз приватности. audit может быть nil.
func NewGate(tracker *Tracker, audit domain.PrivacyAuditRepo, salt string, logger zerolog.Logger) *Gate {
	return &Gate{tracker: tracker, audit: audit, salt: salt, log: logger, now: time.Now}
}

// Select возвращает сообщения, которые нужно отдать модели.
// В обычном режиме это все сообщения, в режиме приватности только новые.
func (g *Gate) Select(ctx context.Context, cfg domain.SweepConfig, channelID string, messages []domain.Message) ([]domain.Message, error) {
	if !cfg.PrivacyModeEnabled {
		return messages, nil
	}
	return g.tracker.FilterNew(ctx, messages, channelID, cfg.GuildID)
}

// Commit отмечает рассмотренные сообщения и пишет запись журнала.
// В обычном режиме ничего не делает. Ошибка журнала не возвращается.
func (g *Gate) Commit(ctx context.Context, cfg domain.SweepConfig, channelID string, examined []domain.Message, itemsFound int, actor string) error {
	if !cfg.PrivacyModeEnabled || len(examined) == 0 {
		return nil
	}
	if err := g.tracker.MarkProcessed(ctx, examined, channelID, cfg.GuildID, itemsFound > 0); err != nil {
		return err
	}
	if g.audit == nil {
		return nil
	}
	if actor == "" {
		actor = SystemActor
	}
	entry := domain.PrivacyAuditEntry{
		UserIDHash: HashIdentity(actor, g.salt),
		Action:     domain.AuditActionChannelSweepPrivacy,
		Metadata: map[string]any{
			"guildId":          cfg.GuildID,
			"channelId":        channelID,
			"messageCount":     len(examined),
			"actionItemsFound": itemsFound,
		},
		LoggedAt: g.now().UTC(),
	}
	bestEffort(g.log, "privacy audit", func() error {
		return g.audit.AppendPrivacyAudit(ctx, entry)
	})
	return nil
}

// AuditManualTrigger пишет в журнал факт ручного запуска. Ошибки только логируются.
func (g *Gate) AuditManualTrigger(ctx context.Context, result SweepResult, force bool, actor string) {
	if g.audit == nil {
		return
	}
	if actor == "" {
		actor = SystemActor
	}
	entry := domain.PrivacyAuditEntry{
		UserIDHash: HashIdentity(actor, g.salt),
		Action:     domain.AuditActionManualTrigger,
		Metadata: map[string]any{
			"guildId":           result.GuildID,
			"sweepId":           result.SweepID,
			"force":             force,
			"channelsProcessed": result.ChannelsProcessed,
			"actionItemsFound":  result.ActionItemsFound,
		},
		LoggedAt: g.now().UTC(),
	}
	bestEffort(g.log, "manual trigger audit", func() error {
		return g.audit.AppendPrivacyAudit(ctx, entry)
	})
}

// HashIdentity обезличивает идентификатор инициатора солёным SHA-256.
func HashIdentity(identity, salt string) string {
	sum := sha256.Sum256([]byte(identity + salt))
	return hex.EncodeToString(sum[:])
}

// bestEffort выполняет побочное действие и только логирует его ошибку.
func bestEffort(logger zerolog.Logger, what string, fn func() error) {
	if err := fn(); err != nil {
		logger.Warn().Err(err).Str("effect", what).Msg("sweep: побочное действие не выполнено")
	}
}
