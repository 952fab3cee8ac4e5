package domain

import (
	"context"
	"time"
)

// PrivacyAuditEntry — запись журнала приватности. Содержимое сообщений сюда не попадает.
type PrivacyAuditEntry struct {
	UserIDHash string
	Action     string
	Metadata   map[string]any
	LoggedAt   time.Time
}

const (
	// AuditActionChannelSweepPrivacy фиксирует проход канала в режиме приватности.
	AuditActionChannelSweepPrivacy = "channel_sweep_privacy_mode"
	// AuditActionManualTrigger фиксирует ручной запуск прохода.
	AuditActionManualTrigger = "manual_sweep_trigger"
)

// PrivacyAuditRepo сохраняет записи журнала приватности.
type PrivacyAuditRepo interface {
	AppendPrivacyAudit(ctx context.Context, entry PrivacyAuditEntry) error
}
