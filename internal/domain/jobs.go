package domain

import (
	"context"
	"time"
)

// NotifyJob содержит найденные задачи для публикации в todo-канал.
type NotifyJob struct {
	ID                string       `json:"job_id"`
	GuildID           string       `json:"guild_id"`
	SourceChannelID   string       `json:"source_channel_id"`
	SourceChannelName string       `json:"source_channel_name,omitempty"`
	TodoChannelID     string       `json:"todo_channel_id"`
	Items             []NotifyItem `json:"items"`
	RequestedAt       time.Time    `json:"requested_at"`
	Cause             SourceType   `json:"cause"`
}

// NotifyItem — часть задачи, нужная для уведомления.
type NotifyItem struct {
	Text       string   `json:"text"`
	Priority   Priority `json:"priority"`
	Category   Category `json:"category"`
	AssignedTo *string  `json:"assigned_to,omitempty"`
}

// NotifyItemsFrom переносит задачи в формат уведомления.
func NotifyItemsFrom(items []ActionItem) []NotifyItem {
	out := make([]NotifyItem, 0, len(items))
	for _, item := range items {
		out = append(out, NotifyItem{Text: item.Text, Priority: item.Priority, Category: item.Category, AssignedTo: item.AssignedTo})
	}
	return out
}

// Notifier доставляет уведомление: сразу или через очередь.
type Notifier interface {
	Notify(ctx context.Context, job NotifyJob) error
}

// NotifyQueue описывает очередь уведомлений.
type NotifyQueue interface {
	Enqueue(ctx context.Context, job NotifyJob) error
	Receive(ctx context.Context) (NotifyJob, AckFunc, error)
}

// AckFunc подтверждает успешную обработку или запрашивает повтор доставки задачи.
type AckFunc func(success bool) error
