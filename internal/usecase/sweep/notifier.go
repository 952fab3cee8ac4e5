package sweep

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"noteticket-bot/internal/domain"
	"noteticket-bot/internal/infra/metrics"
)

// DirectNotifier сразу отправляет уведомление в todo-канал и в зеркала.
type DirectNotifier struct {
	sink    domain.NotificationSink
	mirrors []domain.NotificationSink
	log     zerolog.Logger
}

var _ domain.Notifier = (*DirectNotifier)(nil)

// NewDirectNotifier создаёт отправителя. Ошибки зеркал только логируются.
func NewDirectNotifier(sink domain.NotificationSink, logger zerolog.Logger, mirrors ...domain.NotificationSink) *DirectNotifier {
	return &DirectNotifier{sink: sink, mirrors: mirrors, log: logger}
}

// Notify форматирует задачи и публикует их.
func (n *DirectNotifier) Notify(ctx context.Context, job domain.NotifyJob) error {
	if len(job.Items) == 0 {
		return nil
	}
	content := FormatNotification(job)
	if err := n.sink.PostNotification(ctx, job.TodoChannelID, content); err != nil {
		metrics.NotifySendErrors.Inc()
		return fmt.Errorf("отправка уведомления: %w", err)
	}
	for _, mirror := range n.mirrors {
		bestEffort(n.log, "notification mirror", func() error {
			return mirror.PostNotification(ctx, job.TodoChannelID, content)
		})
	}
	return nil
}

// QueueNotifier откладывает отправку в очередь для отдельного обработчика.
type QueueNotifier struct {
	queue domain.NotifyQueue
}

var _ domain.Notifier = (*QueueNotifier)(nil)

// NewQueueNotifier создаёт отправителя через очередь.
func NewQueueNotifier(queue domain.NotifyQueue) *QueueNotifier {
	return &QueueNotifier{queue: queue}
}

// Notify ставит задачу в очередь.
func (n *QueueNotifier) Notify(ctx context.Context, job domain.NotifyJob) error {
	if len(job.Items) == 0 {
		return nil
	}
	if err := n.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("постановка уведомления в очередь: %w", err)
	}
	return nil
}
