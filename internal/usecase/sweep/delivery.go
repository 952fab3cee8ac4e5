package sweep

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"noteticket-bot/internal/domain"
)

// MaxDeliveryAttempts ограничивает число попыток отправки одного уведомления.
const MaxDeliveryAttempts = 5

// AttemptCounter считает попытки доставки задачи.
type AttemptCounter interface {
	// Attempt увеличивает счётчик и возвращает номер текущей попытки, начиная с 1.
	Attempt(ctx context.Context, jobID string) (int, error)
	Forget(ctx context.Context, jobID string) error
}

// DeliveryWorker читает очередь уведомлений и отправляет их.
type DeliveryWorker struct {
	queue    domain.NotifyQueue
	notifier domain.Notifier
	attempts AttemptCounter
	log      zerolog.Logger
	pause    func(context.Context)
}

// NewDeliveryWorker создаёт обработчик очереди.
func NewDeliveryWorker(queue domain.NotifyQueue, notifier domain.Notifier, attempts AttemptCounter, logger zerolog.Logger) *DeliveryWorker {
	if attempts == nil {
		attempts = NewMemoryAttempts()
	}
	return &DeliveryWorker{queue: queue, notifier: notifier, attempts: attempts, log: logger, pause: sleepSecond}
}

func sleepSecond(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
}

// Run обрабатывает задачи до отмены контекста.
func (w *DeliveryWorker) Run(ctx context.Context) {
	for {
		job, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("notifier: ошибка чтения очереди")
			w.pause(ctx)
			continue
		}
		w.handle(ctx, job, ack)
	}
}

func (w *DeliveryWorker) handle(ctx context.Context, job domain.NotifyJob, ack domain.AckFunc) {
	jobLog := w.log.With().
		Str("job_id", job.ID).
		Str("guild", job.GuildID).
		Str("channel", job.SourceChannelID).
		Str("cause", string(job.Cause)).
		Logger()

	if job.ID == "" || job.TodoChannelID == "" {
		jobLog.Error().Msg("notifier: задача без идентификатора или todo-канала, подтверждаем и пропускаем")
		w.ack(jobLog, ack, true)
		return
	}

	attempt, err := w.attempts.Attempt(ctx, job.ID)
	if err != nil {
		jobLog.Error().Err(err).Msg("notifier: не удалось учесть попытку")
		w.ack(jobLog, ack, false)
		w.pause(ctx)
		return
	}
	jobLog = jobLog.With().Int("attempt", attempt).Logger()

	if err := w.notifier.Notify(ctx, job); err != nil {
		if attempt < MaxDeliveryAttempts {
			jobLog.Warn().Err(err).Msg("notifier: отправка не удалась, повторим позже")
			w.ack(jobLog, ack, false)
			w.pause(ctx)
			return
		}
		jobLog.Error().Err(err).Msg("notifier: достигнут предел попыток, отбрасываем задачу")
	} else {
		jobLog.Info().Int("items", len(job.Items)).Msg("notifier: уведомление отправлено")
	}

	if err := w.attempts.Forget(ctx, job.ID); err != nil {
		jobLog.Warn().Err(err).Msg("notifier: не удалось сбросить счётчик попыток")
	}
	w.ack(jobLog, ack, true)
}

func (w *DeliveryWorker) ack(jobLog zerolog.Logger, ack domain.AckFunc, success bool) {
	if err := ack(success); err != nil {
		jobLog.Error().Err(err).Bool("success", success).Msg("notifier: не удалось подтвердить задачу")
	}
}

// MemoryAttempts хранит счётчики в памяти процесса.
type MemoryAttempts struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewMemoryAttempts создаёт счётчик попыток в памяти.
func NewMemoryAttempts() *MemoryAttempts {
	return &MemoryAttempts{counts: make(map[string]int)}
}

func (m *MemoryAttempts) Attempt(_ context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[jobID]++
	return m.counts[jobID], nil
}

func (m *MemoryAttempts) Forget(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, jobID)
	return nil
}
