package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"noteticket-bot/internal/domain"
)

const (
	// DefaultLimit — запросов на окно по умолчанию.
	DefaultLimit = 10
	// DefaultWindow — длина скользящего окна по умолчанию.
	DefaultWindow = 60 * time.Second
)

// Decision — результат проверки запроса.
type Decision struct {
	Allowed      bool
	CurrentCount int
}

// Service реализует скользящее окно по идентификатору.
type Service struct {
	store  domain.RateLimitRepo
	limit  int
	window time.Duration
	now    func() time.Time

	// mu сериализует подсчёт и запись для хранилищ без атомарной проверки.
	mu sync.Mutex
}

// NewService создаёт ограничитель.
func NewService(store domain.RateLimitRepo, limit int, window time.Duration) *Service {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{store: store, limit: limit, window: window, now: time.Now}
}

// Admit считает события идентификатора в окне (now-window, now] и записывает новое,
// если лимит не исчерпан. Отклонённый запрос не записывается.
func (s *Service) Admit(ctx context.Context, identifier string, now time.Time) (Decision, error) {
	windowStart := now.Add(-s.window)
	event := domain.RateLimitEvent{Identifier: identifier, RequestedAt: now}
	if atomic, ok := s.store.(domain.AtomicRateLimitRepo); ok {
		count, admitted, err := atomic.AdmitRateLimitEvent(ctx, event, windowStart, s.limit)
		if err != nil {
			return Decision{}, fmt.Errorf("проверка лимита: %w", err)
		}
		if !admitted {
			return Decision{Allowed: false, CurrentCount: count}, nil
		}
		return Decision{Allowed: true, CurrentCount: count + 1}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	count, err := s.store.CountRateLimitEvents(ctx, identifier, windowStart)
	if err != nil {
		return Decision{}, fmt.Errorf("подсчёт запросов: %w", err)
	}
	if count >= s.limit {
		return Decision{Allowed: false, CurrentCount: count}, nil
	}
	if err := s.store.RecordRateLimitEvent(ctx, event); err != nil {
		return Decision{}, fmt.Errorf("запись запроса: %w", err)
	}
	return Decision{Allowed: true, CurrentCount: count + 1}, nil
}

// Allow проверяет запрос на текущий момент.
func (s *Service) Allow(ctx context.Context, identifier string) (bool, error) {
	decision, err := s.Admit(ctx, identifier, s.now())
	if err != nil {
		return false, err
	}
	return decision.Allowed, nil
}
