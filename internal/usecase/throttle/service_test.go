package throttle

import (
	"context"
	"sync"
	"testing"
	"time"

	"noteticket-bot/internal/domain"
)

type memoryStore struct {
	events []domain.RateLimitEvent
}

func (m *memoryStore) CountRateLimitEvents(_ context.Context, identifier string, since time.Time) (int, error) {
	count := 0
	for _, ev := range m.events {
		if ev.Identifier == identifier && ev.RequestedAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (m *memoryStore) RecordRateLimitEvent(_ context.Context, event domain.RateLimitEvent) error {
	m.events = append(m.events, event)
	return nil
}

func TestAdmitSlidingWindow(t *testing.T) {
	store := &memoryStore{}
	svc := NewService(store, 10, 60*time.Second)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		d, err := svc.Admit(ctx, "10.0.0.1", t0)
		if err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("запрос %d должен пройти", i+1)
		}
		if d.CurrentCount != i+1 {
			t.Fatalf("ожидали счётчик %d, получили %d", i+1, d.CurrentCount)
		}
	}

	d, err := svc.Admit(ctx, "10.0.0.1", t0.Add(5*time.Second))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if d.Allowed {
		t.Fatalf("11-й запрос в окне должен быть отклонён")
	}
	if len(store.events) != 10 {
		t.Fatalf("отклонённый запрос не должен записываться, событий %d", len(store.events))
	}

	d, err = svc.Admit(ctx, "10.0.0.1", t0.Add(65*time.Second))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("после окна запрос должен пройти")
	}
}

func TestAdmitWindowBoundaryIsExclusive(t *testing.T) {
	store := &memoryStore{}
	svc := NewService(store, 1, time.Minute)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	if d, _ := svc.Admit(ctx, "a", t0); !d.Allowed {
		t.Fatalf("первый запрос должен пройти")
	}
	if d, _ := svc.Admit(ctx, "a", t0.Add(time.Minute)); !d.Allowed {
		t.Fatalf("событие ровно на границе окна не должно учитываться")
	}
}

func TestAdmitSeparateBuckets(t *testing.T) {
	store := &memoryStore{}
	svc := NewService(store, 1, time.Minute)
	ctx := context.Background()
	now := time.Now()

	if d, _ := svc.Admit(ctx, "", now); !d.Allowed {
		t.Fatalf("пустой идентификатор — отдельный бакет, первый запрос должен пройти")
	}
	if d, _ := svc.Admit(ctx, "", now); d.Allowed {
		t.Fatalf("второй запрос пустого бакета должен быть отклонён")
	}
	if d, _ := svc.Admit(ctx, "192.168.1.5", now); !d.Allowed {
		t.Fatalf("другой идентификатор не должен зависеть от пустого бакета")
	}
}

func TestNewServiceDefaults(t *testing.T) {
	svc := NewService(&memoryStore{}, 0, 0)
	if svc.limit != DefaultLimit || svc.window != DefaultWindow {
		t.Fatalf("ожидали значения по умолчанию, получили %d/%s", svc.limit, svc.window)
	}
}

// slowStore отдаёт управление между подсчётом и записью, чтобы конкурентные запросы пересекались.
type slowStore struct {
	mu     sync.Mutex
	events int
}

func (s *slowStore) CountRateLimitEvents(context.Context, string, time.Time) (int, error) {
	s.mu.Lock()
	n := s.events
	s.mu.Unlock()
	time.Sleep(time.Millisecond)
	return n, nil
}

func (s *slowStore) RecordRateLimitEvent(context.Context, domain.RateLimitEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events++
	return nil
}

func TestAdmitConcurrentRequestsRespectLimit(t *testing.T) {
	store := &slowStore{}
	svc := NewService(store, 10, time.Minute)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := svc.Admit(context.Background(), "10.0.0.1", now)
			if err != nil {
				t.Errorf("не ожидали ошибку: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 10 || store.events != 10 {
		t.Fatalf("ожидали ровно 10 пропущенных запросов, получили %d (записано %d)", admitted, store.events)
	}
}

type atomicStore struct {
	memoryStore
	admits int
}

func (a *atomicStore) AdmitRateLimitEvent(ctx context.Context, event domain.RateLimitEvent, since time.Time, limit int) (int, bool, error) {
	a.admits++
	count, _ := a.memoryStore.CountRateLimitEvents(ctx, event.Identifier, since)
	if count >= limit {
		return count, false, nil
	}
	a.memoryStore.events = append(a.memoryStore.events, event)
	return count, true, nil
}

func TestAdmitPrefersAtomicStore(t *testing.T) {
	store := &atomicStore{}
	svc := NewService(store, 2, time.Minute)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	var last Decision
	for i := 0; i < 3; i++ {
		d, err := svc.Admit(context.Background(), "ip", now)
		if err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		last = d
	}
	if store.admits != 3 {
		t.Fatalf("ожидали атомарную проверку на каждый запрос, получили %d", store.admits)
	}
	if last.Allowed || last.CurrentCount != 2 {
		t.Fatalf("третий запрос должен быть отклонён: %+v", last)
	}
}
