package sweep

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval — период планового прохода.
const DefaultInterval = time.Hour

// Runner выполняет один плановый прогон.
type Runner interface {
	RunScheduled(ctx context.Context) error
}

// Scheduler запускает плановые прогоны с фиксированным интервалом.
// Прогоны не перекрываются: тики во время прогона отбрасываются.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler создаёт планировщик.
func NewScheduler(runner Runner, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{runner: runner, interval: interval, log: logger}
}

// Start запускает первый прогон сразу, затем по интервалу.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("планировщик уже запущен")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	s.log.Info().Dur("interval", s.interval).Msg("scheduler: запущен")
	go s.loop(runCtx, s.done)
	return nil
}

// Stop останавливает планировщик и ждёт завершения текущего прогона.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info().Msg("scheduler: остановлен")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("scheduler: прогон завершился паникой")
		}
	}()
	start := time.Now()
	if err := s.runner.RunScheduled(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error().Err(err).Msg("scheduler: прогон завершился ошибкой")
		return
	}
	s.log.Debug().Dur("elapsed", time.Since(start)).Msg("scheduler: прогон завершён")
}
