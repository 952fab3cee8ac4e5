package sweep

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type countingRunner struct {
	runs    atomic.Int32
	started chan struct{}
}

func (c *countingRunner) RunScheduled(ctx context.Context) error {
	if c.runs.Add(1) == 1 && c.started != nil {
		close(c.started)
	}
	return nil
}

func TestSchedulerRunsImmediatelyAndStops(t *testing.T) {
	runner := &countingRunner{started: make(chan struct{})}
	s := NewScheduler(runner, time.Hour, zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("повторный запуск должен вернуть ошибку")
	}
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatalf("первый прогон должен стартовать сразу")
	}
	s.Stop()
	s.Stop()
	if got := runner.runs.Load(); got != 1 {
		t.Fatalf("ожидали один прогон, получили %d", got)
	}
}

type panickyRunner struct{ runs atomic.Int32 }

func (p *panickyRunner) RunScheduled(context.Context) error {
	p.runs.Add(1)
	panic("boom")
}

func TestSchedulerSurvivesPanic(t *testing.T) {
	runner := &panickyRunner{}
	s := NewScheduler(runner, 10*time.Millisecond, zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for runner.runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	if runner.runs.Load() < 2 {
		t.Fatalf("планировщик должен продолжать работу после паники")
	}
}
