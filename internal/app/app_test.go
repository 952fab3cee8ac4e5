package app

import (
	"testing"

	"github.com/rs/zerolog"

	"noteticket-bot/internal/infra/config"
)

func runtimeWithBackend(backend string) *Runtime {
	var cfg config.AppConfig
	cfg.Queues.Backend = backend
	cfg.Queues.Notify = "action_item_notifications"
	return &Runtime{Config: cfg, Log: zerolog.Nop()}
}

func TestNotifyQueueBackends(t *testing.T) {
	q, err := runtimeWithBackend("").NotifyQueue()
	if err != nil || q != nil {
		t.Fatalf("без бэкенда очередь не нужна: %v %v", q, err)
	}
	if _, err := runtimeWithBackend("redis").NotifyQueue(); err == nil {
		t.Fatalf("redis без REDIS_ADDR должен вернуть ошибку")
	}
	if _, err := runtimeWithBackend("kafka").NotifyQueue(); err == nil {
		t.Fatalf("неизвестный бэкенд должен вернуть ошибку")
	}
	if _, err := runtimeWithBackend("rabbitmq").NotifyQueue(); err == nil {
		t.Fatalf("rabbitmq без RABBITMQ_URL должен вернуть ошибку")
	}
}

func TestOrchestratorRequiresOpenAIKey(t *testing.T) {
	if _, err := runtimeWithBackend("").Orchestrator(); err == nil {
		t.Fatalf("без OPENAI_API_KEY ожидали ошибку")
	}
}

func TestCloseRunsInReverseOrder(t *testing.T) {
	var order []int
	rt := &Runtime{}
	rt.closers = append(rt.closers, func() { order = append(order, 1) }, func() { order = append(order, 2) })
	rt.Close()
	rt.Close()
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("ожидали обратный порядок закрытия, получили %v", order)
	}
}
