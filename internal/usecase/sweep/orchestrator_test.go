package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"noteticket-bot/internal/domain"
)

func TestTriggerInactiveWithoutForceIsRejected(t *testing.T) {
	cfg := standardConfig()
	cfg.Active = false
	e := newEnv(cfg)
	e.source.messages["c1"] = makeMessages(3)

	_, err := e.orch.Trigger(context.Background(), TriggerRequest{GuildID: "g1"})
	if !errors.Is(err, ErrSweepDisabled) {
		t.Fatalf("ожидали ErrSweepDisabled, получили %v", err)
	}
	if e.source.fetches != 0 || e.extractor.calls() != 0 {
		t.Fatalf("отклонённый запуск не должен ничего читать")
	}
	if len(e.configs.updates) != 0 || len(e.history.records) != 0 || len(e.items.groups) != 0 || e.marks.writes != 0 || len(e.audit.entries) != 0 {
		t.Fatalf("отклонённый запуск не должен ничего записывать")
	}
}

func TestTriggerForceBypassesInactive(t *testing.T) {
	cfg := standardConfig()
	cfg.Active = false
	e := newEnv(cfg)
	e.source.messages["c1"] = makeMessages(3)

	res, err := e.orch.Trigger(context.Background(), TriggerRequest{GuildID: "g1", Force: true, Actor: "10.0.0.1"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.ChannelsProcessed != 1 || res.ActionItemsFound != 1 {
		t.Fatalf("неожиданный результат: %+v", res)
	}
	if len(e.audit.entries) != 1 || e.audit.entries[0].Action != domain.AuditActionManualTrigger {
		t.Fatalf("ожидали запись журнала о ручном запуске")
	}
	if e.audit.entries[0].UserIDHash != HashIdentity("10.0.0.1", "salt") {
		t.Fatalf("инициатор должен быть обезличен")
	}
}

func TestTriggerConfigurationErrors(t *testing.T) {
	cfg := standardConfig()
	cfg.ChannelsToMonitor = []string{" ", ""}
	e := newEnv(cfg)

	if _, err := e.orch.Trigger(context.Background(), TriggerRequest{GuildID: "missing"}); !errors.Is(err, domain.ErrGuildNotFound) {
		t.Fatalf("ожидали ErrGuildNotFound, получили %v", err)
	}
	if _, err := e.orch.Trigger(context.Background(), TriggerRequest{GuildID: "g1"}); !errors.Is(err, ErrNoChannels) {
		t.Fatalf("ожидали ErrNoChannels, получили %v", err)
	}
	if len(e.history.records) != 0 {
		t.Fatalf("без старта прохода история не пишется")
	}
}

func TestTriggerChannelFailureIsIsolated(t *testing.T) {
	cfg := standardConfig()
	cfg.ChannelsToMonitor = []string{"c1", "c2", "c3"}
	e := newEnv(cfg)
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	e.orch.now = func() time.Time { return start }
	e.source.messages["c1"] = makeMessages(2)
	e.source.messages["c3"] = makeMessages(2)
	e.source.failing["c2"] = true

	res, err := e.orch.Trigger(context.Background(), TriggerRequest{GuildID: "g1"})
	if err != nil {
		t.Fatalf("ошибка канала не должна валить проход: %v", err)
	}
	if res.ChannelsProcessed != 2 || res.ChannelsFailed != 1 || !res.Partial() || res.Empty() {
		t.Fatalf("неожиданный результат: %+v", res)
	}
	if res.Status != domain.SweepCompleted {
		t.Fatalf("проход с ошибками каналов всё равно завершён")
	}
	if res.Channels[1].Error == "" {
		t.Fatalf("ошибка канала должна попасть в результат")
	}
	if len(e.configs.updates) != 1 || !e.configs.updates[0].Equal(start) {
		t.Fatalf("время прохода обновляется один раз временем старта: %v", e.configs.updates)
	}
	if len(e.history.records) != 1 {
		t.Fatalf("ожидали одну запись истории")
	}
	rec := e.history.records[0]
	if rec.ID != res.SweepID || rec.ChannelsProcessed != 2 || rec.Cause != domain.SourceManual || rec.Status != domain.SweepCompleted {
		t.Fatalf("неожиданная запись истории: %+v", rec)
	}
}

func TestTriggerSkipsUnavailableChannel(t *testing.T) {
	cfg := standardConfig()
	cfg.ChannelsToMonitor = []string{"c1", "c2"}
	e := newEnv(cfg)
	e.source.messages["c1"] = makeMessages(2)
	e.source.gone = map[string]bool{"c2": true}

	res, err := e.orch.Trigger(context.Background(), TriggerRequest{GuildID: "g1"})
	if err != nil {
		t.Fatalf("недоступный канал не должен валить проход: %v", err)
	}
	if res.ChannelsProcessed != 1 || res.ChannelsFailed != 0 || res.ChannelsSkipped != 1 || res.Partial() {
		t.Fatalf("недоступный канал считается пропущенным, а не упавшим: %+v", res)
	}
	if out := res.Channels[1]; !out.Skipped || out.Error != "" {
		t.Fatalf("неожиданный итог канала: %+v", out)
	}
}

func TestTriggerAllChannelsFailedIsEmpty(t *testing.T) {
	e := newEnv(standardConfig())
	e.source.failing["c1"] = true
	res, err := e.orch.Trigger(context.Background(), TriggerRequest{GuildID: "g1"})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !res.Empty() || res.Partial() {
		t.Fatalf("ожидали пустой результат: %+v", res)
	}
}

func TestTriggerSuppliedMessagesSkipTimeFilter(t *testing.T) {
	e := newEnv(standardConfig())
	old := makeMessages(2)
	for i := range old {
		old[i].CreatedAt = time.Now().Add(-48 * time.Hour)
	}
	res, err := e.orch.Trigger(context.Background(), TriggerRequest{GuildID: "g1", ChannelIDs: []string{"c9"}, Messages: map[string][]domain.Message{"c9": old}})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if e.source.fetches != 0 {
		t.Fatalf("переданные сообщения не требуют выгрузки")
	}
	if res.MessagesProcessed != 2 {
		t.Fatalf("ручной запуск не фильтрует по времени, обработано %d", res.MessagesProcessed)
	}
}

func TestRunScheduledFiltersByInterval(t *testing.T) {
	cfg := standardConfig()
	cfg.SweepIntervalHours = 2
	e := newEnv(cfg)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e.orch.now = func() time.Time { return now }
	e.source.messages["c1"] = []domain.Message{
		{ID: "fresh", AuthorName: "a", Content: "свежее", CreatedAt: now.Add(-90 * time.Minute)},
		{ID: "edge", AuthorName: "a", Content: "граница", CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "old", AuthorName: "a", Content: "старое", CreatedAt: now.Add(-3 * time.Hour)},
	}

	if err := e.orch.RunScheduled(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if e.extractor.calls() != 1 || e.extractor.transcripts[0] != "a: свежее" {
		t.Fatalf("в окно должно попасть только свежее сообщение: %v", e.extractor.transcripts)
	}
	if len(e.history.records) != 1 || e.history.records[0].Cause != domain.SourceScheduled {
		t.Fatalf("ожидали запись истории планового прохода")
	}
}

func TestRunScheduledSkipsInactiveGuilds(t *testing.T) {
	active := standardConfig()
	inactive := standardConfig()
	inactive.GuildID = "g2"
	inactive.Active = false
	empty := standardConfig()
	empty.GuildID = "g3"
	empty.ChannelsToMonitor = nil
	e := newEnv(active, inactive, empty)
	e.source.messages["c1"] = makeMessages(1)

	if err := e.orch.RunScheduled(context.Background()); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(e.history.records) != 1 || e.history.records[0].GuildID != "g1" {
		t.Fatalf("история пишется только для активной гильдии: %+v", e.history.records)
	}
	if len(e.configs.updates) != 1 {
		t.Fatalf("время прохода обновляется только у активной гильдии")
	}
}

func TestNotificationSentWhenTodoConfigured(t *testing.T) {
	cfg := standardConfig()
	cfg.TodoChannelID = strPtr("todo")
	e := newEnv(cfg)
	e.source.messages["c1"] = makeMessages(2)

	if _, err := e.orch.Trigger(context.Background(), TriggerRequest{GuildID: "g1"}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(e.notifier.jobs) != 1 {
		t.Fatalf("ожидали одно уведомление, получили %d", len(e.notifier.jobs))
	}
	job := e.notifier.jobs[0]
	if job.TodoChannelID != "todo" || job.SourceChannelName != "name-c1" || len(job.Items) != 1 {
		t.Fatalf("неожиданное уведомление: %+v", job)
	}
}

func TestNotificationSkippedWithoutTodoOrItems(t *testing.T) {
	e := newEnv(standardConfig())
	e.source.messages["c1"] = makeMessages(2)
	if _, err := e.orch.Trigger(context.Background(), TriggerRequest{GuildID: "g1"}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(e.notifier.jobs) != 0 {
		t.Fatalf("без todo-канала уведомлений нет")
	}

	cfg := standardConfig()
	cfg.TodoChannelID = strPtr("todo")
	e = newEnv(cfg)
	e.extractor.respond = func(int, string) (domain.Extraction, error) { return domain.Extraction{}, nil }
	e.source.messages["c1"] = makeMessages(2)
	if _, err := e.orch.Trigger(context.Background(), TriggerRequest{GuildID: "g1"}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(e.notifier.jobs) != 0 {
		t.Fatalf("без задач уведомлений нет")
	}
}

func TestNotificationFailureIsSwallowed(t *testing.T) {
	cfg := standardConfig()
	cfg.TodoChannelID = strPtr("todo")
	e := newEnv(cfg)
	e.notifier.err = errors.New("discord down")
	e.source.messages["c1"] = makeMessages(2)
	res, err := e.orch.Trigger(context.Background(), TriggerRequest{GuildID: "g1"})
	if err != nil {
		t.Fatalf("ошибка уведомления не должна валить проход: %v", err)
	}
	if res.ChannelsFailed != 0 {
		t.Fatalf("ошибка уведомления не считается ошибкой канала")
	}
}

func TestGuildInProgressGuard(t *testing.T) {
	e := newEnv(standardConfig())
	if ok, _ := e.orch.local.TryLock(context.Background(), "g1"); !ok {
		t.Fatalf("ожидали захват блокировки")
	}
	if _, err := e.orch.Trigger(context.Background(), TriggerRequest{GuildID: "g1"}); !errors.Is(err, ErrSweepInProgress) {
		t.Fatalf("ожидали ErrSweepInProgress, получили %v", err)
	}
	if _, err := e.orch.SweepChannel(context.Background(), "g1", "c1", makeMessages(1), domain.SourceManual, ""); !errors.Is(err, ErrSweepInProgress) {
		t.Fatalf("ожидали ErrSweepInProgress для канала, получили %v", err)
	}
	_ = e.orch.local.Unlock(context.Background(), "g1")
	if _, err := e.orch.Trigger(context.Background(), TriggerRequest{GuildID: "g1"}); err != nil {
		t.Fatalf("после снятия блокировки проход должен пройти: %v", err)
	}
}

type denyingLocker struct{}

func (denyingLocker) TryLock(context.Context, string) (bool, error) { return false, nil }
func (denyingLocker) Unlock(context.Context, string) error          { return nil }

func TestSharedLockDeniedReleasesLocal(t *testing.T) {
	e := newEnv(standardConfig())
	e.orch.shared = &denyingLocker{}
	if _, err := e.orch.Trigger(context.Background(), TriggerRequest{GuildID: "g1"}); !errors.Is(err, ErrSweepInProgress) {
		t.Fatalf("ожидали ErrSweepInProgress, получили %v", err)
	}
	if ok, _ := e.orch.local.TryLock(context.Background(), "g1"); !ok {
		t.Fatalf("локальная блокировка должна быть снята")
	}
}

type leasingLocker struct {
	mu       sync.Mutex
	extends  int
	unlocked bool
}

func (l *leasingLocker) TryLock(context.Context, string) (bool, error) { return true, nil }

func (l *leasingLocker) Unlock(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlocked = true
	return nil
}

func (l *leasingLocker) Extend(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unlocked {
		return errors.New("продление после снятия блокировки")
	}
	l.extends++
	return nil
}

func (l *leasingLocker) LeaseTTL() time.Duration { return 15 * time.Millisecond }

func TestSharedLeaseRenewedDuringLongSweep(t *testing.T) {
	e := newEnv(standardConfig())
	e.source.messages["c1"] = makeMessages(2)
	e.extractor.respond = func(_ int, transcript string) (domain.Extraction, error) {
		time.Sleep(60 * time.Millisecond)
		return oneItem(transcript), nil
	}
	locker := &leasingLocker{}
	e.orch.shared = locker
	if _, err := e.orch.Trigger(context.Background(), TriggerRequest{GuildID: "g1"}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	locker.mu.Lock()
	extends, unlocked := locker.extends, locker.unlocked
	locker.mu.Unlock()
	if extends == 0 || !unlocked {
		t.Fatalf("аренда должна продлеваться во время прохода: extends=%d unlocked=%v", extends, unlocked)
	}
	time.Sleep(30 * time.Millisecond)
	locker.mu.Lock()
	defer locker.mu.Unlock()
	if locker.extends != extends {
		t.Fatalf("после снятия блокировки продления прекращаются")
	}
}

func TestSweepChannel(t *testing.T) {
	cfg := privacyConfig()
	e := newEnv(cfg)
	res, err := e.orch.SweepChannel(context.Background(), "g1", "c1", makeMessages(4), domain.SourceManual, "")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.MessagesProcessed != 4 || len(res.ActionItems) != 1 {
		t.Fatalf("неожиданный результат: %+v", res)
	}
	if len(e.history.records) != 0 || len(e.configs.updates) != 0 {
		t.Fatalf("проход одного канала не меняет историю гильдии")
	}

	inactive := standardConfig()
	inactive.Active = false
	e = newEnv(inactive)
	if _, err := e.orch.SweepChannel(context.Background(), "g1", "c1", makeMessages(1), "", ""); !errors.Is(err, ErrSweepDisabled) {
		t.Fatalf("ожидали ErrSweepDisabled, получили %v", err)
	}
}

func TestNormalizeChannelIDs(t *testing.T) {
	got := normalizeChannelIDs([]string{" c1 ", "c2", "", "c1"})
	if len(got) != 2 || got[0] != "c1" || got[1] != "c2" {
		t.Fatalf("неожиданный результат: %v", got)
	}
}
