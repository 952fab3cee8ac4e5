package sweep

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"noteticket-bot/internal/domain"
)

type memMarks struct {
	mu     sync.Mutex
	marks  map[string]domain.ProcessedMessageMark
	writes int
	err    error
}

func newMemMarks() *memMarks { return &memMarks{marks: make(map[string]domain.ProcessedMessageMark)} }

func (m *memMarks) ListProcessedIDs(_ context.Context, channelID, guildID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, mark := range m.marks {
		if mark.ChannelID == channelID && mark.GuildID == guildID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memMarks) MarkProcessed(_ context.Context, marks []domain.ProcessedMessageMark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.writes++
	for _, mark := range marks {
		if _, ok := m.marks[mark.MessageID]; ok {
			continue
		}
		m.marks[mark.MessageID] = mark
	}
	return nil
}

type memItems struct {
	mu     sync.Mutex
	groups []domain.ActionGroup
	err    error
}

func (m *memItems) SaveActionGroup(_ context.Context, group domain.ActionGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.groups = append(m.groups, group)
	return nil
}

func (m *memItems) CountActionItems(_ context.Context, guildID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, g := range m.groups {
		if g.GuildID == guildID {
			n += len(g.Items)
		}
	}
	return n, nil
}

func (m *memItems) items() []domain.ActionItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ActionItem
	for _, g := range m.groups {
		out = append(out, g.Items...)
	}
	return out
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.PrivacyAuditEntry
	err     error
}

func (m *memAudit) AppendPrivacyAudit(_ context.Context, entry domain.PrivacyAuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

type fakeExtractor struct {
	mu          sync.Mutex
	transcripts []string
	respond     func(call int, transcript string) (domain.Extraction, error)
}

func (f *fakeExtractor) Extract(_ context.Context, transcript string) (domain.Extraction, error) {
	f.mu.Lock()
	f.transcripts = append(f.transcripts, transcript)
	call := len(f.transcripts)
	f.mu.Unlock()
	if f.respond == nil {
		return oneItem(transcript), nil
	}
	return f.respond(call, transcript)
}

func (f *fakeExtractor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transcripts)
}

func oneItem(text string) domain.Extraction {
	return domain.Extraction{
		Summary: "итоги",
		Items:   []domain.ActionItem{{Text: "задача: " + text, Priority: domain.PriorityHigh, Category: domain.CategoryProject}},
	}
}

type memConfigs struct {
	mu      sync.Mutex
	configs map[string]domain.SweepConfig
	updates []time.Time
}

func (m *memConfigs) GetSweepConfig(_ context.Context, guildID string) (domain.SweepConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[guildID]
	if !ok {
		return domain.SweepConfig{}, domain.ErrGuildNotFound
	}
	return cfg, nil
}

func (m *memConfigs) ListGuildIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.configs))
	for id := range m.configs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memConfigs) UpdateLastSweepTime(_ context.Context, guildID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, at)
	cfg := m.configs[guildID]
	cfg.LastSweepTime = &at
	m.configs[guildID] = cfg
	return nil
}

type memHistory struct {
	mu      sync.Mutex
	records []domain.SweepHistoryRecord
}

func (m *memHistory) CreateSweepHistory(_ context.Context, record domain.SweepHistoryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record)
	return nil
}

func (m *memHistory) ListSweepHistory(_ context.Context, guildID string, limit, offset int) ([]domain.SweepHistoryRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []domain.SweepHistoryRecord
	for _, r := range m.records {
		if r.GuildID == guildID {
			matched = append(matched, r)
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}

func (m *memHistory) GetSweepHistory(_ context.Context, guildID, sweepID string) (domain.SweepHistoryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.GuildID == guildID && r.ID == sweepID {
			return r, nil
		}
	}
	return domain.SweepHistoryRecord{}, domain.ErrSweepNotFound
}

type fakeSource struct {
	mu       sync.Mutex
	messages map[string][]domain.Message
	failing  map[string]bool
	gone     map[string]bool
	fetches  int
}

func (f *fakeSource) FetchRecentMessages(_ context.Context, channelID string, _ int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.failing[channelID] {
		return nil, errors.New("platform unavailable")
	}
	if f.gone[channelID] {
		return nil, domain.ErrChannelUnavailable
	}
	return f.messages[channelID], nil
}

func (f *fakeSource) ChannelName(_ context.Context, channelID string) (string, error) {
	return "name-" + channelID, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []domain.NotifyJob
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, job domain.NotifyJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return r.err
}

type recordingSink struct {
	mu    sync.Mutex
	posts map[string][]string
	err   error
}

func (r *recordingSink) PostNotification(_ context.Context, channelID, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.posts == nil {
		r.posts = make(map[string][]string)
	}
	r.posts[channelID] = append(r.posts[channelID], content)
	return nil
}

type env struct {
	marks     *memMarks
	items     *memItems
	audit     *memAudit
	extractor *fakeExtractor
	configs   *memConfigs
	history   *memHistory
	source    *fakeSource
	notifier  *recordingNotifier
	pipeline  *Pipeline
	orch      *Orchestrator
}

func newEnv(configs ...domain.SweepConfig) *env {
	e := &env{
		marks:     newMemMarks(),
		items:     &memItems{},
		audit:     &memAudit{},
		extractor: &fakeExtractor{},
		configs:   &memConfigs{configs: make(map[string]domain.SweepConfig)},
		history:   &memHistory{},
		source:    &fakeSource{messages: make(map[string][]domain.Message), failing: make(map[string]bool)},
		notifier:  &recordingNotifier{},
	}
	for _, cfg := range configs {
		e.configs.configs[cfg.GuildID] = cfg
	}
	logger := zerolog.Nop()
	gate := NewGate(NewTracker(e.marks), e.audit, "salt", logger)
	e.pipeline = NewPipeline(e.extractor, e.items, gate, 10, logger)
	e.orch = NewOrchestrator(Deps{
		Configs:  e.configs,
		Source:   e.source,
		History:  e.history,
		Pipeline: e.pipeline,
		Notifier: e.notifier,
	}, 100, 2, logger)
	return e
}

func strPtr(s string) *string { return &s }
