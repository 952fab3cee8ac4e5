package sweep

import (
	"context"
	"sync"

	"noteticket-bot/internal/domain"
)

// localLocks — защита от параллельных проходов одной гильдии внутри процесса.
type localLocks struct {
	mu     sync.Mutex
	active map[string]struct{}
}

var _ domain.GuildLocker = (*localLocks)(nil)

func newLocalLocks() *localLocks {
	return &localLocks{active: make(map[string]struct{})}
}

func (l *localLocks) TryLock(_ context.Context, guildID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.active[guildID]; busy {
		return false, nil
	}
	l.active[guildID] = struct{}{}
	return true, nil
}

func (l *localLocks) Unlock(_ context.Context, guildID string) error {
	l.mu.Lock()
	delete(l.active, guildID)
	l.mu.Unlock()
	return nil
}
