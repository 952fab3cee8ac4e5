package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"noteticket-bot/internal/domain"
	"noteticket-bot/internal/infra/metrics"
)

// Connect создаёт клиента Redis и проверяет соединение.
func Connect(addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// GuildLocks реализует domain.GuildLocker через SET NX с TTL.
// Блокировка общая для всех процессов, работающих с одним Redis.
type GuildLocks struct {
	client *redis.Client
	ttl    time.Duration
	owner  string
}

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var (
	_ domain.GuildLocker   = (*GuildLocks)(nil)
	_ domain.LeaseExtender = (*GuildLocks)(nil)
)

// NewGuildLocks создаёт блокировки гильдий.
func NewGuildLocks(client *redis.Client, ttl time.Duration) *GuildLocks {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &GuildLocks{client: client, ttl: ttl, owner: uuid.NewString()}
}

func lockKey(guildID string) string { return "sweep:lock:" + guildID }

// TryLock занимает гильдию, если её никто не держит.
func (l *GuildLocks) TryLock(ctx context.Context, guildID string) (bool, error) {
	start := time.Now()
	ok, err := l.client.SetNX(ctx, lockKey(guildID), l.owner, l.ttl).Result()
	metrics.ObserveNetworkRequest("redis", "setnx", "sweep_lock", start, err)
	if err != nil {
		return false, fmt.Errorf("redis lock: %w", err)
	}
	return ok, nil
}

// Unlock освобождает гильдию, только если она занята этим процессом.
func (l *GuildLocks) Unlock(ctx context.Context, guildID string) error {
	start := time.Now()
	err := releaseScript.Run(ctx, l.client, []string{lockKey(guildID)}, l.owner).Err()
	metrics.ObserveNetworkRequest("redis", "eval", "sweep_lock", start, err)
	if err != nil {
		return fmt.Errorf("redis unlock: %w", err)
	}
	return nil
}

// LeaseTTL возвращает срок жизни блокировки.
func (l *GuildLocks) LeaseTTL() time.Duration { return l.ttl }

// Extend продлевает блокировку, если она всё ещё принадлежит этому процессу.
func (l *GuildLocks) Extend(ctx context.Context, guildID string) error {
	start := time.Now()
	res, err := extendScript.Run(ctx, l.client, []string{lockKey(guildID)}, l.owner, l.ttl.Milliseconds()).Int()
	metrics.ObserveNetworkRequest("redis", "eval", "sweep_lock_extend", start, err)
	if err != nil {
		return fmt.Errorf("redis extend: %w", err)
	}
	if res == 0 {
		return fmt.Errorf("redis extend: блокировка гильдии %s утрачена", guildID)
	}
	return nil
}

// RateLimitStore хранит события ограничителя в sorted set на идентификатор.
type RateLimitStore struct {
	client *redis.Client
	window time.Duration
}

var (
	_ domain.RateLimitRepo       = (*RateLimitStore)(nil)
	_ domain.AtomicRateLimitRepo = (*RateLimitStore)(nil)
)

// admitScript чистит окно, считает события и добавляет новое, если лимит не исчерпан.
var admitScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local count = redis.call("ZCOUNT", KEYS[1], "(" .. ARGV[1], "+inf")
if count >= tonumber(ARGV[2]) then
	return {count, 0}
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {count, 1}
`)

// NewRateLimitStore создаёт хранилище. window нужен для TTL ключей.
func NewRateLimitStore(client *redis.Client, window time.Duration) *RateLimitStore {
	return &RateLimitStore{client: client, window: window}
}

func rateKey(identifier string) string { return "ratelimit:" + identifier }

// CountRateLimitEvents считает события строго после since.
func (s *RateLimitStore) CountRateLimitEvents(ctx context.Context, identifier string, since time.Time) (int, error) {
	key := rateKey(identifier)
	cutoff := strconv.FormatInt(since.UnixMilli(), 10)
	start := time.Now()
	var count *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		count = pipe.ZCount(ctx, key, "("+cutoff, "+inf")
		return nil
	})
	metrics.ObserveNetworkRequest("redis", "zcount", "ratelimit", start, err)
	if err != nil {
		return 0, fmt.Errorf("redis count: %w", err)
	}
	return int(count.Val()), nil
}

// RecordRateLimitEvent добавляет событие.
func (s *RateLimitStore) RecordRateLimitEvent(ctx context.Context, event domain.RateLimitEvent) error {
	key := rateKey(event.Identifier)
	member := strconv.FormatInt(event.RequestedAt.UnixNano(), 10) + ":" + uuid.NewString()
	start := time.Now()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(event.RequestedAt.UnixMilli()), Member: member})
		pipe.Expire(ctx, key, s.window+time.Minute)
		return nil
	})
	metrics.ObserveNetworkRequest("redis", "zadd", "ratelimit", start, err)
	if err != nil {
		return fmt.Errorf("redis record: %w", err)
	}
	return nil
}

// AdmitRateLimitEvent атомарно проверяет лимит и записывает событие.
func (s *RateLimitStore) AdmitRateLimitEvent(ctx context.Context, event domain.RateLimitEvent, since time.Time, limit int) (int, bool, error) {
	member := strconv.FormatInt(event.RequestedAt.UnixNano(), 10) + ":" + uuid.NewString()
	start := time.Now()
	res, err := admitScript.Run(ctx, s.client, []string{rateKey(event.Identifier)},
		since.UnixMilli(), limit, event.RequestedAt.UnixMilli(), member, (s.window + time.Minute).Milliseconds(),
	).Int64Slice()
	metrics.ObserveNetworkRequest("redis", "eval", "ratelimit", start, err)
	if err != nil {
		return 0, false, fmt.Errorf("redis admit: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis admit: неожиданный ответ %v", res)
	}
	return int(res[0]), res[1] == 1, nil
}

// DeliveryAttempts хранит счётчики попыток доставки уведомлений.
type DeliveryAttempts struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDeliveryAttempts создаёт счётчик. Ключи живут ttl с последней попытки.
func NewDeliveryAttempts(client *redis.Client, ttl time.Duration) *DeliveryAttempts {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DeliveryAttempts{client: client, ttl: ttl}
}

func attemptsKey(jobID string) string { return "notify:attempts:" + jobID }

// Attempt увеличивает счётчик попыток задачи.
func (a *DeliveryAttempts) Attempt(ctx context.Context, jobID string) (int, error) {
	key := attemptsKey(jobID)
	start := time.Now()
	var incr *redis.IntCmd
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, a.ttl)
		return nil
	})
	metrics.ObserveNetworkRequest("redis", "incr", "notify_attempts", start, err)
	if err != nil {
		return 0, fmt.Errorf("redis attempts: %w", err)
	}
	return int(incr.Val()), nil
}

// Forget удаляет счётчик задачи.
func (a *DeliveryAttempts) Forget(ctx context.Context, jobID string) error {
	start := time.Now()
	err := a.client.Del(ctx, attemptsKey(jobID)).Err()
	metrics.ObserveNetworkRequest("redis", "del", "notify_attempts", start, err)
	if err != nil {
		return fmt.Errorf("redis forget attempts: %w", err)
	}
	return nil
}
