package invocation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/addonrt/model"
)

// commitScript writes the record and releases the lease only while the
// caller still owns it. ARGV[2] is empty when nothing was staged.
var commitScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if ARGV[2] ~= "" then
	redis.call("SET", KEYS[2], ARGV[2])
end
redis.call("DEL", KEYS[1])
return 1
`)

// releaseScript deletes the lease only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only if the caller still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisStore is a Redis-backed Store. Records are JSON values; the
// execution lock is a lease key set with SET NX PX, renewed every third of
// its TTL while held and released with a compare-and-delete script.
type RedisStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisStore creates a new Redis-backed invocation store. leaseTTL bounds
// how long a crashed executor can hold a record; poll is the retry interval
// while waiting for a held lease.
func NewRedisStore(client redis.Cmdable, prefix string, leaseTTL, poll time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: leaseTTL, poll: poll}
}

func (s *RedisStore) recordKey(id string) string { return s.prefix + "invocation:" + id }
func (s *RedisStore) lockKey(id string) string   { return s.prefix + "lock:" + id }

// Create stores a new record if the id is unused.
func (s *RedisStore) Create(ctx context.Context, inv *model.Invocation) error {
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("marshal invocation: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.recordKey(inv.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %q: %w", inv.ID, err)
	}
	if !ok {
		return model.NewConflictError(fmt.Sprintf("invocation %q already exists", inv.ID))
	}
	return nil
}

// Get loads a record.
func (s *RedisStore) Get(ctx context.Context, id string) (*model.Invocation, error) {
	raw, err := s.client.Get(ctx, s.recordKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, model.NewInvocationNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", id, err)
	}
	var inv model.Invocation
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, fmt.Errorf("unmarshal invocation %q: %w", id, err)
	}
	return &inv, nil
}

// LockAndLoad polls for the lease until it is acquired or ctx is done.
func (s *RedisStore) LockAndLoad(ctx context.Context, id string) (Locked, error) {
	// Fail fast on unknown ids instead of waiting for a lease nobody holds.
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	for {
		ok, err := s.client.SetNX(ctx, s.lockKey(id), token, s.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %q: %w", id, err)
		}
		if ok {
			break
		}
		select {
		case <-time.After(s.poll):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	inv, err := s.Get(ctx, id)
	if err != nil {
		_ = releaseScript.Run(ctx, s.client, []string{s.lockKey(id)}, token).Err()
		return nil, err
	}
	l := &redisLocked{
		store:  s,
		token:  token,
		loaded: inv,
		lost:   make(chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.heartbeat(context.WithoutCancel(ctx))
	return l, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type redisLocked struct {
	staging
	store    *RedisStore
	token    string
	loaded   *model.Invocation
	released bool

	lost     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func (l *redisLocked) Invocation() *model.Invocation { return l.loaded.Clone() }

func (l *redisLocked) Lost() <-chan struct{} { return l.lost }

// heartbeat renews the lease until the lock is released. It closes lost
// once another holder owns the key or no renewal succeeded within a TTL.
func (l *redisLocked) heartbeat(ctx context.Context) {
	defer close(l.done)

	ttl := l.store.ttl
	ticker := time.NewTicker(max(ttl/3, time.Millisecond))
	defer ticker.Stop()

	key := l.store.lockKey(l.loaded.ID)
	renewed := time.Now()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
		}
		n, err := renewScript.Run(ctx, l.store.client, []string{key}, l.token, ttl.Milliseconds()).Int()
		switch {
		case err == nil && n == 1:
			renewed = time.Now()
		case err == nil || time.Since(renewed) >= ttl:
			close(l.lost)
			return
		}
	}
}

// stopHeartbeat waits for the renewal goroutine to exit.
func (l *redisLocked) stopHeartbeat() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

func (l *redisLocked) Nested(_ context.Context, fn func(Saver) error) error {
	return l.nested(fn)
}

// Commit fails with CONFLICT when the lease expired before the write.
func (l *redisLocked) Commit(ctx context.Context) error {
	l.stopHeartbeat()
	var data []byte
	if l.pending != nil {
		var err error
		if data, err = json.Marshal(l.pending); err != nil {
			return fmt.Errorf("marshal invocation: %w", err)
		}
	}
	id := l.loaded.ID
	n, err := commitScript.Run(ctx, l.store.client,
		[]string{l.store.lockKey(id), l.store.recordKey(id)}, l.token, string(data)).Int()
	if err != nil {
		return fmt.Errorf("redis commit %q: %w", id, err)
	}
	l.released = true
	if n == 0 {
		return model.NewConflictError(fmt.Sprintf("invocation %q lease expired before commit", id))
	}
	return nil
}

func (l *redisLocked) Rollback(ctx context.Context) error {
	l.stopHeartbeat()
	if l.released {
		return nil
	}
	l.released = true
	id := l.loaded.ID
	if err := releaseScript.Run(ctx, l.store.client, []string{l.store.lockKey(id)}, l.token).Err(); err != nil {
		return fmt.Errorf("redis release %q: %w", id, err)
	}
	return nil
}
