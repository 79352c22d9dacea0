package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ticketforge/server/internal/ticket"
)

// RedisStore persists journals as list-valued keys and keeps a
// denormalized ticket snapshot per id. Layout:
//
//	{repo}:journal:{id}  list of serialized changes (authoritative)
//	{repo}:ticket:{id}   serialized materialized ticket (cache only)
//	{repo}:counter       id high-water mark
type RedisStore struct {
	client *redis.Client

	mu       sync.Mutex
	journals map[string]*sync.Mutex
	seeded   map[string]bool
}

// NewRedisStore connects to the Redis backend given a URL like
// redis://localhost:6379/0.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:   client,
		journals: make(map[string]*sync.Mutex),
		seeded:   make(map[string]bool),
	}
}

func journalKey(repository string, number int64) string {
	return fmt.Sprintf("%s:journal:%d", repository, number)
}

func snapshotKey(repository string, number int64) string {
	return fmt.Sprintf("%s:ticket:%d", repository, number)
}

func counterKey(repository string) string {
	return repository + ":counter"
}

func (s *RedisStore) journalLock(repository string, number int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := journalKey(repository, number)
	lock, ok := s.journals[key]
	if !ok {
		lock = &sync.Mutex{}
		s.journals[key] = lock
	}
	return lock
}

func (s *RedisStore) HasTicket(ctx context.Context, repository string, number int64) bool {
	length, err := s.client.LLen(ctx, journalKey(repository, number)).Result()
	return err == nil && length > 0
}

func (s *RedisStore) Ids(ctx context.Context, repository string) ([]int64, error) {
	pattern := repository + ":journal:*"
	prefix := repository + ":journal:"

	var ids []int64
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan journals: %w", err)
		}
		for _, key := range keys {
			id, err := strconv.ParseInt(strings.TrimPrefix(key, prefix), 10, 64)
			if err != nil {
				continue
			}
			ids = append(ids, id)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}

func (s *RedisStore) AssignNewID(ctx context.Context, repository string) (int64, error) {
	s.mu.Lock()
	seeded := s.seeded[repository]
	s.mu.Unlock()

	if !seeded {
		if err := s.seedCounter(ctx, repository); err != nil {
			return 0, err
		}
	}

	id, err := s.client.Incr(ctx, counterKey(repository)).Result()
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return id, nil
}

// seedCounter initializes the counter from the maximum existing id. The
// scan runs once per repository per process; SETNX keeps an existing
// counter authoritative across processes.
func (s *RedisStore) seedCounter(ctx context.Context, repository string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seeded[repository] {
		return nil
	}

	ids, err := s.Ids(ctx, repository)
	if err != nil {
		return fmt.Errorf("seed counter: %w", err)
	}
	var high int64
	for _, id := range ids {
		if id > high {
			high = id
		}
	}
	if err := s.client.SetNX(ctx, counterKey(repository), high, 0).Err(); err != nil {
		return fmt.Errorf("seed counter: %w", err)
	}
	s.seeded[repository] = true
	return nil
}

func (s *RedisStore) Journal(ctx context.Context, repository string, number int64) ([]*ticket.Change, error) {
	entries, err := s.client.LRange(ctx, journalKey(repository, number), 0, -1).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}

	changes := make([]*ticket.Change, 0, len(entries))
	for _, entry := range entries {
		var change ticket.Change
		if err := json.Unmarshal([]byte(entry), &change); err != nil {
			return nil, &CorruptError{Repository: repository, Number: number, Err: err}
		}
		changes = append(changes, &change)
	}
	return changes, nil
}

func (s *RedisStore) CommitChange(ctx context.Context, repository string, number int64, change *ticket.Change) error {
	lock := s.journalLock(repository, number)
	lock.Lock()
	defer lock.Unlock()

	changes, err := s.Journal(ctx, repository, number)
	if err != nil {
		return err
	}
	changes = append(changes, change)

	materialized, err := ticket.Build(repository, number, changes)
	if err != nil {
		return fmt.Errorf("materialize snapshot: %w", err)
	}

	rawChange, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	rawSnapshot, err := json.Marshal(materialized)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	// Journal append and snapshot refresh land in one MULTI/EXEC so a
	// concurrent reader never sees a snapshot newer than its journal.
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, journalKey(repository, number), rawChange)
		pipe.Set(ctx, snapshotKey(repository, number), rawSnapshot, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit change: %w", err)
	}
	return nil
}

// Snapshot returns the denormalized materialized ticket, or nil when no
// snapshot exists. It is a cache for interop and debugging, never
// authoritative.
func (s *RedisStore) Snapshot(ctx context.Context, repository string, number int64) (*ticket.Ticket, error) {
	raw, err := s.client.Get(ctx, snapshotKey(repository, number)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var t ticket.Ticket
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, &CorruptError{Repository: repository, Number: number, Err: err}
	}
	return &t, nil
}

func (s *RedisStore) DeleteTicket(ctx context.Context, repository string, number int64) (bool, error) {
	deleted, err := s.client.Del(ctx, journalKey(repository, number), snapshotKey(repository, number)).Result()
	if err != nil {
		return false, fmt.Errorf("delete ticket keys: %w", err)
	}
	return deleted > 0, nil
}

func (s *RedisStore) DeleteAll(ctx context.Context, repository string) (bool, error) {
	keys, err := s.repositoryKeys(ctx, repository)
	if err != nil {
		return false, err
	}
	if len(keys) == 0 {
		return false, nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return false, fmt.Errorf("delete repository keys: %w", err)
	}
	s.mu.Lock()
	delete(s.seeded, repository)
	s.mu.Unlock()
	return true, nil
}

func (s *RedisStore) Rename(ctx context.Context, oldRepository, newRepository string) (bool, error) {
	keys, err := s.repositoryKeys(ctx, oldRepository)
	if err != nil {
		return false, err
	}
	if len(keys) == 0 {
		return false, nil
	}
	prefix := oldRepository + ":"
	for _, key := range keys {
		renamed := newRepository + ":" + strings.TrimPrefix(key, prefix)
		if err := s.client.Rename(ctx, key, renamed).Err(); err != nil {
			return false, fmt.Errorf("rename key %s: %w", key, err)
		}
	}
	s.mu.Lock()
	if s.seeded[oldRepository] {
		s.seeded[newRepository] = true
		delete(s.seeded, oldRepository)
	}
	s.mu.Unlock()
	return true, nil
}

func (s *RedisStore) repositoryKeys(ctx context.Context, repository string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, repository+":*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan repository keys: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Ping checks backend reachability.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
