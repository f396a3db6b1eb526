package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a distributed Store backing for multi-process
// deployments. Each entry is a JSON blob under key <prefix>:<request_id>;
// TableName (from Config) becomes the prefix so several trackers can
// share one Redis instance. Insert uses SETNX for the same atomic
// create-if-absent guarantee the Store contract requires; Update uses
// an optimistic WATCH/MULTI transaction so concurrent updates never
// silently clobber each other.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttlPad time.Duration // extra TTL headroom past ExpiresAt before Redis drops the key
}

// redisEntry is the wire format stored in Redis. time.Time round-trips
// through JSON as RFC3339, which is what we want here.
type redisEntry struct {
	RequestID   string          `json:"request_id"`
	State       State           `json:"state"`
	Fingerprint string          `json:"fingerprint"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Response    *CachedResponse `json:"response,omitempty"`
}

// NewRedisStore wraps an existing *redis.Client. Use redisclient.New to
// build the client from Config.RedisURL.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ttlPad: 5 * time.Minute}
}

func (s *RedisStore) Setup(cfg Config) error {
	if cfg.TableName == "" {
		return ErrMissingConfig
	}
	s.prefix = cfg.TableName
	return nil
}

func (s *RedisStore) key(requestID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, requestID)
}

func (s *RedisStore) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 3*time.Second)
}

func (s *RedisStore) Insert(requestID string, state State, fingerprint string, expiresAt time.Time) error {
	ctx, cancel := s.ctx()
	defer cancel()

	e := redisEntry{
		RequestID:   requestID,
		State:       state,
		Fingerprint: fingerprint,
		ExpiresAt:   expiresAt,
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: marshal entry: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(requestID), payload, time.Until(expiresAt)+s.ttlPad).Result()
	if err != nil {
		return fmt.Errorf("store: redis setnx: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

func (s *RedisStore) Lookup(requestID string) (Entry, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	raw, err := s.client.Get(ctx, s.key(requestID)).Bytes()
	if err == redis.Nil {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("store: redis get: %w", err)
	}
	var e redisEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("store: unmarshal entry: %w", err)
	}
	return Entry{
		RequestID:   e.RequestID,
		State:       e.State,
		Fingerprint: e.Fingerprint,
		ExpiresAt:   e.ExpiresAt,
		Response:    e.Response,
	}, nil
}

func (s *RedisStore) Update(requestID string, newState State, newExpiresAt time.Time, response *CachedResponse) error {
	ctx, cancel := s.ctx()
	defer cancel()

	key := s.key(requestID)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: redis get: %w", err)
		}
		var e redisEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("store: unmarshal entry: %w", err)
		}
		e.State = newState
		e.ExpiresAt = newExpiresAt
		if response != nil {
			e.Response = response
		}
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("store: marshal entry: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, payload, time.Until(newExpiresAt)+s.ttlPad)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	if err != nil {
		return err
	}
	return nil
}

// Prune is a no-op for RedisStore: expiry is enforced by Redis's own TTL
// on each key (set with headroom in Insert/Update), so there is nothing
// left for a sweep to find once a key's TTL lapses.
func (s *RedisStore) Prune(now time.Time) (int, error) {
	return 0, nil
}

func (s *RedisStore) Count() (int, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	var cursor uint64
	count := 0
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+":*", 200).Result()
		if err != nil {
			return 0, fmt.Errorf("store: redis scan: %w", err)
		}
		count += len(keys)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return count, nil
}

func (s *RedisStore) Delete(requestID string) error {
	ctx, cancel := s.ctx()
	defer cancel()

	n, err := s.client.Del(ctx, s.key(requestID)).Result()
	if err != nil {
		return fmt.Errorf("store: redis del: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
