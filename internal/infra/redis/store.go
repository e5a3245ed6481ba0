// Package redis provides a Redis-backed ledger store.
//
// Records are JSON strings keyed by id, with one sorted set per record kind
// scored by creation time for listing. Read-modify-write uses WATCH/MULTI so
// concurrent writers on the same id never interleave.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
)

// maxTxRetries bounds optimistic-lock retries for a single mutation.
const maxTxRetries = 16

// Store implements domain.Store on Redis.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
	owned     bool
}

var _ domain.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the key prefix (default "sight:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New wraps an existing client. The caller keeps ownership of it.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, keyPrefix: "sight:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the Redis server at url (redis://host:port/db) and
// verifies it is reachable.
func Open(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	s := New(client, opts...)
	s.owned = true
	return s, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client if Open created it.
func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func (s *Store) taskKey(id string) string    { return s.keyPrefix + "task:" + id }
func (s *Store) taskIndex() string           { return s.keyPrefix + "tasks" }
func (s *Store) earningKey(id string) string { return s.keyPrefix + "earning:" + id }
func (s *Store) earningIndex() string        { return s.keyPrefix + "earnings" }
func (s *Store) deviceKey(id string) string  { return s.keyPrefix + "device:" + id }

// ─── Tasks ──────────────────────────────────────────────────────────────────

// InsertTask creates a task, failing with ErrTaskExists on a duplicate id.
func (s *Store) InsertTask(ctx context.Context, task domain.Task) error {
	_, err := s.MutateTask(ctx, task.ID, func(existing *domain.Task) (*domain.Task, error) {
		if existing != nil {
			return nil, fmt.Errorf("insert task %s: %w", task.ID, domain.ErrTaskExists)
		}
		return &task, nil
	})
	return err
}

// GetTask returns the task or ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	var t domain.Task
	found, err := getJSON(ctx, s.client, s.taskKey(id), &t)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrTaskNotFound
	}
	return &t, nil
}

// MutateTask applies fn under WATCH. Source and CreatedAt of an existing
// record are preserved regardless of what fn returns.
func (s *Store) MutateTask(ctx context.Context, id string, fn domain.TaskMutation) (*domain.Task, error) {
	key := s.taskKey(id)
	var result *domain.Task

	txf := func(tx *goredis.Tx) error {
		var existing *domain.Task
		var cur domain.Task
		found, err := getJSON(ctx, tx, key, &cur)
		if err != nil {
			return err
		}
		if found {
			existing = &cur
		}

		next, err := fn(existing)
		if err != nil {
			return err
		}
		if next == nil {
			result = existing
			return nil
		}
		next.ID = id
		if existing != nil {
			next.Source = existing.Source
			next.CreatedAt = existing.CreatedAt
		}

		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			p.ZAdd(ctx, s.taskIndex(), goredis.Z{Score: score(next.CreatedAt), Member: id})
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return result, nil
}

// ListTasks returns tasks matching q, newest first.
func (s *Store) ListTasks(ctx context.Context, q domain.TaskQuery) ([]domain.Task, error) {
	ids, err := s.client.ZRevRange(ctx, s.taskIndex(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []domain.Task
	err = s.scanIndex(ctx, ids, s.taskKey, func(raw string) (bool, error) {
		var t domain.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return false, fmt.Errorf("decode task: %w", err)
		}
		if !q.Matches(&t) {
			return false, nil
		}
		out = append(out, t)
		return q.Limit > 0 && len(out) >= q.Limit, nil
	})
	return out, err
}

// ─── Earnings ───────────────────────────────────────────────────────────────

// GetEarning returns the earning or ErrEarningNotFound.
func (s *Store) GetEarning(ctx context.Context, id string) (*domain.Earning, error) {
	var e domain.Earning
	found, err := getJSON(ctx, s.client, s.earningKey(id), &e)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrEarningNotFound
	}
	return &e, nil
}

// MutateEarning applies fn under WATCH. A non-empty TaskID must name an
// existing task.
func (s *Store) MutateEarning(ctx context.Context, id string, fn domain.EarningMutation) (*domain.Earning, error) {
	key := s.earningKey(id)
	var result *domain.Earning

	txf := func(tx *goredis.Tx) error {
		var existing *domain.Earning
		var cur domain.Earning
		found, err := getJSON(ctx, tx, key, &cur)
		if err != nil {
			return err
		}
		if found {
			existing = &cur
		}

		next, err := fn(existing)
		if err != nil {
			return err
		}
		if next == nil {
			result = existing
			return nil
		}
		next.ID = id
		if existing != nil {
			next.Source = existing.Source
			next.CreatedAt = existing.CreatedAt
		}

		if next.TaskID != "" {
			n, err := tx.Exists(ctx, s.taskKey(next.TaskID)).Result()
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("earning %s: %w", id, domain.ErrReferentialIntegrity)
			}
		}

		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			p.ZAdd(ctx, s.earningIndex(), goredis.Z{Score: score(next.CreatedAt), Member: id})
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return nil, err
	}
	return result, nil
}

// ListEarnings returns earnings matching q, newest first.
func (s *Store) ListEarnings(ctx context.Context, q domain.EarningQuery) ([]domain.Earning, error) {
	ids, err := s.client.ZRevRange(ctx, s.earningIndex(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	var out []domain.Earning
	err = s.scanIndex(ctx, ids, s.earningKey, func(raw string) (bool, error) {
		var e domain.Earning
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return false, fmt.Errorf("decode earning: %w", err)
		}
		if !q.Matches(&e) {
			return false, nil
		}
		out = append(out, e)
		return q.Limit > 0 && len(out) >= q.Limit, nil
	})
	return out, err
}

// ─── Devices ────────────────────────────────────────────────────────────────

// UpsertDevice stores the device, keeping the first registration time.
func (s *Store) UpsertDevice(ctx context.Context, d domain.Device) error {
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = time.Now()
	}
	key := s.deviceKey(d.ID)
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSetNX(ctx, key, "registered_at", d.RegisteredAt.UnixNano())
		p.HSet(ctx, key, "gateway_address", d.GatewayAddress)
		return nil
	})
	return err
}

// HasDevice reports whether the device id is known.
func (s *Store) HasDevice(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.deviceKey(id)).Result()
	return n > 0, err
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// watch runs fn in an optimistic transaction, retrying when another writer
// touched the watched keys first.
func (s *Store) watch(ctx context.Context, fn func(*goredis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis: transaction on %v kept conflicting", keys)
}

// scanIndex loads records for ids in batches and feeds them to visit until it
// returns stop=true. Ids whose record has vanished are skipped.
func (s *Store) scanIndex(ctx context.Context, ids []string, keyOf func(string) string, visit func(string) (bool, error)) error {
	const batch = 100
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, keyOf(id))
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		for _, v := range vals {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			stop, err := visit(raw)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
	}
	return nil
}

func getJSON(ctx context.Context, c goredis.Cmdable, key string, dst any) (bool, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixNano())
}
