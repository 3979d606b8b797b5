// Package store provides a BoltDB-backed persistence collaborator for
// tasks (with prior versions and a creation-time index) and agents,
// adapted from the orchestrator's workflow store.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmforge/taskcore/internal/model"
)

var (
	bucketTasks    = []byte("tasks")
	bucketVersions = []byte("task_versions")
	bucketAgents   = []byte("agents")
	bucketIndex    = []byte("task_time_index")
)

// Store persists tasks and agents to a BoltDB file, with an in-memory hot
// cache for tasks mirroring the teacher's workflow cache.
type Store struct {
	db  *bbolt.DB
	mu  sync.RWMutex
	hot map[string]*model.Task

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open opens (creating if absent) a BoltDB file at path and prepares buckets.
func Open(path string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketVersions, bucketAgents, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("taskcore_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("taskcore_store_write_ms")
	cacheHits, _ := meter.Int64Counter("taskcore_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("taskcore_store_cache_misses_total")

	s := &Store{
		db:           db,
		hot:          map[string]*model.Task{},
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}
	if err := s.warmCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t model.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			s.hot[t.ID] = &t
			return nil
		})
	})
}

// PutTask writes a task, archiving the previous version under bucketVersions
// and indexing it by CreatedAt for time-range scans.
func (s *Store) PutTask(ctx context.Context, t *model.Task) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "put_task")))
	}()

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketTasks)
		if existing := bucket.Get([]byte(t.ID)); existing != nil {
			versions := tx.Bucket(bucketVersions)
			key := fmt.Sprintf("%s:%d", t.ID, time.Now().UnixNano())
			if err := versions.Put([]byte(key), existing); err != nil {
				return err
			}
		}
		if err := bucket.Put([]byte(t.ID), data); err != nil {
			return err
		}
		index := tx.Bucket(bucketIndex)
		indexKey := fmt.Sprintf("%d:%s", t.CreatedAt.UnixNano(), t.ID)
		return index.Put([]byte(indexKey), []byte(t.ID))
	})
	if err != nil {
		return fmt.Errorf("write task: %w", err)
	}
	s.hot[t.ID] = t
	return nil
}

// GetTask reads a task, preferring the hot cache.
func (s *Store) GetTask(ctx context.Context, id string) (*model.Task, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("op", "get_task")))
	}()

	s.mu.RLock()
	if t, ok := s.hot[id]; ok {
		s.mu.RUnlock()
		s.cacheHits.Add(ctx, 1)
		return t, true, nil
	}
	s.mu.RUnlock()
	s.cacheMisses.Add(ctx, 1)

	var t model.Task
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &t)
	})
	if err != nil || !found {
		return nil, false, err
	}
	s.mu.Lock()
	s.hot[id] = &t
	s.mu.Unlock()
	return &t, true, nil
}

// ArchiveTask soft-deletes a task: it is marked ARCHIVED and kept, with its
// pre-archive version preserved in bucketVersions.
func (s *Store) ArchiveTask(ctx context.Context, id string) error {
	t, ok, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	if err := t.Transition(model.StatusArchived, "store.archive", "archived by retention policy"); err != nil {
		return err
	}
	return s.PutTask(ctx, t)
}

// ListSince returns every task whose CreatedAt is >= since, oldest first,
// up to limit (0 means unlimited), via the time-indexed cursor.
func (s *Store) ListSince(ctx context.Context, since time.Time, limit int) ([]*model.Task, error) {
	var out []*model.Task
	prefix := fmt.Sprintf("%d:", since.UnixNano())
	err := s.db.View(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		tasks := tx.Bucket(bucketTasks)
		cursor := index.Cursor()
		for k, v := cursor.Seek([]byte(prefix)); k != nil; k, v = cursor.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			data := tasks.Get(v)
			if data == nil {
				continue
			}
			var t model.Task
			if err := json.Unmarshal(data, &t); err != nil {
				continue
			}
			out = append(out, &t)
		}
		return nil
	})
	return out, err
}

// PutAgent persists an agent snapshot (called periodically, not on every mutation).
func (s *Store) PutAgent(ctx context.Context, a *model.Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAgents).Put([]byte(a.ID), data)
	})
}

// Stats reports basic store sizing for diagnostics endpoints.
func (s *Store) Stats() map[string]int {
	stats := map[string]int{}
	_ = s.db.View(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketVersions, bucketAgents} {
			if bucket := tx.Bucket(b); bucket != nil {
				stats[string(b)] = bucket.Stats().KeyN
			}
		}
		return nil
	})
	s.mu.RLock()
	stats["hot_cache"] = len(s.hot)
	s.mu.RUnlock()
	return stats
}
