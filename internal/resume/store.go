package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/resumable_transfer/internal/logctx"
	"github.com/italolelis/resumable_transfer/internal/storage"
	"github.com/italolelis/resumable_transfer/internal/transfer"
)

const (
	// KeyPrefix namespaces resume records inside a shared key-value store.
	KeyPrefix = "resume_"

	// DefaultHorizon is how long a record may sit untouched before Sweep removes it.
	DefaultHorizon = 7 * 24 * time.Hour
)

// Key returns the store key for taskID.
func Key(taskID string) string {
	return KeyPrefix + taskID
}

// Entry pairs a task id with its record.
type Entry struct {
	TaskID string
	Record *Record
}

// Store reads and writes resume records on a KeyValueStore.
type Store struct {
	kv      storage.KeyValueStore
	now     func() time.Time
	horizon time.Duration
}

type Option func(*Store)

// WithClock replaces time.Now, for stamping and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithHorizon changes the expiry horizon.
func WithHorizon(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.horizon = d
		}
	}
}

func NewStore(kv storage.KeyValueStore, opts ...Option) *Store {
	s := &Store{kv: kv, now: time.Now, horizon: DefaultHorizon}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Save upserts rec under taskID, stamping it with the current time.
func (s *Store) Save(ctx context.Context, taskID string, rec *Record) error {
	stamped := rec.Clone()
	stamped.Timestamp = s.now().UnixMilli()

	data, err := json.Marshal(stamped)
	if err != nil {
		return &transfer.SerializationError{Key: Key(taskID), Err: err}
	}

	if err := s.kv.Set(ctx, Key(taskID), data); err != nil {
		return fmt.Errorf("failed to save resume record: %w", err)
	}

	return nil
}

// Load returns the record for taskID. A missing or corrupt record reports found=false; corrupt
// records are logged and otherwise ignored.
func (s *Store) Load(ctx context.Context, taskID string) (*Record, bool, error) {
	data, err := s.kv.Get(ctx, Key(taskID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to load resume record: %w", err)
	}

	rec, err := decode(Key(taskID), data)
	if err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "ignoring corrupt resume record", "task_id", taskID, "err", err)

		return nil, false, nil
	}

	return rec, true, nil
}

func (s *Store) Delete(ctx context.Context, taskID string) error {
	if err := s.kv.Remove(ctx, Key(taskID)); err != nil {
		return fmt.Errorf("failed to delete resume record: %w", err)
	}

	return nil
}

// List returns every readable record, ordered by task id.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	logger := logctx.LoggerFromContext(ctx)

	keys, err := s.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list resume records: %w", err)
	}

	entries := make([]Entry, 0, len(keys))

	for _, key := range keys {
		data, err := s.kv.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}

		if err != nil {
			return nil, fmt.Errorf("failed to read resume record %s: %w", key, err)
		}

		rec, err := decode(key, data)
		if err != nil {
			logger.WarnContext(ctx, "skipping corrupt resume record", "key", key, "err", err)

			continue
		}

		entries = append(entries, Entry{TaskID: strings.TrimPrefix(key, KeyPrefix), Record: rec})
	}

	return entries, nil
}

// Sweep removes records older than the horizon, and corrupt ones, returning the task ids removed.
// A record exactly at the horizon is kept.
func (s *Store) Sweep(ctx context.Context) ([]string, error) {
	logger := logctx.LoggerFromContext(ctx)

	keys, err := s.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list resume records: %w", err)
	}

	now := s.now().UnixMilli()

	var swept []string

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return swept, err
		}

		data, err := s.kv.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}

		if err != nil {
			return swept, fmt.Errorf("failed to read resume record %s: %w", key, err)
		}

		rec, err := decode(key, data)
		if err == nil && now-rec.Timestamp <= s.horizon.Milliseconds() {
			continue
		}

		if err := s.kv.Remove(ctx, key); err != nil {
			return swept, fmt.Errorf("failed to remove resume record %s: %w", key, err)
		}

		taskID := strings.TrimPrefix(key, KeyPrefix)
		swept = append(swept, taskID)

		logger.DebugContext(ctx, "swept resume record", "task_id", taskID, "corrupt", err != nil)
	}

	return swept, nil
}

func decode(key string, data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &transfer.SerializationError{Key: key, Err: err}
	}

	if err := rec.Validate(); err != nil {
		return nil, &transfer.SerializationError{Key: key, Err: err}
	}

	return &rec, nil
}
