package storage

import (
	"context"
	"errors"

	"github.com/italolelis/resumable_transfer/internal/telemetry"
)

// InstrumentedStore wraps a KeyValueStore with telemetry.
type InstrumentedStore struct {
	store     KeyValueStore
	telemetry *telemetry.Telemetry
	backend   string
}

var _ KeyValueStore = (*InstrumentedStore)(nil)

// NewInstrumentedStore creates a new instrumented store. backend labels the metrics.
func NewInstrumentedStore(store KeyValueStore, backend string, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{store: store, telemetry: tel, backend: backend}
}

// Get retrieves a value with telemetry. A miss is not counted as an error.
func (s *InstrumentedStore) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		value []byte
		err   error
	)

	instrumentedErr := s.telemetry.InstrumentStoreOperation(ctx, s.backend, "get", func(ctx context.Context) error {
		value, err = s.store.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return value, err
}

func (s *InstrumentedStore) Set(ctx context.Context, key string, value []byte) error {
	return s.telemetry.InstrumentStoreOperation(ctx, s.backend, "set", func(ctx context.Context) error {
		return s.store.Set(ctx, key, value)
	})
}

func (s *InstrumentedStore) Remove(ctx context.Context, key string) error {
	return s.telemetry.InstrumentStoreOperation(ctx, s.backend, "remove", func(ctx context.Context) error {
		return s.store.Remove(ctx, key)
	})
}

func (s *InstrumentedStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	err := s.telemetry.InstrumentStoreOperation(ctx, s.backend, "keys", func(ctx context.Context) error {
		var err error
		keys, err = s.store.Keys(ctx, prefix)

		return err
	})
	if err != nil {
		return nil, err
	}

	return keys, nil
}
