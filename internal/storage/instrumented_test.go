package storage_test

import (
	"context"
	"errors"
	"testing"

	"github.com/italolelis/resumable_transfer/internal/storage"
	"github.com/italolelis/resumable_transfer/internal/storage/memory"
	"github.com/italolelis/resumable_transfer/internal/storage/storagetest"
	"github.com/italolelis/resumable_transfer/internal/telemetry"
	"github.com/stretchr/testify/require"
)

func TestInstrumentedStore(t *testing.T) {
	tel, err := telemetry.New(context.Background(), telemetry.Config{})
	require.NoError(t, err)

	storagetest.Run(t, func(*testing.T) storage.KeyValueStore {
		return storage.NewInstrumentedStore(memory.New(), "memory", tel)
	})
}

type brokenStore struct{ storage.KeyValueStore }

func (brokenStore) Set(context.Context, string, []byte) error { return errors.New("disk full") }

func TestInstrumentedStore_PropagatesErrors(t *testing.T) {
	s := storage.NewInstrumentedStore(brokenStore{memory.New()}, "memory", nil)

	require.EqualError(t, s.Set(context.Background(), "k", nil), "disk full")
}
