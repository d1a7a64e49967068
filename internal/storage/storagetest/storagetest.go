// Package storagetest holds the behaviour every storage.KeyValueStore backend must share.
package storagetest

import (
	"context"
	"testing"

	"github.com/italolelis/resumable_transfer/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises store against the KeyValueStore contract. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.KeyValueStore) {
	t.Helper()

	ctx := context.Background()

	t.Run("get missing key", func(t *testing.T) {
		_, err := newStore(t).Get(ctx, "resume_nope")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("set then get", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Set(ctx, "resume_a", []byte(`{"offset":1}`)))

		got, err := s.Get(ctx, "resume_a")
		require.NoError(t, err)
		assert.Equal(t, `{"offset":1}`, string(got))
	})

	t.Run("set overwrites", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Set(ctx, "k", []byte("one")))
		require.NoError(t, s.Set(ctx, "k", []byte("two")))

		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "two", string(got))
	})

	t.Run("remove", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.Set(ctx, "k", []byte("v")))
		require.NoError(t, s.Remove(ctx, "k"))

		_, err := s.Get(ctx, "k")
		require.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, s.Remove(ctx, "k"), "removing a missing key")
	})

	t.Run("keys by prefix", func(t *testing.T) {
		s := newStore(t)

		for _, k := range []string{"resume_b", "resume_a", "resumeX", "other_resume_c", "resume_%"} {
			require.NoError(t, s.Set(ctx, k, []byte("v")))
		}

		keys, err := s.Keys(ctx, "resume_")
		require.NoError(t, err)
		assert.Equal(t, []string{"resume_%", "resume_a", "resume_b"}, keys)
	})

	t.Run("keys on empty store", func(t *testing.T) {
		keys, err := newStore(t).Keys(ctx, "resume_")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}
