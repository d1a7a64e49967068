package hashstream

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + 7)
	}

	return b
}

func TestDigest_MatchesOneShotMD5(t *testing.T) {
	data := payload(5*1024 + 17)
	sum := md5.Sum(data)

	got, err := Digest(context.Background(), bytes.NewReader(data), WithWindow(1024))
	require.NoError(t, err)

	assert.Equal(t, hex.EncodeToString(sum[:]), got)
	assert.Len(t, got, 32)
}

func TestDigest_IndependentOfWindow(t *testing.T) {
	data := payload(100_003)

	var digests []string
	for _, window := range []int{1, 7, 4096, DefaultWindow} {
		d, err := Digest(context.Background(), bytes.NewReader(data), WithWindow(window))
		require.NoError(t, err)

		digests = append(digests, d)
	}

	for _, d := range digests[1:] {
		assert.Equal(t, digests[0], d)
	}
}

func TestDigest_EmptySource(t *testing.T) {
	got, err := Digest(context.Background(), bytes.NewReader(nil))
	require.NoError(t, err)

	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", got)
}

func TestDigest_PropagatesReadError(t *testing.T) {
	readErr := errors.New("disk gone")

	_, err := Digest(context.Background(), iotest.ErrReader(readErr))

	assert.Same(t, readErr, err)
}

func TestDigest_ReadErrorAfterData(t *testing.T) {
	readErr := errors.New("truncated")
	r := io.MultiReader(bytes.NewReader(payload(10)), iotest.ErrReader(readErr))

	_, err := Digest(context.Background(), r, WithWindow(4))

	assert.ErrorIs(t, err, readErr)
}

func TestDigest_TruncatedSourceIsNotEndOfInput(t *testing.T) {
	for _, window := range []int{4, DefaultWindow} {
		r := io.MultiReader(bytes.NewReader([]byte("partial")), iotest.ErrReader(io.ErrUnexpectedEOF))

		got, err := Digest(context.Background(), r, WithWindow(window))

		require.ErrorIs(t, err, io.ErrUnexpectedEOF, "window %d", window)
		assert.Empty(t, got)
	}
}

func TestDigest_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Digest(ctx, bytes.NewReader(payload(10)))

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDigest_ReportsProgress(t *testing.T) {
	data := payload(10_000)

	var last int64
	_, err := Digest(context.Background(), bytes.NewReader(data), WithWindow(4096), WithProgress(int64(len(data)), func(read, total int64) {
		assert.Equal(t, int64(len(data)), total)
		last = read
	}))
	require.NoError(t, err)

	assert.Equal(t, int64(len(data)), last)
}
