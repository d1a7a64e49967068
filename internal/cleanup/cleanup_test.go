package cleanup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) Sweep(context.Context) ([]string, error) {
	s.calls.Add(1)

	return []string{"task_a"}, s.err
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	s := &countingSweeper{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	go func() {
		defer close(done)

		Run(ctx, s, 10*time.Millisecond)
	}()

	assert.Eventually(t, func() bool { return s.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}

func TestRun_SweepsImmediately(t *testing.T) {
	s := &countingSweeper{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	Run(ctx, s, time.Hour)

	assert.Equal(t, int32(1), s.calls.Load())
}

func TestSweepExpired_ToleratesErrors(t *testing.T) {
	s := &countingSweeper{err: errors.New("store unavailable")}

	assert.NotPanics(t, func() { SweepExpired(context.Background(), s) })
	assert.Equal(t, int32(1), s.calls.Load())
}
