package job

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (c *countingSweeper) SweepStale(context.Context) (int, error) {
	c.calls.Add(1)
	return 1, c.err
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	_, err := NewScheduler("every minute", &countingSweeper{}, zap.NewNop())
	assert.Error(t, err)
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	sweeper := &countingSweeper{}
	s, err := NewScheduler("@every 1s", sweeper, zap.NewNop())
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return sweeper.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestScheduler_RunSweepSurvivesErrors(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("db down")}
	s, err := NewScheduler("@every 1m", sweeper, zap.NewNop())
	require.NoError(t, err)

	s.RunSweep()
	s.RunSweep()
	assert.Equal(t, int32(2), sweeper.calls.Load())
}
