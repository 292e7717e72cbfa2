package timer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdictlab/courtroom/internal/models"
	"github.com/verdictlab/courtroom/internal/store"
)

type recorder struct {
	mu        sync.Mutex
	ticks     []int
	completed []models.TimerRecord
	resets    int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnTick: func(remaining int) {
			r.mu.Lock()
			r.ticks = append(r.ticks, remaining)
			r.mu.Unlock()
		},
		OnCompleted: func(rec models.TimerRecord) {
			r.mu.Lock()
			r.completed = append(r.completed, rec)
			r.mu.Unlock()
		},
		OnReset: func() {
			r.mu.Lock()
			r.resets++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) completedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

func (r *recorder) resetCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resets
}

func newTestEngine(t *testing.T, rec *recorder) (*Engine, *store.Memory, *clockwork.FakeClock) {
	t.Helper()
	m := store.NewMemory()
	clock := clockwork.NewFakeClock()
	var cb Callbacks
	if rec != nil {
		cb = rec.callbacks()
	}
	e := NewEngine(m, "s1", clock, cb)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return e, m, clock
}

func TestStartTrialWritesRunningRecord(t *testing.T) {
	e, m, clock := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.StartTrial(ctx, 5*time.Minute))

	var rec models.TimerRecord
	found, err := m.Get(ctx, store.TimerPath("s1"), &rec)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Running())
	assert.Equal(t, 300, rec.DurationSeconds)
	assert.True(t, rec.StartedAt.Equal(clock.Now()))
	assert.Equal(t, 300, e.Remaining())
}

func TestPauseFreezesAndResumeFoldsPause(t *testing.T) {
	e, m, clock := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.StartTrial(ctx, 5*time.Minute))
	require.NoError(t, e.Pause(ctx))

	clock.Advance(30 * time.Second)
	assert.Equal(t, 300, e.Remaining(), "remaining must not drop while paused")

	require.NoError(t, e.Resume(ctx))

	var rec models.TimerRecord
	_, err := m.Get(ctx, store.TimerPath("s1"), &rec)
	require.NoError(t, err)
	assert.True(t, rec.Running())
	assert.Equal(t, 30, rec.TotalPausedSeconds)
	assert.Nil(t, rec.PausedAt)

	clock.Advance(120 * time.Second)
	assert.Equal(t, 180, e.Remaining())
}

func TestResumeWithoutPauseIsNoOp(t *testing.T) {
	e, m, clock := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.StartTrial(ctx, time.Minute))
	clock.Advance(10 * time.Second)

	var before, after models.TimerRecord
	_, err := m.Get(ctx, store.TimerPath("s1"), &before)
	require.NoError(t, err)

	require.NoError(t, e.Resume(ctx))

	_, err = m.Get(ctx, store.TimerPath("s1"), &after)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestExpiryWritesCompletionOnce(t *testing.T) {
	rec := &recorder{}
	e, m, clock := newTestEngine(t, rec)
	ctx := context.Background()

	require.NoError(t, e.StartTrial(ctx, 2*time.Second))
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool {
		var stored models.TimerRecord
		found, err := m.Get(ctx, store.TimerPath("s1"), &stored)
		return err == nil && found && stored.Completed
	}, time.Second, 5*time.Millisecond)

	var stored models.TimerRecord
	_, err := m.Get(ctx, store.TimerPath("s1"), &stored)
	require.NoError(t, err)
	assert.Equal(t, models.EndReasonTimeExpired, stored.EndReason)
	assert.False(t, stored.Active)

	require.Eventually(t, func() bool { return rec.completedCount() == 1 },
		time.Second, 5*time.Millisecond)

	// A racing client writing the same completion again must not
	// re-notify.
	require.NoError(t, m.Set(ctx, store.TimerPath("s1"), stored))
	assert.Equal(t, 1, rec.completedCount())
}

func TestCompleteIsIdempotent(t *testing.T) {
	rec := &recorder{}
	e, m, _ := newTestEngine(t, rec)
	ctx := context.Background()

	require.NoError(t, e.StartTrial(ctx, time.Minute))
	require.NoError(t, e.Complete(ctx, models.EndReasonUserEnded))
	require.NoError(t, e.Complete(ctx, models.EndReasonOther))

	var stored models.TimerRecord
	_, err := m.Get(ctx, store.TimerPath("s1"), &stored)
	require.NoError(t, err)
	assert.Equal(t, models.EndReasonUserEnded, stored.EndReason,
		"second completion must not overwrite the first reason")
	assert.Equal(t, 1, rec.completedCount())
}

func TestCompleteWithoutStartIsRejected(t *testing.T) {
	e, m, _ := newTestEngine(t, nil)
	ctx := context.Background()

	require.ErrorIs(t, e.Complete(ctx, models.EndReasonUserEnded), ErrNotStarted)

	found, err := m.Get(ctx, store.TimerPath("s1"), nil)
	require.NoError(t, err)
	assert.False(t, found, "no finished record may appear for a round that never ran")
}

func TestCompleteAfterResetIsRejected(t *testing.T) {
	rec := &recorder{}
	e, _, _ := newTestEngine(t, rec)
	ctx := context.Background()

	require.NoError(t, e.StartTrial(ctx, time.Minute))
	require.NoError(t, e.Reset(ctx))
	require.ErrorIs(t, e.Complete(ctx, models.EndReasonOther), ErrNotStarted)
	assert.Equal(t, 0, rec.completedCount())
}

func TestResetReturnsToIdle(t *testing.T) {
	rec := &recorder{}
	e, _, _ := newTestEngine(t, rec)
	ctx := context.Background()

	require.NoError(t, e.StartTrial(ctx, time.Minute))
	require.NoError(t, e.Reset(ctx))

	assert.Equal(t, 1, rec.resetCount())
	assert.Equal(t, 0, e.Remaining())

	// A follow-up start works from the reset state.
	require.NoError(t, e.StartTrial(ctx, time.Minute))
	current, have := e.Current()
	require.True(t, have)
	assert.True(t, current.Running())
}

func TestLateJoinerReconstructsCountdown(t *testing.T) {
	e, m, clock := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.StartTrial(ctx, 5*time.Minute))
	clock.Advance(60 * time.Second)

	// A second engine on the same clock joins mid-trial and derives
	// the identical remaining time from the shared record alone.
	late := NewEngine(m, "s1", clock, Callbacks{})
	require.NoError(t, late.Start(ctx))
	defer late.Stop()

	assert.Equal(t, 240, late.Remaining())
	assert.Equal(t, e.Remaining(), late.Remaining())
}
