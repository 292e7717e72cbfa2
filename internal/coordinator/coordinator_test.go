package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdictlab/courtroom/internal/config"
	"github.com/verdictlab/courtroom/internal/models"
	"github.com/verdictlab/courtroom/internal/store"
	"github.com/verdictlab/courtroom/internal/verdict"
)

type fakeArchive struct {
	mu     sync.Mutex
	rounds []models.RoundRecord
}

func (f *fakeArchive) SaveRound(_ context.Context, round models.RoundRecord) error {
	f.mu.Lock()
	f.rounds = append(f.rounds, round)
	f.mu.Unlock()
	return nil
}

func (f *fakeArchive) saved() []models.RoundRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.RoundRecord(nil), f.rounds...)
}

type fixture struct {
	store *store.Memory
	clock *clockwork.FakeClock
	cfg   config.Coordinator
}

func newFixture() *fixture {
	return &fixture{
		store: store.NewMemory(),
		clock: clockwork.NewFakeClock(),
		cfg:   config.DefaultCoordinator(),
	}
}

func okGenerator(summary string) verdict.Generator {
	return verdict.GeneratorFunc(func(context.Context, []models.TranscriptEntry) (*models.VerdictPayload, error) {
		return &models.VerdictPayload{Summary: summary}, nil
	})
}

func (f *fixture) join(t *testing.T, id, name string, extra ...func(*Options)) *Coordinator {
	t.Helper()
	opts := Options{
		Store:         f.store,
		SessionID:     "s1",
		ParticipantID: id,
		DisplayName:   name,
		Clock:         f.clock,
		Config:        f.cfg,
		Generator:     okGenerator("the court has spoken"),
	}
	for _, fn := range extra {
		fn(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Join(context.Background()))
	t.Cleanup(c.Close)
	return c
}

func TestJoinValidation(t *testing.T) {
	f := newFixture()

	_, err := New(Options{Store: f.store, SessionID: "s1", ParticipantID: "p1", DisplayName: ""})
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = New(Options{Store: f.store, SessionID: "s1", ParticipantID: "p1", DisplayName: "far too long a name"})
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = New(Options{SessionID: "s1", ParticipantID: "p1", DisplayName: "Alice"})
	assert.Error(t, err)
}

func TestFirstJoinerBecomesHost(t *testing.T) {
	f := newFixture()
	host := f.join(t, "p1", "Alice")
	member := f.join(t, "p2", "Bob")

	assert.True(t, host.IsHost())
	assert.False(t, member.IsHost())

	ps := member.Participants()
	require.Len(t, ps, 2)
	assert.Equal(t, "Alice", ps[0].DisplayName, "ordered by join time")
	assert.Equal(t, "Bob", ps[1].DisplayName)

	// Join announcements land in the shared transcript as system
	// entries visible to everyone.
	var joins int
	for _, entry := range host.Transcript() {
		if entry.System {
			joins++
		}
	}
	assert.Equal(t, 2, joins)
}

func TestHostOnlyActionsRejected(t *testing.T) {
	f := newFixture()
	f.join(t, "p1", "Alice")
	member := f.join(t, "p2", "Bob")
	ctx := context.Background()

	assert.ErrorIs(t, member.StartTrial(ctx, time.Minute), ErrNotHost)
	assert.ErrorIs(t, member.EndTrial(ctx, models.EndReasonOther), ErrNotHost)
	assert.ErrorIs(t, member.ResetTrial(ctx), ErrNotHost)
	assert.ErrorIs(t, member.StartNewRound(ctx), ErrNotHost)
}

func TestSendMessageSharedTranscript(t *testing.T) {
	f := newFixture()
	host := f.join(t, "p1", "Alice")
	member := f.join(t, "p2", "Bob")
	ctx := context.Background()

	require.NoError(t, host.SendMessage(ctx, "state your case"))
	require.NoError(t, member.SendMessage(ctx, "it was not me"))

	var texts []string
	for _, entry := range member.Transcript() {
		if !entry.System {
			texts = append(texts, entry.Text)
		}
	}
	assert.Equal(t, []string{"state your case", "it was not me"}, texts)
}

func TestReadyGateOpensExactlyOnce(t *testing.T) {
	f := newFixture()
	host := f.join(t, "p1", "Alice")
	member := f.join(t, "p2", "Bob")
	ctx := context.Background()

	var gateWrites int
	var mu sync.Mutex
	_, err := f.store.Subscribe(ctx, store.ReadyGatePath("s1", models.PhasePreTrial), func(ev store.Event) {
		if ev.Kind == store.KindSet {
			mu.Lock()
			gateWrites++
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	require.NoError(t, member.MarkReady(ctx, models.PhasePreTrial))
	assert.False(t, host.AllReady(models.PhasePreTrial))

	require.NoError(t, host.MarkReady(ctx, models.PhasePreTrial))
	assert.True(t, host.AllReady(models.PhasePreTrial))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, gateWrites)
}

func TestTrialLifecycle(t *testing.T) {
	f := newFixture()
	host := f.join(t, "p1", "Alice")
	member := f.join(t, "p2", "Bob")
	ctx := context.Background()

	require.NoError(t, host.StartTrial(ctx, 5*time.Minute))
	assert.Equal(t, 300, member.Remaining())

	// Any participant may pause and resume.
	require.NoError(t, member.PauseTrial(ctx))
	f.clock.Advance(30 * time.Second)
	assert.Equal(t, 300, host.Remaining())

	require.NoError(t, member.ResumeTrial(ctx))
	rec, have := host.TimerRecord()
	require.True(t, have)
	assert.True(t, rec.Running())
	assert.Equal(t, 30, rec.TotalPausedSeconds)
}

func TestInstantVerdictTimeoutResumesTimer(t *testing.T) {
	f := newFixture()
	host := f.join(t, "p1", "Alice")
	member := f.join(t, "p2", "Bob")
	ctx := context.Background()

	require.NoError(t, host.StartTrial(ctx, 5*time.Minute))
	require.NoError(t, member.OpenVote(ctx, models.PurposeInstantVerdict))

	rec, _ := member.TimerRecord()
	require.True(t, rec.Paused, "opening an instant-verdict vote pauses a running timer")

	// Nobody else agrees; the vote dies at the deadline and the
	// opener's client resumes the countdown.
	f.clock.Advance(f.cfg.VoteTimeout)

	require.Eventually(t, func() bool {
		rec, have := host.TimerRecord()
		return have && rec.Running()
	}, time.Second, 5*time.Millisecond)

	rec, _ = host.TimerRecord()
	assert.Equal(t, int(f.cfg.VoteTimeout.Seconds()), rec.TotalPausedSeconds)

	found, err := f.store.Get(ctx, store.ConsensusRequestPath("s1", models.PurposeInstantVerdict), nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestInstantVerdictConsensusPublishesVerdict(t *testing.T) {
	f := newFixture()
	archive := &fakeArchive{}
	host := f.join(t, "p1", "Alice", func(o *Options) { o.Archive = archive })
	member := f.join(t, "p2", "Bob")
	ctx := context.Background()

	require.NoError(t, host.StartTrial(ctx, 5*time.Minute))
	require.NoError(t, host.SendMessage(ctx, "opening statement"))

	require.NoError(t, member.OpenVote(ctx, models.PurposeInstantVerdict))
	require.NoError(t, member.AgreeVote(ctx, models.PurposeInstantVerdict))
	require.NoError(t, host.AgreeVote(ctx, models.PurposeInstantVerdict))

	// The host observes the conclusion, completes the round and
	// publishes the verdict for everyone.
	require.Eventually(t, func() bool {
		v, ok := member.ViewVerdictAgain()
		return ok && v.Data.Summary == "the court has spoken"
	}, time.Second, 5*time.Millisecond)

	rec, have := member.TimerRecord()
	require.True(t, have)
	assert.True(t, rec.Completed)
	assert.Equal(t, models.EndReasonUserEnded, rec.EndReason)

	require.Eventually(t, func() bool { return len(archive.saved()) == 1 },
		time.Second, 5*time.Millisecond)
	saved := archive.saved()[0]
	assert.Equal(t, "s1", saved.SessionID)
	assert.Equal(t, models.EndReasonUserEnded, saved.EndReason)
	assert.NotEmpty(t, saved.Transcript)

	// The concluded round opens the post-verdict gate for a plain
	// next round.
	var gate models.ReadyGate
	found, err := f.store.Get(ctx, store.ReadyGatePath("s1", models.PhasePostVerdict), &gate)
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, gate.Retrial)
}

func TestRetrialVoteConsumesPaidPrivilege(t *testing.T) {
	f := newFixture()
	host := f.join(t, "p1", "Alice")
	member := f.join(t, "p2", "Bob")
	ctx := context.Background()

	require.NoError(t, member.TryAcquirePaymentLock(ctx))
	require.NoError(t, member.PaymentCompleted(ctx, "pay-123"))
	require.True(t, host.IsPaid("Bob"))

	require.NoError(t, member.OpenVote(ctx, models.PurposeRetrial))

	// The privilege never substitutes for the vote; Bob must still
	// agree explicitly, and doing so consumes it.
	require.NoError(t, member.AgreeVote(ctx, models.PurposeRetrial))
	assert.False(t, host.IsPaid("Bob"))

	require.NoError(t, host.AgreeVote(ctx, models.PurposeRetrial))

	require.Eventually(t, func() bool {
		var gate models.ReadyGate
		found, err := f.store.Get(ctx, store.ReadyGatePath("s1", models.PhasePostVerdict), &gate)
		return err == nil && found && gate.Retrial
	}, time.Second, 5*time.Millisecond)
}

func TestPaymentLockFlow(t *testing.T) {
	f := newFixture()
	host := f.join(t, "p1", "Alice")
	member := f.join(t, "p2", "Bob")
	ctx := context.Background()

	require.NoError(t, member.TryAcquirePaymentLock(ctx))
	err := host.TryAcquirePaymentLock(ctx)
	require.Error(t, err)
	assert.Equal(t, "Bob", host.CachedPayer())

	// Completion marks Bob privileged, releases the slot for everyone
	// and drops the sticky indicator.
	require.NoError(t, member.PaymentCompleted(ctx, "pay-1"))
	_, held := host.PaymentLock()
	assert.False(t, held)
	assert.Empty(t, host.CachedPayer())
	assert.True(t, host.IsPaid("Bob"))

	require.NoError(t, host.TryAcquirePaymentLock(ctx))
	require.NoError(t, host.PaymentCancelled(ctx))
	_, held = member.PaymentLock()
	assert.False(t, held)
}

func TestStartNewRoundClearsRoundState(t *testing.T) {
	f := newFixture()
	host := f.join(t, "p1", "Alice")
	member := f.join(t, "p2", "Bob")
	ctx := context.Background()

	require.NoError(t, host.StartTrial(ctx, time.Minute))
	require.NoError(t, host.MarkReady(ctx, models.PhasePreTrial))
	require.NoError(t, member.MarkReady(ctx, models.PhasePreTrial))
	require.NoError(t, member.TryAcquirePaymentLock(ctx))
	require.NoError(t, member.PaymentCompleted(ctx, "pay-9"))

	require.NoError(t, host.StartNewRound(ctx))

	_, have := host.TimerRecord()
	assert.False(t, have, "timer record cleared")
	assert.False(t, host.AllReady(models.PhasePreTrial))
	assert.False(t, host.IsPaid("Bob"))
	assert.Empty(t, host.CachedPayer())

	for _, phase := range []models.ReadinessPhase{models.PhasePreTrial, models.PhasePostVerdict} {
		found, err := f.store.Get(ctx, store.ReadyGatePath("s1", phase), nil)
		require.NoError(t, err)
		assert.False(t, found)
	}
}

func TestCancelVotePermissions(t *testing.T) {
	f := newFixture()
	host := f.join(t, "p1", "Alice")
	requester := f.join(t, "p2", "Bob")
	bystander := f.join(t, "p3", "Carol")
	ctx := context.Background()

	require.NoError(t, requester.OpenVote(ctx, models.PurposeRetrial))
	assert.ErrorIs(t, bystander.CancelVote(ctx, models.PurposeRetrial), ErrNotHost)
	require.NoError(t, requester.CancelVote(ctx, models.PurposeRetrial))

	require.NoError(t, bystander.OpenVote(ctx, models.PurposeRetrial))
	require.NoError(t, host.CancelVote(ctx, models.PurposeRetrial))

	found, err := f.store.Get(ctx, store.ConsensusRequestPath("s1", models.PurposeRetrial), nil)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLeaveRemovesParticipant(t *testing.T) {
	f := newFixture()
	host := f.join(t, "p1", "Alice")
	member := f.join(t, "p2", "Bob")
	ctx := context.Background()

	require.NoError(t, member.Leave(ctx))

	ps := host.Participants()
	require.Len(t, ps, 1)
	assert.Equal(t, "Alice", ps[0].DisplayName)

	assert.ErrorIs(t, member.SendMessage(ctx, "too late"), ErrNotJoined)
}

func TestOperationsBeforeJoin(t *testing.T) {
	f := newFixture()
	c, err := New(Options{
		Store:         f.store,
		SessionID:     "s1",
		ParticipantID: "p1",
		DisplayName:   "Alice",
		Clock:         f.clock,
		Config:        f.cfg,
	})
	require.NoError(t, err)

	assert.ErrorIs(t, c.SendMessage(context.Background(), "hello"), ErrNotJoined)
	assert.ErrorIs(t, c.MarkReady(context.Background(), models.PhasePreTrial), ErrNotJoined)
}

func TestUnknownVotePurpose(t *testing.T) {
	f := newFixture()
	host := f.join(t, "p1", "Alice")

	err := host.OpenVote(context.Background(), models.VotePurpose("recount"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotHost))
}
