package presence

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

var testPolicy = Policy{
	Watchdog:     10 * time.Minute,
	ReturnGrace:  30 * time.Second,
	ArrivalGrace: 90 * time.Second,
}

type fakeEvidence struct {
	mu        sync.Mutex
	completed bool
	returning bool
}

func (f *fakeEvidence) HostPaymentCompletedRecently() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

func (f *fakeEvidence) ReturningFromPayment() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.returning
}

type presenceLog struct {
	mu       sync.Mutex
	away     []string
	left     int
	returned int
}

func (p *presenceLog) callbacks() Callbacks {
	return Callbacks{
		OnHostAway: func(reason string) {
			p.mu.Lock()
			p.away = append(p.away, reason)
			p.mu.Unlock()
		},
		OnHostLeft: func() {
			p.mu.Lock()
			p.left++
			p.mu.Unlock()
		},
		OnHostReturned: func() {
			p.mu.Lock()
			p.returned++
			p.mu.Unlock()
		},
	}
}

func (p *presenceLog) leftCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.left
}

func (p *presenceLog) awayCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.away)
}

func (p *presenceLog) returnedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.returned
}

type fixture struct {
	store    *store.Memory
	clock    *clockwork.FakeClock
	evidence *fakeEvidence
	log      *presenceLog
	monitor  *Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    store.NewMemory(),
		clock:    clockwork.NewFakeClock(),
		evidence: &fakeEvidence{},
		log:      &presenceLog{},
	}
	ctx := context.Background()
	require.NoError(t, Announce(ctx, f.store, "s1"))

	f.monitor = NewMonitor(f.store, "s1", f.clock, testPolicy, f.evidence,
		func() string { return "Alice" }, f.log.callbacks())
	require.NoError(t, f.monitor.Start(ctx))
	t.Cleanup(f.monitor.Stop)
	return f
}

func (f *fixture) hostGone(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.Set(context.Background(), store.HostPresencePath("s1"), false))
}

func (f *fixture) hostBack(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.Set(context.Background(), store.HostPresencePath("s1"), true))
}

func (f *fixture) hostStartsPaying(t *testing.T) {
	t.Helper()
	lock := models.PaymentLock{Status: true, User: "Alice", Timestamp: f.clock.Now()}
	require.NoError(t, f.store.Set(context.Background(), store.PaymentLockPath("s1"), lock))
}

func TestAbsenceWithoutEvidenceAlarms(t *testing.T) {
	f := newFixture(t)

	f.hostGone(t)

	assert.Equal(t, 1, f.log.leftCount())
	assert.Zero(t, f.log.awayCount())
}

func TestPayingHostSuppressesAlarmUntilWatchdog(t *testing.T) {
	f := newFixture(t)
	f.hostStartsPaying(t)

	f.hostGone(t)
	assert.Zero(t, f.log.leftCount())
	assert.Equal(t, 1, f.log.awayCount())

	// At the watchdog deadline the host is still absent and the lock
	// still names them, so the alarm finally fires.
	f.clock.Advance(testPolicy.Watchdog)
	require.Eventually(t, func() bool { return f.log.leftCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestWatchdogCancelledByReturn(t *testing.T) {
	f := newFixture(t)
	f.hostStartsPaying(t)

	f.hostGone(t)
	require.Equal(t, 1, f.log.awayCount())

	f.hostBack(t)
	assert.Equal(t, 1, f.log.returnedCount())

	f.clock.Advance(testPolicy.Watchdog)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.log.leftCount())
}

func TestWatchdogDoesNotRearmItself(t *testing.T) {
	f := newFixture(t)
	f.hostStartsPaying(t)
	f.hostGone(t)
	require.Zero(t, f.log.leftCount())

	// By the deadline the lock is gone but the host never came back.
	// The re-check must fall through to the remaining rules instead of
	// suppressing on the lock again.
	require.NoError(t, f.store.Remove(context.Background(), store.PaymentLockPath("s1")))
	f.clock.Advance(testPolicy.Watchdog)

	require.Eventually(t, func() bool { return f.log.leftCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestReturnGraceAfterPaymentMarker(t *testing.T) {
	f := newFixture(t)
	f.evidence.mu.Lock()
	f.evidence.completed = true
	f.evidence.mu.Unlock()

	f.hostGone(t)
	assert.Zero(t, f.log.leftCount())
	assert.Equal(t, 1, f.log.awayCount())

	f.clock.Advance(testPolicy.ReturnGrace)
	require.Eventually(t, func() bool { return f.log.leftCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestReturnGraceRecoversOnFreshPresence(t *testing.T) {
	f := newFixture(t)
	f.evidence.mu.Lock()
	f.evidence.completed = true
	f.evidence.mu.Unlock()

	f.hostGone(t)
	require.Equal(t, 1, f.log.awayCount())

	// The host's flag flips back before the grace deadline; the
	// re-check reads it fresh and stands down.
	f.hostBack(t)

	f.clock.Advance(testPolicy.ReturnGrace)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, f.log.leftCount())
	assert.Equal(t, 1, f.log.returnedCount())
}

func TestArrivalGraceForReturningDevice(t *testing.T) {
	f := newFixture(t)
	f.evidence.mu.Lock()
	f.evidence.returning = true
	f.evidence.mu.Unlock()

	f.hostGone(t)
	assert.Zero(t, f.log.leftCount())

	f.clock.Advance(testPolicy.ArrivalGrace)
	require.Eventually(t, func() bool { return f.log.leftCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestAlarmFiresOnce(t *testing.T) {
	f := newFixture(t)

	f.hostGone(t)
	f.hostGone(t)

	assert.Equal(t, 1, f.log.leftCount())
}
