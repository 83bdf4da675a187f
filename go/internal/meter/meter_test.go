package meter

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/meetingmeter/go/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type meterEnv struct {
	clock *clockwork.FakeClock
	store *store.MemoryStore
}

func newMeterEnv(t *testing.T) *meterEnv {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	st := store.NewMemoryStore(clock)
	t.Cleanup(func() { _ = st.Close() })
	return &meterEnv{clock: clock, store: st}
}

// open starts a meter on the session and waits until the default record
// exists.
func (e *meterEnv) open(t *testing.T, sessionID string) *Meter {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	m, err := New(ctx, Config{
		SessionID:    sessionID,
		Store:        e.store,
		Clock:        e.clock,
		TickInterval: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.WaitReady(ctx))
	require.Eventually(t, func() bool { return m.reconciler.Exists() }, waitFor, 5*time.Millisecond)
	return m
}

func (e *meterEnv) addParticipant(t *testing.T, m *Meter, name, role string) {
	t.Helper()
	before := len(m.Current().Participants)
	_, err := m.AddParticipant(context.Background(), name, role)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(m.Current().Participants) == before+1 }, waitFor, 5*time.Millisecond)
}

func (e *meterEnv) start(t *testing.T, m *Meter) {
	t.Helper()
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool {
		return m.Current().IsRunning && m.ticker.Running()
	}, waitFor, 5*time.Millisecond)
}

func TestNewRejectsBadSession(t *testing.T) {
	env := newMeterEnv(t)
	_, err := New(context.Background(), Config{SessionID: "no spaces", Store: env.store, Clock: env.clock})

	var nerr *NoSessionError
	assert.True(t, errors.As(err, &nerr))
}

func TestMeterCreatesDefaultRecord(t *testing.T) {
	env := newMeterEnv(t)
	m := env.open(t, "daily")

	r := m.Current()
	assert.Equal(t, "daily", r.SessionID)
	assert.Empty(t, r.Participants)
	assert.False(t, r.IsRunning)
	assert.Zero(t, r.TotalCost)
	assert.NoError(t, r.Err)
	assert.Equal(t, []string{"create"}, env.store.Writes())
}

func TestStartWithoutParticipantsWritesNothing(t *testing.T) {
	env := newMeterEnv(t)
	m := env.open(t, "daily")

	err := m.Start(context.Background())
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "participants", verr.Field)
	assert.Equal(t, []string{"create"}, env.store.Writes())
}

func TestRunningMeterAccrues(t *testing.T) {
	env := newMeterEnv(t)
	m := env.open(t, "daily")
	env.addParticipant(t, m, "Ada", "engineer")
	env.start(t, m)

	env.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool {
		r := m.Current()
		return r.ElapsedSeconds == 10 && r.TotalCost == 0.25
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, m.Stop(context.Background()))
	require.Eventually(t, func() bool { return !m.Current().IsRunning }, waitFor, 5*time.Millisecond)

	r := m.Current()
	assert.Equal(t, 10.0, r.AccumulatedSeconds)
	assert.Equal(t, 0.25, r.TotalCost)
	assert.Nil(t, r.StartAnchor)
	assert.False(t, m.ticker.Running())

	// Stopped time does not accrue.
	env.clock.Advance(time.Minute)
	assert.Equal(t, 10.0, m.Current().ElapsedSeconds)
}

func TestRunningMeterFullHour(t *testing.T) {
	env := newMeterEnv(t)
	m := env.open(t, "daily")
	env.addParticipant(t, m, "Ada", "engineer")
	env.start(t, m)

	env.clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return m.Current().TotalCost == 90 }, waitFor, 5*time.Millisecond)
}

func TestParticipantAddedMidRunPaysWholeSegment(t *testing.T) {
	env := newMeterEnv(t)
	m := env.open(t, "daily")
	env.addParticipant(t, m, "Ada", "engineer")
	env.start(t, m)

	env.clock.Advance(10 * time.Second)
	env.addParticipant(t, m, "Bob", "engineer")

	require.Eventually(t, func() bool { return m.Current().TotalCost == 0.5 }, waitFor, 5*time.Millisecond)
	for _, cost := range m.Current().PerParticipantCost {
		assert.Equal(t, 0.25, cost)
	}
}

func TestParticipantChangeRebuildsSchedule(t *testing.T) {
	env := newMeterEnv(t)
	m := env.open(t, "daily")
	env.addParticipant(t, m, "Ada", "engineer")
	env.start(t, m)

	env.clock.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return m.Current().ElapsedSeconds == 10 }, waitFor, 5*time.Millisecond)
	builds := m.ticker.Builds()

	ch, stop := m.Readings()
	defer stop()
	_, err := m.AddParticipant(context.Background(), "Bob", "engineer")
	require.NoError(t, err)

	deadline := time.After(waitFor)
	for {
		select {
		case r := <-ch:
			if len(r.Participants) < 2 {
				continue
			}
			// Priced on arrival, without waiting for the next tick.
			assert.Equal(t, 0.5, r.TotalCost)
			assert.Greater(t, m.ticker.Builds(), builds)
			assert.True(t, m.ticker.Running())
			return
		case <-deadline:
			t.Fatal("reading with the new participant never arrived")
		}
	}
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	env := newMeterEnv(t)
	m := env.open(t, "daily")
	env.addParticipant(t, m, "Ada", "engineer")
	env.start(t, m)

	err := m.Start(context.Background())
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.True(t, terr.Running)
}

func TestStopWhileStoppedIsRejected(t *testing.T) {
	env := newMeterEnv(t)
	m := env.open(t, "daily")

	err := m.Stop(context.Background())
	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.False(t, terr.Running)
}

func TestRemoveParticipant(t *testing.T) {
	env := newMeterEnv(t)
	m := env.open(t, "daily")
	env.addParticipant(t, m, "Ada", "engineer")
	id := m.Current().Participants[0].ID

	require.NoError(t, m.RemoveParticipant(context.Background(), id))
	require.Eventually(t, func() bool { return len(m.Current().Participants) == 0 }, waitFor, 5*time.Millisecond)

	writes := len(env.store.Writes())
	require.NoError(t, m.RemoveParticipant(context.Background(), id))
	assert.Len(t, env.store.Writes(), writes)
}

func TestAddParticipantValidation(t *testing.T) {
	env := newMeterEnv(t)
	m := env.open(t, "daily")

	_, err := m.AddParticipant(context.Background(), "Ada", "wizard")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "role", verr.Field)
	assert.Equal(t, []string{"create"}, env.store.Writes())
}

func TestReset(t *testing.T) {
	env := newMeterEnv(t)
	m := env.open(t, "daily")
	env.addParticipant(t, m, "Ada", "engineer")
	env.start(t, m)
	env.clock.Advance(30 * time.Second)

	require.NoError(t, m.Reset(context.Background()))
	require.Eventually(t, func() bool {
		r := m.Current()
		return !r.IsRunning && len(r.Participants) == 0 && r.ElapsedSeconds == 0
	}, waitFor, 5*time.Millisecond)
	assert.False(t, m.ticker.Running())
}

func TestWriteRejected(t *testing.T) {
	env := newMeterEnv(t)
	m := env.open(t, "daily")

	env.store.FailWrites(errors.New("permission denied"))
	_, err := m.AddParticipant(context.Background(), "Ada", "engineer")

	var werr *WriteRejectedError
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, "add participant", werr.Op)
	assert.Empty(t, m.Current().Participants)
}

func TestSubscriptionLoss(t *testing.T) {
	env := newMeterEnv(t)
	m := env.open(t, "daily")
	env.addParticipant(t, m, "Ada", "engineer")
	env.start(t, m)

	env.store.Disconnect("daily", errors.New("network unreachable"))
	require.Eventually(t, func() bool { return m.Current().Err != nil }, waitFor, 5*time.Millisecond)

	var cerr *ConnectivityError
	require.True(t, errors.As(m.Current().Err, &cerr))
	assert.ErrorIs(t, m.Current().Err, store.ErrUnavailable)
	assert.False(t, m.ticker.Running())

	// The closed stream does not replace the cause.
	require.Eventually(t, func() bool { return env.store.Subscribers("daily") == 0 }, waitFor, 5*time.Millisecond)
	assert.Never(t, func() bool {
		err := m.Current().Err
		return err == nil || !strings.Contains(err.Error(), "network unreachable")
	}, 100*time.Millisecond, 5*time.Millisecond)

	// The last good projection is kept and commands fail.
	assert.Len(t, m.Current().Participants, 1)
	err := m.Stop(context.Background())
	assert.True(t, errors.As(err, &cerr))
}

// Two clients adding at the same time both write against the same stale
// list, so one add is lost. Both clients still converge on the store.
func TestConcurrentAddsConverge(t *testing.T) {
	env := newMeterEnv(t)
	a := env.open(t, "shared")
	b := env.open(t, "shared")

	env.store.Hold()
	_, err := a.AddParticipant(context.Background(), "Ada", "engineer")
	require.NoError(t, err)
	_, err = b.AddParticipant(context.Background(), "Bob", "manager")
	require.NoError(t, err)
	env.store.Release()

	require.Eventually(t, func() bool {
		ra, rb := a.Current(), b.Current()
		return len(ra.Participants) == 1 && ra.Version == rb.Version
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, a.Current().Participants, b.Current().Participants)
	rec, ok := env.store.Record("shared")
	require.True(t, ok)
	assert.Equal(t, rec.Participants, a.Current().Participants)
}

func TestSharedStateAcrossMeters(t *testing.T) {
	env := newMeterEnv(t)
	a := env.open(t, "shared")
	b := env.open(t, "shared")

	env.addParticipant(t, a, "Ada", "engineer")
	require.Eventually(t, func() bool { return len(b.Current().Participants) == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, b.Start(context.Background()))
	require.Eventually(t, func() bool {
		return a.Current().IsRunning && a.ticker.Running() && b.ticker.Running()
	}, waitFor, 5*time.Millisecond)

	env.clock.Advance(20 * time.Second)
	require.Eventually(t, func() bool {
		return a.Current().ElapsedSeconds == 20 && b.Current().ElapsedSeconds == 20
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, a.Current().TotalCost, b.Current().TotalCost)
}

func TestReadingsStream(t *testing.T) {
	env := newMeterEnv(t)
	m := env.open(t, "daily")

	ch, stop := m.Readings()
	select {
	case r := <-ch:
		assert.Equal(t, "daily", r.SessionID)
	case <-time.After(waitFor):
		t.Fatal("no initial reading")
	}

	_, err := m.AddParticipant(context.Background(), "Ada", "engineer")
	require.NoError(t, err)

	deadline := time.After(waitFor)
	for {
		select {
		case r := <-ch:
			if len(r.Participants) == 1 {
				stop()
				stop()
				for range ch {
				}
				return
			}
		case <-deadline:
			t.Fatal("reading with participant never arrived")
		}
	}
}

func TestClose(t *testing.T) {
	env := newMeterEnv(t)
	m := env.open(t, "daily")
	ch, _ := m.Readings()

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	assert.ErrorIs(t, m.Start(context.Background()), ErrClosed)
	_, err := m.AddParticipant(context.Background(), "Ada", "engineer")
	assert.ErrorIs(t, err, ErrClosed)

	for range ch {
	}
	require.Eventually(t, func() bool { return env.store.Subscribers("daily") == 0 }, waitFor, 5*time.Millisecond)
}
