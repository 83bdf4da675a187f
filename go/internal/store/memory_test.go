package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/meetingmeter/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func participantsPatch(ps ...models.Participant) models.Patch {
	list := append([]models.Participant{}, ps...)
	return models.Patch{Participants: &list}
}

func TestMemorySubscribeStartsAbsent(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()

	ch, err := s.Subscribe(context.Background(), "standup")
	require.NoError(t, err)

	snap := receive(t, ch)
	assert.False(t, snap.Exists())
	assert.Equal(t, uint64(0), snap.Version)
	assert.Equal(t, "standup", snap.SessionID)
}

func TestMemoryMergeCreatesDefault(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	defer s.Close()

	ch, err := s.Subscribe(ctx, "standup")
	require.NoError(t, err)
	receive(t, ch)

	ada := models.Participant{ID: "p1", Name: "Ada", Role: "engineer", Rate: 90}
	require.NoError(t, s.WriteMerge(ctx, "standup", participantsPatch(ada)))

	snap := receive(t, ch)
	require.True(t, snap.Exists())
	assert.Equal(t, uint64(1), snap.Version)
	assert.Equal(t, []models.Participant{ada}, snap.Record.Participants)
	assert.False(t, snap.Record.Timer.IsRunning)

	anchor := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.WriteMerge(ctx, "standup", models.Patch{
		Timer: &models.TimerPatch{IsRunning: true, StartAnchor: models.TimeRef(anchor)},
	}))
	snap = receive(t, ch)
	assert.Equal(t, uint64(2), snap.Version)
	assert.Equal(t, []models.Participant{ada}, snap.Record.Participants)
	assert.True(t, snap.Record.Timer.IsRunning)
	assert.True(t, anchor.Equal(*snap.Record.Timer.StartAnchor))
}

func TestMemoryCreateIsNoOpWhenPresent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	defer s.Close()

	require.NoError(t, s.Create(ctx, "standup", models.DefaultSessionRecord()))
	ada := models.Participant{ID: "p1", Name: "Ada", Role: "engineer", Rate: 90}
	require.NoError(t, s.WriteMerge(ctx, "standup", participantsPatch(ada)))
	require.NoError(t, s.Create(ctx, "standup", models.DefaultSessionRecord()))

	assert.Equal(t, []string{"create", "merge"}, s.Writes())
	rec, ok := s.Record("standup")
	require.True(t, ok)
	assert.Len(t, rec.Participants, 1)
}

func TestMemoryReplace(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	defer s.Close()

	ada := models.Participant{ID: "p1", Name: "Ada", Role: "engineer", Rate: 90}
	require.NoError(t, s.WriteMerge(ctx, "standup", participantsPatch(ada)))
	require.NoError(t, s.WriteReplace(ctx, "standup", models.DefaultSessionRecord()))

	rec, ok := s.Record("standup")
	require.True(t, ok)
	assert.Empty(t, rec.Participants)
	assert.True(t, rec.Timer.Valid())
}

func TestMemoryHoldAndRelease(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	defer s.Close()

	ch, err := s.Subscribe(ctx, "standup")
	require.NoError(t, err)
	receive(t, ch)

	s.Hold()
	require.NoError(t, s.WriteMerge(ctx, "standup", participantsPatch(models.Participant{ID: "a"})))
	require.NoError(t, s.WriteMerge(ctx, "standup", participantsPatch(models.Participant{ID: "b"})))

	select {
	case snap := <-ch:
		t.Fatalf("unexpected delivery while held: version %d", snap.Version)
	case <-time.After(50 * time.Millisecond):
	}

	s.Release()
	snap := receive(t, ch)
	assert.Equal(t, uint64(2), snap.Version)
	assert.Equal(t, "b", snap.Record.Participants[0].ID)
}

func TestMemoryFailWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)
	defer s.Close()

	denied := errors.New("permission denied")
	s.FailWrites(denied)
	err := s.WriteMerge(ctx, "standup", participantsPatch())
	assert.ErrorIs(t, err, denied)
	assert.Empty(t, s.Writes())

	s.FailWrites(nil)
	assert.NoError(t, s.WriteMerge(ctx, "standup", participantsPatch()))
}

func TestMemoryDisconnect(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()

	ch, err := s.Subscribe(context.Background(), "standup")
	require.NoError(t, err)
	receive(t, ch)

	s.Disconnect("standup", errors.New("network down"))
	snap := receive(t, ch)
	assert.ErrorIs(t, snap.Err, ErrUnavailable)
	requireClosed(t, ch)

	require.Eventually(t, func() bool { return s.Subscribers("standup") == 0 }, time.Second, 10*time.Millisecond)
}

func TestMemoryCancelSubscription(t *testing.T) {
	s := NewMemoryStore(nil)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Subscribe(ctx, "standup")
	require.NoError(t, err)
	receive(t, ch)
	assert.Equal(t, 1, s.Subscribers("standup"))

	cancel()
	requireClosed(t, ch)
	require.Eventually(t, func() bool { return s.Subscribers("standup") == 0 }, time.Second, 10*time.Millisecond)
}

func TestMemoryNowUsesClock(t *testing.T) {
	at := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(at)
	s := NewMemoryStore(clock)
	defer s.Close()

	now, err := s.Now(context.Background())
	require.NoError(t, err)
	assert.True(t, at.Equal(now))

	clock.Advance(time.Minute)
	now, err = s.Now(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Minute, now.Sub(at))
}

func TestMemoryClose(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil)

	ch, err := s.Subscribe(ctx, "standup")
	require.NoError(t, err)
	receive(t, ch)

	require.NoError(t, s.Close())
	snap := receive(t, ch)
	assert.ErrorIs(t, snap.Err, ErrClosed)
	requireClosed(t, ch)

	_, err = s.Subscribe(ctx, "standup")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.WriteMerge(ctx, "standup", participantsPatch()), ErrClosed)
	_, err = s.Now(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, s.Close())
}
