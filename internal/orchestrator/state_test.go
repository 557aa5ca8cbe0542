// ABOUTME: Tests for the pure service transitions and keyed locks
// ABOUTME: No store involved; transitions are checked on plain values

package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

var (
	t0  = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	ana = Attendant{ID: "ana", Name: "Ana", PresenceID: "p-ana"}
	bob = Attendant{ID: "bob", Name: "Bob", PresenceID: "p-bob"}
)

func searching() store.Service {
	return store.Service{ID: "s1", CustomerAddress: "5511", Status: store.StatusSearchingAttendant}
}

func TestStart(t *testing.T) {
	svc := searching()
	next, err := Start(svc, ana, t0)
	require.NoError(t, err)

	assert.Equal(t, store.StatusRunning, next.Status)
	assert.Equal(t, "ana", next.AttendantID)
	assert.Equal(t, "p-ana", next.AttendantPresenceID)
	require.NotNil(t, next.StartedAt)
	assert.Equal(t, t0, *next.StartedAt)

	// The input value is left alone
	assert.Equal(t, store.StatusSearchingAttendant, svc.Status)
	assert.Nil(t, svc.StartedAt)
}

func TestStart_RequiresAttendant(t *testing.T) {
	_, err := Start(searching(), Attendant{}, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestQueueAndSearch(t *testing.T) {
	queued, err := Queue(searching(), t0)
	require.NoError(t, err)
	assert.Equal(t, store.StatusInQueue, queued.Status)

	back, err := Search(queued, t0)
	require.NoError(t, err)
	assert.Equal(t, store.StatusSearchingAttendant, back.Status)
}

func TestTransfer(t *testing.T) {
	running, err := Start(searching(), ana, t0)
	require.NoError(t, err)

	moved, err := Transfer(running, bob, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, moved.Status)
	assert.Equal(t, "bob", moved.AttendantID)
	assert.Equal(t, running.StartedAt, moved.StartedAt)

	_, err = Transfer(running, ana, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFinish(t *testing.T) {
	running, err := Start(searching(), ana, t0)
	require.NoError(t, err)

	done, err := Finish(running, t0.Add(42*time.Minute+59*time.Second))
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, done.Status)
	require.NotNil(t, done.SLAMinutes)
	assert.Equal(t, 42, *done.SLAMinutes)
	require.NotNil(t, done.FinishedAt)
}

func TestFinish_ClockSkewClampsToZero(t *testing.T) {
	running, err := Start(searching(), ana, t0)
	require.NoError(t, err)

	done, err := Finish(running, t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, *done.SLAMinutes)
}

func TestInvalidTransitions(t *testing.T) {
	finished := store.Service{Status: store.StatusFinished}
	queued := store.Service{Status: store.StatusInQueue}
	running := store.Service{Status: store.StatusRunning, AttendantID: "ana"}

	tests := []struct {
		name string
		fn   func() error
	}{
		{"start queued", func() error { _, err := Start(queued, ana, t0); return err }},
		{"start running", func() error { _, err := Start(running, bob, t0); return err }},
		{"queue running", func() error { _, err := Queue(running, t0); return err }},
		{"queue queued", func() error { _, err := Queue(queued, t0); return err }},
		{"search searching", func() error { _, err := Search(searching(), t0); return err }},
		{"transfer queued", func() error { _, err := Transfer(queued, bob, t0); return err }},
		{"finish queued", func() error { _, err := Finish(queued, t0); return err }},
		{"finish finished", func() error { _, err := Finish(finished, t0); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.fn(), ErrInvalidTransition)
		})
	}
}

func TestKeyedLocker(t *testing.T) {
	k := newKeyedLocker()

	unlock := k.Lock("a")
	_, ok := k.TryLock("a")
	assert.False(t, ok)

	unlockB, ok := k.TryLock("b")
	require.True(t, ok)
	unlockB()

	unlock()
	unlockA, ok := k.TryLock("a")
	require.True(t, ok)
	unlockA()

	assert.Zero(t, k.size())
}
