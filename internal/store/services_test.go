// ABOUTME: Tests for service lifecycle persistence and assignment history
// ABOUTME: Runs the same conflict rules against SQLiteStore and MockStore

package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestService(t *testing.T, s Store, id, customer string) *Service {
	t.Helper()
	now := testNow()
	svc := &Service{
		ID:              id,
		CustomerAddress: customer,
		FirstMessage:    "I need help",
		Status:          StatusSearchingAttendant,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, s.CreateService(context.Background(), svc))
	return svc
}

func withAttendant(svc *Service, attendantID string) (*Service, *Assignment) {
	now := testNow()
	next := *svc
	next.AttendantID = attendantID
	next.AttendantName = "Name " + attendantID
	next.AttendantPresenceID = "p-" + attendantID
	next.StartedAt = &now
	next.UpdatedAt = now
	return &next, &Assignment{
		ID:                  fmt.Sprintf("%s-%s", svc.ID, attendantID),
		ServiceID:           svc.ID,
		AttendantID:         attendantID,
		AttendantName:       next.AttendantName,
		AttendantPresenceID: next.AttendantPresenceID,
		CreatedAt:           now,
	}
}

// forEachStore runs the test against both implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

func TestServices_OneOpenPerCustomer(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		createTestCustomer(t, s, "c1")
		first := createTestService(t, s, "svc-1", "c1")

		now := testNow()
		err := s.CreateService(ctx, &Service{
			ID: "svc-2", CustomerAddress: "c1", FirstMessage: "again",
			Status: StatusSearchingAttendant, CreatedAt: now, UpdatedAt: now,
		})
		assert.ErrorIs(t, err, ErrConflict)

		open, err := s.OpenServiceByCustomer(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, open.ID)
	})
}

func TestServices_ChangeStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		createTestCustomer(t, s, "c1")
		svc := createTestService(t, s, "svc-1", "c1")

		queuedAt := svc.CreatedAt.Add(90 * time.Second)
		require.NoError(t, s.ChangeStatus(ctx, svc.ID, StatusSearchingAttendant, StatusInQueue, queuedAt))

		got, err := s.GetService(ctx, svc.ID)
		require.NoError(t, err)
		assert.True(t, queuedAt.Equal(got.UpdatedAt), "updated_at = %v, want %v", got.UpdatedAt, queuedAt)

		err = s.ChangeStatus(ctx, svc.ID, StatusSearchingAttendant, StatusInQueue, queuedAt)
		assert.ErrorIs(t, err, ErrConflict)

		err = s.ChangeStatus(ctx, "missing", StatusInQueue, StatusSearchingAttendant, queuedAt)
		assert.ErrorIs(t, err, ErrNotFound)

		queued, err := s.ListServicesByStatus(ctx, StatusInQueue)
		require.NoError(t, err)
		require.Len(t, queued, 1)
		assert.Equal(t, svc.ID, queued[0].ID)

		all, err := s.ListServicesByStatus(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})
}

func TestServices_ClaimAttendant(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		createTestCustomer(t, s, "c1")
		svc := createTestService(t, s, "svc-1", "c1")

		claimed, a := withAttendant(svc, "u1")
		require.NoError(t, s.ClaimAttendant(ctx, claimed, a))
		assert.Equal(t, 1, a.Round)

		got, err := s.GetService(ctx, svc.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, got.Status)
		assert.Equal(t, "u1", got.AttendantID)
		require.NotNil(t, got.StartedAt)

		running, err := s.RunningServiceByAttendant(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, svc.ID, running.ID)

		history, err := s.ListAssignments(ctx, svc.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.True(t, history[0].IsCurrent)
		assert.Equal(t, 1, history[0].Round)
	})
}

func TestServices_ClaimAttendant_BusyAttendant(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		createTestCustomer(t, s, "c1")
		createTestCustomer(t, s, "c2")
		svc1 := createTestService(t, s, "svc-1", "c1")
		svc2 := createTestService(t, s, "svc-2", "c2")

		claimed, a := withAttendant(svc1, "u1")
		require.NoError(t, s.ClaimAttendant(ctx, claimed, a))

		second, a2 := withAttendant(svc2, "u1")
		err := s.ClaimAttendant(ctx, second, a2)
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.GetService(ctx, svc2.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusSearchingAttendant, got.Status)

		history, err := s.ListAssignments(ctx, svc2.ID)
		require.NoError(t, err)
		assert.Empty(t, history)
	})
}

func TestServices_ClaimAttendant_NotSearching(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		createTestCustomer(t, s, "c1")
		svc := createTestService(t, s, "svc-1", "c1")
		require.NoError(t, s.ChangeStatus(ctx, svc.ID, StatusSearchingAttendant, StatusInQueue, testNow()))

		claimed, a := withAttendant(svc, "u1")
		assert.ErrorIs(t, s.ClaimAttendant(ctx, claimed, a), ErrConflict)
	})
}

func TestServices_ConcurrentClaimsSameAttendant(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const n = 8
		for i := 0; i < n; i++ {
			c := fmt.Sprintf("c%d", i)
			createTestCustomer(t, s, c)
			createTestService(t, s, fmt.Sprintf("svc-%d", i), c)
		}

		var wg sync.WaitGroup
		results := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				svc, err := s.GetService(ctx, fmt.Sprintf("svc-%d", i))
				if err != nil {
					results <- err
					return
				}
				claimed, a := withAttendant(svc, "shared")
				results <- s.ClaimAttendant(ctx, claimed, a)
			}(i)
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, ErrConflict)
		}
		assert.Equal(t, 1, wins)

		running, err := s.ListServicesByStatus(ctx, StatusRunning)
		require.NoError(t, err)
		assert.Len(t, running, 1)
	})
}

func TestServices_TransferAppendsRound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		createTestCustomer(t, s, "c1")
		svc := createTestService(t, s, "svc-1", "c1")

		claimed, a := withAttendant(svc, "u1")
		require.NoError(t, s.ClaimAttendant(ctx, claimed, a))

		transferred, a2 := withAttendant(claimed, "u2")
		require.NoError(t, s.TransferService(ctx, transferred, "u1", a2))
		assert.Equal(t, 2, a2.Round)

		got, err := s.GetService(ctx, svc.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, got.Status)
		assert.Equal(t, "u2", got.AttendantID)

		history, err := s.ListAssignments(ctx, svc.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, 1, history[0].Round)
		assert.False(t, history[0].IsCurrent)
		assert.Equal(t, 2, history[1].Round)
		assert.True(t, history[1].IsCurrent)

		_, err = s.RunningServiceByAttendant(ctx, "u1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestServices_TransferToBusyAttendant(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		createTestCustomer(t, s, "c1")
		createTestCustomer(t, s, "c2")
		svc1 := createTestService(t, s, "svc-1", "c1")
		svc2 := createTestService(t, s, "svc-2", "c2")

		c1, a1 := withAttendant(svc1, "u1")
		require.NoError(t, s.ClaimAttendant(ctx, c1, a1))
		c2, a2 := withAttendant(svc2, "u2")
		require.NoError(t, s.ClaimAttendant(ctx, c2, a2))

		moved, a3 := withAttendant(c1, "u2")
		assert.ErrorIs(t, s.TransferService(ctx, moved, "u1", a3), ErrConflict)

		history, err := s.ListAssignments(ctx, svc1.ID)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})
}

func TestServices_Finish(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		createTestCustomer(t, s, "c1")
		svc := createTestService(t, s, "svc-1", "c1")

		claimed, a := withAttendant(svc, "u1")
		require.NoError(t, s.ClaimAttendant(ctx, claimed, a))

		finished := *claimed
		now := testNow()
		sla := 12
		finished.Status = StatusFinished
		finished.FinishedAt = &now
		finished.SLAMinutes = &sla
		finished.UpdatedAt = now
		require.NoError(t, s.FinishService(ctx, &finished))

		got, err := s.GetService(ctx, svc.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusFinished, got.Status)
		require.NotNil(t, got.SLAMinutes)
		assert.Equal(t, 12, *got.SLAMinutes)

		assert.ErrorIs(t, s.FinishService(ctx, &finished), ErrConflict)

		// The customer may open a new service and the attendant is free again
		createTestService(t, s, "svc-2", "c1")
		_, err = s.RunningServiceByAttendant(ctx, "u1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
