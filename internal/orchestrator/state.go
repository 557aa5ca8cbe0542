// ABOUTME: Pure service state transitions
// ABOUTME: Each transition returns the next Service value or ErrInvalidTransition

package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/2389/switchboard/internal/store"
)

// ErrInvalidTransition is returned when a transition does not apply to the
// service's current status.
var ErrInvalidTransition = errors.New("invalid service transition")

// Attendant is the attendant taking a service.
type Attendant struct {
	ID         string
	Name       string
	PresenceID string
}

func attendantFrom(b *store.AttendantBinding) Attendant {
	return Attendant{ID: b.ID, Name: b.Name, PresenceID: b.PresenceID}
}

func invalid(svc store.Service, op string) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, svc.Status)
}

// Start assigns the first attendant to a searching service.
func Start(svc store.Service, a Attendant, now time.Time) (store.Service, error) {
	if svc.Status != store.StatusSearchingAttendant {
		return svc, invalid(svc, "start")
	}
	if a.ID == "" {
		return svc, fmt.Errorf("%w: start without attendant", ErrInvalidTransition)
	}
	svc.Status = store.StatusRunning
	svc.AttendantID = a.ID
	svc.AttendantName = a.Name
	svc.AttendantPresenceID = a.PresenceID
	started := now
	svc.StartedAt = &started
	svc.UpdatedAt = now
	return svc, nil
}

// Queue parks a searching service until the next sweep.
func Queue(svc store.Service, now time.Time) (store.Service, error) {
	if svc.Status != store.StatusSearchingAttendant {
		return svc, invalid(svc, "queue")
	}
	svc.Status = store.StatusInQueue
	svc.UpdatedAt = now
	return svc, nil
}

// Search takes a queued service back into matching.
func Search(svc store.Service, now time.Time) (store.Service, error) {
	if svc.Status != store.StatusInQueue {
		return svc, invalid(svc, "search")
	}
	svc.Status = store.StatusSearchingAttendant
	svc.UpdatedAt = now
	return svc, nil
}

// Transfer hands a running service to another attendant. The status stays
// RUNNING and StartedAt is kept so the SLA covers the whole service.
func Transfer(svc store.Service, to Attendant, now time.Time) (store.Service, error) {
	if svc.Status != store.StatusRunning {
		return svc, invalid(svc, "transfer")
	}
	if to.ID == "" || to.ID == svc.AttendantID {
		return svc, fmt.Errorf("%w: transfer to the same attendant", ErrInvalidTransition)
	}
	svc.AttendantID = to.ID
	svc.AttendantName = to.Name
	svc.AttendantPresenceID = to.PresenceID
	svc.UpdatedAt = now
	return svc, nil
}

// Finish closes a running service and records its SLA in whole minutes
// since it started.
func Finish(svc store.Service, now time.Time) (store.Service, error) {
	if svc.Status != store.StatusRunning {
		return svc, invalid(svc, "finish")
	}
	svc.Status = store.StatusFinished
	finished := now
	svc.FinishedAt = &finished
	svc.UpdatedAt = now

	sla := 0
	if svc.StartedAt != nil {
		sla = max(int(now.Sub(*svc.StartedAt)/time.Minute), 0)
	}
	svc.SLAMinutes = &sla
	return svc, nil
}
