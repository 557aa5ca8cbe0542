// ABOUTME: Attendant matching and the queue reconciliation sweep
// ABOUTME: Candidates are free, present attendants of the routing group, picked at random

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/2389/switchboard/internal/catalog"
	"github.com/2389/switchboard/internal/channel"
	"github.com/2389/switchboard/internal/events"
	"github.com/2389/switchboard/internal/store"
)

// Available returns the attendants of a routing group that hold no running
// service and report AVAILABLE presence. Lookup failures shrink the result
// instead of failing: a broken group query or presence call yields nobody.
func (o *Orchestrator) Available(ctx context.Context, group string) []*store.AttendantBinding {
	filter := store.BindingFilter{}
	if group != "" {
		members := o.presence.GroupMembers(ctx, group)
		filter.PresenceIDs = make([]string, 0, len(members))
		for _, m := range members {
			filter.PresenceIDs = append(filter.PresenceIDs, m.ID)
		}
	}

	bindings, err := o.store.ListBindings(ctx, filter)
	if err != nil {
		o.logger.Warn("listing attendant bindings failed", "group", group, "error", err)
		return nil
	}

	running, err := o.store.ListServicesByStatus(ctx, store.StatusRunning)
	if err != nil {
		o.logger.Warn("listing running services failed", "error", err)
		return nil
	}
	busy := make(map[string]bool, len(running))
	for _, svc := range running {
		busy[svc.AttendantID] = true
	}

	free := make([]*store.AttendantBinding, 0, len(bindings))
	ids := make([]string, 0, len(bindings))
	for _, b := range bindings {
		if busy[b.ID] {
			continue
		}
		free = append(free, b)
		ids = append(ids, b.PresenceID)
	}
	if len(free) == 0 {
		return nil
	}

	statuses, err := o.presence.Statuses(ctx, ids)
	if err != nil {
		o.logger.Warn("presence lookup failed", "candidates", len(ids), "error", err)
		return nil
	}
	present := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		if st.Availability.IsAvailable() {
			present[st.ID] = true
		}
	}

	available := free[:0]
	for _, b := range free {
		if present[b.PresenceID] {
			available = append(available, b)
		}
	}
	return available
}

// match runs one matching attempt for a searching service the caller holds
// locked. The service ends RUNNING when an attendant is claimed and
// IN_QUEUE otherwise.
func (o *Orchestrator) match(ctx context.Context, svc *store.Service) (bool, error) {
	candidates := o.Available(ctx, svc.RoutingGroup)

	for len(candidates) > 0 {
		i := o.Intn(len(candidates))
		chosen := candidates[i]

		now := o.Now()
		started, err := Start(*svc, attendantFrom(chosen), now)
		if err != nil {
			return false, err
		}
		assignment := &store.Assignment{
			ID:                  o.NewID(),
			ServiceID:           svc.ID,
			AttendantID:         chosen.ID,
			AttendantName:       chosen.Name,
			AttendantPresenceID: chosen.PresenceID,
			RoutingGroup:        svc.RoutingGroup,
			CreatedAt:           now,
		}

		err = o.store.ClaimAttendant(ctx, &started, assignment)
		if errors.Is(err, store.ErrConflict) {
			o.logger.Debug("attendant taken by another service", "service", svc.ID, "attendant", chosen.ID)
			candidates = slices.Delete(candidates, i, i+1)
			continue
		}
		if err != nil {
			return false, fmt.Errorf("claiming attendant: %w", err)
		}

		*svc = started
		o.logger.Info("service started", "service", svc.ID, "attendant", chosen.ID, "round", assignment.Round)
		o.announceStart(ctx, svc, chosen, assignment.Round)
		return true, nil
	}

	queued, err := Queue(*svc, o.Now())
	if err != nil {
		return false, err
	}
	if err := o.store.ChangeStatus(ctx, svc.ID, store.StatusSearchingAttendant, store.StatusInQueue, queued.UpdatedAt); err != nil {
		return false, fmt.Errorf("queueing service: %w", err)
	}
	*svc = queued

	o.logger.Info("service queued", "service", svc.ID, "routing_group", svc.RoutingGroup)
	o.publish(ctx, events.Event{
		Type:            events.ServiceQueued,
		ServiceID:       svc.ID,
		CustomerAddress: svc.CustomerAddress,
		RoutingGroup:    svc.RoutingGroup,
	})
	return false, nil
}

func (o *Orchestrator) announceStart(ctx context.Context, svc *store.Service, b *store.AttendantBinding, round int) {
	c := o.customerOf(ctx, svc)

	o.notify(ctx, bindingAddress(b), catalog.StartedAttendant, o.serviceBrief(c, svc))
	o.notify(ctx, channel.Customer(svc.CustomerAddress), catalog.StartedCustomer,
		map[string]string{"Attendant": b.Name})

	o.publish(ctx, events.Event{
		Type:            events.ServiceStarted,
		ServiceID:       svc.ID,
		CustomerAddress: svc.CustomerAddress,
		AttendantID:     b.ID,
		RoutingGroup:    svc.RoutingGroup,
		Round:           round,
	})
}

// ReconcileQueue retries matching for every queued service and returns how
// many were started. Services left SEARCHING_ATTENDANT by a previous process
// are picked up too. A sweep that starts while another is running returns
// immediately.
func (o *Orchestrator) ReconcileQueue(ctx context.Context) (int, error) {
	if !o.sweeping.CompareAndSwap(false, true) {
		o.logger.Debug("sweep already running, skipping")
		return 0, nil
	}
	defer o.sweeping.Store(false)

	pending, err := o.store.ListServicesByStatus(ctx, store.StatusInQueue, store.StatusSearchingAttendant)
	if err != nil {
		return 0, fmt.Errorf("listing queued services: %w", err)
	}

	matched := 0
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return matched, err
		}
		ok, err := o.retry(ctx, p.ID)
		if err != nil {
			o.logger.Error("retrying queued service failed", "service", p.ID, "error", err)
			continue
		}
		if ok {
			matched++
		}
	}

	if len(pending) > 0 {
		o.logger.Debug("sweep finished", "pending", len(pending), "matched", matched)
	}
	return matched, nil
}

// retry re-enters matching for one service. Services locked by an
// in-flight operation are left for the next sweep.
func (o *Orchestrator) retry(ctx context.Context, id string) (bool, error) {
	unlock, ok := o.locks.TryLock(serviceKey(id))
	if !ok {
		return false, nil
	}
	defer unlock()

	svc, err := o.store.GetService(ctx, id)
	if err != nil {
		return false, fmt.Errorf("reloading service: %w", err)
	}

	switch svc.Status {
	case store.StatusInQueue:
		next, err := Search(*svc, o.Now())
		if err != nil {
			return false, err
		}
		err = o.store.ChangeStatus(ctx, svc.ID, store.StatusInQueue, store.StatusSearchingAttendant, next.UpdatedAt)
		if errors.Is(err, store.ErrConflict) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("resuming search: %w", err)
		}
		*svc = next
	case store.StatusSearchingAttendant:
		o.logger.Info("resuming orphaned search", "service", svc.ID)
	default:
		return false, nil
	}

	return o.match(ctx, svc)
}
