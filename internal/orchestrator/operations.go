// ABOUTME: Customer and attendant operations of the orchestrator
// ABOUTME: Relays, finish, transfer, attendant listing and profile registration

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/switchboard/internal/catalog"
	"github.com/2389/switchboard/internal/channel"
	"github.com/2389/switchboard/internal/events"
	"github.com/2389/switchboard/internal/registration"
	"github.com/2389/switchboard/internal/store"
)

// CommandTransfer prefixes the options offered by ListAvailableAttendants.
const CommandTransfer = "TRANSFER_SERVICE"

// ReceiveFromCustomer handles a message from a registered customer. Without
// an open service a new one is created and matched; otherwise the message is
// logged and relayed to the current attendant, if any.
func (o *Orchestrator) ReceiveFromCustomer(ctx context.Context, c *store.Customer, text string, attachments []string) error {
	unlockCustomer := o.locks.Lock(customerKey(c.Address))
	defer unlockCustomer()

	found, err := o.store.OpenServiceByCustomer(ctx, c.Address)
	if errors.Is(err, store.ErrNotFound) {
		return o.openService(ctx, c, text, attachments)
	}
	if err != nil {
		return fmt.Errorf("finding open service: %w", err)
	}

	unlock := o.locks.Lock(serviceKey(found.ID))
	defer unlock()

	svc, err := o.store.GetService(ctx, found.ID)
	if err != nil {
		return fmt.Errorf("reloading service: %w", err)
	}
	if err := o.logMessage(ctx, svc, store.SenderCustomer, text, attachments); err != nil {
		return err
	}

	if svc.Status != store.StatusRunning || svc.AttendantID == "" {
		o.logger.Debug("no attendant yet, message kept in log", "service", svc.ID, "status", svc.Status)
		return nil
	}

	o.relay(ctx, channel.KindCustomer, o.attendantAddress(ctx, svc.AttendantID), catalog.CustomerSaid,
		map[string]string{"Customer": displayName(c), "Text": text}, attachments)
	return nil
}

func (o *Orchestrator) openService(ctx context.Context, c *store.Customer, text string, attachments []string) error {
	now := o.Now()
	svc := &store.Service{
		ID:              o.NewID(),
		CustomerAddress: c.Address,
		FirstMessage:    text,
		RoutingGroup:    o.routingGroup(c),
		Status:          store.StatusSearchingAttendant,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	unlock := o.locks.Lock(serviceKey(svc.ID))
	defer unlock()

	if err := o.store.CreateService(ctx, svc); err != nil {
		return fmt.Errorf("creating service: %w", err)
	}
	o.logger.Info("service opened", "service", svc.ID, "customer", c.Address, "routing_group", svc.RoutingGroup)

	if err := o.logMessage(ctx, svc, store.SenderCustomer, text, attachments); err != nil {
		return err
	}
	o.notify(ctx, channel.Customer(c.Address), catalog.SearchingAttendant, nil)

	_, err := o.match(ctx, svc)
	return err
}

// ReceiveFromAttendant relays an attendant's free text to the customer of
// their running service.
func (o *Orchestrator) ReceiveFromAttendant(ctx context.Context, attendantID, text string, attachments []string) error {
	svc, unlock, err := o.runningServiceOf(ctx, attendantID)
	if err != nil {
		return err
	}
	if svc == nil {
		o.notify(ctx, o.attendantAddress(ctx, attendantID), catalog.NotAttending, nil)
		return nil
	}
	defer unlock()

	if err := o.logMessage(ctx, svc, store.SenderAttendant, text, attachments); err != nil {
		return err
	}

	o.relay(ctx, channel.KindAttendant, channel.Customer(svc.CustomerAddress), catalog.AttendantSaid,
		map[string]string{"Attendant": svc.AttendantName, "Text": text}, attachments)
	return nil
}

// FinishService closes the attendant's running service and records its SLA.
// Without a running service the attendant only gets a notice.
func (o *Orchestrator) FinishService(ctx context.Context, attendantID string) error {
	replyTo := o.attendantAddress(ctx, attendantID)

	svc, unlock, err := o.runningServiceOf(ctx, attendantID)
	if err != nil {
		return err
	}
	if svc == nil {
		o.notify(ctx, replyTo, catalog.NotAttending, nil)
		return nil
	}
	defer unlock()

	finished, err := Finish(*svc, o.Now())
	if err != nil {
		return err
	}
	err = o.store.FinishService(ctx, &finished)
	if errors.Is(err, store.ErrConflict) {
		o.notify(ctx, replyTo, catalog.NotAttending, nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("finishing service: %w", err)
	}

	o.logger.Info("service finished", "service", svc.ID, "attendant", attendantID, "sla_minutes", *finished.SLAMinutes)

	o.notify(ctx, replyTo, catalog.FinishedAttendant, map[string]int{"SLAMinutes": *finished.SLAMinutes})
	o.notify(ctx, channel.Customer(svc.CustomerAddress), catalog.FinishedCustomer, nil)

	o.publish(ctx, events.Event{
		Type:            events.ServiceFinished,
		ServiceID:       svc.ID,
		CustomerAddress: svc.CustomerAddress,
		AttendantID:     attendantID,
		RoutingGroup:    svc.RoutingGroup,
		SLAMinutes:      finished.SLAMinutes,
	})
	return nil
}

// ListAvailableAttendants sends the attendant the list of colleagues who
// could take a transfer, each offered as a TRANSFER_SERVICE option.
func (o *Orchestrator) ListAvailableAttendants(ctx context.Context, attendantID string) error {
	replyTo := o.attendantAddress(ctx, attendantID)

	available := o.Available(ctx, "")
	lines := []string{o.text(catalog.AvailableAttendants, nil)}
	options := make([]channel.Option, 0, len(available))
	for _, b := range available {
		if b.ID == attendantID {
			continue
		}
		lines = append(lines, o.text(catalog.AttendantOption, map[string]string{"Name": b.Name, "ID": b.PresenceID}))
		options = append(options, channel.Option{ID: CommandTransfer + " " + b.PresenceID, Label: b.Name})
	}

	if len(options) == 0 {
		o.notify(ctx, replyTo, catalog.NoAttendants, nil)
		return nil
	}

	o.send(ctx, channel.Message{To: replyTo, Text: strings.Join(lines, "\n\n"), Options: options})
	return nil
}

// TransferService hands the source attendant's running service to target,
// given as channel id or presence id. The target must be free and present.
func (o *Orchestrator) TransferService(ctx context.Context, sourceID, target string) error {
	replyTo := o.attendantAddress(ctx, sourceID)
	target = strings.TrimSpace(target)

	svc, unlock, err := o.runningServiceOf(ctx, sourceID)
	if err != nil {
		return err
	}
	if svc == nil {
		o.notify(ctx, replyTo, catalog.NotAttending, nil)
		return nil
	}
	defer unlock()

	to, err := o.store.GetBinding(ctx, target)
	if errors.Is(err, store.ErrNotFound) {
		o.notify(ctx, replyTo, catalog.AttendantNotFound, nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolving transfer target: %w", err)
	}

	unavailable := map[string]string{"Name": to.Name}
	if to.ID == sourceID || !o.isAvailable(ctx, to) {
		o.notify(ctx, replyTo, catalog.AttendantUnavailable, unavailable)
		return nil
	}

	now := o.Now()
	next, err := Transfer(*svc, attendantFrom(to), now)
	if err != nil {
		return err
	}
	assignment := &store.Assignment{
		ID:                  o.NewID(),
		ServiceID:           svc.ID,
		AttendantID:         to.ID,
		AttendantName:       to.Name,
		AttendantPresenceID: to.PresenceID,
		RoutingGroup:        svc.RoutingGroup,
		CreatedAt:           now,
	}
	err = o.store.TransferService(ctx, &next, sourceID, assignment)
	if errors.Is(err, store.ErrConflict) {
		o.notify(ctx, replyTo, catalog.AttendantUnavailable, unavailable)
		return nil
	}
	if err != nil {
		return fmt.Errorf("transferring service: %w", err)
	}

	o.logger.Info("service transferred", "service", svc.ID, "from", sourceID, "to", to.ID, "round", assignment.Round)

	brief := o.serviceBrief(o.customerOf(ctx, svc), svc)
	brief["From"] = svc.AttendantName
	o.notify(ctx, bindingAddress(to), catalog.TransferReceived, brief)
	o.notify(ctx, replyTo, catalog.TransferDone, map[string]string{"To": to.Name})
	o.notify(ctx, channel.Customer(svc.CustomerAddress), catalog.TransferCustomer, map[string]string{"Attendant": to.Name})

	o.publish(ctx, events.Event{
		Type:            events.ServiceTransferred,
		ServiceID:       svc.ID,
		CustomerAddress: svc.CustomerAddress,
		AttendantID:     to.ID,
		FromAttendantID: sourceID,
		RoutingGroup:    svc.RoutingGroup,
		Round:           assignment.Round,
	})
	return nil
}

// isAvailable reports whether b holds no running service and reports
// AVAILABLE presence. Lookup failures count as unavailable.
func (o *Orchestrator) isAvailable(ctx context.Context, b *store.AttendantBinding) bool {
	_, err := o.store.RunningServiceByAttendant(ctx, b.ID)
	if err == nil {
		return false
	}
	if !errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("checking attendant workload failed", "attendant", b.ID, "error", err)
		return false
	}

	availability, err := o.presence.Status(ctx, b.PresenceID)
	if err != nil {
		o.logger.Warn("presence lookup failed", "attendant", b.ID, "error", err)
		return false
	}
	return availability.IsAvailable()
}

// RegisterCustomerProfile marks the customer of the attendant's running
// service as a customer with the given tax id. Invalid input leaves the
// customer untouched and notifies the attendant.
func (o *Orchestrator) RegisterCustomerProfile(ctx context.Context, attendantID, taxIDText string) error {
	replyTo := o.attendantAddress(ctx, attendantID)

	svc, unlock, err := o.runningServiceOf(ctx, attendantID)
	if err != nil {
		return err
	}
	if svc == nil {
		o.notify(ctx, replyTo, catalog.NotAttending, nil)
		return nil
	}
	defer unlock()

	digits, err := registration.NormalizeTaxID(taxIDText)
	if err != nil {
		o.notify(ctx, replyTo, catalog.InvalidTaxID, nil)
		return nil
	}

	c, err := o.store.GetCustomer(ctx, svc.CustomerAddress)
	if err != nil {
		return fmt.Errorf("loading customer: %w", err)
	}
	isCustomer := true
	c.IsCustomer = &isCustomer
	c.TaxID = digits
	c.UpdatedAt = o.Now()
	if err := o.store.UpdateCustomer(ctx, c); err != nil {
		return fmt.Errorf("updating customer: %w", err)
	}

	o.logger.Info("customer profile registered", "customer", c.Address, "service", svc.ID, "attendant", attendantID)

	formatted := registration.FormatTaxID(digits)
	o.notify(ctx, replyTo, catalog.ProfileUpdatedAttendant, map[string]string{"Customer": displayName(c), "TaxID": formatted})
	o.notify(ctx, channel.Customer(c.Address), catalog.ProfileUpdatedCustomer, map[string]string{"TaxID": formatted})
	return nil
}
