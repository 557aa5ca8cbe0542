// ABOUTME: Service orchestrator: owns service lifecycle, attendant matching and relays
// ABOUTME: Coordinates the store, presence provider and channel gateways

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/catalog"
	"github.com/2389/switchboard/internal/channel"
	"github.com/2389/switchboard/internal/events"
	"github.com/2389/switchboard/internal/presence"
	"github.com/2389/switchboard/internal/registration"
	"github.com/2389/switchboard/internal/store"
)

// Sender delivers outbound messages and files and fetches inbound media
// from the channel that received it. *channel.Gateways implements it.
type Sender interface {
	Send(ctx context.Context, msg channel.Message) error
	SendFile(ctx context.Context, to channel.Address, file channel.File) error
	Fetch(ctx context.Context, from channel.Kind, ref string) (channel.File, error)
}

// Options wires an Orchestrator.
type Options struct {
	Store    store.Store
	Presence presence.Provider
	Sender   Sender
	Catalog  *catalog.Catalog
	Events   events.Publisher
	Logger   *slog.Logger

	// CustomerGroup is the routing group for classified customers and
	// ProspectGroup for everyone else. Empty means every attendant.
	CustomerGroup string
	ProspectGroup string
}

// Orchestrator drives services from creation to finish.
type Orchestrator struct {
	store    store.Store
	presence presence.Provider
	sender   Sender
	catalog  *catalog.Catalog
	events   events.Publisher
	logger   *slog.Logger

	customerGroup string
	prospectGroup string

	locks    *keyedLocker
	sweeping atomic.Bool

	// Now, Intn and NewID are replaceable for tests.
	Now   func() time.Time
	Intn  func(n int) int
	NewID func() string
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cat := opts.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	var pub events.Publisher = events.Nop{}
	if opts.Events != nil {
		pub = opts.Events
	}

	return &Orchestrator{
		store:         opts.Store,
		presence:      opts.Presence,
		sender:        opts.Sender,
		catalog:       cat,
		events:        pub,
		logger:        logger.With("component", "orchestrator"),
		customerGroup: opts.CustomerGroup,
		prospectGroup: opts.ProspectGroup,
		locks:         newKeyedLocker(),
		Now:           time.Now,
		Intn:          rand.IntN,
		NewID:         uuid.NewString,
	}
}

func customerKey(address string) string { return "customer:" + address }
func serviceKey(id string) string       { return "service:" + id }

// routingGroup picks the attendant pool for a customer.
func (o *Orchestrator) routingGroup(c *store.Customer) string {
	if c.Classified() {
		return o.customerGroup
	}
	return o.prospectGroup
}

// runningServiceOf returns the service the attendant is currently running,
// locked. A nil service means the attendant is not attending anything.
func (o *Orchestrator) runningServiceOf(ctx context.Context, attendantID string) (*store.Service, func(), error) {
	found, err := o.store.RunningServiceByAttendant(ctx, attendantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("finding running service: %w", err)
	}

	unlock := o.locks.Lock(serviceKey(found.ID))
	svc, err := o.store.GetService(ctx, found.ID)
	if err != nil {
		unlock()
		return nil, nil, fmt.Errorf("reloading service: %w", err)
	}
	if svc.Status != store.StatusRunning || svc.AttendantID != attendantID {
		unlock()
		return nil, nil, nil
	}
	return svc, unlock, nil
}

// customerOf loads the service's customer, falling back to a bare record so
// notices can still be sent.
func (o *Orchestrator) customerOf(ctx context.Context, svc *store.Service) *store.Customer {
	c, err := o.store.GetCustomer(ctx, svc.CustomerAddress)
	if err != nil {
		o.logger.Warn("failed to load customer", "service", svc.ID, "customer", svc.CustomerAddress, "error", err)
		return &store.Customer{Address: svc.CustomerAddress}
	}
	return c
}

// attendantAddress resolves where replies to an attendant go.
func (o *Orchestrator) attendantAddress(ctx context.Context, attendantID string) channel.Address {
	b, err := o.store.GetBinding(ctx, attendantID)
	if err != nil {
		o.logger.Debug("no binding for attendant, replying to its id", "attendant", attendantID, "error", err)
		return channel.Attendant(attendantID)
	}
	return bindingAddress(b)
}

func bindingAddress(b *store.AttendantBinding) channel.Address {
	if b.ReplyAddress != "" {
		return channel.Attendant(b.ReplyAddress)
	}
	return channel.Attendant(b.ID)
}

func (o *Orchestrator) text(key catalog.Key, data any) string {
	return o.catalog.Text(key, data)
}

// send delivers msg. Delivery failures are logged and never retried.
func (o *Orchestrator) send(ctx context.Context, msg channel.Message) {
	if err := o.sender.Send(ctx, msg); err != nil {
		o.logger.Error("failed to deliver message", "to", msg.To.String(), "error", err)
	}
}

// relay forwards a message to the other side of a service. Attachments are
// fetched from the channel they arrived on and re-sent as files; a file that
// cannot be fetched or delivered is logged and skipped.
func (o *Orchestrator) relay(ctx context.Context, from channel.Kind, to channel.Address, said catalog.Key, data map[string]string, attachments []string) {
	if data["Text"] != "" || len(attachments) == 0 {
		o.send(ctx, channel.Message{To: to, Text: o.text(said, data)})
	}
	for _, ref := range attachments {
		file, err := o.sender.Fetch(ctx, from, ref)
		if err != nil {
			o.logger.Error("failed to fetch attachment", "from", string(from), "ref", ref, "error", err)
			continue
		}
		if err := o.sender.SendFile(ctx, to, file); err != nil {
			o.logger.Error("failed to deliver attachment", "to", to.String(), "ref", ref, "error", err)
		}
	}
}

func (o *Orchestrator) notify(ctx context.Context, to channel.Address, key catalog.Key, data any) {
	o.send(ctx, channel.Message{To: to, Text: o.text(key, data)})
}

func (o *Orchestrator) publish(ctx context.Context, evt events.Event) {
	evt.ID = o.NewID()
	evt.OccurredAt = o.Now()
	if err := o.events.Publish(ctx, evt); err != nil {
		o.logger.Warn("failed to publish event", "type", evt.Type, "service", evt.ServiceID, "error", err)
	}
}

func (o *Orchestrator) logMessage(ctx context.Context, svc *store.Service, from store.Sender, text string, attachments []string) error {
	msg := &store.Message{
		ID:              o.NewID(),
		ServiceID:       svc.ID,
		From:            from,
		Text:            text,
		Attachments:     attachments,
		CustomerAddress: svc.CustomerAddress,
		AttendantID:     svc.AttendantID,
		AttendantName:   svc.AttendantName,
		CreatedAt:       o.Now(),
	}
	if err := o.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("logging message: %w", err)
	}
	return nil
}

func displayName(c *store.Customer) string {
	if c.Name != "" {
		return c.Name
	}
	return c.Address
}

// serviceBrief is the customer summary shown to attendants taking a service.
func (o *Orchestrator) serviceBrief(c *store.Customer, svc *store.Service) map[string]string {
	isCustomer := o.text(catalog.NotInformed, nil)
	if c.IsCustomer != nil {
		isCustomer = o.text(catalog.No, nil)
		if *c.IsCustomer {
			isCustomer = o.text(catalog.Yes, nil)
		}
	}
	taxID := o.text(catalog.NotInformed, nil)
	if c.TaxID != "" {
		taxID = registration.FormatTaxID(c.TaxID)
	}
	return map[string]string{
		"Customer":     displayName(c),
		"IsCustomer":   isCustomer,
		"TaxID":        taxID,
		"FirstMessage": svc.FirstMessage,
	}
}
