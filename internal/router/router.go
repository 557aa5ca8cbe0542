// ABOUTME: Message router: entry point for every inbound channel event
// ABOUTME: Sends customers through registration, parses attendant commands, delegates to the orchestrator

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/2389/switchboard/internal/catalog"
	"github.com/2389/switchboard/internal/channel"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/registration"
	"github.com/2389/switchboard/internal/store"
)

// Attendant command vocabulary. Matching is exact and case-sensitive on the
// first word of the message. Other words starting with CommandPrefix get the
// "command unavailable" notice; anything else is free text.
const (
	CommandFinish   = "FINISH_SERVICE"
	CommandList     = "LIST_AVAILABLE_ATTENDANTS"
	CommandTransfer = "TRANSFER_SERVICE"
	CommandRegister = "REGISTER_CUSTOMER"

	CommandPrefix = "/"
)

// ErrUnknownKind is returned for events from an unrecognized channel kind.
var ErrUnknownKind = errors.New("unknown channel kind")

// Orchestrator receives routed customer messages and attendant commands.
type Orchestrator interface {
	ReceiveFromCustomer(ctx context.Context, c *store.Customer, text string, attachments []string) error
	ReceiveFromAttendant(ctx context.Context, attendantID, text string, attachments []string) error
	FinishService(ctx context.Context, attendantID string) error
	ListAvailableAttendants(ctx context.Context, attendantID string) error
	TransferService(ctx context.Context, sourceID, target string) error
	RegisterCustomerProfile(ctx context.Context, attendantID, taxID string) error
}

// Stepper runs customer registration.
type Stepper interface {
	Advance(ctx context.Context, c *store.Customer, answer string, firstContact bool) (registration.Prompt, error)
	Registered(c *store.Customer) bool
}

// Sender delivers the router's own replies.
type Sender interface {
	Send(ctx context.Context, msg channel.Message) error
}

// Options wires a Router.
type Options struct {
	Directory    store.Directory
	Stepper      Stepper
	Orchestrator Orchestrator
	Sender       Sender
	Catalog      *catalog.Catalog
	// Dedupe drops redelivered events when set.
	Dedupe *dedupe.Cache
	Logger *slog.Logger
}

// Router dispatches inbound events.
type Router struct {
	directory    store.Directory
	stepper      Stepper
	orchestrator Orchestrator
	sender       Sender
	catalog      *catalog.Catalog
	dedupe       *dedupe.Cache
	logger       *slog.Logger

	Now func() time.Time
}

// New creates a Router.
func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cat := opts.Catalog
	if cat == nil {
		cat = catalog.Default()
	}
	return &Router{
		directory:    opts.Directory,
		stepper:      opts.Stepper,
		orchestrator: opts.Orchestrator,
		sender:       opts.Sender,
		catalog:      cat,
		dedupe:       opts.Dedupe,
		logger:       logger.With("component", "router"),
		Now:          time.Now,
	}
}

// Route handles one inbound event.
func (r *Router) Route(ctx context.Context, evt channel.Event) error {
	if evt.ID != "" && r.dedupe != nil && r.dedupe.Seen(dedupe.Key(string(evt.From.Kind), evt.ID)) {
		r.logger.Debug("dropping redelivered event", "from", evt.From.String(), "id", evt.ID)
		return nil
	}

	switch evt.From.Kind {
	case channel.KindCustomer:
		return r.routeCustomer(ctx, evt)
	case channel.KindAttendant:
		return r.routeAttendant(ctx, evt)
	}
	return fmt.Errorf("%w: %q", ErrUnknownKind, evt.From.Kind)
}

func (r *Router) routeCustomer(ctx context.Context, evt channel.Event) error {
	c, firstContact, err := r.customer(ctx, evt.From.ID)
	if err != nil {
		return err
	}

	if r.stepper.Registered(c) {
		return r.orchestrator.ReceiveFromCustomer(ctx, c, strings.TrimSpace(evt.Text), evt.Attachments)
	}

	prompt, err := r.stepper.Advance(ctx, c, evt.Text, firstContact)
	if err != nil {
		return fmt.Errorf("advancing registration: %w", err)
	}
	r.reply(ctx, channel.Message{To: evt.From, Text: prompt.Text, Options: prompt.Options})
	return nil
}

// customer loads the sender's record, creating it on first contact.
func (r *Router) customer(ctx context.Context, address string) (*store.Customer, bool, error) {
	c, err := r.directory.GetCustomer(ctx, address)
	if err == nil {
		return c, c.Step == store.StepFirstInteraction, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("loading customer: %w", err)
	}

	now := r.Now()
	c = &store.Customer{
		Address:   address,
		Step:      store.StepFirstInteraction,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = r.directory.CreateCustomer(ctx, c)
	if errors.Is(err, store.ErrConflict) {
		// A concurrent delivery from the same address created it first
		c, err = r.directory.GetCustomer(ctx, address)
		if err != nil {
			return nil, false, fmt.Errorf("loading customer: %w", err)
		}
		return c, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("creating customer: %w", err)
	}
	r.logger.Info("new customer", "customer", address)
	return c, true, nil
}

func (r *Router) routeAttendant(ctx context.Context, evt channel.Event) error {
	binding, err := r.ensureBinding(ctx, evt)
	if err != nil {
		return err
	}
	attendantID := binding.ID
	replyTo := replyAddress(binding)
	if evt.ReplyAddress != "" {
		replyTo = channel.Attendant(evt.ReplyAddress)
	}

	text := strings.TrimSpace(evt.Text)
	command, arg := splitCommand(text)

	switch command {
	case CommandFinish:
		return r.orchestrator.FinishService(ctx, attendantID)
	case CommandList:
		return r.orchestrator.ListAvailableAttendants(ctx, attendantID)
	case CommandTransfer:
		if arg == "" {
			r.notify(ctx, replyTo, catalog.TransferUsage, nil)
			return nil
		}
		return r.orchestrator.TransferService(ctx, attendantID, arg)
	case CommandRegister:
		if arg == "" {
			r.notify(ctx, replyTo, catalog.RegisterUsage, nil)
			return nil
		}
		return r.orchestrator.RegisterCustomerProfile(ctx, attendantID, arg)
	}

	if strings.HasPrefix(command, CommandPrefix) {
		r.logger.Debug("unknown attendant command", "attendant", attendantID, "command", command)
		r.notify(ctx, replyTo, catalog.CommandUnavailable, map[string]string{"Command": command})
		return nil
	}

	if text == "" && len(evt.Attachments) == 0 {
		return nil
	}
	return r.orchestrator.ReceiveFromAttendant(ctx, attendantID, text, evt.Attachments)
}

// ensureBinding registers an attendant on first contact and welcomes them
// with the id colleagues use to transfer services to them.
func (r *Router) ensureBinding(ctx context.Context, evt channel.Event) (*store.AttendantBinding, error) {
	name := evt.Name
	if name == "" {
		name = evt.From.ID
	}
	binding, created, err := r.directory.EnsureBinding(ctx, &store.AttendantBinding{
		ID:           evt.From.ID,
		PresenceID:   evt.PresenceID,
		Name:         name,
		ReplyAddress: evt.ReplyAddress,
		CreatedAt:    r.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("registering attendant: %w", err)
	}

	if created {
		r.logger.Info("new attendant", "attendant", binding.ID, "presence_id", binding.PresenceID)
		r.notify(ctx, replyAddress(binding), catalog.WelcomeAttendant,
			map[string]string{"Name": binding.Name, "ID": binding.PresenceID})
	}
	return binding, nil
}

// splitCommand returns the first word of text and the trimmed remainder.
func splitCommand(text string) (string, string) {
	i := strings.IndexFunc(text, unicode.IsSpace)
	if i < 0 {
		return text, ""
	}
	return text[:i], strings.TrimSpace(text[i:])
}

func replyAddress(b *store.AttendantBinding) channel.Address {
	if b.ReplyAddress != "" {
		return channel.Attendant(b.ReplyAddress)
	}
	return channel.Attendant(b.ID)
}

func (r *Router) notify(ctx context.Context, to channel.Address, key catalog.Key, data any) {
	r.reply(ctx, channel.Message{To: to, Text: r.catalog.Text(key, data)})
}

func (r *Router) reply(ctx context.Context, msg channel.Message) {
	if err := r.sender.Send(ctx, msg); err != nil {
		r.logger.Error("failed to deliver reply", "to", msg.To.String(), "error", err)
	}
}
