// ABOUTME: Tests for inbound routing, registration hand-off and command parsing
// ABOUTME: Uses a recording orchestrator for dispatch and the real one for the end-to-end dialogue

package router

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/catalog"
	"github.com/2389/switchboard/internal/channel"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/orchestrator"
	"github.com/2389/switchboard/internal/presence"
	"github.com/2389/switchboard/internal/registration"
	"github.com/2389/switchboard/internal/store"
)

type recordingOrchestrator struct {
	calls []string
}

func (r *recordingOrchestrator) record(format string, args ...any) error {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	return nil
}

func (r *recordingOrchestrator) ReceiveFromCustomer(ctx context.Context, c *store.Customer, text string, attachments []string) error {
	return r.record("customer %s: %s", c.Address, text)
}

func (r *recordingOrchestrator) ReceiveFromAttendant(ctx context.Context, attendantID, text string, attachments []string) error {
	return r.record("attendant %s: %s [%s]", attendantID, text, strings.Join(attachments, ","))
}

func (r *recordingOrchestrator) FinishService(ctx context.Context, attendantID string) error {
	return r.record("finish %s", attendantID)
}

func (r *recordingOrchestrator) ListAvailableAttendants(ctx context.Context, attendantID string) error {
	return r.record("list %s", attendantID)
}

func (r *recordingOrchestrator) TransferService(ctx context.Context, sourceID, target string) error {
	return r.record("transfer %s -> %s", sourceID, target)
}

func (r *recordingOrchestrator) RegisterCustomerProfile(ctx context.Context, attendantID, taxID string) error {
	return r.record("register %s %s", attendantID, taxID)
}

type testRouter struct {
	router     *Router
	store      *store.MockStore
	orch       *recordingOrchestrator
	customers  *channel.Recorder
	attendants *channel.Recorder
}

func newTestRouter(t *testing.T) *testRouter {
	t.Helper()
	tr := &testRouter{
		store:      store.NewMockStore(),
		orch:       &recordingOrchestrator{},
		customers:  channel.NewRecorder(channel.KindCustomer),
		attendants: channel.NewRecorder(channel.KindAttendant),
	}
	stepper := registration.NewStepper(tr.store, catalog.Default(), nil)
	tr.router = New(Options{
		Directory:    tr.store,
		Stepper:      stepper,
		Orchestrator: tr.orch,
		Sender:       channel.NewGateways(tr.customers, tr.attendants),
	})
	return tr
}

func attendantEvent(text string) channel.Event {
	return channel.Event{
		From:         channel.Attendant("@ana:example.org"),
		Name:         "Ana",
		PresenceID:   "p-ana",
		ReplyAddress: "!room-ana",
		Text:         text,
	}
}

func customerEvent(text string) channel.Event {
	return channel.Event{From: channel.Customer("5511"), Text: text}
}

func TestRoute_AttendantCommands(t *testing.T) {
	tests := []struct {
		text      string
		wantCall  string
		wantReply string
	}{
		{text: "FINISH_SERVICE", wantCall: "finish @ana:example.org"},
		{text: "  LIST_AVAILABLE_ATTENDANTS  ", wantCall: "list @ana:example.org"},
		{text: "TRANSFER_SERVICE p-bob", wantCall: "transfer @ana:example.org -> p-bob"},
		{text: "TRANSFER_SERVICE    @bob:example.org  ", wantCall: "transfer @ana:example.org -> @bob:example.org"},
		{text: "REGISTER_CUSTOMER 11.222.333/0001-81", wantCall: "register @ana:example.org 11.222.333/0001-81"},
		{text: "FINISH_SERVICE\nthanks!", wantCall: "finish @ana:example.org"},
		{text: "TRANSFER_SERVICE", wantReply: "Usage: TRANSFER_SERVICE <attendant id>"},
		{text: "REGISTER_CUSTOMER   ", wantReply: "Usage: REGISTER_CUSTOMER <cnpj>"},
		{text: "finish_service", wantCall: "attendant @ana:example.org: finish_service []"},
		{text: "FINISH_SERVICES now", wantCall: "attendant @ana:example.org: FINISH_SERVICES now []"},
		{text: "Hello, how can I help?", wantCall: "attendant @ana:example.org: Hello, how can I help? []"},
		{text: "/help", wantReply: "Command /help is not available. Commands: FINISH_SERVICE, LIST_AVAILABLE_ATTENDANTS, TRANSFER_SERVICE <id>, REGISTER_CUSTOMER <cnpj>."},
		{text: "/FINISH_SERVICE now", wantReply: "Command /FINISH_SERVICE is not available. Commands: FINISH_SERVICE, LIST_AVAILABLE_ATTENDANTS, TRANSFER_SERVICE <id>, REGISTER_CUSTOMER <cnpj>."},
		{text: "see a/b", wantCall: "attendant @ana:example.org: see a/b []"},
		{text: "   "},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			tr := newTestRouter(t)
			ctx := context.Background()
			// First contact registers the attendant and sends the welcome
			_, _, err := tr.store.EnsureBinding(ctx, &store.AttendantBinding{
				ID: "@ana:example.org", PresenceID: "p-ana", Name: "Ana", ReplyAddress: "!room-ana",
			})
			require.NoError(t, err)

			require.NoError(t, tr.router.Route(ctx, attendantEvent(tt.text)))

			if tt.wantCall != "" {
				assert.Equal(t, []string{tt.wantCall}, tr.orch.calls)
			} else {
				assert.Empty(t, tr.orch.calls)
			}
			replies := tr.attendants.MessagesTo("!room-ana")
			if tt.wantReply != "" {
				require.Len(t, replies, 1)
				assert.Equal(t, tt.wantReply, replies[0].Text)
			} else {
				assert.Empty(t, replies)
			}
		})
	}
}

func TestRoute_AttendantAttachmentsWithoutText(t *testing.T) {
	tr := newTestRouter(t)
	evt := attendantEvent("")
	evt.Attachments = []string{"mxc://example.org/file"}

	require.NoError(t, tr.router.Route(context.Background(), evt))
	assert.Equal(t, []string{"attendant @ana:example.org:  [mxc://example.org/file]"}, tr.orch.calls)
}

func TestRoute_AttendantFirstContactWelcome(t *testing.T) {
	tr := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, tr.router.Route(ctx, attendantEvent("hi")))
	require.NoError(t, tr.router.Route(ctx, attendantEvent("hi again")))

	replies := tr.attendants.MessagesTo("!room-ana")
	require.Len(t, replies, 1)
	assert.Equal(t, "Welcome to the switchboard, Ana. Your attendant ID is p-ana.", replies[0].Text)

	b, err := tr.store.GetBinding(ctx, "p-ana")
	require.NoError(t, err)
	assert.Equal(t, "@ana:example.org", b.ID)
	assert.Equal(t, "!room-ana", b.ReplyAddress)

	assert.Len(t, tr.orch.calls, 2)
}

func TestRoute_AttendantWithoutPresenceIDUsesChannelID(t *testing.T) {
	tr := newTestRouter(t)
	evt := attendantEvent("hi")
	evt.PresenceID = ""
	evt.Name = ""

	require.NoError(t, tr.router.Route(context.Background(), evt))

	b, err := tr.store.GetBinding(context.Background(), "@ana:example.org")
	require.NoError(t, err)
	assert.Equal(t, "@ana:example.org", b.PresenceID)
	assert.Equal(t, "@ana:example.org", b.Name)
}

func TestRoute_CustomerRegistrationThenOrchestrator(t *testing.T) {
	tr := newTestRouter(t)
	ctx := context.Background()

	require.NoError(t, tr.router.Route(ctx, customerEvent("Hello")))
	require.NoError(t, tr.router.Route(ctx, customerEvent("Ana")))
	require.NoError(t, tr.router.Route(ctx, customerEvent("2")))
	assert.Empty(t, tr.orch.calls, "registration does not reach the orchestrator")

	replies := tr.customers.MessagesTo("5511")
	require.Len(t, replies, 3)
	assert.Contains(t, replies[0].Text, "What is your name?")
	assert.Equal(t, "Ana, are you a customer?", replies[1].Text)
	assert.Len(t, replies[1].Options, 2)
	assert.Contains(t, replies[2].Text, "now tell us how we can help")

	require.NoError(t, tr.router.Route(ctx, customerEvent("  I need help ")))
	assert.Equal(t, []string{"customer 5511: I need help"}, tr.orch.calls)
}

func TestRoute_DropsRedeliveries(t *testing.T) {
	tr := newTestRouter(t)
	cache := dedupe.New(dedupe.Options{TTL: time.Minute})
	t.Cleanup(cache.Close)
	tr.router.dedupe = cache
	ctx := context.Background()

	evt := attendantEvent("FINISH_SERVICE")
	evt.ID = "$event1"
	require.NoError(t, tr.router.Route(ctx, evt))
	require.NoError(t, tr.router.Route(ctx, evt))

	evt.ID = "$event2"
	require.NoError(t, tr.router.Route(ctx, evt))

	assert.Len(t, tr.orch.calls, 2)
}

func TestRoute_UnknownKind(t *testing.T) {
	tr := newTestRouter(t)
	err := tr.router.Route(context.Background(), channel.Event{From: channel.Address{Kind: "fax", ID: "1"}})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestSplitCommand(t *testing.T) {
	tests := []struct {
		in, command, arg string
	}{
		{"FINISH_SERVICE", "FINISH_SERVICE", ""},
		{"TRANSFER_SERVICE  bob ", "TRANSFER_SERVICE", "bob"},
		{"TRANSFER_SERVICE\tbob", "TRANSFER_SERVICE", "bob"},
		{"", "", ""},
	}
	for _, tt := range tests {
		command, arg := splitCommand(tt.in)
		assert.Equal(t, tt.command, command, "input %q", tt.in)
		assert.Equal(t, tt.arg, arg, "input %q", tt.in)
	}
}

// TestRoute_EndToEnd runs the whole dialogue with the real orchestrator:
// a new customer registers and their first request opens a service that
// the only available attendant takes.
func TestRoute_EndToEnd(t *testing.T) {
	s := store.NewMockStore()
	customers := channel.NewRecorder(channel.KindCustomer)
	attendants := channel.NewRecorder(channel.KindAttendant)
	gateways := channel.NewGateways(customers, attendants)
	cat := catalog.Default()

	o := orchestrator.New(orchestrator.Options{
		Store:    s,
		Presence: presence.NewStatic(map[string]string{"p-ana": string(presence.Available)}, nil),
		Sender:   gateways,
		Catalog:  cat,
	})
	r := New(Options{
		Directory:    s,
		Stepper:      registration.NewStepper(s, cat, nil),
		Orchestrator: o,
		Sender:       gateways,
		Catalog:      cat,
	})
	ctx := context.Background()

	require.NoError(t, r.Route(ctx, attendantEvent("hi")))

	for _, text := range []string{"Hello", "Ana", "2", "I need help"} {
		require.NoError(t, r.Route(ctx, customerEvent(text)))
	}

	c, err := s.GetCustomer(ctx, "5511")
	require.NoError(t, err)
	assert.Equal(t, store.StepRegistered, c.Step)
	assert.Equal(t, "Ana", c.Name)

	svc, err := s.OpenServiceByCustomer(ctx, "5511")
	require.NoError(t, err)
	assert.Equal(t, "I need help", svc.FirstMessage)
	assert.Equal(t, store.StatusRunning, svc.Status)
	assert.Equal(t, "@ana:example.org", svc.AttendantID)

	require.NoError(t, r.Route(ctx, attendantEvent("Hi Ana, how can I help?")))
	last := customers.MessagesTo("5511")
	assert.Equal(t, "Ana said:\n\nHi Ana, how can I help?", last[len(last)-1].Text)

	require.NoError(t, r.Route(ctx, attendantEvent("FINISH_SERVICE")))
	_, err = s.OpenServiceByCustomer(ctx, "5511")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
