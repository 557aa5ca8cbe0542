// ABOUTME: Tests for attendant-side operations
// ABOUTME: Covers relays, finish, transfer, attendant listing and profile registration

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/channel"
	"github.com/2389/switchboard/internal/events"
	"github.com/2389/switchboard/internal/presence"
	"github.com/2389/switchboard/internal/store"
)

// runningWith opens a service for customer 5511 and lets ana take it.
func runningWith(t *testing.T, f *fixture) *store.Service {
	t.Helper()
	f.addAttendant(t, "ana", "Ana", presence.Available)
	c := f.addCustomer(t, "5511", "Bruno", nil)
	require.NoError(t, f.o.ReceiveFromCustomer(context.Background(), c, "I need help", nil))
	svc := f.openService(t, "5511")
	require.Equal(t, store.StatusRunning, svc.Status)
	f.customers.Reset()
	f.attendants.Reset()
	return svc
}

func TestReceiveFromAttendant_Relays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := runningWith(t, f)
	f.attendants.AddMedia("mxc://example.org/abc", channel.File{Name: "form.pdf", MIMEType: "application/pdf", Data: []byte("%PDF")})

	require.NoError(t, f.o.ReceiveFromAttendant(ctx, "ana", "How can I help?", []string{"mxc://example.org/abc"}))

	toCustomer := f.customers.MessagesTo("5511")
	require.Len(t, toCustomer, 1)
	assert.Equal(t, "Ana said:\n\nHow can I help?", toCustomer[0].Text)

	files := f.customers.Files()
	require.Len(t, files, 1)
	assert.Equal(t, channel.Customer("5511"), files[0].To)
	assert.Equal(t, "form.pdf", files[0].File.Name)
	assert.Equal(t, []byte("%PDF"), files[0].File.Data)

	log, err := f.store.ListMessages(ctx, svc.ID, 0)
	require.NoError(t, err)
	last := log[len(log)-1]
	assert.Equal(t, store.SenderAttendant, last.From)
	assert.Equal(t, "How can I help?", last.Text)
	assert.Equal(t, "ana", last.AttendantID)
}

func TestReceiveFromAttendant_AttachmentOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := runningWith(t, f)
	f.attendants.AddMedia("mxc://example.org/img", channel.File{Name: "img", MIMEType: "image/png", Data: []byte("png")})

	refs := []string{"mxc://example.org/img", "mxc://example.org/gone"}
	require.NoError(t, f.o.ReceiveFromAttendant(ctx, "ana", "", refs))

	// No empty "Ana said:" header, only the file that could be fetched
	assert.Empty(t, f.customers.Messages())
	files := f.customers.Files()
	require.Len(t, files, 1)
	assert.Equal(t, "image/png", files[0].File.MIMEType)

	log, err := f.store.ListMessages(ctx, svc.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, refs, log[len(log)-1].Attachments)
}

func TestReceiveFromAttendant_NotAttending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAttendant(t, "ana", "Ana", presence.Available)

	require.NoError(t, f.o.ReceiveFromAttendant(ctx, "ana", "hello?", nil))

	assert.Equal(t, []string{"You are not attending any service at the moment."},
		texts(f.attendants.MessagesTo("!room-ana")))
	assert.Empty(t, f.customers.Messages())
}

func TestFinishService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := runningWith(t, f)

	f.now = f.now.Add(17*time.Minute + 40*time.Second)
	require.NoError(t, f.o.FinishService(ctx, "ana"))

	finished, err := f.store.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFinished, finished.Status)
	require.NotNil(t, finished.SLAMinutes)
	assert.Equal(t, 17, *finished.SLAMinutes)
	require.NotNil(t, finished.FinishedAt)
	assert.Equal(t, f.now, *finished.FinishedAt)

	assert.Equal(t, []string{"The service was finished. The SLA was 17 minutes."},
		texts(f.attendants.MessagesTo("!room-ana")))
	assert.Equal(t, []string{"The service was finished by the attendant."},
		texts(f.customers.MessagesTo("5511")))

	evts := f.events.Events()
	last := evts[len(evts)-1]
	assert.Equal(t, events.ServiceFinished, last.Type)
	require.NotNil(t, last.SLAMinutes)
	assert.Equal(t, 17, *last.SLAMinutes)
}

func TestFinishService_WithoutRunningServiceIsANotice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := runningWith(t, f)
	f.addAttendant(t, "bob", "Bob", presence.Available)

	require.NoError(t, f.o.FinishService(ctx, "bob"))

	assert.Equal(t, []string{"You are not attending any service at the moment."},
		texts(f.attendants.MessagesTo("!room-bob")))
	unchanged, err := f.store.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, unchanged.Status)
	assert.Nil(t, unchanged.SLAMinutes)
	assert.Empty(t, f.customers.Messages())
}

func TestFinishService_Twice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runningWith(t, f)

	require.NoError(t, f.o.FinishService(ctx, "ana"))
	f.attendants.Reset()
	require.NoError(t, f.o.FinishService(ctx, "ana"))

	assert.Equal(t, []string{"You are not attending any service at the moment."},
		texts(f.attendants.MessagesTo("!room-ana")))
}

func TestTransferService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := runningWith(t, f)
	f.addAttendant(t, "bob", "Bob", presence.Available)

	require.NoError(t, f.o.TransferService(ctx, "ana", "p-bob"))

	moved, err := f.store.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, moved.Status)
	assert.Equal(t, "bob", moved.AttendantID)
	assert.Equal(t, "Bob", moved.AttendantName)
	assert.Equal(t, svc.StartedAt, moved.StartedAt)

	history, err := f.store.ListAssignments(ctx, svc.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].Round)
	assert.False(t, history[0].IsCurrent)
	assert.Equal(t, 2, history[1].Round)
	assert.True(t, history[1].IsCurrent)
	assert.Equal(t, "bob", history[1].AttendantID)

	toBob := f.attendants.MessagesTo("!room-bob")
	require.Len(t, toBob, 1)
	assert.Contains(t, toBob[0].Text, "Ana transferred a service to you.")
	assert.Contains(t, toBob[0].Text, "**Customer:** Bruno")
	assert.Contains(t, toBob[0].Text, "**Is customer:** Not informed")

	assert.Equal(t, []string{"Bob received the service and will continue it."},
		texts(f.attendants.MessagesTo("!room-ana")))
	assert.Equal(t, []string{"Your service was transferred. Bob will assist you now."},
		texts(f.customers.MessagesTo("5511")))

	evts := f.events.Events()
	last := evts[len(evts)-1]
	assert.Equal(t, events.ServiceTransferred, last.Type)
	assert.Equal(t, "ana", last.FromAttendantID)
	assert.Equal(t, "bob", last.AttendantID)
	assert.Equal(t, 2, last.Round)

	// The customer now talks to Bob
	f.attendants.Reset()
	c, err := f.store.GetCustomer(ctx, "5511")
	require.NoError(t, err)
	require.NoError(t, f.o.ReceiveFromCustomer(ctx, c, "thanks", nil))
	assert.Len(t, f.attendants.MessagesTo("!room-bob"), 1)
	assert.Empty(t, f.attendants.MessagesTo("!room-ana"))
}

func TestTransferService_ByChannelID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := runningWith(t, f)
	f.addAttendant(t, "bob", "Bob", presence.Available)

	require.NoError(t, f.o.TransferService(ctx, "ana", "  bob "))

	moved, err := f.store.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", moved.AttendantID)
}

func TestTransferService_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(t *testing.T, f *fixture)
		target string
		want   string
	}{
		{
			name:   "unknown target",
			target: "p-nobody",
			want:   "We could not find this attendant.",
		},
		{
			name: "target not present",
			setup: func(t *testing.T, f *fixture) {
				f.addAttendant(t, "bob", "Bob", presence.Busy)
			},
			target: "p-bob",
			want:   "Attendant Bob is not available at the moment.",
		},
		{
			name: "target unknown to presence",
			setup: func(t *testing.T, f *fixture) {
				f.addAttendant(t, "bob", "Bob", presence.Available)
				f.presence.Set("p-bob", presence.Unknown)
			},
			target: "bob",
			want:   "Attendant Bob is not available at the moment.",
		},
		{
			name: "target running another service",
			setup: func(t *testing.T, f *fixture) {
				f.addAttendant(t, "bob", "Bob", presence.Available)
				other := f.addCustomer(t, "other", "Other", nil)
				require.NoError(t, f.o.ReceiveFromCustomer(context.Background(), other, "hi", nil))
				f.attendants.Reset()
				f.customers.Reset()
			},
			target: "p-bob",
			want:   "Attendant Bob is not available at the moment.",
		},
		{
			name:   "self",
			target: "ana",
			want:   "Attendant Ana is not available at the moment.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			svc := runningWith(t, f)
			if tt.setup != nil {
				tt.setup(t, f)
			}

			require.NoError(t, f.o.TransferService(ctx, "ana", tt.target))

			assert.Equal(t, []string{tt.want}, texts(f.attendants.MessagesTo("!room-ana")))
			unchanged, err := f.store.GetService(ctx, svc.ID)
			require.NoError(t, err)
			assert.Equal(t, "ana", unchanged.AttendantID)
			history, err := f.store.ListAssignments(ctx, svc.ID)
			require.NoError(t, err)
			assert.Len(t, history, 1)
			assert.Empty(t, f.customers.MessagesTo("5511"))
		})
	}
}

func TestTransferService_NotAttending(t *testing.T) {
	f := newFixture(t)
	f.addAttendant(t, "ana", "Ana", presence.Available)
	f.addAttendant(t, "bob", "Bob", presence.Available)

	require.NoError(t, f.o.TransferService(context.Background(), "ana", "bob"))
	assert.Equal(t, []string{"You are not attending any service at the moment."},
		texts(f.attendants.MessagesTo("!room-ana")))
}

func TestTransferService_PresenceFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := runningWith(t, f)
	f.addAttendant(t, "bob", "Bob", presence.Available)
	f.o.presence = failingPresence{}

	require.NoError(t, f.o.TransferService(ctx, "ana", "bob"))

	assert.Equal(t, []string{"Attendant Bob is not available at the moment."},
		texts(f.attendants.MessagesTo("!room-ana")))
	unchanged, err := f.store.GetService(ctx, svc.ID)
	require.NoError(t, err)
	assert.Equal(t, "ana", unchanged.AttendantID)
}

func TestListAvailableAttendants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runningWith(t, f)
	f.addAttendant(t, "bob", "Bob", presence.Available)
	f.addAttendant(t, "cid", "Cid", presence.Available)
	f.addAttendant(t, "dan", "Dan", presence.Busy)

	require.NoError(t, f.o.ListAvailableAttendants(ctx, "ana"))

	msgs := f.attendants.MessagesTo("!room-ana")
	require.Len(t, msgs, 1)
	assert.Equal(t, "Available attendants:\n\nBob (ID: p-bob)\n\nCid (ID: p-cid)", msgs[0].Text)
	require.Len(t, msgs[0].Options, 2)
	assert.Equal(t, "TRANSFER_SERVICE p-bob", msgs[0].Options[0].ID)
	assert.Equal(t, "Bob", msgs[0].Options[0].Label)
	assert.Equal(t, "TRANSFER_SERVICE p-cid", msgs[0].Options[1].ID)
}

func TestListAvailableAttendants_None(t *testing.T) {
	f := newFixture(t)
	runningWith(t, f)
	f.addAttendant(t, "bob", "Bob", presence.Busy)

	require.NoError(t, f.o.ListAvailableAttendants(context.Background(), "ana"))
	assert.Equal(t, []string{"No attendants available at the moment."},
		texts(f.attendants.MessagesTo("!room-ana")))
}

func TestRegisterCustomerProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runningWith(t, f)

	require.NoError(t, f.o.RegisterCustomerProfile(ctx, "ana", "11.222.333/0001-81"))

	c, err := f.store.GetCustomer(ctx, "5511")
	require.NoError(t, err)
	assert.Equal(t, "11222333000181", c.TaxID)
	assert.True(t, c.Classified())

	assert.Equal(t, []string{"Customer Bruno is now registered with CNPJ 11.222.333/0001-81."},
		texts(f.attendants.MessagesTo("!room-ana")))
	assert.Equal(t, []string{"Your registration was updated with CNPJ 11.222.333/0001-81."},
		texts(f.customers.MessagesTo("5511")))
}

func TestRegisterCustomerProfile_InvalidLeavesCustomerUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	runningWith(t, f)
	before, err := f.store.GetCustomer(ctx, "5511")
	require.NoError(t, err)

	require.NoError(t, f.o.RegisterCustomerProfile(ctx, "ana", "123.456"))

	after, err := f.store.GetCustomer(ctx, "5511")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []string{"The CNPJ must have 14 digits. Please try again."},
		texts(f.attendants.MessagesTo("!room-ana")))
	assert.Empty(t, f.customers.Messages())
}

func TestRegisterCustomerProfile_NotAttending(t *testing.T) {
	f := newFixture(t)
	f.addAttendant(t, "ana", "Ana", presence.Available)

	require.NoError(t, f.o.RegisterCustomerProfile(context.Background(), "ana", "11222333000181"))
	assert.Equal(t, []string{"You are not attending any service at the moment."},
		texts(f.attendants.MessagesTo("!room-ana")))
}
