// ABOUTME: Channel contract shared by the customer and attendant gateways
// ABOUTME: Defines addresses, outbound messages, inbound events and the Gateway interface

package channel

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoGateway is returned when a message targets a channel kind with no gateway.
	ErrNoGateway = errors.New("no gateway for channel kind")
	// ErrNoMedia is returned when a channel cannot fetch the attachment it was asked for.
	ErrNoMedia = errors.New("media not available")
)

// Kind tells which side of the switchboard an address belongs to.
type Kind string

// Channel kinds.
const (
	KindCustomer  Kind = "customer"
	KindAttendant Kind = "attendant"
)

// Address is a channel-qualified recipient or sender.
type Address struct {
	Kind Kind
	ID   string
}

// Customer returns the customer-channel address for id.
func Customer(id string) Address { return Address{Kind: KindCustomer, ID: id} }

// Attendant returns the attendant-channel address for id.
func Attendant(id string) Address { return Address{Kind: KindAttendant, ID: id} }

func (a Address) String() string {
	return fmt.Sprintf("%s:%s", a.Kind, a.ID)
}

// Option is a selectable reply offered alongside a message.
// ID is sent back as the reply text when the option is picked.
type Option struct {
	ID    string
	Label string
}

// Message is an outbound message.
type Message struct {
	To      Address
	Text    string
	Options []Option
}

// File is an outbound document. Gateways upload Data when it is set and
// fall back to linking URL otherwise.
type File struct {
	Name     string
	URL      string
	MIMEType string
	Caption  string
	Data     []byte
}

// Event is a normalized inbound message.
type Event struct {
	ID   string // provider message id, used to drop redeliveries
	From Address
	Name string // sender display name when the channel provides one

	// Attendant channel only
	PresenceID   string
	ReplyAddress string

	Text        string
	Attachments []string // channel-specific media references, resolved by MediaSource
	ReceivedAt  time.Time
}

// Gateway delivers messages to one channel kind.
type Gateway interface {
	Kind() Kind
	Send(ctx context.Context, msg Message) error
	SendFile(ctx context.Context, to Address, file File) error
}

// MediaSource is implemented by gateways that can download the media
// references they put in Event.Attachments.
type MediaSource interface {
	Fetch(ctx context.Context, ref string) (File, error)
}

// Handler consumes inbound events.
type Handler interface {
	Route(ctx context.Context, evt Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, evt Event) error

// Route calls f(ctx, evt).
func (f HandlerFunc) Route(ctx context.Context, evt Event) error { return f(ctx, evt) }

// Gateways dispatches outbound messages to the gateway registered for the
// recipient's kind.
type Gateways struct {
	byKind map[Kind]Gateway
}

// NewGateways indexes the given gateways by kind. A later gateway replaces
// an earlier one of the same kind.
func NewGateways(gateways ...Gateway) *Gateways {
	g := &Gateways{byKind: make(map[Kind]Gateway, len(gateways))}
	for _, gw := range gateways {
		g.byKind[gw.Kind()] = gw
	}
	return g
}

// Get returns the gateway for kind.
func (g *Gateways) Get(kind Kind) (Gateway, bool) {
	gw, ok := g.byKind[kind]
	return gw, ok
}

// Send delivers msg through the gateway for msg.To.Kind.
func (g *Gateways) Send(ctx context.Context, msg Message) error {
	gw, ok := g.byKind[msg.To.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoGateway, msg.To.Kind)
	}
	return gw.Send(ctx, msg)
}

// SendFile delivers file through the gateway for to.Kind.
func (g *Gateways) SendFile(ctx context.Context, to Address, file File) error {
	gw, ok := g.byKind[to.Kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoGateway, to.Kind)
	}
	return gw.SendFile(ctx, to, file)
}

// Fetch downloads an attachment reference through the gateway of the channel
// that produced it.
func (g *Gateways) Fetch(ctx context.Context, from Kind, ref string) (File, error) {
	gw, ok := g.byKind[from]
	if !ok {
		return File{}, fmt.Errorf("%w: %s", ErrNoGateway, from)
	}
	src, ok := gw.(MediaSource)
	if !ok {
		return File{}, fmt.Errorf("%w: %s channel cannot fetch %q", ErrNoMedia, from, ref)
	}
	return src.Fetch(ctx, ref)
}
