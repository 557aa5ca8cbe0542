// ABOUTME: Store interfaces and data types for switchboard persistence
// ABOUTME: Defines customers, attendant bindings, services, assignment history and the message log

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a conditional write loses against the
// current state: the service moved on, the customer already has an open
// service, or the attendant is already running another one.
var ErrConflict = errors.New("conflict")

// RegistrationStep is the onboarding position of a customer.
type RegistrationStep string

// Registration steps, in dialogue order.
const (
	StepFirstInteraction RegistrationStep = "FIRST_INTERACTION"
	StepAskName          RegistrationStep = "ASK_NAME"
	StepAskIfCustomer    RegistrationStep = "ASK_IF_CUSTOMER"
	StepAskTaxID         RegistrationStep = "ASK_TAX_ID"
	StepRegistered       RegistrationStep = "REGISTERED"
)

// Customer is an end customer keyed by their channel address.
type Customer struct {
	Address    string
	Name       string
	IsCustomer *bool // nil until the customer answers the classification question
	TaxID      string
	Step       RegistrationStep
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Classified reports whether the customer has been classified as an existing customer.
func (c *Customer) Classified() bool {
	return c.IsCustomer != nil && *c.IsCustomer
}

// AttendantBinding links an attendant's channel identity to their presence
// identity and the address used to reply to them.
type AttendantBinding struct {
	ID           string // attendant channel user id
	PresenceID   string // presence-provider identity
	Name         string
	ReplyAddress string // conversation/room the attendant is reached in
	CreatedAt    time.Time
}

// BindingFilter specifies filtering options for listing bindings.
type BindingFilter struct {
	// PresenceIDs restricts results to bindings whose presence id is listed.
	// A nil slice means no restriction; an empty non-nil slice matches nothing.
	PresenceIDs []string
}

// ServiceStatus is the lifecycle state of a Service.
type ServiceStatus string

// Service statuses.
const (
	StatusSearchingAttendant ServiceStatus = "SEARCHING_ATTENDANT"
	StatusInQueue            ServiceStatus = "IN_QUEUE"
	StatusRunning            ServiceStatus = "RUNNING"
	StatusFinished           ServiceStatus = "FINISHED"
)

// Valid reports whether s is a known status.
func (s ServiceStatus) Valid() bool {
	switch s {
	case StatusSearchingAttendant, StatusInQueue, StatusRunning, StatusFinished:
		return true
	}
	return false
}

// Service is one customer-to-attendant support session.
type Service struct {
	ID                  string
	CustomerAddress     string
	FirstMessage        string
	AttendantID         string
	AttendantName       string
	AttendantPresenceID string
	RoutingGroup        string
	Status              ServiceStatus
	StartedAt           *time.Time
	FinishedAt          *time.Time
	SLAMinutes          *int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Open reports whether the service has not been finished.
func (s *Service) Open() bool {
	return s.Status != StatusFinished
}

// Assignment is one round of the attendant assignment history of a service.
type Assignment struct {
	ID                  string
	ServiceID           string
	Round               int // 1-based; assigned by the store
	AttendantID         string
	AttendantName       string
	AttendantPresenceID string
	RoutingGroup        string
	IsCurrent           bool
	CreatedAt           time.Time
}

// Sender identifies which side of a service wrote a message.
type Sender string

// Message senders.
const (
	SenderCustomer  Sender = "customer"
	SenderAttendant Sender = "attendant"
)

// Message is an immutable log entry of a relayed message.
type Message struct {
	ID              string
	ServiceID       string
	From            Sender
	Text            string
	Attachments     []string
	CustomerAddress string
	AttendantID     string
	AttendantName   string
	CreatedAt       time.Time
}

// Directory holds customer identities and attendant bindings.
type Directory interface {
	GetCustomer(ctx context.Context, address string) (*Customer, error)
	CreateCustomer(ctx context.Context, customer *Customer) error
	UpdateCustomer(ctx context.Context, customer *Customer) error

	// GetBinding resolves an attendant by channel id or presence id.
	GetBinding(ctx context.Context, id string) (*AttendantBinding, error)
	// EnsureBinding creates the binding if no binding with its ID exists.
	// It returns the stored binding and whether it was created.
	EnsureBinding(ctx context.Context, binding *AttendantBinding) (*AttendantBinding, bool, error)
	ListBindings(ctx context.Context, filter BindingFilter) ([]*AttendantBinding, error)
}

// Sessions holds services, their assignment history and the message log.
type Sessions interface {
	// CreateService inserts a new service. Returns ErrConflict if the
	// customer already has an open service.
	CreateService(ctx context.Context, svc *Service) error
	GetService(ctx context.Context, id string) (*Service, error)
	OpenServiceByCustomer(ctx context.Context, customerAddress string) (*Service, error)
	RunningServiceByAttendant(ctx context.Context, attendantID string) (*Service, error)
	// ListServicesByStatus lists services in any of the given statuses,
	// oldest first. No statuses lists every service.
	ListServicesByStatus(ctx context.Context, statuses ...ServiceStatus) ([]*Service, error)
	// ChangeStatus moves a service from one status to another and stamps
	// updatedAt. Returns ErrConflict if the service is not currently in from.
	ChangeStatus(ctx context.Context, id string, from, to ServiceStatus, updatedAt time.Time) error

	// ClaimAttendant starts a searching service with the attendant held in
	// svc and appends assignment as the new current round. The claim only
	// succeeds while the service is still searching and the attendant holds
	// no running service; otherwise ErrConflict.
	ClaimAttendant(ctx context.Context, svc *Service, assignment *Assignment) error
	// TransferService moves a running service from fromAttendantID to the
	// attendant held in svc and appends assignment as the new current round.
	TransferService(ctx context.Context, svc *Service, fromAttendantID string, assignment *Assignment) error
	// FinishService stores the finished state of a running service.
	FinishService(ctx context.Context, svc *Service) error
	ListAssignments(ctx context.Context, serviceID string) ([]*Assignment, error)

	SaveMessage(ctx context.Context, msg *Message) error
	ListMessages(ctx context.Context, serviceID string, limit int) ([]*Message, error)
}

// Store combines the directory and session contracts.
type Store interface {
	Directory
	Sessions
	Close() error
}
