// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same conflict rules

package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu          sync.RWMutex
	customers   map[string]*Customer         // keyed by address
	bindings    map[string]*AttendantBinding // keyed by channel id
	services    map[string]*Service          // keyed by service ID
	order       []string                     // service IDs in creation order
	assignments map[string][]*Assignment     // keyed by service ID
	messages    map[string][]*Message        // keyed by service ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		customers:   make(map[string]*Customer),
		bindings:    make(map[string]*AttendantBinding),
		services:    make(map[string]*Service),
		assignments: make(map[string][]*Assignment),
		messages:    make(map[string][]*Message),
	}
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

// CreateCustomer stores a new customer.
func (m *MockStore) CreateCustomer(ctx context.Context, c *Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.customers[c.Address]; ok {
		return ErrConflict
	}
	if c.Step == "" {
		c.Step = StepFirstInteraction
	}
	m.customers[c.Address] = copyCustomer(c)
	return nil
}

// GetCustomer retrieves a customer by address.
func (m *MockStore) GetCustomer(ctx context.Context, address string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.customers[address]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCustomer(c), nil
}

// UpdateCustomer overwrites a customer.
func (m *MockStore) UpdateCustomer(ctx context.Context, c *Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.customers[c.Address]
	if !ok {
		return ErrNotFound
	}
	updated := copyCustomer(c)
	updated.CreatedAt = existing.CreatedAt
	m.customers[c.Address] = updated
	return nil
}

func copyCustomer(c *Customer) *Customer {
	cp := *c
	if c.IsCustomer != nil {
		v := *c.IsCustomer
		cp.IsCustomer = &v
	}
	return &cp
}

// GetBinding resolves a binding by channel id, then presence id.
func (m *MockStore) GetBinding(ctx context.Context, id string) (*AttendantBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if b, ok := m.bindings[id]; ok {
		cp := *b
		return &cp, nil
	}
	for _, b := range m.bindings {
		if b.PresenceID == id {
			cp := *b
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// EnsureBinding stores the binding if its ID is unknown.
func (m *MockStore) EnsureBinding(ctx context.Context, binding *AttendantBinding) (*AttendantBinding, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.bindings[binding.ID]; ok {
		cp := *b
		return &cp, false, nil
	}

	b := *binding
	if b.PresenceID == "" {
		b.PresenceID = b.ID
	}
	m.bindings[b.ID] = &b
	cp := b
	return &cp, true, nil
}

// ListBindings returns bindings matching the filter, ordered by name.
func (m *MockStore) ListBindings(ctx context.Context, filter BindingFilter) ([]*AttendantBinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*AttendantBinding{}
	for _, b := range m.bindings {
		if filter.PresenceIDs != nil && !slices.Contains(filter.PresenceIDs, b.PresenceID) {
			continue
		}
		cp := *b
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// CreateService stores a new service.
func (m *MockStore) CreateService(ctx context.Context, svc *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.services[svc.ID]; ok {
		return ErrConflict
	}
	for _, existing := range m.services {
		if existing.CustomerAddress == svc.CustomerAddress && existing.Open() {
			return ErrConflict
		}
	}

	m.services[svc.ID] = copyService(svc)
	m.order = append(m.order, svc.ID)
	return nil
}

// GetService retrieves a service by ID.
func (m *MockStore) GetService(ctx context.Context, id string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	svc, ok := m.services[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyService(svc), nil
}

// OpenServiceByCustomer retrieves the customer's unfinished service.
func (m *MockStore) OpenServiceByCustomer(ctx context.Context, customerAddress string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, svc := range m.services {
		if svc.CustomerAddress == customerAddress && svc.Open() {
			return copyService(svc), nil
		}
	}
	return nil, ErrNotFound
}

// RunningServiceByAttendant retrieves the attendant's running service.
func (m *MockStore) RunningServiceByAttendant(ctx context.Context, attendantID string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if svc := m.runningFor(attendantID); svc != nil {
		return copyService(svc), nil
	}
	return nil, ErrNotFound
}

func (m *MockStore) runningFor(attendantID string) *Service {
	for _, svc := range m.services {
		if svc.AttendantID == attendantID && svc.Status == StatusRunning {
			return svc
		}
	}
	return nil
}

// ListServicesByStatus returns services in the given statuses in creation order.
func (m *MockStore) ListServicesByStatus(ctx context.Context, statuses ...ServiceStatus) ([]*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*Service{}
	for _, id := range m.order {
		svc := m.services[id]
		if len(statuses) > 0 && !slices.Contains(statuses, svc.Status) {
			continue
		}
		result = append(result, copyService(svc))
	}
	return result, nil
}

// ChangeStatus moves a service between statuses if it is still in from.
func (m *MockStore) ChangeStatus(ctx context.Context, id string, from, to ServiceStatus, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, ok := m.services[id]
	if !ok {
		return ErrNotFound
	}
	if svc.Status != from {
		return ErrConflict
	}
	svc.Status = to
	svc.UpdatedAt = updatedAt
	return nil
}

// ClaimAttendant starts a searching service if the attendant is free.
func (m *MockStore) ClaimAttendant(ctx context.Context, svc *Service, assignment *Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.services[svc.ID]
	if !ok || current.Status != StatusSearchingAttendant {
		return ErrConflict
	}
	if m.runningFor(svc.AttendantID) != nil {
		return ErrConflict
	}

	current.AttendantID = svc.AttendantID
	current.AttendantName = svc.AttendantName
	current.AttendantPresenceID = svc.AttendantPresenceID
	current.Status = StatusRunning
	current.StartedAt = copyTime(svc.StartedAt)
	current.UpdatedAt = svc.UpdatedAt

	m.appendRound(assignment)
	return nil
}

// TransferService reassigns a running service if the target is free.
func (m *MockStore) TransferService(ctx context.Context, svc *Service, fromAttendantID string, assignment *Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.services[svc.ID]
	if !ok || current.Status != StatusRunning || current.AttendantID != fromAttendantID {
		return ErrConflict
	}
	if m.runningFor(svc.AttendantID) != nil {
		return ErrConflict
	}

	current.AttendantID = svc.AttendantID
	current.AttendantName = svc.AttendantName
	current.AttendantPresenceID = svc.AttendantPresenceID
	current.UpdatedAt = svc.UpdatedAt

	m.appendRound(assignment)
	return nil
}

func (m *MockStore) appendRound(a *Assignment) {
	history := m.assignments[a.ServiceID]
	for _, prev := range history {
		prev.IsCurrent = false
	}
	a.Round = len(history) + 1
	a.IsCurrent = true
	cp := *a
	m.assignments[a.ServiceID] = append(history, &cp)
}

// FinishService stores the finished state of a running service.
func (m *MockStore) FinishService(ctx context.Context, svc *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.services[svc.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != StatusRunning {
		return ErrConflict
	}

	current.Status = StatusFinished
	current.FinishedAt = copyTime(svc.FinishedAt)
	if svc.SLAMinutes != nil {
		v := *svc.SLAMinutes
		current.SLAMinutes = &v
	}
	current.UpdatedAt = svc.UpdatedAt
	return nil
}

// ListAssignments returns the assignment history of a service.
func (m *MockStore) ListAssignments(ctx context.Context, serviceID string) ([]*Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*Assignment{}
	for _, a := range m.assignments[serviceID] {
		cp := *a
		result = append(result, &cp)
	}
	return result, nil
}

// SaveMessage appends a message to the log.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *msg
	cp.Attachments = slices.Clone(msg.Attachments)
	m.messages[msg.ServiceID] = append(m.messages[msg.ServiceID], &cp)
	return nil
}

// ListMessages returns up to limit messages of a service in order.
func (m *MockStore) ListMessages(ctx context.Context, serviceID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	result := []*Message{}
	for _, msg := range m.messages[serviceID] {
		if len(result) >= limit {
			break
		}
		cp := *msg
		result = append(result, &cp)
	}
	return result, nil
}

func copyService(svc *Service) *Service {
	cp := *svc
	cp.StartedAt = copyTime(svc.StartedAt)
	cp.FinishedAt = copyTime(svc.FinishedAt)
	if svc.SLAMinutes != nil {
		v := *svc.SLAMinutes
		cp.SLAMinutes = &v
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Compile-time interface checks
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
)
