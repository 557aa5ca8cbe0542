// ABOUTME: Presence provider contract and the static in-memory provider
// ABOUTME: Reports attendant availability and routing-group membership

package presence

import (
	"context"
	"slices"
	"sync"
)

// Availability is an attendant's reported presence.
type Availability string

// Availability values. Providers may report others (Away, DoNotDisturb,
// ...); only Available admits a match.
const (
	Available Availability = "Available"
	Busy      Availability = "Busy"
	Unknown   Availability = "PresenceUnknown"
)

// IsAvailable reports whether a can take a new service.
func (a Availability) IsAvailable() bool {
	return a == Available
}

// Status is the availability of one presence id.
type Status struct {
	ID           string
	Availability Availability
}

// Member is one member of a routing group.
type Member struct {
	ID          string
	DisplayName string
}

// Provider answers presence and group membership queries.
type Provider interface {
	Status(ctx context.Context, id string) (Availability, error)
	// Statuses returns the availability of every id the provider knows.
	// Empty input returns an empty result without a remote call.
	Statuses(ctx context.Context, ids []string) ([]Status, error)
	// GroupMembers never fails: a lookup error is logged by the provider
	// and reported as an empty, non-nil group.
	GroupMembers(ctx context.Context, groupID string) []Member
}

// Static is a Provider backed by in-memory maps.
type Static struct {
	mu       sync.RWMutex
	statuses map[string]Availability
	groups   map[string][]string
}

// NewStatic creates a static provider from presence id -> availability and
// group id -> member presence ids.
func NewStatic(statuses map[string]string, groups map[string][]string) *Static {
	s := &Static{
		statuses: make(map[string]Availability, len(statuses)),
		groups:   make(map[string][]string, len(groups)),
	}
	for id, a := range statuses {
		s.statuses[id] = Availability(a)
	}
	for g, members := range groups {
		s.groups[g] = slices.Clone(members)
	}
	return s
}

// Set changes the availability of id.
func (s *Static) Set(id string, a Availability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = a
}

// SetGroup replaces the members of a group.
func (s *Static) SetGroup(groupID string, memberIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[groupID] = slices.Clone(memberIDs)
}

// Status returns the availability of id, Unknown if unset.
func (s *Static) Status(ctx context.Context, id string) (Availability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.statuses[id]; ok {
		return a, nil
	}
	return Unknown, nil
}

// Statuses returns the availability of every known id.
func (s *Static) Statuses(ctx context.Context, ids []string) ([]Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Status, 0, len(ids))
	for _, id := range ids {
		if a, ok := s.statuses[id]; ok {
			result = append(result, Status{ID: id, Availability: a})
		}
	}
	return result, nil
}

// GroupMembers returns the members of a group, empty if unknown.
func (s *Static) GroupMembers(ctx context.Context, groupID string) []Member {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]Member, 0, len(s.groups[groupID]))
	for _, id := range s.groups[groupID] {
		members = append(members, Member{ID: id})
	}
	return members
}
