// ABOUTME: Ops HTTP API for inspecting services and attendants
// ABOUTME: Serves service lists, service detail with history and messages, and attendant availability

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/switchboard/internal/store"
)

// ServiceResponse is the JSON shape of a service.
type ServiceResponse struct {
	ID                  string `json:"id"`
	CustomerAddress     string `json:"customer_address"`
	FirstMessage        string `json:"first_message"`
	Status              string `json:"status"`
	AttendantID         string `json:"attendant_id,omitempty"`
	AttendantName       string `json:"attendant_name,omitempty"`
	AttendantPresenceID string `json:"attendant_presence_id,omitempty"`
	RoutingGroup        string `json:"routing_group,omitempty"`
	StartedAt           string `json:"started_at,omitempty"`
	FinishedAt          string `json:"finished_at,omitempty"`
	SLAMinutes          *int   `json:"sla_minutes,omitempty"`
	CreatedAt           string `json:"created_at"`
	UpdatedAt           string `json:"updated_at"`
}

// ListServicesResponse is the JSON response for GET /api/services.
type ListServicesResponse struct {
	Services []ServiceResponse `json:"services"`
}

// AssignmentResponse is one round of a service's attendant history.
type AssignmentResponse struct {
	Round         int    `json:"round"`
	AttendantID   string `json:"attendant_id"`
	AttendantName string `json:"attendant_name"`
	RoutingGroup  string `json:"routing_group,omitempty"`
	Current       bool   `json:"current"`
	CreatedAt     string `json:"created_at"`
}

// MessageResponse is one logged message of a service.
type MessageResponse struct {
	ID          string   `json:"id"`
	From        string   `json:"from"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
	CreatedAt   string   `json:"created_at"`
}

// ServiceDetailResponse is the JSON response for GET /api/services/{id}.
type ServiceDetailResponse struct {
	Service     ServiceResponse      `json:"service"`
	Assignments []AssignmentResponse `json:"assignments"`
	Messages    []MessageResponse    `json:"messages"`
}

// AttendantResponse is the JSON shape of an attendant binding with its
// current state.
type AttendantResponse struct {
	ID         string `json:"id"`
	PresenceID string `json:"presence_id"`
	Name       string `json:"name"`
	Available  bool   `json:"available"`
	ServiceID  string `json:"service_id,omitempty"`
}

// ListAttendantsResponse is the JSON response for GET /api/attendants.
type ListAttendantsResponse struct {
	Attendants []AttendantResponse `json:"attendants"`
}

// SweepResponse is the JSON response for POST /api/sweep.
type SweepResponse struct {
	Matched int `json:"matched"`
}

// handleListServices handles GET /api/services. The optional status query
// parameter takes a comma-separated list of statuses.
func (g *Gateway) handleListServices(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r.URL.Query().Get("status"))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	services, err := g.store.ListServicesByStatus(r.Context(), statuses...)
	if err != nil {
		g.logger.Error("failed to list services", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list services")
		return
	}

	resp := ListServicesResponse{Services: make([]ServiceResponse, 0, len(services))}
	for _, svc := range services {
		resp.Services = append(resp.Services, toServiceResponse(svc))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func parseStatuses(raw string) ([]store.ServiceStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var statuses []store.ServiceStatus
	for part := range strings.SplitSeq(raw, ",") {
		s := store.ServiceStatus(strings.ToUpper(strings.TrimSpace(part)))
		if !s.Valid() {
			return nil, errors.New("unknown status: " + part)
		}
		statuses = append(statuses, s)
	}
	return statuses, nil
}

// handleGetService handles GET /api/services/{id}. The optional limit query
// parameter caps the number of messages returned.
func (g *Gateway) handleGetService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	svc, err := g.store.GetService(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "service not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to get service", "service", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to get service")
		return
	}

	assignments, err := g.store.ListAssignments(r.Context(), id)
	if err != nil {
		g.logger.Error("failed to list assignments", "service", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to get service")
		return
	}
	messages, err := g.store.ListMessages(r.Context(), id, limit)
	if err != nil {
		g.logger.Error("failed to list messages", "service", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to get service")
		return
	}

	resp := ServiceDetailResponse{
		Service:     toServiceResponse(svc),
		Assignments: make([]AssignmentResponse, 0, len(assignments)),
		Messages:    make([]MessageResponse, 0, len(messages)),
	}
	for _, a := range assignments {
		resp.Assignments = append(resp.Assignments, AssignmentResponse{
			Round:         a.Round,
			AttendantID:   a.AttendantID,
			AttendantName: a.AttendantName,
			RoutingGroup:  a.RoutingGroup,
			Current:       a.IsCurrent,
			CreatedAt:     formatTime(a.CreatedAt),
		})
	}
	for _, m := range messages {
		resp.Messages = append(resp.Messages, MessageResponse{
			ID:          m.ID,
			From:        string(m.From),
			Text:        m.Text,
			Attachments: m.Attachments,
			CreatedAt:   formatTime(m.CreatedAt),
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleListAttendants handles GET /api/attendants: every known attendant,
// whether matching would pick them right now, and the service they run.
func (g *Gateway) handleListAttendants(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	bindings, err := g.store.ListBindings(ctx, store.BindingFilter{})
	if err != nil {
		g.logger.Error("failed to list attendants", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list attendants")
		return
	}
	running, err := g.store.ListServicesByStatus(ctx, store.StatusRunning)
	if err != nil {
		g.logger.Error("failed to list running services", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list attendants")
		return
	}

	serving := make(map[string]string, len(running))
	for _, svc := range running {
		serving[svc.AttendantID] = svc.ID
	}
	available := make(map[string]bool)
	for _, b := range g.matcher.Available(ctx, "") {
		available[b.ID] = true
	}

	resp := ListAttendantsResponse{Attendants: make([]AttendantResponse, 0, len(bindings))}
	for _, b := range bindings {
		resp.Attendants = append(resp.Attendants, AttendantResponse{
			ID:         b.ID,
			PresenceID: b.PresenceID,
			Name:       b.Name,
			Available:  available[b.ID],
			ServiceID:  serving[b.ID],
		})
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleSweep handles POST /api/sweep: an out-of-band queue sweep.
func (g *Gateway) handleSweep(w http.ResponseWriter, r *http.Request) {
	matched, err := g.matcher.ReconcileQueue(r.Context())
	if err != nil {
		g.logger.Error("manual sweep failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	g.writeJSON(w, http.StatusOK, SweepResponse{Matched: matched})
}

func toServiceResponse(svc *store.Service) ServiceResponse {
	resp := ServiceResponse{
		ID:                  svc.ID,
		CustomerAddress:     svc.CustomerAddress,
		FirstMessage:        svc.FirstMessage,
		Status:              string(svc.Status),
		AttendantID:         svc.AttendantID,
		AttendantName:       svc.AttendantName,
		AttendantPresenceID: svc.AttendantPresenceID,
		RoutingGroup:        svc.RoutingGroup,
		SLAMinutes:          svc.SLAMinutes,
		CreatedAt:           formatTime(svc.CreatedAt),
		UpdatedAt:           formatTime(svc.UpdatedAt),
	}
	if svc.StartedAt != nil {
		resp.StartedAt = formatTime(*svc.StartedAt)
	}
	if svc.FinishedAt != nil {
		resp.FinishedAt = formatTime(*svc.FinishedAt)
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
