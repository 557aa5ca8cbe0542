// ABOUTME: Microsoft Graph presence provider
// ABOUTME: Queries user presence, batch presence and group membership over the Graph REST API

package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
)

// maxPresenceBatch is the most ids getPresencesByUserId accepts per request.
const maxPresenceBatch = 650

// GraphConfig configures the Graph client. Token acquisition happens
// elsewhere; Token is sent as a bearer token as-is.
type GraphConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Graph is a Provider backed by Microsoft Graph.
type Graph struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewGraph creates a Graph presence client.
func NewGraph(cfg GraphConfig, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Graph{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With("component", "presence"),
	}
}

type presenceResource struct {
	ID           string `json:"id"`
	Availability string `json:"availability"`
}

// Status returns the presence of one user.
func (g *Graph) Status(ctx context.Context, id string) (Availability, error) {
	var res presenceResource
	if err := g.do(ctx, http.MethodGet, "/users/"+url.PathEscape(id)+"/presence", nil, &res); err != nil {
		return Unknown, fmt.Errorf("getting presence of %s: %w", id, err)
	}
	return Availability(res.Availability), nil
}

// Statuses returns the presence of many users, in batches of at most
// maxPresenceBatch ids per request. Any failed batch fails the whole call.
func (g *Graph) Statuses(ctx context.Context, ids []string) ([]Status, error) {
	statuses := make([]Status, 0, len(ids))
	for batch := range slices.Chunk(ids, maxPresenceBatch) {
		var res struct {
			Value []presenceResource `json:"value"`
		}
		body := map[string][]string{"ids": batch}
		if err := g.do(ctx, http.MethodPost, "/communications/getPresencesByUserId", body, &res); err != nil {
			return nil, fmt.Errorf("getting presences: %w", err)
		}
		for _, p := range res.Value {
			statuses = append(statuses, Status{ID: p.ID, Availability: Availability(p.Availability)})
		}
	}
	return statuses, nil
}

// GroupMembers lists a group's members, following result pages. A failed
// lookup is logged and yields an empty group.
func (g *Graph) GroupMembers(ctx context.Context, groupID string) []Member {
	members, err := g.listGroupMembers(ctx, groupID)
	if err != nil {
		g.logger.Warn("group membership lookup failed", "group", groupID, "error", err)
		return []Member{}
	}
	return members
}

func (g *Graph) listGroupMembers(ctx context.Context, groupID string) ([]Member, error) {
	members := []Member{}
	next := "/groups/" + url.PathEscape(groupID) + "/members"

	for next != "" {
		var res struct {
			Value []struct {
				ID          string `json:"id"`
				DisplayName string `json:"displayName"`
			} `json:"value"`
			NextLink string `json:"@odata.nextLink"`
		}
		if err := g.do(ctx, http.MethodGet, next, nil, &res); err != nil {
			return nil, fmt.Errorf("listing members of group %s: %w", groupID, err)
		}
		for _, m := range res.Value {
			members = append(members, Member{ID: m.ID, DisplayName: m.DisplayName})
		}
		next = strings.TrimPrefix(res.NextLink, g.baseURL)
	}

	return members, nil
}

// do sends a Graph request. path is relative to the base URL unless it is
// already absolute.
func (g *Graph) do(ctx context.Context, method, path string, in, out any) error {
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = g.baseURL + path
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		g.logger.Debug("graph request failed", "method", method, "path", path, "status", resp.StatusCode)
		return fmt.Errorf("graph returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
