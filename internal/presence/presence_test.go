// ABOUTME: Tests for the Graph and static presence providers
// ABOUTME: Graph calls are served by an httptest server

package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGraphServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	mux := http.NewServeMux()

	mux.HandleFunc("GET /users/{id}/presence", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.PathValue("id") == "broken" {
			http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": r.PathValue("id"), "availability": "Available"})
	})

	mux.HandleFunc("POST /communications/getPresencesByUserId", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer graph-token", r.Header.Get("Authorization"))
		var body struct {
			IDs []string `json:"ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if len(body.IDs) > maxPresenceBatch {
			http.Error(w, `{"error":"too many ids"}`, http.StatusBadRequest)
			return
		}

		var value []map[string]string
		for i, id := range body.IDs {
			availability := "Available"
			if i%2 == 1 {
				availability = "Busy"
			}
			value = append(value, map[string]string{"id": id, "availability": availability})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"value": value})
	})

	var srv *httptest.Server
	mux.HandleFunc("GET /groups/{id}/members", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("page") == "2" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []map[string]string{{"id": "u3", "displayName": "Carla"}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"value":           []map[string]string{{"id": "u1", "displayName": "Ana"}, {"id": "u2", "displayName": "Bo"}},
			"@odata.nextLink": srv.URL + "/groups/" + r.PathValue("id") + "/members?page=2",
		})
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestGraph_Status(t *testing.T) {
	srv, _ := newGraphServer(t)
	g := NewGraph(GraphConfig{BaseURL: srv.URL, Token: "graph-token"}, nil)

	a, err := g.Status(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, a.IsAvailable())

	_, err = g.Status(context.Background(), "broken")
	assert.Error(t, err)
}

func TestGraph_Statuses(t *testing.T) {
	srv, calls := newGraphServer(t)
	g := NewGraph(GraphConfig{BaseURL: srv.URL, Token: "graph-token"}, nil)

	statuses, err := g.Statuses(context.Background(), []string{"u1", "u2"})
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, Status{ID: "u1", Availability: Available}, statuses[0])
	assert.Equal(t, Status{ID: "u2", Availability: Busy}, statuses[1])
	assert.Equal(t, int32(1), calls.Load())
}

func TestGraph_Statuses_Batches(t *testing.T) {
	srv, calls := newGraphServer(t)
	g := NewGraph(GraphConfig{BaseURL: srv.URL, Token: "graph-token"}, nil)

	ids := make([]string, 1400)
	for i := range ids {
		ids[i] = fmt.Sprintf("u%d", i)
	}
	statuses, err := g.Statuses(context.Background(), ids)
	require.NoError(t, err)
	require.Len(t, statuses, 1400)
	assert.Equal(t, "u1399", statuses[1399].ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGraph_Statuses_EmptyMakesNoCall(t *testing.T) {
	srv, calls := newGraphServer(t)
	g := NewGraph(GraphConfig{BaseURL: srv.URL}, nil)

	statuses, err := g.Statuses(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, statuses)
	assert.Equal(t, int32(0), calls.Load())
}

func TestGraph_GroupMembersFollowsPages(t *testing.T) {
	srv, _ := newGraphServer(t)
	g := NewGraph(GraphConfig{BaseURL: srv.URL}, nil)

	members := g.GroupMembers(context.Background(), "grp")
	require.Len(t, members, 3)
	assert.Equal(t, "Carla", members[2].DisplayName)
}

func TestGraph_UnreachableDegrades(t *testing.T) {
	var logs bytes.Buffer
	g := NewGraph(GraphConfig{BaseURL: "http://127.0.0.1:1"}, slog.New(slog.NewTextHandler(&logs, nil)))

	members := g.GroupMembers(context.Background(), "grp")
	assert.NotNil(t, members)
	assert.Empty(t, members)
	assert.Contains(t, logs.String(), "group membership lookup failed")
	assert.Contains(t, logs.String(), "group=grp")

	_, err := g.Statuses(context.Background(), []string{"u1"})
	assert.Error(t, err)
}

func TestStatic(t *testing.T) {
	s := NewStatic(map[string]string{"u1": "Available", "u2": "Away"}, map[string][]string{"g1": {"u1"}})
	ctx := context.Background()

	a, err := s.Status(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, a.IsAvailable())

	a, err = s.Status(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, Unknown, a)

	statuses, err := s.Statuses(ctx, []string{"u1", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, []Status{{ID: "u1", Availability: Available}}, statuses)

	s.Set("u2", Available)
	s.SetGroup("g1", "u1", "u2")
	assert.Len(t, s.GroupMembers(ctx, "g1"), 2)
	assert.Empty(t, s.GroupMembers(ctx, "unknown"))
}
