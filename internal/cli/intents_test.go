package cli

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/converse/internal/config"
	"github.com/taskhive/converse/pkg/checkpoint"
	"github.com/taskhive/converse/pkg/engine"
	"github.com/taskhive/converse/pkg/graph"
	"github.com/taskhive/converse/pkg/state"
	"github.com/taskhive/converse/pkg/toolrelay"
)

func TestRegisterBuiltinIntents(t *testing.T) {
	registry := graph.NewRegistry()
	require.NoError(t, RegisterBuiltinIntents(registry, nil, config.DefaultConfig().Boundary))

	def, err := registry.Get("service_request")
	require.NoError(t, err)
	assert.Equal(t, "collect_details", def.Start)
	assert.NoError(t, def.Validate())
}

func TestExtractCity(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"I need plumbing in Austin", "Austin"},
		{"landscaping in San Antonio please?", "San Antonio please"},
		{"no city here", ""},
		{"in", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, extractCity(tt.message), tt.message)
	}
}

func TestCollectDetailsAsksForMissingSlots(t *testing.T) {
	conv := state.NewConversation("s", "service_request", "collect_details")

	update, err := collectDetails(context.Background(), conv, "hello")
	require.NoError(t, err)
	assert.True(t, update.RequiresUserInput)
	assert.Contains(t, update.Response, "which city")

	update, err = collectDetails(context.Background(), conv, "I need landscaping")
	require.NoError(t, err)
	assert.Equal(t, "landscaping", update.Variables["service_type"])
	assert.True(t, update.RequiresUserInput)
	assert.Contains(t, update.Response, "Which city")

	update, err = collectDetails(context.Background(), conv, "landscaping in Austin")
	require.NoError(t, err)
	assert.Equal(t, "Austin", update.Variables["city"])
	assert.False(t, update.RequiresUserInput)
}

func TestServiceRequestEndToEnd(t *testing.T) {
	// Upstream providers API
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/providers/search", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte(`{"providers": ["GreenThumb Co", "Yard Masters"]}`))
	}))
	defer srv.Close()

	toolRegistry := toolrelay.NewRegistry()
	require.NoError(t, toolRegistry.Load([]byte(`{
		"tools": [{
			"name": "search_providers",
			"method": "GET",
			"path": "/v1/providers/search",
			"params": {
				"type": "object",
				"required": ["city", "service_type"],
				"properties": {
					"city": {"type": "string"},
					"service_type": {"type": "string"}
				}
			}
		}]
	}`)))
	relay := toolrelay.NewRelay(toolRegistry, toolrelay.NewHTTPInvoker(srv.URL, 5*time.Second), zerolog.Nop())

	graphs := graph.NewRegistry()
	require.NoError(t, RegisterBuiltinIntents(graphs, relay, config.DefaultConfig().Boundary))

	store, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	eng := engine.New(graphs, store, zerolog.Nop())
	ctx := context.Background()

	first, err := eng.Invoke(ctx, engine.Request{
		Intent:  "service_request",
		Message: "I need landscaping in Austin",
		Auth:    "Bearer tok",
	})
	require.NoError(t, err)
	assert.True(t, first.RequiresUserInput)
	assert.Equal(t, "confirm", first.CurrentNode)
	assert.Contains(t, first.NaturalResponse, "Shall I book")

	second, err := eng.Invoke(ctx, engine.Request{SessionID: first.SessionID, Message: "yes"})
	require.NoError(t, err)
	assert.True(t, second.Completed)
	assert.Equal(t, state.EndCompleted, second.EndReason)

	conv, err := store.Get(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"GreenThumb Co", "Yard Masters"}, conv.Value("providers"))
	assert.Equal(t, true, conv.Value("confirmed"))

	// The provider search landed in the audit log
	var found bool
	for _, action := range conv.Actions {
		if action.Tool == "search_providers" && action.Success {
			found = true
		}
	}
	assert.True(t, found)
}

func TestServiceRequestStubModeWithoutRelay(t *testing.T) {
	graphs := graph.NewRegistry()
	require.NoError(t, RegisterBuiltinIntents(graphs, nil, config.DefaultConfig().Boundary))

	store, err := checkpoint.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"), zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()

	eng := engine.New(graphs, store, zerolog.Nop())

	resp, err := eng.Invoke(context.Background(), engine.Request{
		Intent:  "service_request",
		Message: "cleaning in Dallas",
	})
	require.NoError(t, err)
	assert.Equal(t, "confirm", resp.CurrentNode)

	conv, err := store.Get(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"local-demo-provider"}, conv.Value("providers"))
}
