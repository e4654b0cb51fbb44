package toolrelay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/converse/pkg/state"
)

const testSpecs = `{
	"tools": [
		{
			"name": "search_providers",
			"description": "Search service providers by city",
			"method": "GET",
			"path": "/v1/providers/search",
			"params": {
				"type": "object",
				"required": ["city"],
				"properties": {
					"city": {"type": "string"},
					"service_type": {"type": "string"}
				}
			}
		},
		{
			"name": "get_provider",
			"method": "GET",
			"path": "/v1/providers/{provider_id}"
		},
		{
			"name": "create_booking",
			"method": "POST",
			"path": "/v1/bookings",
			"mutating": true,
			"params": {
				"type": "object",
				"required": ["provider_id", "slot"],
				"properties": {
					"provider_id": {"type": "string"},
					"slot": {"type": "string"}
				}
			}
		}
	]
}`

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Load([]byte(testSpecs)))
	return r
}

// recordingInvoker counts attempts so tests can assert fail-closed behavior
type recordingInvoker struct {
	calls   atomic.Int32
	results []func(Call) (*Result, error)
}

func (f *recordingInvoker) Invoke(_ context.Context, call Call) (*Result, error) {
	n := int(f.calls.Add(1)) - 1
	if n < len(f.results) {
		return f.results[n](call)
	}
	return f.results[len(f.results)-1](call)
}

func ok(body string) func(Call) (*Result, error) {
	return func(Call) (*Result, error) {
		return &Result{StatusCode: 200, Body: []byte(body)}, nil
	}
}

func status(code int) func(Call) (*Result, error) {
	return func(Call) (*Result, error) {
		return &Result{StatusCode: code}, nil
	}
}

func newTestRelay(t *testing.T, invoker Invoker) *Relay {
	t.Helper()
	relay := NewRelay(testRegistry(t), invoker, zerolog.Nop())
	relay.backoff = time.Millisecond
	return relay
}

func TestRegistryLoadRejectsInvalidDocument(t *testing.T) {
	r := NewRegistry()

	err := r.Load([]byte(`{"tools": [{"name": "x"}]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid tool specs")

	err = r.Load([]byte(`{"tools": [{"name": "x", "method": "TRACE", "path": "/x"}]}`))
	require.Error(t, err)
}

func TestRegistryLoadKeepsPreviousOnFailure(t *testing.T) {
	r := testRegistry(t)
	require.Equal(t, 3, r.Count())

	require.Error(t, r.Load([]byte(`not json`)))
	assert.Equal(t, 3, r.Count())
}

func TestExecuteFailsClosedBeforeNetwork(t *testing.T) {
	invoker := &recordingInvoker{results: []func(Call) (*Result, error){ok("{}")}}
	relay := newTestRelay(t, invoker)
	conv := state.NewConversation("s", "service_request", "n")

	_, err := relay.Execute(context.Background(), conv, "n", "delete_account", nil, "")
	var notAllowed *ToolNotAllowedError
	require.ErrorAs(t, err, &notAllowed)
	assert.Equal(t, "delete_account", notAllowed.Tool)
	assert.Equal(t, int32(0), invoker.calls.Load(), "no network call for unlisted tool")

	require.Len(t, conv.Actions, 1)
	assert.False(t, conv.Actions[0].Success)
}

func TestExecuteValidatesArgsBeforeNetwork(t *testing.T) {
	invoker := &recordingInvoker{results: []func(Call) (*Result, error){ok("{}")}}
	relay := newTestRelay(t, invoker)
	conv := state.NewConversation("s", "service_request", "n")

	_, err := relay.Execute(context.Background(), conv, "n", "search_providers",
		map[string]interface{}{"service_type": "landscaping"}, "")

	var invalid *ValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, int32(0), invoker.calls.Load())
}

func TestExecuteRecordsSuccessfulAction(t *testing.T) {
	invoker := &recordingInvoker{results: []func(Call) (*Result, error){ok(`{"providers":[]}`)}}
	relay := newTestRelay(t, invoker)
	conv := state.NewConversation("s", "service_request", "search")

	result, err := relay.Execute(context.Background(), conv, "search", "search_providers",
		map[string]interface{}{"city": "Austin"}, "Bearer token-123")
	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)

	require.Len(t, conv.Actions, 1)
	action := conv.Actions[0]
	assert.Equal(t, "tool_call", action.Action)
	assert.Equal(t, "search_providers", action.Tool)
	assert.Equal(t, "search", action.Node)
	assert.True(t, action.Success)
	assert.NotEmpty(t, action.ID)
	assert.Equal(t, `{"providers":[]}`, action.ResultSummary)
}

func TestExecuteClassifiesStatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		target interface{}
	}{
		{"unauthorized", 401, new(*AuthError)},
		{"forbidden", 403, new(*AuthError)},
		{"bad request", 400, new(*ValidationError)},
		{"unprocessable", 422, new(*ValidationError)},
		{"server error", 500, new(*TransientError)},
		{"bad gateway", 502, new(*TransientError)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay := newTestRelay(t, &recordingInvoker{results: []func(Call) (*Result, error){status(tt.code)}})
			conv := state.NewConversation("s", "service_request", "n")

			_, err := relay.Execute(context.Background(), conv, "n", "search_providers",
				map[string]interface{}{"city": "Austin"}, "")
			require.Error(t, err)
			assert.True(t, errors.As(err, tt.target))
		})
	}
}

func TestExecuteWithRetryRecoversFromTransient(t *testing.T) {
	invoker := &recordingInvoker{results: []func(Call) (*Result, error){
		status(503),
		ok(`{"providers":[]}`),
	}}
	relay := newTestRelay(t, invoker)
	conv := state.NewConversation("s", "service_request", "n")

	result, err := relay.ExecuteWithRetry(context.Background(), conv, "n", "search_providers",
		map[string]interface{}{"city": "Austin"}, "")
	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, int32(2), invoker.calls.Load())

	// Both attempts are audited
	require.Len(t, conv.Actions, 2)
	assert.False(t, conv.Actions[0].Success)
	assert.True(t, conv.Actions[1].Success)
}

func TestExecuteWithRetryGivesUpAfterCap(t *testing.T) {
	invoker := &recordingInvoker{results: []func(Call) (*Result, error){status(503)}}
	relay := newTestRelay(t, invoker)
	conv := state.NewConversation("s", "service_request", "n")

	_, err := relay.ExecuteWithRetry(context.Background(), conv, "n", "search_providers",
		map[string]interface{}{"city": "Austin"}, "")
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, int32(1+maxRetries), invoker.calls.Load())
}

func TestExecuteWithRetryNeverRetriesMutatingTools(t *testing.T) {
	invoker := &recordingInvoker{results: []func(Call) (*Result, error){status(503)}}
	relay := newTestRelay(t, invoker)
	conv := state.NewConversation("s", "service_request", "n")

	_, err := relay.ExecuteWithRetry(context.Background(), conv, "n", "create_booking",
		map[string]interface{}{"provider_id": "p1", "slot": "2026-09-01T10:00"}, "")
	require.Error(t, err)
	assert.Equal(t, int32(1), invoker.calls.Load())
}

func TestExecuteWithRetryDoesNotRetryAuthErrors(t *testing.T) {
	invoker := &recordingInvoker{results: []func(Call) (*Result, error){status(401)}}
	relay := newTestRelay(t, invoker)
	conv := state.NewConversation("s", "service_request", "n")

	_, err := relay.ExecuteWithRetry(context.Background(), conv, "n", "search_providers",
		map[string]interface{}{"city": "Austin"}, "")
	var auth *AuthError
	require.ErrorAs(t, err, &auth)
	assert.Equal(t, int32(1), invoker.calls.Load())
}

func TestHTTPInvokerExpandsPathAndForwardsAuth(t *testing.T) {
	var gotPath, gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	invoker := NewHTTPInvoker(srv.URL, 5*time.Second)
	result, err := invoker.Invoke(context.Background(), Call{
		Spec: Spec{Name: "get_provider", Method: "GET", PathTemplate: "/v1/providers/{provider_id}"},
		Args: map[string]interface{}{"provider_id": "p-42", "expand": "reviews"},
		Auth: "Bearer secret",
	})
	require.NoError(t, err)
	assert.Equal(t, 200, result.StatusCode)
	assert.Equal(t, "/v1/providers/p-42", gotPath)
	assert.Equal(t, "expand=reviews", gotQuery)
	assert.Equal(t, "Bearer secret", gotAuth)
}

func TestHTTPInvokerSendsJSONBody(t *testing.T) {
	var gotBody []byte
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotBody = make([]byte, r.ContentLength)
		r.Body.Read(gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	invoker := NewHTTPInvoker(srv.URL, 5*time.Second)
	result, err := invoker.Invoke(context.Background(), Call{
		Spec: Spec{Name: "create_booking", Method: "POST", PathTemplate: "/v1/bookings"},
		Args: map[string]interface{}{"provider_id": "p1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 201, result.StatusCode)
	assert.Equal(t, "application/json", gotContentType)
	assert.JSONEq(t, `{"provider_id":"p1"}`, string(gotBody))
}

func TestHTTPInvokerMissingPathParam(t *testing.T) {
	invoker := NewHTTPInvoker("http://localhost:0", time.Second)
	_, err := invoker.Invoke(context.Background(), Call{
		Spec: Spec{Name: "get_provider", Method: "GET", PathTemplate: "/v1/providers/{provider_id}"},
	})
	var invalid *ValidationError
	require.ErrorAs(t, err, &invalid)
}

func TestHTTPInvokerConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	invoker := NewHTTPInvoker(srv.URL, time.Second)
	_, err := invoker.Invoke(context.Background(), Call{
		Spec: Spec{Name: "search_providers", Method: "GET", PathTemplate: "/v1/providers/search"},
	})
	var transient *TransientError
	require.ErrorAs(t, err, &transient)
}

func TestResultSummaryTruncates(t *testing.T) {
	long := make([]byte, summaryLimit*2)
	for i := range long {
		long[i] = 'x'
	}
	r := &Result{Body: long}
	assert.Len(t, r.Summary(), summaryLimit)
}
