// Package toolrelay forwards tool calls from node handlers to the platform's
// internal APIs. Every call goes through the allow-list: validation happens
// before any network traffic, credentials are forwarded opaquely, and every
// attempt lands in the session's action log.
package toolrelay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskhive/converse/internal/observability"
	"github.com/taskhive/converse/internal/tracing"
	"github.com/taskhive/converse/pkg/state"
)

const (
	// maxRetries bounds transient-failure retries for read-only tools
	maxRetries = 2
	// defaultRetryBackoff is the base delay between retry attempts
	defaultRetryBackoff = 500 * time.Millisecond
	// summaryLimit bounds the result summary stored in the action log
	summaryLimit = 512
)

// Call is one resolved tool invocation
type Call struct {
	Spec Spec
	Args map[string]interface{}
	// Auth is the caller's credential, forwarded as-is and never logged
	Auth string
}

// Result is the upstream response to a tool call
type Result struct {
	StatusCode int
	Body       []byte
}

// Summary returns a truncated body suitable for the action log
func (r *Result) Summary() string {
	s := string(r.Body)
	if len(s) > summaryLimit {
		return s[:summaryLimit]
	}
	return s
}

// Invoker performs the network half of a tool call
type Invoker interface {
	Invoke(ctx context.Context, call Call) (*Result, error)
}

// HTTPInvoker calls the platform's internal HTTP APIs
type HTTPInvoker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPInvoker creates an invoker rooted at baseURL
func NewHTTPInvoker(baseURL string, timeout time.Duration) *HTTPInvoker {
	return &HTTPInvoker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Invoke implements Invoker. Path template placeholders are filled from args;
// leftover args become the query string for GET requests or the JSON body
// otherwise.
func (h *HTTPInvoker) Invoke(ctx context.Context, call Call) (*Result, error) {
	path, remaining, err := expandPath(call.Spec.PathTemplate, call.Args)
	if err != nil {
		return nil, &ValidationError{Tool: call.Spec.Name, Detail: err.Error()}
	}

	var body io.Reader
	target := h.baseURL + path

	if call.Spec.Method == http.MethodGet {
		if len(remaining) > 0 {
			q := url.Values{}
			for k, v := range remaining {
				q.Set(k, fmt.Sprint(v))
			}
			target += "?" + q.Encode()
		}
	} else if len(remaining) > 0 {
		payload, err := json.Marshal(remaining)
		if err != nil {
			return nil, &ValidationError{Tool: call.Spec.Name, Detail: err.Error()}
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, call.Spec.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build tool request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if call.Auth != "" {
		req.Header.Set("Authorization", call.Auth)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &TransientError{Tool: call.Spec.Name, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TransientError{Tool: call.Spec.Name, Err: err}
	}

	return &Result{StatusCode: resp.StatusCode, Body: respBody}, nil
}

// expandPath substitutes {placeholder} segments from args and returns the
// args that were not consumed by the path
func expandPath(template string, args map[string]interface{}) (string, map[string]interface{}, error) {
	remaining := make(map[string]interface{}, len(args))
	for k, v := range args {
		remaining[k] = v
	}

	path := template
	for {
		open := strings.Index(path, "{")
		if open == -1 {
			break
		}
		end := strings.Index(path[open:], "}")
		if end == -1 {
			return "", nil, fmt.Errorf("unterminated placeholder in path %s", template)
		}

		key := path[open+1 : open+end]
		value, ok := remaining[key]
		if !ok {
			return "", nil, fmt.Errorf("missing path parameter: %s", key)
		}
		delete(remaining, key)

		path = path[:open] + url.PathEscape(fmt.Sprint(value)) + path[open+end+1:]
	}

	return path, remaining, nil
}

// Relay executes allow-listed tool calls and records each attempt in the
// session's action log
type Relay struct {
	registry *Registry
	invoker  Invoker
	logger   zerolog.Logger
	backoff  time.Duration
}

// NewRelay creates a relay over the given allow-list registry and invoker
func NewRelay(registry *Registry, invoker Invoker, logger zerolog.Logger) *Relay {
	observability.EnsureRegistered()
	return &Relay{
		registry: registry,
		invoker:  invoker,
		logger:   logger,
		backoff:  defaultRetryBackoff,
	}
}

// Registry exposes the relay's allow-list
func (r *Relay) Registry() *Registry {
	return r.registry
}

// Execute runs one tool call: allow-list check, argument validation, then a
// single upstream attempt. The attempt is recorded on the conversation's
// action log whether it succeeds or fails.
func (r *Relay) Execute(ctx context.Context, conv *state.Conversation, node, tool string, args map[string]interface{}, auth string) (*Result, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"converse.toolrelay",
		"toolrelay.execute",
		attribute.String("tool", tool),
		attribute.String("node", node),
	)
	defer span.End()

	start := time.Now()

	result, err := r.execute(ctx, tool, args, auth)
	elapsed := time.Since(start)

	action := state.AgentAction{
		ID:       gonanoid.Must(),
		Role:     "agent",
		Action:   "tool_call",
		Node:     node,
		Tool:     tool,
		Args:     args,
		Success:  err == nil,
		Duration: elapsed,
	}
	if err != nil {
		action.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		action.ResultSummary = result.Summary()
	}
	conv.RecordAction(action)

	observability.RecordToolExecution(tool, elapsed, err == nil, errorClass(err))

	logger := tracing.LoggerFromContext(ctx, r.logger)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("tool", tool).
			Str("node", node).
			Dur("duration", elapsed).
			Msg("Tool call failed")
		return nil, err
	}

	logger.Debug().
		Str("tool", tool).
		Str("node", node).
		Int("status", result.StatusCode).
		Dur("duration", elapsed).
		Msg("Tool call completed")

	return result, nil
}

func (r *Relay) execute(ctx context.Context, tool string, args map[string]interface{}, auth string) (*Result, error) {
	cs, err := r.registry.Lookup(tool)
	if err != nil {
		return nil, err
	}
	if err := cs.validateArgs(args); err != nil {
		return nil, err
	}

	result, err := r.invoker.Invoke(ctx, Call{Spec: cs.spec, Args: args, Auth: auth})
	if err != nil {
		return nil, err
	}

	return classifyResult(cs.spec.Name, result)
}

// classifyResult maps upstream status codes onto the relay's error taxonomy
func classifyResult(tool string, result *Result) (*Result, error) {
	switch {
	case result.StatusCode >= 200 && result.StatusCode < 300:
		return result, nil
	case result.StatusCode == http.StatusUnauthorized || result.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Tool: tool, StatusCode: result.StatusCode}
	case result.StatusCode == http.StatusBadRequest || result.StatusCode == http.StatusUnprocessableEntity:
		detail := string(result.Body)
		if len(detail) > summaryLimit {
			detail = detail[:summaryLimit]
		}
		return nil, &ValidationError{Tool: tool, Detail: detail}
	case result.StatusCode >= 500:
		return nil, &TransientError{Tool: tool, StatusCode: result.StatusCode}
	default:
		return nil, &TransientError{Tool: tool, StatusCode: result.StatusCode}
	}
}

// ExecuteWithRetry runs Execute and retries transient failures with
// exponential backoff. Mutating tools get exactly one attempt; duplicating a
// write is worse than surfacing the failure.
func (r *Relay) ExecuteWithRetry(ctx context.Context, conv *state.Conversation, node, tool string, args map[string]interface{}, auth string) (*Result, error) {
	cs, err := r.registry.Lookup(tool)
	if err != nil {
		// Record the refusal so the audit trail shows the attempt
		conv.RecordAction(state.AgentAction{
			ID:      gonanoid.Must(),
			Role:    "agent",
			Action:  "tool_call",
			Node:    node,
			Tool:    tool,
			Args:    args,
			Success: false,
			Error:   err.Error(),
		})
		observability.RecordToolExecution(tool, 0, false, errorClass(err))
		return nil, err
	}

	attempts := 1
	if !cs.spec.Mutating {
		attempts += maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := r.backoff * time.Duration(1<<(attempt-1))
			r.logger.Debug().
				Str("tool", tool).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("Retrying tool call")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := r.Execute(ctx, conv, node, tool, args, auth)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var transient *TransientError
		if !errors.As(err, &transient) {
			return nil, err
		}
	}

	return nil, lastErr
}
