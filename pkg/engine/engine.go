// Package engine drives conversation turns: it loads the checkpointed
// session, walks the intent graph until the conversation needs more input or
// ends, applies boundary policy, and commits exactly one new checkpoint per
// turn. Invocations for the same session are serialized; distinct sessions
// run concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskhive/converse/internal/observability"
	"github.com/taskhive/converse/internal/tracing"
	"github.com/taskhive/converse/pkg/boundary"
	"github.com/taskhive/converse/pkg/checkpoint"
	"github.com/taskhive/converse/pkg/graph"
	"github.com/taskhive/converse/pkg/state"
)

const (
	// stepsPerNode sets the execution budget: a graph of N nodes may take at
	// most 3*N steps in one invocation
	stepsPerNode = 3

	// fallbackResponse is returned when a node handler fails; the session
	// stays active so the user can continue
	fallbackResponse = "Sorry, I ran into a problem handling that. Could you try again?"
)

// Request is one inbound user turn
type Request struct {
	// SessionID resumes an existing session; empty starts a new one
	SessionID string
	// Intent selects the graph for new sessions; ignored on resume
	Intent string
	// Message is the user's utterance
	Message string
	// Auth is the caller's credential, forwarded to tools and never logged
	Auth string
}

// Response is the outcome of one turn
type Response struct {
	SessionID         string          `json:"session_id"`
	NaturalResponse   string          `json:"natural_response,omitempty"`
	CurrentNode       string          `json:"current_node"`
	RequiresUserInput bool            `json:"requires_user_input"`
	Completed         bool            `json:"completed"`
	ConversationEnded bool            `json:"conversation_ended"`
	EndReason         state.EndReason `json:"end_reason,omitempty"`
}

// Engine executes conversation turns against registered intent graphs
type Engine struct {
	registry *graph.Registry
	store    checkpoint.Store
	logger   zerolog.Logger

	// Per-session write locks, created on first use
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

// New creates an engine over a graph registry and checkpoint store
func New(registry *graph.Registry, store checkpoint.Store, logger zerolog.Logger) *Engine {
	observability.EnsureRegistered()
	return &Engine{
		registry: registry,
		store:    store,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the mutex serializing writes for one session
func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()

	mu, ok := e.locks[sessionID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[sessionID] = mu
	}
	return mu
}

// evictSessionLock drops the lock entry once a session goes terminal.
// Terminal sessions take no further writes, so the entry only wastes memory.
// The identity check keeps a concurrent waiter's fresh entry intact.
func (e *Engine) evictSessionLock(sessionID string, mu *sync.Mutex) {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()

	if cur, ok := e.locks[sessionID]; ok && cur == mu {
		delete(e.locks, sessionID)
	}
}

// Invoke runs one conversation turn. Exactly one checkpoint is committed per
// successful invocation; if the checkpoint write fails the turn is reported
// as a FatalError and no partial state survives.
func (e *Engine) Invoke(ctx context.Context, req Request) (*Response, error) {
	if req.SessionID == "" && req.Intent == "" {
		return nil, errors.New("either session_id or intent is required")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	mu := e.sessionLock(sessionID)
	mu.Lock()
	ended := false
	defer func() {
		if ended {
			e.evictSessionLock(sessionID, mu)
		}
		mu.Unlock()
	}()

	ctx = WithAuth(ctx, req.Auth)
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"converse.engine",
		"engine.invoke",
		attribute.String("session_id", sessionID),
	)
	defer span.End()

	start := time.Now()

	conv, def, err := e.loadOrCreate(ctx, sessionID, req)
	if err != nil {
		observability.RecordInvocation(req.Intent, time.Since(start), false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	ctx = tracing.WithIntent(ctx, conv.Session.Intent)
	logger := tracing.LoggerFromContext(ctx, e.logger)

	// Terminal sessions answer with their outcome; no handler runs again
	if conv.Ended() {
		logger.Debug().
			Str("status", string(conv.Session.Status)).
			Msg("Invocation against ended session")
		observability.RecordInvocation(conv.Session.Intent, time.Since(start), true)
		ended = true
		return terminalResponse(conv), nil
	}

	conv.Session.TurnCount++
	conv.Session.UpdatedAt = time.Now().UTC()
	if req.Message != "" {
		conv.AppendMessage("user", req.Message, conv.Session.CurrentNode)
	}

	resp, err := e.runTurn(ctx, conv, def, req.Message)
	if err != nil {
		observability.RecordInvocation(conv.Session.Intent, time.Since(start), false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if err := e.store.Put(ctx, conv); err != nil {
		observability.RecordInvocation(conv.Session.Intent, time.Since(start), false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &FatalError{Op: "checkpoint", Err: err}
	}

	if conv.Ended() {
		observability.RecordSessionClosed(string(conv.Session.EndReason))
		ended = true
	}

	observability.RecordInvocation(conv.Session.Intent, time.Since(start), true)

	logger.Info().
		Str("node", conv.Session.CurrentNode).
		Int("turn", conv.Session.TurnCount).
		Bool("ended", conv.Ended()).
		Dur("duration", time.Since(start)).
		Msg("Invocation completed")

	return resp, nil
}

// loadOrCreate resumes the checkpointed session or starts a fresh one at the
// graph's start node
func (e *Engine) loadOrCreate(ctx context.Context, sessionID string, req Request) (*state.Conversation, *graph.Definition, error) {
	conv, err := e.store.Get(ctx, sessionID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		if req.Intent == "" {
			return nil, nil, fmt.Errorf("unknown session: %s", sessionID)
		}

		def, err := e.registry.Get(req.Intent)
		if err != nil {
			return nil, nil, err
		}

		conv := state.NewConversation(sessionID, req.Intent, def.Start)
		e.logger.Info().
			Str("session_id", sessionID).
			Str("intent", req.Intent).
			Str("start", def.Start).
			Msg("Session created")

		return conv, def, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load session: %w", err)
	}

	def, err := e.registry.Get(conv.Session.Intent)
	if err != nil {
		return nil, nil, err
	}

	return conv, def, nil
}

// runTurn applies boundary policy and walks the graph until the conversation
// suspends, completes, or is terminated
func (e *Engine) runTurn(ctx context.Context, conv *state.Conversation, def *graph.Definition, incoming string) (*Response, error) {
	critic := boundary.New(def.Boundary)
	verdict := critic.Check(conv, incoming)

	if verdict.OffTopicHit {
		conv.Session.OffTopicCount++
	}

	if verdict.Terminate {
		conv.Close(state.StatusFor(verdict.Reason), verdict.Reason)
		observability.RecordBoundaryStop(string(verdict.Reason))

		resp := terminalResponse(conv)
		resp.NaturalResponse = closingMessage(verdict.Reason)
		conv.AppendMessage("assistant", resp.NaturalResponse, conv.Session.CurrentNode)
		return resp, nil
	}

	if verdict.Warning != "" {
		// First off-topic strike: warn and wait, without running the node
		conv.AppendMessage("assistant", verdict.Warning, conv.Session.CurrentNode)
		return &Response{
			SessionID:         conv.Session.ID,
			NaturalResponse:   verdict.Warning,
			CurrentNode:       conv.Session.CurrentNode,
			RequiresUserInput: true,
		}, nil
	}

	return e.walkGraph(ctx, conv, def, incoming)
}

// walkGraph executes nodes until one suspends for input, an edge ends the
// graph, or the execution budget runs out
func (e *Engine) walkGraph(ctx context.Context, conv *state.Conversation, def *graph.Definition, incoming string) (*Response, error) {
	maxSteps := stepsPerNode * def.Size()

	for step := 1; ; step++ {
		if step > maxSteps {
			return nil, &GraphExecutionError{
				Intent: def.Intent,
				Node:   conv.Session.CurrentNode,
				Steps:  maxSteps,
			}
		}

		nodeID := conv.Session.CurrentNode
		node, ok := def.Node(nodeID)
		if !ok {
			return nil, &GraphExecutionError{
				Intent: def.Intent,
				Node:   nodeID,
				Reason: "routed to undefined node",
			}
		}

		nodeCtx := tracing.WithNodeID(ctx, nodeID)
		nodeCtx, span := tracing.StartSpan(
			nodeCtx,
			"converse.engine",
			"node.execute",
			attribute.String("node", nodeID),
		)

		update, err := node.Handler.Execute(nodeCtx, conv, incoming)
		span.End()

		observability.RecordNodeExecution(nodeID, err == nil)

		if err != nil {
			// Handler failures are absorbed: log, audit, apologize, and keep
			// the session alive at the current node
			logger := tracing.LoggerFromContext(nodeCtx, e.logger)
			logger.Error().
				Err(err).
				Str("node", nodeID).
				Msg("Node handler failed")

			conv.RecordAction(state.AgentAction{
				Role:    "agent",
				Action:  "node_error",
				Node:    nodeID,
				Success: false,
				Error:   err.Error(),
			})
			conv.AppendMessage("assistant", fallbackResponse, nodeID)

			return &Response{
				SessionID:         conv.Session.ID,
				NaturalResponse:   fallbackResponse,
				CurrentNode:       nodeID,
				RequiresUserInput: true,
			}, nil
		}

		conv.Apply(update, nodeID, def.Merge)

		if update.RequiresUserInput {
			return &Response{
				SessionID:         conv.Session.ID,
				NaturalResponse:   update.Response,
				CurrentNode:       nodeID,
				RequiresUserInput: true,
			}, nil
		}

		next := ""
		if node.Edge != nil {
			next = node.Edge.Next(conv)
		}
		if next == "" {
			conv.Close(state.StatusCompleted, state.EndCompleted)
			resp := terminalResponse(conv)
			resp.NaturalResponse = update.Response
			return resp, nil
		}

		// Only the incoming turn's message feeds the first node
		incoming = ""
		conv.Session.CurrentNode = next
	}
}

// terminalResponse describes an ended conversation
func terminalResponse(conv *state.Conversation) *Response {
	return &Response{
		SessionID:         conv.Session.ID,
		CurrentNode:       conv.Session.CurrentNode,
		Completed:         conv.Session.Status == state.StatusCompleted,
		ConversationEnded: true,
		EndReason:         conv.Session.EndReason,
	}
}

// closingMessage is the user-facing text for boundary terminations
func closingMessage(reason state.EndReason) string {
	switch reason {
	case state.EndOffTopic:
		return "This conversation has moved away from what I can help with, so I'm closing it here."
	case state.EndMaxTurns:
		return "We've reached the length limit for this conversation. Please start a new request to continue."
	case state.EndUserRequested:
		return "Thanks for reaching out. Goodbye!"
	default:
		return "This conversation has ended."
	}
}
