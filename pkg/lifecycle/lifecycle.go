// Package lifecycle manages sessions outside the turn loop: explicit
// creation, administrative completion, post-completion summarization, and
// reaping of abandoned sessions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taskhive/converse/internal/observability"
	"github.com/taskhive/converse/pkg/checkpoint"
	"github.com/taskhive/converse/pkg/graph"
	"github.com/taskhive/converse/pkg/state"
)

// Summarizer receives a conversation after it closes. Implementations hand
// the transcript to downstream consumers (CRM notes, analytics, audits).
type Summarizer interface {
	Summarize(ctx context.Context, conv *state.Conversation) error
}

// SummarizerFunc adapts a plain function to the Summarizer interface
type SummarizerFunc func(ctx context.Context, conv *state.Conversation) error

// Summarize implements Summarizer
func (f SummarizerFunc) Summarize(ctx context.Context, conv *state.Conversation) error {
	return f(ctx, conv)
}

// Manager creates and closes sessions against the checkpoint store
type Manager struct {
	store      checkpoint.Store
	registry   *graph.Registry
	logger     zerolog.Logger
	summarizer Summarizer
}

// NewManager creates a session lifecycle manager
func NewManager(store checkpoint.Store, registry *graph.Registry, logger zerolog.Logger) *Manager {
	observability.EnsureRegistered()
	return &Manager{
		store:    store,
		registry: registry,
		logger:   logger,
	}
}

// WithSummarizer installs a post-completion hook. Summarizer failures are
// logged and never block the close.
func (m *Manager) WithSummarizer(s Summarizer) *Manager {
	m.summarizer = s
	return m
}

// Create starts a new session for an intent at the graph's start node and
// persists its first checkpoint. Initial context values (caller identity,
// pre-filled slots) seed the variable bag before any node runs.
func (m *Manager) Create(ctx context.Context, intent string, initial map[string]interface{}) (*state.Conversation, error) {
	def, err := m.registry.Get(intent)
	if err != nil {
		return nil, err
	}

	conv := state.NewConversation(uuid.New().String(), intent, def.Start)
	if len(initial) > 0 {
		conv.Apply(state.Update{Variables: initial, Source: "system"}, def.Start, def.Merge)
	}
	if err := m.store.Put(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to persist new session: %w", err)
	}

	m.logger.Info().
		Str("session_id", conv.Session.ID).
		Str("intent", intent).
		Msg("Session created")

	m.refreshActiveGauge(ctx)

	return conv, nil
}

// Get loads a session's current conversation state
func (m *Manager) Get(ctx context.Context, sessionID string) (*state.Conversation, error) {
	return m.store.Get(ctx, sessionID)
}

// Update applies a state update to an active session outside the turn loop,
// e.g. an operator correcting a collected value. Ended sessions reject it.
func (m *Manager) Update(ctx context.Context, sessionID string, update state.Update) (*state.Conversation, error) {
	conv, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if conv.Ended() {
		return nil, fmt.Errorf("session %s already ended (%s)", sessionID, conv.Session.Status)
	}

	def, err := m.registry.Get(conv.Session.Intent)
	if err != nil {
		return nil, err
	}

	conv.Apply(update, conv.Session.CurrentNode, def.Merge)
	if err := m.store.Put(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to persist session update: %w", err)
	}

	return conv, nil
}

// Complete closes a session with the given reason. Completing an already
// closed session is a no-op, so retries and duplicate requests are safe.
func (m *Manager) Complete(ctx context.Context, sessionID string, reason state.EndReason) error {
	conv, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if conv.Ended() {
		m.logger.Debug().
			Str("session_id", sessionID).
			Str("status", string(conv.Session.Status)).
			Msg("Complete on already closed session")
		return nil
	}

	conv.Close(state.StatusFor(reason), reason)
	if err := m.store.Put(ctx, conv); err != nil {
		return fmt.Errorf("failed to persist session close: %w", err)
	}

	observability.RecordSessionClosed(string(reason))
	m.refreshActiveGauge(ctx)

	m.logger.Info().
		Str("session_id", sessionID).
		Str("reason", string(reason)).
		Str("status", string(conv.Session.Status)).
		Msg("Session closed")

	if m.summarizer != nil {
		if err := m.summarizer.Summarize(ctx, conv); err != nil {
			m.logger.Error().
				Err(err).
				Str("session_id", sessionID).
				Msg("Summarizer failed")
		}
	}

	return nil
}

// Exists reports whether a session is known to the store
func (m *Manager) Exists(ctx context.Context, sessionID string) (bool, error) {
	_, err := m.store.Get(ctx, sessionID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) refreshActiveGauge(ctx context.Context) {
	count, err := m.store.CountActive(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to count active sessions")
		return
	}
	observability.SetActiveSessions(count)
}
