package state

import (
	"time"
)

// Status is the lifecycle status of a session
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// EndReason explains why a conversation ended
type EndReason string

const (
	EndCompleted     EndReason = "completed"
	EndOffTopic      EndReason = "off_topic"
	EndMaxTurns      EndReason = "max_turns"
	EndUserRequested EndReason = "user_requested"
	// EndStale marks sessions abandoned long enough for the reaper to close
	EndStale EndReason = "stale"
)

// StatusFor maps an end reason onto the terminal session status. A user
// goodbye is still a successful conversation; boundary stops are not.
func StatusFor(reason EndReason) Status {
	switch reason {
	case EndCompleted, EndUserRequested:
		return StatusCompleted
	default:
		return StatusFailed
	}
}

// Session is the durable identity and control state of one conversation.
// The ID is immutable; once Status leaves StatusActive no node handler may
// run again for this session.
type Session struct {
	ID            string     `json:"id"`
	Intent        string     `json:"intent"`
	CurrentNode   string     `json:"current_node"`
	Status        Status     `json:"status"`
	TurnCount     int        `json:"turn_count"`
	OffTopicCount int        `json:"off_topic_count"`
	EndReason     EndReason  `json:"end_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	ClosedAt      *time.Time `json:"closed_at,omitempty"`
}

// Variable is one collected slot value, tagged with its origin
type Variable struct {
	Key         string      `json:"key"`
	Value       interface{} `json:"value"`
	Source      string      `json:"source"`
	NodeContext string      `json:"node_context"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Message is a single conversation turn. The message log is append-only.
type Message struct {
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	NodeContext string    `json:"node_context,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// AgentAction is one audit entry for a tool or handler action. The action
// log is append-only and never consulted for control flow.
type AgentAction struct {
	ID            string                 `json:"id"`
	Role          string                 `json:"role"`
	Action        string                 `json:"action"`
	Node          string                 `json:"node"`
	Tool          string                 `json:"tool,omitempty"`
	Args          map[string]interface{} `json:"args,omitempty"`
	ResultSummary string                 `json:"result_summary,omitempty"`
	Success       bool                   `json:"success"`
	Duration      time.Duration          `json:"duration"`
	Error         string                 `json:"error,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// Conversation is the full reconstructed state of one session: the session
// row, all collected variables, and the append-only logs. It is what the
// checkpointer round-trips.
type Conversation struct {
	Session   Session
	Variables map[string]Variable
	Messages  []Message
	Actions   []AgentAction

	// Watermarks separating persisted log entries from ones appended since
	// the last checkpoint. Maintained by the checkpoint store.
	persistedMessages int
	persistedActions  int
}

// NewConversation creates a fresh active conversation at the given start node
func NewConversation(id, intent, startNode string) *Conversation {
	now := time.Now().UTC()
	return &Conversation{
		Session: Session{
			ID:          id,
			Intent:      intent,
			CurrentNode: startNode,
			Status:      StatusActive,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		Variables: make(map[string]Variable),
	}
}

// Ended reports whether the conversation has reached a terminal status
func (c *Conversation) Ended() bool {
	return c.Session.Status != StatusActive
}

// Value returns the raw value of a variable, or nil if absent
func (c *Conversation) Value(key string) interface{} {
	v, ok := c.Variables[key]
	if !ok {
		return nil
	}
	return v.Value
}

// AppendMessage appends to the message log
func (c *Conversation) AppendMessage(role, content, nodeContext string) {
	c.Messages = append(c.Messages, Message{
		Role:        role,
		Content:     content,
		NodeContext: nodeContext,
		Timestamp:   time.Now().UTC(),
	})
}

// RecordAction appends to the agent action log
func (c *Conversation) RecordAction(action AgentAction) {
	if action.Timestamp.IsZero() {
		action.Timestamp = time.Now().UTC()
	}
	c.Actions = append(c.Actions, action)
}

// Close moves the session to a terminal status. Calling Close on an already
// closed conversation is a no-op so completion stays idempotent.
func (c *Conversation) Close(status Status, reason EndReason) {
	if c.Ended() {
		return
	}
	now := time.Now().UTC()
	c.Session.Status = status
	c.Session.EndReason = reason
	c.Session.ClosedAt = &now
	c.Session.UpdatedAt = now
}

// PersistedCounts returns the log watermarks recorded at the last checkpoint
func (c *Conversation) PersistedCounts() (messages, actions int) {
	return c.persistedMessages, c.persistedActions
}

// MarkPersisted records that all current log entries have been checkpointed
func (c *Conversation) MarkPersisted() {
	c.persistedMessages = len(c.Messages)
	c.persistedActions = len(c.Actions)
}

// SetPersistedCounts restores watermarks during reconstruction
func (c *Conversation) SetPersistedCounts(messages, actions int) {
	c.persistedMessages = messages
	c.persistedActions = actions
}

// PendingMessages returns log entries appended since the last checkpoint
func (c *Conversation) PendingMessages() []Message {
	if c.persistedMessages >= len(c.Messages) {
		return nil
	}
	return c.Messages[c.persistedMessages:]
}

// PendingActions returns action entries appended since the last checkpoint
func (c *Conversation) PendingActions() []AgentAction {
	if c.persistedActions >= len(c.Actions) {
		return nil
	}
	return c.Actions[c.persistedActions:]
}
