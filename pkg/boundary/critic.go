// Package boundary enforces conversational limits: topic drift, turn caps,
// and explicit user goodbyes. The check itself is pure; the engine owns the
// resulting state changes.
package boundary

import (
	"strings"

	"github.com/taskhive/converse/pkg/state"
)

// DefaultMaxTurns caps conversations whose graph does not override it
const DefaultMaxTurns = 20

// Config holds the boundary policy for one intent graph
type Config struct {
	// ForbiddenTopics are tokens that count as off-topic strikes
	ForbiddenTopics []string `json:"forbidden_topics"`
	// AllowedTopics are advisory context for node handlers; they never
	// drive termination
	AllowedTopics []string `json:"allowed_topics"`
	// ClosingPhrases end the conversation at the user's request
	ClosingPhrases []string `json:"closing_phrases"`
	// MaxTurns caps the total turn count (DefaultMaxTurns when zero)
	MaxTurns int `json:"max_turns"`
}

// Verdict is the outcome of a boundary check
type Verdict struct {
	// OffTopicHit reports the message contained a forbidden topic token.
	// The engine increments the session counter when set.
	OffTopicHit bool
	// Terminate forces the conversation to end with Reason
	Terminate bool
	Reason    state.EndReason
	// Warning carries the first-strike leniency message when the check
	// continues despite an off-topic hit
	Warning string
}

// Critic applies a boundary policy to conversation state
type Critic struct {
	cfg Config
}

// New creates a critic for one policy
func New(cfg Config) *Critic {
	return &Critic{cfg: cfg}
}

// Check decides whether the conversation may continue. It is a pure function
// of the conversation state and the incoming message; it mutates nothing.
// A second-strike forbidden topic terminates first; the turn cap applies
// independently, so first-strike leniency never outlasts it; goodbye phrases
// are checked last.
func (c *Critic) Check(conv *state.Conversation, incoming string) Verdict {
	normalized := strings.ToLower(incoming)
	topicHit := c.matchForbidden(normalized) != ""

	// First occurrence gets leniency; the second or later ends it.
	// The counter includes this hit once the engine applies it.
	if topicHit && conv.Session.OffTopicCount+1 >= 2 {
		return Verdict{OffTopicHit: true, Terminate: true, Reason: state.EndOffTopic}
	}

	maxTurns := c.cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	if conv.Session.TurnCount > maxTurns {
		return Verdict{OffTopicHit: topicHit, Terminate: true, Reason: state.EndMaxTurns}
	}

	if topicHit {
		return Verdict{
			OffTopicHit: true,
			Warning:     "Let's stay focused on your request. I can help with " + c.allowedHint() + ".",
		}
	}

	if c.matchClosing(normalized) {
		return Verdict{Terminate: true, Reason: state.EndUserRequested}
	}

	return Verdict{}
}

func (c *Critic) matchForbidden(normalized string) string {
	for _, topic := range c.cfg.ForbiddenTopics {
		if topic == "" {
			continue
		}
		if strings.Contains(normalized, strings.ToLower(topic)) {
			return topic
		}
	}
	return ""
}

func (c *Critic) matchClosing(normalized string) bool {
	for _, phrase := range c.cfg.ClosingPhrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(normalized, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

func (c *Critic) allowedHint() string {
	if len(c.cfg.AllowedTopics) == 0 {
		return "your current request"
	}
	return strings.Join(c.cfg.AllowedTopics, ", ")
}
