package boundary

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskhive/converse/pkg/state"
)

func testConfig() Config {
	return Config{
		ForbiddenTopics: []string{"weather", "joke"},
		AllowedTopics:   []string{"projects", "scheduling"},
		ClosingPhrases:  []string{"goodbye", "bye"},
		MaxTurns:        20,
	}
}

func TestCheck_CleanMessageContinues(t *testing.T) {
	c := New(testConfig())
	conv := state.NewConversation("s", "service_request", "greet")
	conv.Session.TurnCount = 3

	v := c.Check(conv, "I need landscaping service")
	assert.False(t, v.Terminate)
	assert.False(t, v.OffTopicHit)
	assert.Empty(t, v.Warning)
}

func TestCheck_FirstOffTopicWarns(t *testing.T) {
	c := New(testConfig())
	conv := state.NewConversation("s", "service_request", "greet")

	v := c.Check(conv, "What's the weather?")
	assert.True(t, v.OffTopicHit)
	assert.False(t, v.Terminate)
	assert.Contains(t, v.Warning, "projects")
}

func TestCheck_SecondOffTopicTerminates(t *testing.T) {
	c := New(testConfig())
	conv := state.NewConversation("s", "service_request", "greet")
	conv.Session.OffTopicCount = 1 // first strike already recorded

	v := c.Check(conv, "Tell me a joke")
	assert.True(t, v.OffTopicHit)
	assert.True(t, v.Terminate)
	assert.Equal(t, state.EndOffTopic, v.Reason)
}

func TestCheck_ForbiddenMatchIsCaseInsensitive(t *testing.T) {
	c := New(testConfig())
	conv := state.NewConversation("s", "service_request", "greet")

	v := c.Check(conv, "WEATHER update please")
	assert.True(t, v.OffTopicHit)
}

func TestCheck_MaxTurnsTerminates(t *testing.T) {
	c := New(testConfig())
	conv := state.NewConversation("s", "service_request", "greet")
	conv.Session.TurnCount = 21

	v := c.Check(conv, "still going")
	assert.True(t, v.Terminate)
	assert.Equal(t, state.EndMaxTurns, v.Reason)
}

func TestCheck_MaxTurnsBoundary(t *testing.T) {
	c := New(testConfig())
	conv := state.NewConversation("s", "service_request", "greet")

	// Exactly at the cap is still allowed; only exceeding it terminates
	conv.Session.TurnCount = 20
	assert.False(t, c.Check(conv, "turn twenty").Terminate)

	conv.Session.TurnCount = 21
	assert.True(t, c.Check(conv, "turn twenty one").Terminate)
}

func TestCheck_TurnCapOverridesFirstStrikeLeniency(t *testing.T) {
	c := New(testConfig())
	conv := state.NewConversation("s", "service_request", "greet")
	conv.Session.TurnCount = 21
	conv.Session.OffTopicCount = 0

	// The turn cap applies independently of topic policy: a first forbidden
	// token over the cap must not warn-and-continue
	v := c.Check(conv, "What's the weather?")
	assert.True(t, v.Terminate)
	assert.Equal(t, state.EndMaxTurns, v.Reason)
	assert.True(t, v.OffTopicHit)
	assert.Empty(t, v.Warning)
}

func TestCheck_SecondStrikePrecedesTurnCap(t *testing.T) {
	c := New(testConfig())
	conv := state.NewConversation("s", "service_request", "greet")
	conv.Session.TurnCount = 21
	conv.Session.OffTopicCount = 1

	v := c.Check(conv, "tell me a joke")
	assert.True(t, v.Terminate)
	assert.Equal(t, state.EndOffTopic, v.Reason)
}

func TestCheck_DefaultMaxTurnsWhenUnset(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTurns = 0
	c := New(cfg)
	conv := state.NewConversation("s", "service_request", "greet")
	conv.Session.TurnCount = DefaultMaxTurns + 1

	v := c.Check(conv, "hello")
	assert.True(t, v.Terminate)
	assert.Equal(t, state.EndMaxTurns, v.Reason)
}

func TestCheck_GoodbyeTerminates(t *testing.T) {
	c := New(testConfig())
	conv := state.NewConversation("s", "service_request", "greet")
	conv.Session.TurnCount = 2

	v := c.Check(conv, "ok goodbye")
	assert.True(t, v.Terminate)
	assert.Equal(t, state.EndUserRequested, v.Reason)
}

func TestCheck_ForbiddenTakesPrecedenceOverGoodbye(t *testing.T) {
	c := New(testConfig())
	conv := state.NewConversation("s", "service_request", "greet")
	conv.Session.OffTopicCount = 1

	v := c.Check(conv, "tell me a joke and goodbye")
	assert.Equal(t, state.EndOffTopic, v.Reason)
}

func TestCheck_DoesNotMutateConversation(t *testing.T) {
	c := New(testConfig())
	conv := state.NewConversation("s", "service_request", "greet")

	_ = c.Check(conv, "What's the weather?")
	assert.Equal(t, 0, conv.Session.OffTopicCount)
	assert.Equal(t, state.StatusActive, conv.Session.Status)
}
