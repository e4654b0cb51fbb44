package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConversation(t *testing.T) {
	conv := NewConversation("sess-1", "service_request", "greet")

	assert.Equal(t, "sess-1", conv.Session.ID)
	assert.Equal(t, "service_request", conv.Session.Intent)
	assert.Equal(t, "greet", conv.Session.CurrentNode)
	assert.Equal(t, StatusActive, conv.Session.Status)
	assert.Equal(t, 0, conv.Session.TurnCount)
	assert.False(t, conv.Ended())
}

func TestClose_IsIdempotent(t *testing.T) {
	conv := NewConversation("sess-1", "service_request", "greet")

	conv.Close(StatusCompleted, EndUserRequested)
	require.True(t, conv.Ended())
	firstClosed := *conv.Session.ClosedAt

	// Second close must not change anything
	conv.Close(StatusFailed, EndMaxTurns)
	assert.Equal(t, StatusCompleted, conv.Session.Status)
	assert.Equal(t, EndUserRequested, conv.Session.EndReason)
	assert.Equal(t, firstClosed, *conv.Session.ClosedAt)
}

func TestAppendMessage(t *testing.T) {
	conv := NewConversation("sess-1", "service_request", "greet")
	conv.AppendMessage("user", "hello", "greet")
	conv.AppendMessage("assistant", "hi there", "greet")

	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "user", conv.Messages[0].Role)
	assert.Equal(t, "hi there", conv.Messages[1].Content)
	assert.False(t, conv.Messages[0].Timestamp.IsZero())
}

func TestPersistedWatermarks(t *testing.T) {
	conv := NewConversation("sess-1", "service_request", "greet")
	conv.AppendMessage("user", "one", "greet")
	conv.RecordAction(AgentAction{ID: "a1", Action: "node_executed", Success: true})

	assert.Len(t, conv.PendingMessages(), 1)
	assert.Len(t, conv.PendingActions(), 1)

	conv.MarkPersisted()
	assert.Empty(t, conv.PendingMessages())
	assert.Empty(t, conv.PendingActions())

	conv.AppendMessage("assistant", "two", "greet")
	assert.Len(t, conv.PendingMessages(), 1)

	msgs, actions := conv.PersistedCounts()
	assert.Equal(t, 1, msgs)
	assert.Equal(t, 1, actions)
}

func TestApply_ReplaceScalar(t *testing.T) {
	conv := NewConversation("sess-1", "service_request", "collect")

	conv.Apply(Update{Variables: map[string]interface{}{"city": "Austin"}, Source: "user"}, "collect", nil)
	conv.Apply(Update{Variables: map[string]interface{}{"city": "Dallas"}, Source: "user"}, "collect", nil)

	assert.Equal(t, "Dallas", conv.Value("city"))
	assert.Equal(t, "collect", conv.Variables["city"].NodeContext)
}

func TestApply_MergeObject(t *testing.T) {
	conv := NewConversation("sess-1", "service_request", "collect")

	conv.Apply(Update{Variables: map[string]interface{}{
		"address": map[string]interface{}{"street": "1 Main St", "city": "Austin"},
	}}, "collect", nil)
	conv.Apply(Update{Variables: map[string]interface{}{
		"address": map[string]interface{}{"zip": "78701"},
	}}, "collect", nil)

	addr, ok := conv.Value("address").(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "1 Main St", addr["street"])
	assert.Equal(t, "78701", addr["zip"])
}

func TestApply_AppendArray(t *testing.T) {
	conv := NewConversation("sess-1", "service_request", "collect")

	conv.Apply(Update{Variables: map[string]interface{}{
		"services": []interface{}{"mowing"},
	}}, "collect", nil)
	conv.Apply(Update{Variables: map[string]interface{}{
		"services": []interface{}{"edging", "cleanup"},
	}}, "collect", nil)

	services, ok := conv.Value("services").([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"mowing", "edging", "cleanup"}, services)
}

func TestApply_ExplicitTableOverridesKind(t *testing.T) {
	conv := NewConversation("sess-1", "service_request", "collect")
	table := MergeTable{"notes": PolicyReplace}

	conv.Apply(Update{Variables: map[string]interface{}{
		"notes": []interface{}{"first"},
	}}, "collect", table)
	conv.Apply(Update{Variables: map[string]interface{}{
		"notes": []interface{}{"second"},
	}}, "collect", table)

	assert.Equal(t, []interface{}{"second"}, conv.Value("notes"))
}

func TestApply_MixedKindDegradesToReplace(t *testing.T) {
	conv := NewConversation("sess-1", "service_request", "collect")

	conv.Apply(Update{Variables: map[string]interface{}{"v": map[string]interface{}{"a": 1}}}, "collect", nil)
	conv.Apply(Update{Variables: map[string]interface{}{"v": map[string]interface{}{"b": 2}}}, "collect", nil)

	// Incoming scalar under an object-typed key still lands (replace on kind mismatch)
	conv.Variables["v"] = Variable{Key: "v", Value: "scalar-now"}
	conv.Apply(Update{Variables: map[string]interface{}{"v": map[string]interface{}{"c": 3}}}, "collect", MergeTable{"v": PolicyMergeObject})
	assert.Equal(t, map[string]interface{}{"c": 3}, conv.Value("v"))
}

func TestApply_ResponseAppendsAssistantMessage(t *testing.T) {
	conv := NewConversation("sess-1", "service_request", "collect")

	conv.Apply(Update{Response: "What city are you in?"}, "collect", nil)

	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "assistant", conv.Messages[0].Role)
	assert.Equal(t, "collect", conv.Messages[0].NodeContext)
}

func TestApply_ActionsInheritNodeContext(t *testing.T) {
	conv := NewConversation("sess-1", "service_request", "collect")

	conv.Apply(Update{Actions: []AgentAction{{ID: "a1", Action: "tool_call", Tool: "list_projects"}}}, "collect", nil)

	require.Len(t, conv.Actions, 1)
	assert.Equal(t, "collect", conv.Actions[0].Node)
	assert.False(t, conv.Actions[0].Timestamp.IsZero())
}

func TestPolicyForValue(t *testing.T) {
	assert.Equal(t, PolicyReplace, PolicyForValue("text"))
	assert.Equal(t, PolicyReplace, PolicyForValue(42))
	assert.Equal(t, PolicyMergeObject, PolicyForValue(map[string]interface{}{}))
	assert.Equal(t, PolicyAppendArray, PolicyForValue([]interface{}{}))
}
