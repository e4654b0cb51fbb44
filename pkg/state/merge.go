package state

import (
	"time"
)

// MergePolicy controls how a state update is folded into an existing variable
type MergePolicy string

const (
	// PolicyReplace overwrites the stored value (scalars)
	PolicyReplace MergePolicy = "replace"
	// PolicyMergeObject shallow-merges map values key by key
	PolicyMergeObject MergePolicy = "merge_object"
	// PolicyAppendArray appends slice values to the stored slice
	PolicyAppendArray MergePolicy = "append_array"
)

// MergeTable maps variable keys to an explicit merge policy. Keys without an
// entry fall back to a policy derived from the incoming value's kind.
type MergeTable map[string]MergePolicy

// PolicyForValue derives the default policy from the value kind
func PolicyForValue(v interface{}) MergePolicy {
	switch v.(type) {
	case map[string]interface{}:
		return PolicyMergeObject
	case []interface{}:
		return PolicyAppendArray
	default:
		return PolicyReplace
	}
}

// Update is the partial state produced by one node handler execution
type Update struct {
	// Variables are folded into the conversation per the merge table
	Variables map[string]interface{}
	// Source labels where the values came from (e.g. "user", "tool", "system")
	Source string
	// Response is the user-facing text produced by the node, if any
	Response string
	// RequiresUserInput suspends the loop until the next inbound message
	RequiresUserInput bool
	// Actions are audit entries produced while executing the node
	Actions []AgentAction
}

// Apply folds an update into the conversation. Variable merging consults the
// table; last write wins within a key. The update never touches another
// session's state.
func (c *Conversation) Apply(u Update, nodeContext string, table MergeTable) {
	now := time.Now().UTC()

	for key, incoming := range u.Variables {
		policy, ok := table[key]
		if !ok {
			policy = PolicyForValue(incoming)
		}

		existing, exists := c.Variables[key]
		merged := incoming

		switch policy {
		case PolicyMergeObject:
			if exists {
				merged = mergeObjects(existing.Value, incoming)
			}
		case PolicyAppendArray:
			if exists {
				merged = appendArrays(existing.Value, incoming)
			}
		}

		c.Variables[key] = Variable{
			Key:         key,
			Value:       merged,
			Source:      u.Source,
			NodeContext: nodeContext,
			UpdatedAt:   now,
		}
	}

	for _, action := range u.Actions {
		if action.Node == "" {
			action.Node = nodeContext
		}
		c.RecordAction(action)
	}

	if u.Response != "" {
		c.AppendMessage("assistant", u.Response, nodeContext)
	}

	c.Session.UpdatedAt = now
}

// mergeObjects shallow-merges two map values; non-map operands degrade to replace
func mergeObjects(existing, incoming interface{}) interface{} {
	existingMap, okE := existing.(map[string]interface{})
	incomingMap, okI := incoming.(map[string]interface{})
	if !okE || !okI {
		return incoming
	}

	merged := make(map[string]interface{}, len(existingMap)+len(incomingMap))
	for k, v := range existingMap {
		merged[k] = v
	}
	for k, v := range incomingMap {
		merged[k] = v
	}
	return merged
}

// appendArrays appends incoming slice elements; non-slice operands degrade to replace
func appendArrays(existing, incoming interface{}) interface{} {
	existingSlice, okE := existing.([]interface{})
	incomingSlice, okI := incoming.([]interface{})
	if !okE || !okI {
		return incoming
	}

	merged := make([]interface{}, 0, len(existingSlice)+len(incomingSlice))
	merged = append(merged, existingSlice...)
	merged = append(merged, incomingSlice...)
	return merged
}
