// Package graph holds immutable, per-intent conversation graph definitions:
// node handlers, routing edges, and boundary policy. Definitions are loaded
// once at startup and never mutated during execution.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/taskhive/converse/pkg/boundary"
	"github.com/taskhive/converse/pkg/state"
)

// Handler executes one node's conversational logic against the merged state
// and produces a partial state update.
type Handler interface {
	Execute(ctx context.Context, conv *state.Conversation, incoming string) (state.Update, error)
}

// HandlerFunc adapts a plain function to the Handler interface
type HandlerFunc func(ctx context.Context, conv *state.Conversation, incoming string) (state.Update, error)

// Execute implements Handler
func (f HandlerFunc) Execute(ctx context.Context, conv *state.Conversation, incoming string) (state.Update, error) {
	return f(ctx, conv, incoming)
}

// Edge routes from one node to the next. Next returns the target node id, or
// empty string to end the conversation.
type Edge interface {
	Next(conv *state.Conversation) string
}

// StaticEdge always routes to the same node
type StaticEdge struct {
	To string
}

// Next implements Edge
func (e StaticEdge) Next(_ *state.Conversation) string {
	return e.To
}

// ConditionalEdge routes based on the merged conversation state
type ConditionalEdge struct {
	Evaluate func(conv *state.Conversation) string
}

// Next implements Edge
func (e ConditionalEdge) Next(conv *state.Conversation) string {
	if e.Evaluate == nil {
		return ""
	}
	return e.Evaluate(conv)
}

// Node is one unit of conversational logic in an intent graph
type Node struct {
	ID      string
	Handler Handler
	// Requires and Produces document the state keys a node consumes and
	// emits. They feed validation tooling, not runtime enforcement.
	Requires []string
	Produces []string
	// Edge routes to the next node after execution; nil ends the graph
	Edge Edge
}

// Definition is the immutable description of one intent's conversation graph
type Definition struct {
	Intent   string
	Start    string
	Nodes    map[string]*Node
	Boundary boundary.Config
	// Merge overrides the per-key merge policy for this intent's state
	Merge state.MergeTable
}

// Size returns the node count
func (d *Definition) Size() int {
	return len(d.Nodes)
}

// Node looks up a node by id
func (d *Definition) Node(id string) (*Node, bool) {
	n, ok := d.Nodes[id]
	return n, ok
}

// Validate checks the definition is internally consistent: the start node
// exists, every node has a handler, and static edges resolve.
func (d *Definition) Validate() error {
	if d.Intent == "" {
		return errors.New("graph intent is required")
	}
	if len(d.Nodes) == 0 {
		return fmt.Errorf("graph %s has no nodes", d.Intent)
	}
	if d.Start == "" {
		return fmt.Errorf("graph %s has no start node", d.Intent)
	}
	if _, ok := d.Nodes[d.Start]; !ok {
		return fmt.Errorf("graph %s start node %s is not defined", d.Intent, d.Start)
	}

	for id, node := range d.Nodes {
		if node == nil {
			return fmt.Errorf("graph %s node %s is nil", d.Intent, id)
		}
		if node.ID != id {
			return fmt.Errorf("graph %s node registered as %s but declares id %s", d.Intent, id, node.ID)
		}
		if node.Handler == nil {
			return fmt.Errorf("graph %s node %s has no handler", d.Intent, id)
		}
		if static, ok := node.Edge.(StaticEdge); ok && static.To != "" {
			if _, exists := d.Nodes[static.To]; !exists {
				return fmt.Errorf("graph %s node %s routes to undefined node %s", d.Intent, id, static.To)
			}
		}
	}

	return nil
}
