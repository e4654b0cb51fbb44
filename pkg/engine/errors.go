package engine

import "fmt"

// GraphExecutionError reports a graph that cannot make progress: either a
// node loop exceeded the execution budget (three steps per node, so an edge
// cycle is not converging) or an edge routed to a node the graph does not
// define.
type GraphExecutionError struct {
	Intent string
	Node   string
	// Steps is the budget that was exhausted; zero for routing failures
	Steps int
	// Reason describes non-budget failures such as undefined-node routing
	Reason string
}

func (e *GraphExecutionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("graph %s %s at node %s", e.Intent, e.Reason, e.Node)
	}
	return fmt.Sprintf("graph %s exceeded execution budget at node %s after %d steps", e.Intent, e.Node, e.Steps)
}

// FatalError wraps failures the engine cannot absorb, most importantly a
// checkpoint write failure: without a committed checkpoint the turn never
// happened, so the caller must surface the error instead of the response.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal %s failure: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}
