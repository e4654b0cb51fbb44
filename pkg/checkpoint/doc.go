// Package checkpoint persists conversation state. Each session has exactly
// one current checkpoint: the session row, its state variables, and the
// append-only message and action logs. Put writes the whole snapshot in a
// single transaction; Get reconstructs a conversation behaviorally identical
// to the one last persisted.
package checkpoint
