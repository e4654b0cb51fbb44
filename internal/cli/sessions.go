package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/taskhive/converse/internal/config"
	"github.com/taskhive/converse/pkg/checkpoint"
	"github.com/taskhive/converse/pkg/graph"
	"github.com/taskhive/converse/pkg/lifecycle"
	"github.com/taskhive/converse/pkg/state"
)

var completeReason string

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage stored sessions",
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session's full checkpointed state as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsCompleteCmd = &cobra.Command{
	Use:   "complete <session-id>",
	Short: "Administratively close a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsComplete,
}

func init() {
	sessionsCompleteCmd.Flags().StringVar(&completeReason, "reason", string(state.EndCompleted),
		"end reason (completed, off_topic, max_turns, user_requested, stale)")
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsCompleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openStore() (*checkpoint.SQLiteStore, *config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := checkpoint.NewSQLiteStore(cfg.Storage.DBPath, zerolog.Nop())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return store, cfg, nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	store, _, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	conv, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := struct {
		Session   state.Session             `json:"session"`
		Variables map[string]state.Variable `json:"variables"`
		Messages  []state.Message           `json:"messages"`
		Actions   []state.AgentAction       `json:"actions"`
	}{conv.Session, conv.Variables, conv.Messages, conv.Actions}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runSessionsComplete(cmd *cobra.Command, args []string) error {
	store, cfg, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	graphs := graph.NewRegistry()
	if err := RegisterBuiltinIntents(graphs, nil, cfg.Boundary); err != nil {
		return err
	}

	manager := lifecycle.NewManager(store, graphs, zerolog.Nop())
	if err := manager.Complete(cmd.Context(), args[0], state.EndReason(completeReason)); err != nil {
		return err
	}

	fmt.Printf("session %s closed (%s)\n", args[0], completeReason)
	return nil
}
