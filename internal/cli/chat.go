package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/taskhive/converse/internal/config"
	"github.com/taskhive/converse/internal/logger"
	"github.com/taskhive/converse/internal/tracing"
	"github.com/taskhive/converse/pkg/checkpoint"
	"github.com/taskhive/converse/pkg/engine"
	"github.com/taskhive/converse/pkg/graph"
	"github.com/taskhive/converse/pkg/lifecycle"
	"github.com/taskhive/converse/pkg/toolrelay"
)

var (
	chatIntent  string
	chatSession string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation",
	Long: `Start an interactive conversation against the local engine.
Each line you type runs one turn; the session checkpoints after every turn
and can be resumed later with --session.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatIntent, "intent", "service_request", "intent graph for new sessions")
	chatCmd.Flags().StringVar(&chatSession, "session", "", "resume an existing session id")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()
	zl := lg.GetZerolog()

	if err := tracing.Init(tracing.Options{ServiceName: "converse", ServiceVersion: version}); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer tracing.Shutdown(context.Background())

	store, err := checkpoint.NewSQLiteStore(cfg.Storage.DBPath, zl)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	relay, cleanup, err := buildRelay(ctx, cfg, zl)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	graphs := graph.NewRegistry()
	if err := RegisterBuiltinIntents(graphs, relay, cfg.Boundary); err != nil {
		return fmt.Errorf("failed to register intents: %w", err)
	}

	manager := lifecycle.NewManager(store, graphs, zl)
	reaper, err := lifecycle.NewReaper(manager, store,
		time.Duration(cfg.Lifecycle.StaleAfterHours)*time.Hour, cfg.Lifecycle.ReaperSchedule, zl)
	if err != nil {
		return err
	}
	reaper.Start()
	defer reaper.Stop()

	eng := engine.New(graphs, store, zl)

	fmt.Printf("Converse %s (intent %q). Type a message, or /quit to leave.\n", version, chatIntent)
	if chatSession != "" {
		fmt.Printf("Resuming session %s\n", chatSession)
	}

	sessionID := chatSession
	auth := os.Getenv("CONVERSE_API_TOKEN")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			break
		}

		turnCtx, turnCancel := context.WithTimeout(ctx, time.Duration(cfg.Engine.InvokeTimeout)*time.Second)
		resp, err := eng.Invoke(turnCtx, engine.Request{
			SessionID: sessionID,
			Intent:    chatIntent,
			Message:   line,
			Auth:      auth,
		})
		turnCancel()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}

		sessionID = resp.SessionID
		if resp.NaturalResponse != "" {
			fmt.Println(resp.NaturalResponse)
		}
		if resp.ConversationEnded {
			fmt.Printf("[conversation ended: %s]\n", resp.EndReason)
			break
		}
	}

	if sessionID != "" {
		fmt.Printf("Session: %s\n", sessionID)
	}
	return scanner.Err()
}

// buildRelay wires the tool relay when a base URL is configured. Returns a
// nil relay otherwise; builtin graphs degrade gracefully without one.
func buildRelay(ctx context.Context, cfg *config.Config, zl zerolog.Logger) (*toolrelay.Relay, func(), error) {
	if cfg.Tools.BaseURL == "" {
		zl.Info().Msg("No tools base URL configured, provider search runs in stub mode")
		return nil, nil, nil
	}

	registry := toolrelay.NewRegistry()
	if err := registry.LoadFile(cfg.Tools.SpecsPath); err != nil {
		return nil, nil, fmt.Errorf("failed to load tool specs: %w", err)
	}

	invoker := toolrelay.NewHTTPInvoker(cfg.Tools.BaseURL, time.Duration(cfg.Tools.RequestTimeout)*time.Second)
	relay := toolrelay.NewRelay(registry, invoker, zl)

	if !cfg.Tools.WatchSpecs {
		return relay, nil, nil
	}

	watcher, err := toolrelay.NewWatcher(registry, cfg.Tools.SpecsPath, zl)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to watch tool specs: %w", err)
	}
	go watcher.Run(ctx)

	return relay, func() { watcher.Close() }, nil
}
