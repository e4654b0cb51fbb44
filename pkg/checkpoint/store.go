package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/taskhive/converse/internal/observability"
	"github.com/taskhive/converse/internal/tracing"
	"github.com/taskhive/converse/pkg/state"
)

// ErrNotFound is returned by Get when no checkpoint exists for a session id
var ErrNotFound = errors.New("session not found")

// Store is the durable get/put boundary the engine depends on
type Store interface {
	// Get reconstructs the last persisted conversation, or ErrNotFound
	Get(ctx context.Context, sessionID string) (*state.Conversation, error)
	// Put writes the full snapshot atomically: session fields and variables
	// upserted, log entries appended, never rewritten
	Put(ctx context.Context, conv *state.Conversation) error
	// ListStale returns active session ids not updated since the cutoff
	ListStale(ctx context.Context, cutoff time.Time) ([]string, error)
	// CountActive returns the number of sessions still active
	CountActive(ctx context.Context) (int, error)
	Close() error
}

// SQLiteStore implements Store on a local SQLite database
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database and initializes the schema
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if dbPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL keeps concurrent sessions from serializing on the writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", dbPath).Msg("Checkpoint store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			intent TEXT NOT NULL,
			current_node TEXT NOT NULL,
			status TEXT NOT NULL,
			turn_count INTEGER NOT NULL DEFAULT 0,
			off_topic_count INTEGER NOT NULL DEFAULT 0,
			end_reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			closed_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at);

		CREATE TABLE IF NOT EXISTS state_variables (
			session_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			node_context TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (session_id, key),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			node_context TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, seq),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE TABLE IF NOT EXISTS agent_actions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			node TEXT NOT NULL DEFAULT '',
			tool TEXT NOT NULL DEFAULT '',
			args TEXT NOT NULL DEFAULT 'null',
			result_summary TEXT NOT NULL DEFAULT '',
			success INTEGER NOT NULL DEFAULT 0,
			duration_ns INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			UNIQUE (session_id, seq),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE TABLE IF NOT EXISTS checkpoints (
			session_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, version),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return nil
}

// Get implements Store
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*state.Conversation, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"converse.checkpoint",
		"checkpoint.get",
		attribute.String("session_id", sessionID),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordCheckpointLoad(time.Since(start))
	}()

	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	conv := &state.Conversation{Variables: make(map[string]state.Variable)}

	var endReason string
	var createdAt, updatedAt string
	var closedAt sql.NullString

	row := s.db.QueryRowContext(ctx, `
		SELECT id, intent, current_node, status, turn_count, off_topic_count,
		       end_reason, created_at, updated_at, closed_at
		FROM sessions WHERE id = ?`, sessionID)

	err := row.Scan(
		&conv.Session.ID,
		&conv.Session.Intent,
		&conv.Session.CurrentNode,
		&conv.Session.Status,
		&conv.Session.TurnCount,
		&conv.Session.OffTopicCount,
		&endReason,
		&createdAt,
		&updatedAt,
		&closedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	conv.Session.EndReason = state.EndReason(endReason)
	if conv.Session.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if conv.Session.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if closedAt.Valid {
		t, err := parseTime(closedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse closed_at: %w", err)
		}
		conv.Session.ClosedAt = &t
	}

	if err := s.loadVariables(ctx, conv); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := s.loadMessages(ctx, conv); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := s.loadActions(ctx, conv); err != nil {
		span.RecordError(err)
		return nil, err
	}

	// Everything loaded is, by definition, already persisted
	conv.SetPersistedCounts(len(conv.Messages), len(conv.Actions))

	return conv, nil
}

func (s *SQLiteStore) loadVariables(ctx context.Context, conv *state.Conversation) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, source, node_context, updated_at
		FROM state_variables WHERE session_id = ?`, conv.Session.ID)
	if err != nil {
		return fmt.Errorf("failed to load state variables: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v state.Variable
		var raw, updatedAt string
		if err := rows.Scan(&v.Key, &raw, &v.Source, &v.NodeContext, &updatedAt); err != nil {
			return fmt.Errorf("failed to scan state variable: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &v.Value); err != nil {
			return fmt.Errorf("failed to decode variable %s: %w", v.Key, err)
		}
		if v.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return fmt.Errorf("failed to parse variable timestamp: %w", err)
		}
		conv.Variables[v.Key] = v
	}

	return rows.Err()
}

func (s *SQLiteStore) loadMessages(ctx context.Context, conv *state.Conversation) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, node_context, created_at
		FROM messages WHERE session_id = ? ORDER BY seq`, conv.Session.ID)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m state.Message
		var createdAt string
		if err := rows.Scan(&m.Role, &m.Content, &m.NodeContext, &createdAt); err != nil {
			return fmt.Errorf("failed to scan message: %w", err)
		}
		if m.Timestamp, err = parseTime(createdAt); err != nil {
			return fmt.Errorf("failed to parse message timestamp: %w", err)
		}
		conv.Messages = append(conv.Messages, m)
	}

	return rows.Err()
}

func (s *SQLiteStore) loadActions(ctx context.Context, conv *state.Conversation) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, action, node, tool, args, result_summary, success, duration_ns, error, created_at
		FROM agent_actions WHERE session_id = ? ORDER BY seq`, conv.Session.ID)
	if err != nil {
		return fmt.Errorf("failed to load agent actions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a state.AgentAction
		var args, createdAt string
		var success int
		var durationNs int64
		if err := rows.Scan(&a.ID, &a.Role, &a.Action, &a.Node, &a.Tool, &args,
			&a.ResultSummary, &success, &durationNs, &a.Error, &createdAt); err != nil {
			return fmt.Errorf("failed to scan agent action: %w", err)
		}
		if err := json.Unmarshal([]byte(args), &a.Args); err != nil {
			return fmt.Errorf("failed to decode action args: %w", err)
		}
		a.Success = success == 1
		a.Duration = time.Duration(durationNs)
		if a.Timestamp, err = parseTime(createdAt); err != nil {
			return fmt.Errorf("failed to parse action timestamp: %w", err)
		}
		conv.Actions = append(conv.Actions, a)
	}

	return rows.Err()
}

// Put implements Store. The whole snapshot commits or none of it does.
func (s *SQLiteStore) Put(ctx context.Context, conv *state.Conversation) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"converse.checkpoint",
		"checkpoint.put",
		attribute.String("session_id", conv.Session.ID),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordCheckpointSave(time.Since(start))
	}()

	if conv == nil || conv.Session.ID == "" {
		return errors.New("conversation with session id is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		observability.RecordCheckpointFailure()
		return fmt.Errorf("failed to begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.upsertSession(ctx, tx, conv); err != nil {
		observability.RecordCheckpointFailure()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := s.upsertVariables(ctx, tx, conv); err != nil {
		observability.RecordCheckpointFailure()
		span.RecordError(err)
		return err
	}
	if err := s.appendMessages(ctx, tx, conv); err != nil {
		observability.RecordCheckpointFailure()
		span.RecordError(err)
		return err
	}
	if err := s.appendActions(ctx, tx, conv); err != nil {
		observability.RecordCheckpointFailure()
		span.RecordError(err)
		return err
	}
	if err := s.bumpCheckpointVersion(ctx, tx, conv.Session.ID); err != nil {
		observability.RecordCheckpointFailure()
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(); err != nil {
		observability.RecordCheckpointFailure()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	conv.MarkPersisted()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("session_id", conv.Session.ID).
		Str("node", conv.Session.CurrentNode).
		Str("status", string(conv.Session.Status)).
		Msg("Checkpoint saved")

	return nil
}

func (s *SQLiteStore) upsertSession(ctx context.Context, tx *sql.Tx, conv *state.Conversation) error {
	var closedAt interface{}
	if conv.Session.ClosedAt != nil {
		closedAt = formatTime(*conv.Session.ClosedAt)
	}

	// Intent and created_at are immutable after the first write
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, intent, current_node, status, turn_count,
			off_topic_count, end_reason, created_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_node = excluded.current_node,
			status = excluded.status,
			turn_count = excluded.turn_count,
			off_topic_count = excluded.off_topic_count,
			end_reason = excluded.end_reason,
			updated_at = excluded.updated_at,
			closed_at = excluded.closed_at`,
		conv.Session.ID,
		conv.Session.Intent,
		conv.Session.CurrentNode,
		string(conv.Session.Status),
		conv.Session.TurnCount,
		conv.Session.OffTopicCount,
		string(conv.Session.EndReason),
		formatTime(conv.Session.CreatedAt),
		formatTime(conv.Session.UpdatedAt),
		closedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) upsertVariables(ctx context.Context, tx *sql.Tx, conv *state.Conversation) error {
	for key, v := range conv.Variables {
		raw, err := json.Marshal(v.Value)
		if err != nil {
			return fmt.Errorf("failed to encode variable %s: %w", key, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO state_variables (session_id, key, value, source, node_context, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, key) DO UPDATE SET
				value = excluded.value,
				source = excluded.source,
				node_context = excluded.node_context,
				updated_at = excluded.updated_at`,
			conv.Session.ID, key, string(raw), v.Source, v.NodeContext, formatTime(v.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert variable %s: %w", key, err)
		}
	}
	return nil
}

func (s *SQLiteStore) appendMessages(ctx context.Context, tx *sql.Tx, conv *state.Conversation) error {
	persisted, _ := conv.PersistedCounts()
	for i, m := range conv.PendingMessages() {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, seq, role, content, node_context, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			conv.Session.ID, persisted+i, m.Role, m.Content, m.NodeContext, formatTime(m.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) appendActions(ctx context.Context, tx *sql.Tx, conv *state.Conversation) error {
	_, persisted := conv.PersistedCounts()
	for i, a := range conv.PendingActions() {
		id := a.ID
		if id == "" {
			id = gonanoid.Must()
		}

		args, err := json.Marshal(a.Args)
		if err != nil {
			return fmt.Errorf("failed to encode action args: %w", err)
		}

		success := 0
		if a.Success {
			success = 1
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO agent_actions (id, session_id, seq, role, action, node, tool,
				args, result_summary, success, duration_ns, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, conv.Session.ID, persisted+i, a.Role, a.Action, a.Node, a.Tool,
			string(args), a.ResultSummary, success, int64(a.Duration), a.Error, formatTime(a.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("failed to append agent action: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) bumpCheckpointVersion(ctx context.Context, tx *sql.Tx, sessionID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, version, created_at)
		VALUES (?, (SELECT COALESCE(MAX(version), 0) + 1 FROM checkpoints WHERE session_id = ?), ?)`,
		sessionID, sessionID, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("failed to record checkpoint version: %w", err)
	}
	return nil
}

// CheckpointVersion returns the current checkpoint version for a session
func (s *SQLiteStore) CheckpointVersion(ctx context.Context, sessionID string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM checkpoints WHERE session_id = ?`, sessionID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint version: %w", err)
	}
	return version, nil
}

// ListStale implements Store
func (s *SQLiteStore) ListStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions WHERE status = ? AND updated_at < ?`,
		string(state.StatusActive), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// CountActive implements Store
func (s *SQLiteStore) CountActive(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions WHERE status = ?`, string(state.StatusActive)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Timestamps round-trip as RFC3339Nano so reconstruction is exact
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}
