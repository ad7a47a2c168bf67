// Package persist implements crash-survivable storage of conversation
// metadata (SPEC_FULL.md "Persisted state layout" supplement) in a single
// embedded SQLite file via github.com/mattn/go-sqlite3, the
// database/sql driver the estuary-flow materialize connector wires up
// for its sqlite endpoint (driver/sqlite/sqlite.go) -- this package
// adapts that same driver/store pairing to conversation metadata.
//
// Only metadata needed to resume bookkeeping after a restart is
// persisted: full message bodies are not stored (they are already
// truncated to previews in ConversationState), and any conversation found
// mid checkpoint at load time reverts to IDLE, since the goroutine that
// would have completed it no longer exists.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/marklubin/doublebufferproxy/internal/convstate"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	key                     TEXT PRIMARY KEY,
	conv_id                 TEXT NOT NULL,
	model                   TEXT NOT NULL,
	context_window          INTEGER NOT NULL,
	phase                   TEXT NOT NULL,
	messages_json           TEXT NOT NULL,
	total_input_tokens      INTEGER NOT NULL,
	wal_start_index         INTEGER,
	checkpoint_content      TEXT,
	checkpoint_started_at   INTEGER,
	checkpoint_completed_at INTEGER,
	last_activity_at        INTEGER NOT NULL,
	epoch                   INTEGER NOT NULL,
	updated_at              INTEGER NOT NULL
);
`

// Store is a sqlite-backed implementation of store.Persister.
type Store struct {
	db *sql.DB
}

// Open creates or opens the sqlite file at path and ensures the schema
// exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: create schema: %w", err)
	}
	// The write-ahead-log buffer in ConversationState is logically
	// separate from SQLite's WAL journal mode; both happen to use the
	// abbreviation "WAL" for unrelated reasons.
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts one conversation's persisted fields.
func (s *Store) Save(ctx context.Context, st *convstate.ConversationState) error {
	msgJSON, err := json.Marshal(st.Messages)
	if err != nil {
		return fmt.Errorf("persist: marshal messages: %w", err)
	}

	var walStart *int
	if st.WALStartIndex != nil {
		v := *st.WALStartIndex
		walStart = &v
	}
	var checkpointStartedAt, checkpointCompletedAt *int64
	if st.CheckpointStartedAt != nil {
		v := st.CheckpointStartedAt.Unix()
		checkpointStartedAt = &v
	}
	if st.CheckpointCompletedAt != nil {
		v := st.CheckpointCompletedAt.Unix()
		checkpointCompletedAt = &v
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (
			key, conv_id, model, context_window, phase, messages_json,
			total_input_tokens, wal_start_index, checkpoint_content,
			checkpoint_started_at, checkpoint_completed_at, last_activity_at,
			epoch, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET
			conv_id=excluded.conv_id,
			model=excluded.model,
			context_window=excluded.context_window,
			phase=excluded.phase,
			messages_json=excluded.messages_json,
			total_input_tokens=excluded.total_input_tokens,
			wal_start_index=excluded.wal_start_index,
			checkpoint_content=excluded.checkpoint_content,
			checkpoint_started_at=excluded.checkpoint_started_at,
			checkpoint_completed_at=excluded.checkpoint_completed_at,
			last_activity_at=excluded.last_activity_at,
			epoch=excluded.epoch,
			updated_at=excluded.updated_at
	`,
		st.Key, st.ConvID, st.Model, st.ContextWindow, string(st.Phase), string(msgJSON),
		st.TotalInputTokens, walStart, st.CheckpointContent,
		checkpointStartedAt, checkpointCompletedAt, st.LastActivityAt.Unix(),
		st.Epoch, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("persist: save %s: %w", st.Key, err)
	}
	return nil
}

// Delete removes one conversation's persisted row.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("persist: delete %s: %w", key, err)
	}
	return nil
}

// LoadAll reconstructs every persisted conversation. Conversations left
// mid checkpoint are returned with their phase and in-flight fields
// intact; the caller (store.ConversationStore.Restore) is responsible for
// reverting them to IDLE, since that decision belongs to the engine's
// semantics, not the persistence layer.
func (s *Store) LoadAll(ctx context.Context) ([]*convstate.ConversationState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, conv_id, model, context_window, phase, messages_json,
			total_input_tokens, wal_start_index, checkpoint_content,
			checkpoint_started_at, checkpoint_completed_at, last_activity_at, epoch
		FROM conversations
	`)
	if err != nil {
		return nil, fmt.Errorf("persist: load all: %w", err)
	}
	defer rows.Close()

	var out []*convstate.ConversationState
	for rows.Next() {
		var (
			st                                       convstate.ConversationState
			phase                                    string
			msgJSON                                  string
			walStart                                 sql.NullInt64
			checkpointContent                        sql.NullString
			checkpointStartedAt, checkpointCompleted sql.NullInt64
			lastActivity                             int64
		)
		if err := rows.Scan(&st.Key, &st.ConvID, &st.Model, &st.ContextWindow, &phase, &msgJSON,
			&st.TotalInputTokens, &walStart, &checkpointContent,
			&checkpointStartedAt, &checkpointCompleted, &lastActivity, &st.Epoch); err != nil {
			return nil, fmt.Errorf("persist: scan row: %w", err)
		}
		st.Phase = convstate.Phase(phase)
		if err := json.Unmarshal([]byte(msgJSON), &st.Messages); err != nil {
			return nil, fmt.Errorf("persist: unmarshal messages for %s: %w", st.Key, err)
		}
		if walStart.Valid {
			v := int(walStart.Int64)
			st.WALStartIndex = &v
		}
		if checkpointContent.Valid {
			v := checkpointContent.String
			st.CheckpointContent = &v
		}
		if checkpointStartedAt.Valid {
			v := time.Unix(checkpointStartedAt.Int64, 0)
			st.CheckpointStartedAt = &v
		}
		if checkpointCompleted.Valid {
			v := time.Unix(checkpointCompleted.Int64, 0)
			st.CheckpointCompletedAt = &v
		}
		st.LastActivityAt = time.Unix(lastActivity, 0)
		out = append(out, &st)
	}
	return out, rows.Err()
}
