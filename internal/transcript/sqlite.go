package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opencouncil/councild/internal/council"
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore persists transcripts in a SQLite database. Turn bodies are
// stored as JSON with the user status and summary flag promoted to columns
// so listing never deserializes bodies.
type SQLiteStore struct {
	conn *sql.DB
}

// OpenSQLite opens (creating if needed) the transcript database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("transcript: create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("transcript: open database: %w", err)
	}

	// SQLite works best with a single connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	s := &SQLiteStore{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transcript: migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS turns (
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			user_status TEXT NOT NULL DEFAULT '',
			is_summary INTEGER NOT NULL DEFAULT 0,
			has_final INTEGER NOT NULL DEFAULT 0,
			body TEXT NOT NULL,
			PRIMARY KEY (conversation_id, seq),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_created ON conversations(created_at DESC)`,
	}
	for _, m := range migrations {
		if _, err := s.conn.Exec(m); err != nil {
			return fmt.Errorf("%w\nSQL: %s", err, m)
		}
	}
	return nil
}

// CreateConversation implements Store.
func (s *SQLiteStore) CreateConversation(ctx context.Context) (council.Conversation, error) {
	conv := council.Conversation{
		ID:        council.NewConversationID(),
		Title:     council.DefaultTitle,
		CreatedAt: time.Now().UTC(),
		Turns:     []council.Turn{},
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at) VALUES (?, ?, ?)`,
		conv.ID, conv.Title, conv.CreatedAt)
	if err != nil {
		return council.Conversation{}, fmt.Errorf("transcript: create conversation: %w", err)
	}
	return conv, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (council.Conversation, error) {
	var conv council.Conversation
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, title, created_at FROM conversations WHERE id = ?`, id).
		Scan(&conv.ID, &conv.Title, &conv.CreatedAt)
	if err == sql.ErrNoRows {
		return council.Conversation{}, ErrNotFound
	}
	if err != nil {
		return council.Conversation{}, fmt.Errorf("transcript: get conversation: %w", err)
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT body FROM turns WHERE conversation_id = ? ORDER BY seq`, id)
	if err != nil {
		return council.Conversation{}, fmt.Errorf("transcript: load turns: %w", err)
	}
	defer rows.Close()

	conv.Turns = []council.Turn{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return council.Conversation{}, fmt.Errorf("transcript: scan turn: %w", err)
		}
		var t council.Turn
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return council.Conversation{}, fmt.Errorf("transcript: decode turn: %w", err)
		}
		conv.Turns = append(conv.Turns, t)
	}
	if err := rows.Err(); err != nil {
		return council.Conversation{}, fmt.Errorf("transcript: load turns: %w", err)
	}
	return conv, nil
}

// List implements Store. The message count is computed from the promoted
// columns; turn bodies are never read.
func (s *SQLiteStore) List(ctx context.Context) ([]council.ConversationSummary, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT c.id, c.title, c.created_at,
			(SELECT COUNT(*) FROM turns t
				WHERE t.conversation_id = c.id AND t.user_status = 'complete')
			+ (SELECT COUNT(*) FROM turns t
				WHERE t.conversation_id = c.id AND t.has_final = 1 AND t.is_summary = 0)
		FROM conversations c
		ORDER BY c.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("transcript: list conversations: %w", err)
	}
	defer rows.Close()

	out := []council.ConversationSummary{}
	for rows.Next() {
		var cs council.ConversationSummary
		if err := rows.Scan(&cs.ID, &cs.Title, &cs.CreatedAt, &cs.MessageCount); err != nil {
			return nil, fmt.Errorf("transcript: scan summary: %w", err)
		}
		out = append(out, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcript: list conversations: %w", err)
	}
	return out, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transcript: delete conversation: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("transcript: delete turns: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("transcript: delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// SetTitle implements Store.
func (s *SQLiteStore) SetTitle(ctx context.Context, id, title string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE conversations SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return fmt.Errorf("transcript: set title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTurn implements Store.
func (s *SQLiteStore) AppendTurn(ctx context.Context, id string, t council.Turn) error {
	body, status, isSummary, hasFinal, err := encodeTurn(t)
	if err != nil {
		return err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transcript: append turn: %w", err)
	}
	defer tx.Rollback()

	if err := conversationExists(ctx, tx, id); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (conversation_id, seq, user_status, is_summary, has_final, body)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE conversation_id = ?), ?, ?, ?, ?)`,
		id, id, status, isSummary, hasFinal, body)
	if err != nil {
		return fmt.Errorf("transcript: append turn: %w", err)
	}
	return tx.Commit()
}

// SetTailUserStatus implements Store.
func (s *SQLiteStore) SetTailUserStatus(ctx context.Context, id string, status council.MessageStatus) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transcript: set tail status: %w", err)
	}
	defer tx.Rollback()

	if err := conversationExists(ctx, tx, id); err != nil {
		return err
	}

	var seq int
	var body string
	err = tx.QueryRowContext(ctx, `
		SELECT seq, body FROM turns
		WHERE conversation_id = ? AND user_status != ''
		ORDER BY seq DESC LIMIT 1`, id).Scan(&seq, &body)
	if err == sql.ErrNoRows {
		return tx.Commit()
	}
	if err != nil {
		return fmt.Errorf("transcript: set tail status: %w", err)
	}

	var t council.Turn
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return fmt.Errorf("transcript: decode turn: %w", err)
	}
	if t.User == nil {
		return tx.Commit()
	}
	t.User.Status = status

	newBody, statusCol, isSummary, hasFinal, err := encodeTurn(t)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE turns SET user_status = ?, is_summary = ?, has_final = ?, body = ?
		WHERE conversation_id = ? AND seq = ?`,
		statusCol, isSummary, hasFinal, newBody, id, seq)
	if err != nil {
		return fmt.Errorf("transcript: set tail status: %w", err)
	}
	return tx.Commit()
}

// SaveTurns implements Store.
func (s *SQLiteStore) SaveTurns(ctx context.Context, id string, turns []council.Turn) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("transcript: save turns: %w", err)
	}
	defer tx.Rollback()

	if err := conversationExists(ctx, tx, id); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("transcript: save turns: %w", err)
	}
	for i, t := range turns {
		body, status, isSummary, hasFinal, err := encodeTurn(t)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO turns (conversation_id, seq, user_status, is_summary, has_final, body)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, i+1, status, isSummary, hasFinal, body)
		if err != nil {
			return fmt.Errorf("transcript: save turns: %w", err)
		}
	}
	return tx.Commit()
}

// conversationExists returns ErrNotFound when the conversation row is
// missing.
func conversationExists(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("transcript: lookup conversation: %w", err)
	}
	return nil
}

// encodeTurn serializes a turn and derives the promoted columns.
func encodeTurn(t council.Turn) (body string, status string, isSummary, hasFinal int, err error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", "", 0, 0, fmt.Errorf("transcript: encode turn: %w", err)
	}
	if t.User != nil {
		status = string(t.User.Status)
	}
	if t.IsSummary() {
		isSummary = 1
	}
	if t.Assistant.Stage3Final() {
		hasFinal = 1
	}
	return string(raw), status, isSummary, hasFinal, nil
}
