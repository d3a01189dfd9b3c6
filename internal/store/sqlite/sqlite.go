package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/emberchat/emberchat/internal/store"
)

// Store implements store.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) a SQLite store at the supplied path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS characters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	tags TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS user_profiles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS chat_sessions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	character_id INTEGER NOT NULL REFERENCES characters(id) ON DELETE CASCADE,
	profile_id INTEGER NOT NULL REFERENCES user_profiles(id) ON DELETE CASCADE,
	model_id TEXT NOT NULL,
	system_prompt TEXT NOT NULL DEFAULT '',
	pre_prompt TEXT NOT NULL DEFAULT '',
	pre_prompt_enabled INTEGER NOT NULL DEFAULT 0,
	post_prompt TEXT NOT NULL DEFAULT '',
	post_prompt_enabled INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL CHECK(role IN ('user','assistant')),
	content TEXT NOT NULL,
	position INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(session_id, position)
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, position);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases underlying resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateCharacter inserts a character record.
func (s *Store) CreateCharacter(ctx context.Context, c store.Character) (*store.Character, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO characters(name, description, tags) VALUES(?, ?, ?)`,
		c.Name, c.Description, strings.Join(c.Tags, ","))
	if err != nil {
		return nil, fmt.Errorf("insert character: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	c.ID = id
	c.CreatedAt = now
	c.UpdatedAt = now
	return &c, nil
}

// GetCharacter fetches a character by id.
func (s *Store) GetCharacter(ctx context.Context, id int64) (*store.Character, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, tags, created_at, updated_at FROM characters WHERE id = ?`, id)
	var c store.Character
	var tags string
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &tags, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if tags != "" {
		c.Tags = strings.Split(tags, ",")
	}
	return &c, nil
}

// CreateProfile inserts a user profile record.
func (s *Store) CreateProfile(ctx context.Context, p store.UserProfile) (*store.UserProfile, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO user_profiles(name, description) VALUES(?, ?)`, p.Name, p.Description)
	if err != nil {
		return nil, fmt.Errorf("insert profile: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now
	return &p, nil
}

// CreateSession inserts a chat session record.
func (s *Store) CreateSession(ctx context.Context, cs store.ChatSession) (*store.ChatSession, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions(id, title, character_id, profile_id, model_id, system_prompt, pre_prompt, pre_prompt_enabled, post_prompt, post_prompt_enabled)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cs.ID, cs.Title, cs.CharacterID, cs.ProfileID, cs.ModelID, cs.SystemPrompt,
		cs.PrePrompt, boolToInt(cs.PrePromptEnabled), cs.PostPrompt, boolToInt(cs.PostPromptEnabled))
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	cs.CreatedAt = now
	cs.UpdatedAt = now
	return &cs, nil
}

// GetSession fetches a chat session row by id.
func (s *Store) GetSession(ctx context.Context, id string) (*store.ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, character_id, profile_id, model_id, system_prompt, pre_prompt, pre_prompt_enabled, post_prompt, post_prompt_enabled, created_at, updated_at
		 FROM chat_sessions WHERE id = ?`, id)
	var cs store.ChatSession
	var pre, post int
	if err := row.Scan(&cs.ID, &cs.Title, &cs.CharacterID, &cs.ProfileID, &cs.ModelID,
		&cs.SystemPrompt, &cs.PrePrompt, &pre, &cs.PostPrompt, &post, &cs.CreatedAt, &cs.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	cs.PrePromptEnabled = pre != 0
	cs.PostPromptEnabled = post != 0
	return &cs, nil
}

// LoadSessionConfig joins the session row with its character and profile into
// the immutable snapshot the streaming core consumes.
func (s *Store) LoadSessionConfig(ctx context.Context, sessionID string) (*store.SessionConfig, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT cs.id, cs.model_id, cs.system_prompt, cs.pre_prompt, cs.pre_prompt_enabled,
       cs.post_prompt, cs.post_prompt_enabled, c.description, p.description
FROM chat_sessions cs
JOIN characters c ON c.id = cs.character_id
JOIN user_profiles p ON p.id = cs.profile_id
WHERE cs.id = ?`, sessionID)
	var cfg store.SessionConfig
	var pre, post int
	if err := row.Scan(&cfg.SessionID, &cfg.ModelID, &cfg.SystemPrompt, &cfg.PrePrompt, &pre,
		&cfg.PostPrompt, &post, &cfg.CharacterDescription, &cfg.ProfileDescription); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	cfg.PrePromptEnabled = pre != 0
	cfg.PostPromptEnabled = post != 0
	return &cfg, nil
}

// ListTurns returns the session history in position order.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]store.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, position, created_at FROM messages WHERE session_id = ? ORDER BY position ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []store.Turn
	for rows.Next() {
		var t store.Turn
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Role, &t.Content, &t.Position, &t.CreatedAt); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// AppendTurn appends one message at the next position. The position is
// assigned inside a transaction so concurrent appends cannot interleave.
func (s *Store) AppendTurn(ctx context.Context, sessionID, role, content string) (*store.Turn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var exists int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM chat_sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		err = store.ErrNotFound
		return nil, err
	}

	var position int
	if err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), -1) + 1 FROM messages WHERE session_id = ?`, sessionID).Scan(&position); err != nil {
		return nil, err
	}

	var res sql.Result
	res, err = tx.ExecContext(ctx,
		`INSERT INTO messages(session_id, role, content, position) VALUES(?, ?, ?, ?)`,
		sessionID, role, content, position)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, _ := res.LastInsertId()
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return &store.Turn{
		ID:        id,
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Position:  position,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
