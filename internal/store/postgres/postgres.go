package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/emberchat/emberchat/internal/store"
)

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// New opens a PostgreSQL-backed store using the provided DSN and connection
// pool settings.
func New(dsn string, maxOpen, maxIdle int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

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
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	tags TEXT[] NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_profiles (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chat_sessions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	character_id BIGINT NOT NULL REFERENCES characters(id) ON DELETE CASCADE,
	profile_id BIGINT NOT NULL REFERENCES user_profiles(id) ON DELETE CASCADE,
	model_id TEXT NOT NULL,
	system_prompt TEXT NOT NULL DEFAULT '',
	pre_prompt TEXT NOT NULL DEFAULT '',
	pre_prompt_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	post_prompt TEXT NOT NULL DEFAULT '',
	post_prompt_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL CHECK(role IN ('user','assistant')),
	content TEXT NOT NULL,
	position INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO characters(name, description, tags) VALUES($1, $2, $3) RETURNING id, created_at, updated_at`,
		c.Name, c.Description, pq.Array(c.Tags))
	if err := row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert character: %w", err)
	}
	return &c, nil
}

// GetCharacter fetches a character by id.
func (s *Store) GetCharacter(ctx context.Context, id int64) (*store.Character, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, tags, created_at, updated_at FROM characters WHERE id = $1`, id)
	var c store.Character
	if err := row.Scan(&c.ID, &c.Name, &c.Description, pq.Array(&c.Tags), &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// CreateProfile inserts a user profile record.
func (s *Store) CreateProfile(ctx context.Context, p store.UserProfile) (*store.UserProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO user_profiles(name, description) VALUES($1, $2) RETURNING id, created_at, updated_at`,
		p.Name, p.Description)
	if err := row.Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert profile: %w", err)
	}
	return &p, nil
}

// CreateSession inserts a chat session record.
func (s *Store) CreateSession(ctx context.Context, cs store.ChatSession) (*store.ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO chat_sessions(id, title, character_id, profile_id, model_id, system_prompt, pre_prompt, pre_prompt_enabled, post_prompt, post_prompt_enabled)
		 VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING created_at, updated_at`,
		cs.ID, cs.Title, cs.CharacterID, cs.ProfileID, cs.ModelID, cs.SystemPrompt,
		cs.PrePrompt, cs.PrePromptEnabled, cs.PostPrompt, cs.PostPromptEnabled)
	if err := row.Scan(&cs.CreatedAt, &cs.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return &cs, nil
}

// GetSession fetches a chat session row by id.
func (s *Store) GetSession(ctx context.Context, id string) (*store.ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, character_id, profile_id, model_id, system_prompt, pre_prompt, pre_prompt_enabled, post_prompt, post_prompt_enabled, created_at, updated_at
		 FROM chat_sessions WHERE id = $1`, id)
	var cs store.ChatSession
	if err := row.Scan(&cs.ID, &cs.Title, &cs.CharacterID, &cs.ProfileID, &cs.ModelID,
		&cs.SystemPrompt, &cs.PrePrompt, &cs.PrePromptEnabled, &cs.PostPrompt, &cs.PostPromptEnabled,
		&cs.CreatedAt, &cs.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
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
WHERE cs.id = $1`, sessionID)
	var cfg store.SessionConfig
	if err := row.Scan(&cfg.SessionID, &cfg.ModelID, &cfg.SystemPrompt, &cfg.PrePrompt, &cfg.PrePromptEnabled,
		&cfg.PostPrompt, &cfg.PostPromptEnabled, &cfg.CharacterDescription, &cfg.ProfileDescription); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &cfg, nil
}

// ListTurns returns the session history in position order.
func (s *Store) ListTurns(ctx context.Context, sessionID string) ([]store.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, position, created_at FROM messages WHERE session_id = $1 ORDER BY position ASC`,
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

// AppendTurn appends one message at the next position inside a transaction.
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
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM chat_sessions WHERE id = $1`, sessionID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		err = store.ErrNotFound
		return nil, err
	}

	t := store.Turn{SessionID: sessionID, Role: role, Content: content}
	if err = tx.QueryRowContext(ctx, `
INSERT INTO messages(session_id, role, content, position)
VALUES($1, $2, $3, (SELECT COALESCE(MAX(position), -1) + 1 FROM messages WHERE session_id = $1))
RETURNING id, position, created_at`, sessionID, role, content).Scan(&t.ID, &t.Position, &t.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return &t, nil
}
