package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	. "github.com/roelfdiedericks/personagate/internal/logging"
	"github.com/roelfdiedericks/personagate/internal/types"
)

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Schema version for migrations
const currentSchemaVersion = 2

// NewSQLiteStore opens (and migrates) the database at path.
// Write transactions take the write lock up front (_txlock=immediate), so
// read-modify-write sequences inside them are serialized across processes.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("sqlite: store opened", "path", path)
	return s, nil
}

// Migrate runs database migrations
func (s *SQLiteStore) Migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist, start from scratch
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("sqlite: schema up to date", "version", version)
		return nil
	}

	L_info("sqlite: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{
		sqliteMigrateV1,
		sqliteMigrateV2,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("sqlite: applied migration", "version", i+1)
	}
	return nil
}

// sqliteMigrateV1 creates the initial schema
func sqliteMigrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS personas (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		traits TEXT NOT NULL DEFAULT '[]',
		language_style TEXT NOT NULL DEFAULT '',
		expertise TEXT NOT NULL DEFAULT '[]',
		knowledge TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		persona_id TEXT NOT NULL REFERENCES personas(id),
		message_count INTEGER NOT NULL DEFAULT 0,
		last_activity INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

	-- seq is the per-session order; (session_id, seq) 0/1 is the opening exchange
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		sender_name TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		is_fallback INTEGER NOT NULL DEFAULT 0,
		error_type TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		UNIQUE (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS usage_counters (
		user_id TEXT PRIMARY KEY,
		messages_today INTEGER NOT NULL DEFAULT 0 CHECK (messages_today >= 0),
		reset_date TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS greetings (
		user_id TEXT NOT NULL,
		persona_id TEXT NOT NULL,
		text TEXT NOT NULL,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, persona_id)
	);

	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);
	`

	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// sqliteMigrateV2 adds the sentiment label to messages
func sqliteMigrateV2(db *sql.DB) error {
	schema := `
	ALTER TABLE messages ADD COLUMN sentiment TEXT NOT NULL DEFAULT '';

	INSERT INTO schema_version (version, applied_at) VALUES (2, ?);
	`

	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// LoadPersona reads a persona profile
func (s *SQLiteStore) LoadPersona(ctx context.Context, personaID string) (*types.Persona, error) {
	var p types.Persona
	var traits, expertise, knowledge string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, bio, traits, language_style, expertise, knowledge
		FROM personas WHERE id = ?
	`, personaID).Scan(&p.ID, &p.Name, &p.Description, &p.Bio, &traits, &p.LanguageStyle, &expertise, &knowledge)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query persona failed: %w", err)
	}
	p.Traits = decodeList(traits)
	p.Expertise = decodeList(expertise)
	p.Knowledge = decodeList(knowledge)
	return &p, nil
}

// SeedPersona inserts or replaces a persona profile
func (s *SQLiteStore) SeedPersona(ctx context.Context, p types.Persona) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO personas (id, name, description, bio, traits, language_style, expertise, knowledge)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, description = excluded.description, bio = excluded.bio,
			traits = excluded.traits, language_style = excluded.language_style,
			expertise = excluded.expertise, knowledge = excluded.knowledge
	`, p.ID, p.Name, p.Description, p.Bio, encodeList(p.Traits), p.LanguageStyle,
		encodeList(p.Expertise), encodeList(p.Knowledge))
	if err != nil {
		return fmt.Errorf("upsert persona failed: %w", err)
	}
	L_debug("sqlite: persona seeded", "persona", p.ID)
	return nil
}

// CreateSession starts a new session between userID and personaID
func (s *SQLiteStore) CreateSession(ctx context.Context, userID, personaID string) (*types.Session, error) {
	now := nowMillis()
	sess := &types.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		PersonaID:    personaID,
		LastActivity: fromMillis(now),
		CreatedAt:    fromMillis(now),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, persona_id, message_count, last_activity, created_at)
		VALUES (?, ?, ?, 0, ?, ?)
	`, sess.ID, userID, personaID, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert session failed: %w", err)
	}
	return sess, nil
}

// LoadSession reads a session
func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) (*types.Session, error) {
	var sess types.Session
	var lastActivity, createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, persona_id, message_count, last_activity, created_at
		FROM sessions WHERE id = ?
	`, sessionID).Scan(&sess.ID, &sess.UserID, &sess.PersonaID, &sess.MessageCount, &lastActivity, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session failed: %w", err)
	}
	sess.LastActivity = fromMillis(lastActivity)
	sess.CreatedAt = fromMillis(createdAt)
	return &sess, nil
}

// LoadRecentTurns returns the newest limit user/assistant turns, oldest first
func (s *SQLiteStore) LoadRecentTurns(ctx context.Context, sessionID string, limit int) ([]types.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, text, created_at FROM messages
		WHERE session_id = ? AND role IN ('user', 'assistant')
		ORDER BY seq DESC LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query turns failed: %w", err)
	}
	defer rows.Close()

	var turns []types.Turn
	for rows.Next() {
		var t types.Turn
		var createdAt int64
		if err := rows.Scan(&t.Role, &t.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn failed: %w", err)
		}
		t.Timestamp = fromMillis(createdAt)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseTurns(turns)
	return turns, nil
}

// AppendExchange writes msgs after the session's last message
func (s *SQLiteStore) AppendExchange(ctx context.Context, sessionID string, msgs []types.Message) ([]types.Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", sessionID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query session failed: %w", err)
	}

	var lastSeq, lastMillis int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), -1), COALESCE(MAX(created_at), 0) FROM messages WHERE session_id = ?
	`, sessionID).Scan(&lastSeq, &lastMillis)
	if err != nil {
		return nil, fmt.Errorf("query last message failed: %w", err)
	}

	out := prepareExchange(sessionID, msgs, lastSeq, lastMillis, nowMillis())
	if err := sqliteInsertMessages(ctx, tx, out); err != nil {
		return nil, err
	}
	if err := sqliteTouchSession(ctx, tx, sessionID, len(out), out[len(out)-1].CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit failed: %w", err)
	}
	L_trace("sqlite: exchange appended", "session", sessionID, "count", len(out), "firstSeq", out[0].Seq)
	return out, nil
}

func sqliteInsertMessages(ctx context.Context, tx *sql.Tx, msgs []types.Message) error {
	for _, m := range msgs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, seq, role, sender_name, text, tokens_used,
			                      sentiment, is_fallback, error_type, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, m.ID, m.SessionID, m.Seq, m.Role, m.SenderName, m.Text, m.TokensUsed,
			m.Sentiment, m.IsFallback, m.ErrorType, m.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert message failed: %w", err)
		}
	}
	return nil
}

func sqliteTouchSession(ctx context.Context, tx *sql.Tx, sessionID string, added int, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sessions SET message_count = message_count + ?, last_activity = MAX(last_activity, ?)
		WHERE id = ?
	`, added, at.UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("update session failed: %w", err)
	}
	return nil
}

// LoadOpeningExchange returns the messages at seq 0 and 1
func (s *SQLiteStore) LoadOpeningExchange(ctx context.Context, sessionID string) ([]types.Message, error) {
	return sqliteOpeningExchange(ctx, s.db, sessionID)
}

type sqliteQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func sqliteOpeningExchange(ctx context.Context, q sqliteQuerier, sessionID string) ([]types.Message, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, session_id, seq, role, sender_name, text, tokens_used, sentiment,
		       is_fallback, error_type, created_at
		FROM messages WHERE session_id = ? AND seq IN (0, 1) ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query opening exchange failed: %w", err)
	}
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		var m types.Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.SenderName, &m.Text, &m.TokensUsed,
			&m.Sentiment, &m.IsFallback, &m.ErrorType, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		m.CreatedAt = fromMillis(createdAt)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(msgs) < 2 {
		return nil, nil
	}
	return msgs, nil
}

// InsertOpeningExchangeIfAbsent writes msgs at seq 0/1 unless taken
func (s *SQLiteStore) InsertOpeningExchangeIfAbsent(ctx context.Context, sessionID string, msgs [2]types.Message) ([]types.Message, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin failed: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", sessionID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("query session failed: %w", err)
	}

	out := prepareExchange(sessionID, msgs[:], -1, 0, nowMillis())
	inserted := 0
	for _, m := range out {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, seq, role, sender_name, text, tokens_used,
			                      sentiment, is_fallback, error_type, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, seq) DO NOTHING
		`, m.ID, m.SessionID, m.Seq, m.Role, m.SenderName, m.Text, m.TokensUsed,
			m.Sentiment, m.IsFallback, m.ErrorType, m.CreatedAt.UnixMilli())
		if err != nil {
			return nil, false, fmt.Errorf("insert opening message failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if inserted > 0 {
		if err := sqliteTouchSession(ctx, tx, sessionID, inserted, out[1].CreatedAt); err != nil {
			return nil, false, err
		}
	}

	stored, err := sqliteOpeningExchange(ctx, tx, sessionID)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit failed: %w", err)
	}
	return stored, inserted == len(out), nil
}

// LoadUsage reads a user's counter
func (s *SQLiteStore) LoadUsage(ctx context.Context, userID string) (*types.UsageCounter, error) {
	u := types.UsageCounter{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT messages_today, reset_date FROM usage_counters WHERE user_id = ?
	`, userID).Scan(&u.MessagesToday, &u.ResetDate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query usage failed: %w", err)
	}
	return &u, nil
}

// IncrementUsageIfBelow is a single conditional upsert. When the WHERE clause
// of the update rejects the row, RETURNING yields nothing.
func (s *SQLiteStore) IncrementUsageIfBelow(ctx context.Context, userID, today string, limit int) (int, bool, error) {
	if limit <= 0 {
		return 0, false, nil
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO usage_counters (user_id, messages_today, reset_date) VALUES (?, 1, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			messages_today = CASE WHEN usage_counters.reset_date = excluded.reset_date
			                      THEN usage_counters.messages_today + 1 ELSE 1 END,
			reset_date = excluded.reset_date
		WHERE usage_counters.reset_date <> excluded.reset_date OR usage_counters.messages_today < ?
		RETURNING messages_today
	`, userID, today, limit).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("increment usage failed: %w", err)
	}
	return count, true, nil
}

// LoadGreeting reads the cached greeting for a pair
func (s *SQLiteStore) LoadGreeting(ctx context.Context, userID, personaID string) (*types.Greeting, error) {
	g := types.Greeting{UserID: userID, PersonaID: personaID}
	var createdAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT text, tokens_used, created_at FROM greetings WHERE user_id = ? AND persona_id = ?
	`, userID, personaID).Scan(&g.Text, &g.TokensUsed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query greeting failed: %w", err)
	}
	g.CreatedAt = fromMillis(createdAt)
	return &g, nil
}

// InsertGreetingIfAbsent inserts g unless the pair exists, then reads back
func (s *SQLiteStore) InsertGreetingIfAbsent(ctx context.Context, g types.Greeting) (*types.Greeting, error) {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = fromMillis(nowMillis())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO greetings (user_id, persona_id, text, tokens_used, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, persona_id) DO NOTHING
	`, g.UserID, g.PersonaID, g.Text, g.TokensUsed, g.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert greeting failed: %w", err)
	}
	return s.LoadGreeting(ctx, g.UserID, g.PersonaID)
}

// DeleteGreeting removes the pair's greeting if its text still matches
func (s *SQLiteStore) DeleteGreeting(ctx context.Context, userID, personaID, text string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM greetings WHERE user_id = ? AND persona_id = ? AND text = ?
	`, userID, personaID, text)
	if err != nil {
		return fmt.Errorf("delete greeting failed: %w", err)
	}
	return nil
}
