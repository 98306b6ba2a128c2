package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/roelfdiedericks/personagate/internal/logging"
	"github.com/roelfdiedericks/personagate/internal/types"
)

// PostgresStore implements Store on a pgx connection pool. Per-session
// ordering is enforced by locking the session row (SELECT ... FOR UPDATE)
// inside each write transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var pgMigrations = []string{
	// v1: initial schema
	`
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
		last_activity BIGINT NOT NULL,
		created_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq BIGINT NOT NULL,
		role TEXT NOT NULL,
		sender_name TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		is_fallback BOOLEAN NOT NULL DEFAULT FALSE,
		error_type TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
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
		created_at BIGINT NOT NULL,
		PRIMARY KEY (user_id, persona_id)
	);
	`,
	// v2: sentiment label
	`ALTER TABLE messages ADD COLUMN IF NOT EXISTS sentiment TEXT NOT NULL DEFAULT '';`,
}

// NewPostgresStore connects to dsn and migrates the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	L_info("postgres: store opened", "host", pcfg.ConnConfig.Host, "database", pcfg.ConnConfig.Database)
	return s, nil
}

// Migrate applies pending migrations, each in its own transaction.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)`); err != nil {
		return err
	}

	var version int
	if err := s.pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return err
	}
	if version >= len(pgMigrations) {
		L_debug("postgres: schema up to date", "version", version)
		return nil
	}

	L_info("postgres: migrating schema", "from", version, "to", len(pgMigrations))
	for i := version; i < len(pgMigrations); i++ {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, pgMigrations[i]); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, "INSERT INTO schema_version (version, applied_at) VALUES ($1, $2)", i+1, time.Now().Unix())
			return err
		})
		if err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("postgres: applied migration", "version", i+1)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) LoadPersona(ctx context.Context, personaID string) (*types.Persona, error) {
	var p types.Persona
	var traits, expertise, knowledge string
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, description, bio, traits, language_style, expertise, knowledge
		FROM personas WHERE id = $1
	`, personaID).Scan(&p.ID, &p.Name, &p.Description, &p.Bio, &traits, &p.LanguageStyle, &expertise, &knowledge)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) SeedPersona(ctx context.Context, p types.Persona) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO personas (id, name, description, bio, traits, language_style, expertise, knowledge)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, description = EXCLUDED.description, bio = EXCLUDED.bio,
			traits = EXCLUDED.traits, language_style = EXCLUDED.language_style,
			expertise = EXCLUDED.expertise, knowledge = EXCLUDED.knowledge
	`, p.ID, p.Name, p.Description, p.Bio, encodeList(p.Traits), p.LanguageStyle,
		encodeList(p.Expertise), encodeList(p.Knowledge))
	if err != nil {
		return fmt.Errorf("upsert persona failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, userID, personaID string) (*types.Session, error) {
	now := nowMillis()
	sess := &types.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		PersonaID:    personaID,
		LastActivity: fromMillis(now),
		CreatedAt:    fromMillis(now),
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, persona_id, message_count, last_activity, created_at)
		VALUES ($1, $2, $3, 0, $4, $4)
	`, sess.ID, userID, personaID, now)
	if err != nil {
		return nil, fmt.Errorf("insert session failed: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) LoadSession(ctx context.Context, sessionID string) (*types.Session, error) {
	var sess types.Session
	var lastActivity, createdAt int64
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, persona_id, message_count, last_activity, created_at
		FROM sessions WHERE id = $1
	`, sessionID).Scan(&sess.ID, &sess.UserID, &sess.PersonaID, &sess.MessageCount, &lastActivity, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session failed: %w", err)
	}
	sess.LastActivity = fromMillis(lastActivity)
	sess.CreatedAt = fromMillis(createdAt)
	return &sess, nil
}

func (s *PostgresStore) LoadRecentTurns(ctx context.Context, sessionID string, limit int) ([]types.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT role, text, created_at FROM messages
		WHERE session_id = $1 AND role IN ('user', 'assistant')
		ORDER BY seq DESC LIMIT $2
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

// lockSession takes the session row lock for the rest of tx.
func pgLockSession(ctx context.Context, tx pgx.Tx, sessionID string) error {
	var id string
	err := tx.QueryRow(ctx, "SELECT id FROM sessions WHERE id = $1 FOR UPDATE", sessionID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock session failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendExchange(ctx context.Context, sessionID string, msgs []types.Message) ([]types.Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	var out []types.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := pgLockSession(ctx, tx, sessionID); err != nil {
			return err
		}

		var lastSeq, lastMillis int64
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(seq), -1), COALESCE(MAX(created_at), 0) FROM messages WHERE session_id = $1
		`, sessionID).Scan(&lastSeq, &lastMillis); err != nil {
			return fmt.Errorf("query last message failed: %w", err)
		}

		out = prepareExchange(sessionID, msgs, lastSeq, lastMillis, nowMillis())
		for _, m := range out {
			if _, err := tx.Exec(ctx, pgInsertMessage, pgMessageArgs(m)...); err != nil {
				return fmt.Errorf("insert message failed: %w", err)
			}
		}
		return pgTouchSession(ctx, tx, sessionID, len(out), out[len(out)-1].CreatedAt)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

const pgInsertMessage = `
	INSERT INTO messages (id, session_id, seq, role, sender_name, text, tokens_used,
	                      sentiment, is_fallback, error_type, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func pgMessageArgs(m types.Message) []any {
	return []any{m.ID, m.SessionID, m.Seq, m.Role, m.SenderName, m.Text, m.TokensUsed,
		m.Sentiment, m.IsFallback, m.ErrorType, m.CreatedAt.UnixMilli()}
}

func pgTouchSession(ctx context.Context, tx pgx.Tx, sessionID string, added int, at time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE sessions SET message_count = message_count + $1, last_activity = GREATEST(last_activity, $2)
		WHERE id = $3
	`, added, at.UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("update session failed: %w", err)
	}
	return nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func pgOpeningExchange(ctx context.Context, q pgQuerier, sessionID string) ([]types.Message, error) {
	rows, err := q.Query(ctx, `
		SELECT id, session_id, seq, role, sender_name, text, tokens_used, sentiment,
		       is_fallback, error_type, created_at
		FROM messages WHERE session_id = $1 AND seq IN (0, 1) ORDER BY seq
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

func (s *PostgresStore) LoadOpeningExchange(ctx context.Context, sessionID string) ([]types.Message, error) {
	return pgOpeningExchange(ctx, s.pool, sessionID)
}

func (s *PostgresStore) InsertOpeningExchangeIfAbsent(ctx context.Context, sessionID string, msgs [2]types.Message) ([]types.Message, bool, error) {
	var stored []types.Message
	inserted := 0
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := pgLockSession(ctx, tx, sessionID); err != nil {
			return err
		}
		out := prepareExchange(sessionID, msgs[:], -1, 0, nowMillis())
		for _, m := range out {
			tag, err := tx.Exec(ctx, pgInsertMessage+" ON CONFLICT (session_id, seq) DO NOTHING", pgMessageArgs(m)...)
			if err != nil {
				return fmt.Errorf("insert opening message failed: %w", err)
			}
			inserted += int(tag.RowsAffected())
		}
		if inserted > 0 {
			if err := pgTouchSession(ctx, tx, sessionID, inserted, out[1].CreatedAt); err != nil {
				return err
			}
		}
		var err error
		stored, err = pgOpeningExchange(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, inserted == len(msgs), nil
}

func (s *PostgresStore) LoadUsage(ctx context.Context, userID string) (*types.UsageCounter, error) {
	u := types.UsageCounter{UserID: userID}
	err := s.pool.QueryRow(ctx, `
		SELECT messages_today, reset_date FROM usage_counters WHERE user_id = $1
	`, userID).Scan(&u.MessagesToday, &u.ResetDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query usage failed: %w", err)
	}
	return &u, nil
}

// IncrementUsageIfBelow is one conditional upsert; the row lock taken by
// ON CONFLICT makes concurrent increments for a user serialize.
func (s *PostgresStore) IncrementUsageIfBelow(ctx context.Context, userID, today string, limit int) (int, bool, error) {
	if limit <= 0 {
		return 0, false, nil
	}
	var count int
	err := s.pool.QueryRow(ctx, `
		INSERT INTO usage_counters AS u (user_id, messages_today, reset_date) VALUES ($1, 1, $2)
		ON CONFLICT (user_id) DO UPDATE SET
			messages_today = CASE WHEN u.reset_date = EXCLUDED.reset_date
			                      THEN u.messages_today + 1 ELSE 1 END,
			reset_date = EXCLUDED.reset_date
		WHERE u.reset_date <> EXCLUDED.reset_date OR u.messages_today < $3
		RETURNING messages_today
	`, userID, today, limit).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("increment usage failed: %w", err)
	}
	return count, true, nil
}

func (s *PostgresStore) LoadGreeting(ctx context.Context, userID, personaID string) (*types.Greeting, error) {
	g := types.Greeting{UserID: userID, PersonaID: personaID}
	var createdAt int64
	err := s.pool.QueryRow(ctx, `
		SELECT text, tokens_used, created_at FROM greetings WHERE user_id = $1 AND persona_id = $2
	`, userID, personaID).Scan(&g.Text, &g.TokensUsed, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query greeting failed: %w", err)
	}
	g.CreatedAt = fromMillis(createdAt)
	return &g, nil
}

func (s *PostgresStore) InsertGreetingIfAbsent(ctx context.Context, g types.Greeting) (*types.Greeting, error) {
	if g.CreatedAt.IsZero() {
		g.CreatedAt = fromMillis(nowMillis())
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO greetings (user_id, persona_id, text, tokens_used, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, persona_id) DO NOTHING
	`, g.UserID, g.PersonaID, g.Text, g.TokensUsed, g.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert greeting failed: %w", err)
	}
	return s.LoadGreeting(ctx, g.UserID, g.PersonaID)
}

func (s *PostgresStore) DeleteGreeting(ctx context.Context, userID, personaID, text string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM greetings WHERE user_id = $1 AND persona_id = $2 AND text = $3
	`, userID, personaID, text)
	if err != nil {
		return fmt.Errorf("delete greeting failed: %w", err)
	}
	return nil
}
