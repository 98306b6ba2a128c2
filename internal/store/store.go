// Package store provides the persistence backends consumed by the
// completion pipeline.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/roelfdiedericks/personagate/internal/types"
)

// ErrNotFound is returned when a persona, session, counter or greeting
// does not exist.
var ErrNotFound = errors.New("not found")

// Store is the interface for persistence backends.
// Implementations: SQLiteStore (default), PostgresStore.
//
// Every operation that must be race-free across replicas is expressed as a
// single atomic statement or transaction in the backend.
type Store interface {
	// Personas and sessions
	LoadPersona(ctx context.Context, personaID string) (*types.Persona, error)
	LoadSession(ctx context.Context, sessionID string) (*types.Session, error)

	// Messages
	// LoadRecentTurns returns up to limit user/assistant turns, oldest first.
	LoadRecentTurns(ctx context.Context, sessionID string, limit int) ([]types.Turn, error)
	// AppendExchange assigns ID, Seq and CreatedAt to msgs and writes them in
	// one transaction together with the session's message count and last
	// activity. Seq and CreatedAt are strictly increasing per session.
	AppendExchange(ctx context.Context, sessionID string, msgs []types.Message) ([]types.Message, error)
	// LoadOpeningExchange returns the messages at seq 0 and 1, or nil when the
	// session has no opening exchange yet.
	LoadOpeningExchange(ctx context.Context, sessionID string) ([]types.Message, error)
	// InsertOpeningExchangeIfAbsent writes msgs at seq 0 and 1 unless those
	// slots are taken, and returns whatever occupies them afterwards.
	InsertOpeningExchangeIfAbsent(ctx context.Context, sessionID string, msgs [2]types.Message) ([]types.Message, bool, error)

	// Usage counters
	LoadUsage(ctx context.Context, userID string) (*types.UsageCounter, error)
	// IncrementUsageIfBelow atomically treats a counter whose reset date is
	// not today as zero, and increments it only if it is below limit.
	// It returns the new count and whether the increment happened.
	IncrementUsageIfBelow(ctx context.Context, userID, today string, limit int) (int, bool, error)

	// Greetings
	LoadGreeting(ctx context.Context, userID, personaID string) (*types.Greeting, error)
	// InsertGreetingIfAbsent inserts g unless a record for the pair exists and
	// returns the stored record either way.
	InsertGreetingIfAbsent(ctx context.Context, g types.Greeting) (*types.Greeting, error)
	// DeleteGreeting removes the pair's record only if it still has text.
	DeleteGreeting(ctx context.Context, userID, personaID, text string) error

	// Administration
	SeedPersona(ctx context.Context, p types.Persona) error
	CreateSession(ctx context.Context, userID, personaID string) (*types.Session, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Type string // "sqlite" or "postgres"
	DSN  string
}

// Open creates the backend named by cfg.Type.
func Open(ctx context.Context, cfg Options) (Store, error) {
	switch cfg.Type {
	case "", "sqlite":
		return NewSQLiteStore(cfg.DSN)
	case "postgres":
		return NewPostgresStore(ctx, cfg.DSN)
	default:
		return nil, errors.New("unknown store type: " + cfg.Type)
	}
}

// prepareExchange fills in IDs, Seq and timestamps for msgs appended after
// lastSeq/lastMillis. now is in unix milliseconds.
func prepareExchange(sessionID string, msgs []types.Message, lastSeq, lastMillis, now int64) []types.Message {
	ts := now
	if ts <= lastMillis {
		ts = lastMillis + 1
	}
	out := make([]types.Message, len(msgs))
	for i, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		m.SessionID = sessionID
		m.Seq = lastSeq + 1 + int64(i)
		m.CreatedAt = time.UnixMilli(ts + int64(i)).UTC()
		out[i] = m
	}
	return out
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// encodeList stores ordered string lists as JSON arrays.
func encodeList(items []string) string {
	if items == nil {
		items = []string{}
	}
	data, _ := json.Marshal(items)
	return string(data)
}

func decodeList(data string) []string {
	var items []string
	if data == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		return nil
	}
	return items
}

func reverseTurns(turns []types.Turn) {
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
}
