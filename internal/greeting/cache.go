// Package greeting caches the one-time introduction a persona gives a user.
package greeting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/roelfdiedericks/personagate/internal/llm"
	. "github.com/roelfdiedericks/personagate/internal/logging"
	. "github.com/roelfdiedericks/personagate/internal/metrics"
	"github.com/roelfdiedericks/personagate/internal/store"
	"github.com/roelfdiedericks/personagate/internal/types"
)

const topic = "greeting"

// ProviderCache labels results served from the store.
const ProviderCache = "cache"

// DefaultTimeout bounds one shared greeting generation.
const DefaultTimeout = 45 * time.Second

// corruptionMarkers identify apology text that was cached before fallbacks
// were excluded from caching.
var corruptionMarkers = []string{"i apologize", "trouble connecting", "try again"}

// IsCorrupt reports whether text looks like a degraded reply. Blank text
// counts as corrupt.
func IsCorrupt(text string) bool {
	if strings.TrimSpace(text) == "" {
		return true
	}
	lower := strings.ToLower(text)
	for _, m := range corruptionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// GenerateFunc produces a fresh greeting.
type GenerateFunc func(ctx context.Context) llm.CompletionResult

// Cache returns one stable greeting per (user, persona).
type Cache struct {
	store   store.Store
	group   singleflight.Group
	timeout time.Duration
}

func NewCache(st store.Store) *Cache {
	return &Cache{store: st, timeout: DefaultTimeout}
}

// SetTimeout bounds each shared generation. Non-positive values are ignored.
func (c *Cache) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// GetOrCreate returns the stored greeting for the pair, generating and
// storing one when none exists. Fallback results are returned but never
// stored. Concurrent callers for the same pair converge on the stored text.
// The shared work is detached from every caller's cancellation; a caller
// that gives up only stops waiting.
func (c *Cache) GetOrCreate(ctx context.Context, userID, personaID string, generate GenerateFunc) (llm.CompletionResult, error) {
	key := userID + "\x00" + personaID
	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		return c.getOrCreate(fctx, userID, personaID, generate)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return llm.CompletionResult{}, res.Err
		}
		if res.Shared {
			L_trace("greeting: shared in-flight result", "user", userID, "persona", personaID)
		}
		return res.Val.(llm.CompletionResult), nil
	case <-ctx.Done():
		return llm.CompletionResult{}, ctx.Err()
	}
}

func (c *Cache) getOrCreate(ctx context.Context, userID, personaID string, generate GenerateFunc) (llm.CompletionResult, error) {
	existing, err := c.store.LoadGreeting(ctx, userID, personaID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = nil
	case err != nil:
		return llm.CompletionResult{}, fmt.Errorf("load greeting failed: %w", err)
	}

	if existing != nil && IsCorrupt(existing.Text) {
		L_warn("greeting: discarding corrupted cache entry", "user", userID, "persona", personaID)
		MetricInc(topic, "invalidated")
		if err := c.store.DeleteGreeting(ctx, userID, personaID, existing.Text); err != nil {
			return llm.CompletionResult{}, fmt.Errorf("delete greeting failed: %w", err)
		}
		existing = nil
	}

	if existing != nil {
		MetricHit(topic, "lookup")
		return fromRecord(existing), nil
	}
	MetricMiss(topic, "lookup")

	result := generate(ctx)
	if result.IsFallback {
		L_info("greeting: not caching fallback reply", "user", userID, "persona", personaID,
			"errorType", result.ErrorType)
		return result, nil
	}
	if IsCorrupt(result.Text) {
		L_warn("greeting: not caching degraded reply", "user", userID, "persona", personaID)
		return result, nil
	}

	stored, err := c.store.InsertGreetingIfAbsent(ctx, types.Greeting{
		UserID:     userID,
		PersonaID:  personaID,
		Text:       result.Text,
		TokensUsed: result.TokensUsed,
	})
	if err != nil {
		return llm.CompletionResult{}, fmt.Errorf("store greeting failed: %w", err)
	}
	if stored.Text != result.Text {
		L_debug("greeting: another writer won, using stored text", "user", userID, "persona", personaID)
		return fromRecord(stored), nil
	}
	return result, nil
}

func fromRecord(g *types.Greeting) llm.CompletionResult {
	return llm.CompletionResult{
		Text:       g.Text,
		TokensUsed: g.TokensUsed,
		Sentiment:  llm.ClassifySentiment(g.Text),
		Provider:   ProviderCache,
	}
}
