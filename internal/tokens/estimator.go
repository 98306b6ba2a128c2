// Package tokens provides token estimation utilities using tiktoken.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	. "github.com/roelfdiedericks/personagate/internal/logging"
	"github.com/roelfdiedericks/personagate/internal/types"
)

// DefaultEncoding is cl100k_base, used by GPT-4 class models
const DefaultEncoding = "cl100k_base"

// perTurnOverhead approximates role/structure tokens added per chat message.
const perTurnOverhead = 4

// Estimator provides token estimation using tiktoken
type Estimator struct {
	encoding *tiktoken.Tiktoken
	mu       sync.Mutex
}

var (
	globalEstimator     *Estimator
	globalEstimatorOnce sync.Once
)

// Get returns the global token estimator (singleton)
func Get() *Estimator {
	globalEstimatorOnce.Do(func() {
		var err error
		globalEstimator, err = New()
		if err != nil {
			L_warn("tokens: failed to create estimator, using fallback", "error", err)
			globalEstimator = &Estimator{}
		}
	})
	return globalEstimator
}

// New creates a new token estimator
func New() (*Estimator, error) {
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, err
	}
	return &Estimator{encoding: enc}, nil
}

// Count returns the token count for a string.
// Falls back to chars/4 if tiktoken is unavailable.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	if e == nil || e.encoding == nil {
		return (len(text) + 3) / 4
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.encoding.Encode(text, nil, nil))
}

// Estimate is a convenience function using the global estimator.
func Estimate(text string) int {
	return Get().Count(text)
}

// FitTurns returns the newest suffix of turns whose estimated size fits in
// budget tokens. Order is preserved (oldest first). budget <= 0 disables
// trimming. The newest turn is always kept.
func (e *Estimator) FitTurns(turns []types.Turn, budget int) []types.Turn {
	if budget <= 0 || len(turns) == 0 {
		return turns
	}

	used := 0
	start := len(turns)
	for i := len(turns) - 1; i >= 0; i-- {
		cost := e.Count(turns[i].Text) + perTurnOverhead
		if used+cost > budget && start < len(turns) {
			break
		}
		used += cost
		start = i
	}
	if start > 0 {
		L_debug("tokens: trimmed history", "dropped", start, "kept", len(turns)-start, "budget", budget)
	}
	return turns[start:]
}
