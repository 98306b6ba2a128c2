package llm

import (
	"fmt"
	"time"
)

// Supported provider drivers.
const (
	DriverOpenAI    = "openai"
	DriverAnthropic = "anthropic"
)

// DefaultTimeout is the per-attempt provider timeout.
const DefaultTimeout = 30 * time.Second

const defaultMaxTokens = 1024

// ProviderConfig is the configuration for a single provider instance.
// Imported by config/config.go via a type alias.
type ProviderConfig struct {
	Driver         string  `json:"driver"`                   // "openai" or "anthropic"
	BaseURL        string  `json:"baseURL,omitempty"`        // OpenAI-compatible endpoint or Anthropic proxy
	APIKey         string  `json:"apiKey,omitempty"`         // Usually set from the environment
	Model          string  `json:"model"`
	MaxTokens      int     `json:"maxTokens,omitempty"`      // Output limit (default 1024)
	Temperature    float64 `json:"temperature,omitempty"`    // Default sampling temperature
	TimeoutSeconds int     `json:"timeoutSeconds,omitempty"` // Per-attempt timeout (default 30)
}

// Enabled reports whether the provider has been configured at all.
func (c ProviderConfig) Enabled() bool {
	return c.Driver != ""
}

// Timeout returns the per-attempt timeout.
func (c ProviderConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return DefaultTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate checks the fields every driver needs.
func (c ProviderConfig) Validate() error {
	switch c.Driver {
	case DriverOpenAI, DriverAnthropic:
	case "":
		return fmt.Errorf("driver is required")
	default:
		return fmt.Errorf("unknown provider driver: %s", c.Driver)
	}
	if c.Model == "" {
		return fmt.Errorf("%s: model is required", c.Driver)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("%s: timeoutSeconds must not be negative", c.Driver)
	}
	if c.Temperature < 0 || c.Temperature > MaxTemperature {
		return fmt.Errorf("%s: temperature must be within [0, %g]", c.Driver, MaxTemperature)
	}
	return nil
}

// ProvidersConfig holds the primary and optional secondary provider.
type ProvidersConfig struct {
	Primary   ProviderConfig `json:"primary"`
	Secondary ProviderConfig `json:"secondary"` // empty driver = no secondary
}

// RetryConfig holds the backoff schedule for rate-limited calls.
type RetryConfig struct {
	DelaysMs []int `json:"delaysMs"` // one entry per retry (default 1000, 2000, 4000)
}

// Delays converts the configured schedule, falling back to DefaultRetryDelays.
func (c RetryConfig) Delays() []time.Duration {
	if len(c.DelaysMs) == 0 {
		return append([]time.Duration(nil), DefaultRetryDelays...)
	}
	out := make([]time.Duration, len(c.DelaysMs))
	for i, ms := range c.DelaysMs {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}
