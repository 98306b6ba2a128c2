package llm

import "fmt"

// NewClient creates a client instance from config.
// Dispatches to the appropriate constructor based on cfg.Driver.
func NewClient(name string, cfg ProviderConfig) (Client, error) {
	switch cfg.Driver {
	case DriverAnthropic:
		return NewAnthropicClient(name, cfg)
	case DriverOpenAI:
		return NewOpenAIClient(name, cfg)
	default:
		return nil, fmt.Errorf("unknown provider driver: %s", cfg.Driver)
	}
}

// NewFromConfig builds the fallback service from the provider and retry
// sections of the configuration. The secondary is optional.
func NewFromConfig(providers ProvidersConfig, retry RetryConfig, apology string) (*FallbackService, error) {
	if !providers.Primary.Enabled() {
		return nil, fmt.Errorf("primary provider is not configured")
	}
	primary, err := NewClient("primary", providers.Primary)
	if err != nil {
		return nil, fmt.Errorf("primary provider: %w", err)
	}

	var secondary Client
	if providers.Secondary.Enabled() {
		secondary, err = NewClient("secondary", providers.Secondary)
		if err != nil {
			return nil, fmt.Errorf("secondary provider: %w", err)
		}
	}

	return NewFallbackService(primary, secondary, NewRetryPolicy(retry.Delays()), apology)
}
