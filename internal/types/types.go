// Package types contains the domain types shared by the completion pipeline,
// its persistence layer and its transports.
// This helps avoid import cycles between packages like llm, store and chat.
package types

import "time"

// Conversation roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Persona is the read-only view of a configured AI character used to build
// the system prompt. Owned by the persistence layer.
type Persona struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Bio           string   `json:"bio"`
	Traits        []string `json:"traits"`        // ordered
	LanguageStyle string   `json:"languageStyle"` // e.g. "warm, concise"
	Expertise     []string `json:"expertise"`
	Knowledge     []string `json:"knowledge"` // active knowledge-base snippets, ordered
}

// Turn is one historical message as seen by the prompt builder.
type Turn struct {
	Role      string    `json:"role"` // RoleUser or RoleAssistant
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a chat between one user and one persona.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	PersonaID    string    `json:"personaId"`
	MessageCount int       `json:"messageCount"`
	LastActivity time.Time `json:"lastActivity"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Message is a persisted chat message. Seq is strictly increasing per session.
type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Seq        int64     `json:"seq"`
	Role       string    `json:"role"`
	SenderName string    `json:"senderName"` // user ID or persona name
	Text       string    `json:"text"`
	TokensUsed int       `json:"tokensUsed,omitempty"`
	Sentiment  string    `json:"sentiment,omitempty"`
	IsFallback bool      `json:"isFallback,omitempty"`
	ErrorType  string    `json:"errorType,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Turn converts a persisted message into a prompt turn.
func (m Message) Turn() Turn {
	return Turn{Role: m.Role, Text: m.Text, Timestamp: m.CreatedAt}
}

// UsageCounter is the per-user daily message count.
// ResetDate is the UTC calendar day ("2006-01-02") the count belongs to.
type UsageCounter struct {
	UserID        string `json:"userId"`
	MessagesToday int    `json:"messagesToday"`
	ResetDate     string `json:"resetDate"`
}

// Greeting is the cached one-time introduction of a persona to a user.
type Greeting struct {
	UserID     string    `json:"userId"`
	PersonaID  string    `json:"personaId"`
	Text       string    `json:"text"`
	TokensUsed int       `json:"tokensUsed"`
	CreatedAt  time.Time `json:"createdAt"`
}

// DayKey returns the UTC calendar day of t in the UsageCounter.ResetDate format.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
