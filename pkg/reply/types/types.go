package types

import "context"

// MaxHistoryPairs bounds how many past user/assistant exchanges a target may request.
const MaxHistoryPairs = 50

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of chat history.
type Message struct {
	Role    Role
	Content string
}

// Target is a resolved reply-generation configuration owned by a tenant.
type Target struct {
	ID           int64
	TenantID     int64
	APIKey       string
	Model        string
	SystemPrompt string
	HistoryPairs int
}

// Conversation is the normalized input handed to a backend.
type Conversation struct {
	// Key identifies the chat for backends that keep server-side sessions.
	Key     string
	System  string
	History []Message
	Prompt  string
}

// Result is the normalized backend response payload.
type Result struct {
	Text     string
	Metadata Metadata
}

// Metadata carries provider/model identity and optional usage accounting.
type Metadata struct {
	Provider string
	Model    string
	Usage    *TokenUsage
}

// TokenUsage captures token accounting across providers.
type TokenUsage struct {
	InputTokens         int64
	OutputTokens        int64
	TotalTokens         int64
	ReasoningTokens     int64
	CacheCreationTokens int64
	CacheReadTokens     int64
}

// IsZero reports whether all token counters are unset/zero.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 &&
		u.OutputTokens == 0 &&
		u.TotalTokens == 0 &&
		u.ReasoningTokens == 0 &&
		u.CacheCreationTokens == 0 &&
		u.CacheReadTokens == 0
}

// Backend turns one conversation into reply text.
type Backend interface {
	Name() string
	Complete(ctx context.Context, target Target, conversation Conversation) (Result, error)
}

// ClampHistoryPairs keeps a configured pair count within 0..MaxHistoryPairs.
func ClampHistoryPairs(pairs int) int {
	return max(0, min(pairs, MaxHistoryPairs))
}
