package store

import "github.com/nextlevelbuilder/beaver/internal/retry"

// Stores is the top-level container for all storage backends.
type Stores struct {
	Messages  MessageStore
	Toolcalls ToolcallStore

	// Close releases the underlying database handle.
	Close func() error
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Driver      string // "sqlite" or "postgres"
	SQLitePath  string
	PostgresDSN string
	Retry       retry.Policy
}

// WithRetry wraps both stores so transient failures are retried under p.
func (s *Stores) WithRetry(p retry.Policy) *Stores {
	return &Stores{
		Messages:  &retryingMessages{next: s.Messages, policy: p},
		Toolcalls: &retryingToolcalls{next: s.Toolcalls, policy: p},
		Close:     s.Close,
	}
}
