package ledger

import (
	"context"
	"strings"
)

// NewStore returns a PostgreSQL-backed ledger when a database URL is
// configured, otherwise the in-memory ledger.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
