package store

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// NewStore picks the backend: PostgreSQL when databaseURL is set, otherwise
// an in-process store whose history is lost on exit.
func NewStore(ctx context.Context, databaseURL string, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(databaseURL) == "" {
		logger.Info("conversation store: in-memory")
		return NewInMemoryStore(), nil
	}
	st, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("conversation store: postgres")
	return st, nil
}
