package sqlite

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/micro-ha/minion-fleet/controller/internal/storage"
)

// DB owns the fleet database; repositories share it.
type DB struct {
	storage *storage.Repository
	path    string
	logger  *slog.Logger
}

// Open opens the fleet database at dbPath and applies the schema.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, err := storage.New(ctx, dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open fleet database %s: %w", dbPath, err)
	}
	logger.Debug("fleet database ready", "path", dbPath)
	return &DB{storage: base, path: dbPath, logger: logger}, nil
}

// Close releases the connection. Safe on a nil DB.
func (d *DB) Close() error {
	if d == nil || d.storage == nil {
		return nil
	}
	if err := d.storage.Close(); err != nil {
		return fmt.Errorf("close fleet database %s: %w", d.path, err)
	}
	return nil
}
