package store

import "context"

// Store is the full persistence surface shared by the SQLite and Redis
// backends.
type Store interface {
	LoadSuppressed(ctx context.Context) ([]string, error)
	AddSuppressed(ctx context.Context, userID string) error
	RemoveSuppressed(ctx context.Context, userID string) error

	MirrorRef(ctx context.Context, userID string) (string, error)
	SaveMirrorRef(ctx context.Context, userID, ref string) error

	SaveOrder(ctx context.Context, rec OrderRecord) error
	RecentOrders(ctx context.Context, limit int) ([]OrderRecord, error)

	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*RedisStore)(nil)
)
