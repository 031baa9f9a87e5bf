package store

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"pricewatch/internal/model"
)

var (
	ErrNotFound = errors.New("store: not found")
	ErrClosed   = errors.New("store: closed")
)

// Config selects and tunes a driver.
type Config struct {
	Driver string
	URL    string // postgres DSN
	Path   string // sqlite file

	MaxConns        int32
	MinConns        int32
	MaxConnIdleTime time.Duration
	// SimpleProtocol disables server-side prepared statements, required
	// behind transaction-mode poolers (pgbouncer, supavisor).
	SimpleProtocol bool
	BusyTimeout    time.Duration
	Migrate        bool
}

// Cursor marks a position in the (created_at, id) order of price events.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// After returns the cursor positioned at ev.
func After(ev model.PriceEvent) Cursor { return Cursor{CreatedAt: ev.CreatedAt, ID: ev.ID} }

// Store is the non-transactional surface plus the transaction entrypoint.
type Store interface {
	// InTx runs fn in one transaction. A nil return commits; any error or
	// panic rolls back. Locks taken through Tx are released when InTx returns.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetEvent(ctx context.Context, id uuid.UUID) (model.PriceEvent, error)
	CountUnprocessed(ctx context.Context) (int, error)
	// ListUnprocessed returns unprocessed events ordered by (created_at, id)
	// that sort strictly after cursor. The zero Cursor starts at the oldest.
	ListUnprocessed(ctx context.Context, after Cursor, limit int) ([]model.PriceEvent, error)
	ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetterEvent, error)
	// ListNotifications returns the rows written for one event, ordered by user id.
	ListNotifications(ctx context.Context, eventID uuid.UUID) ([]model.Notification, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the transactional surface used by the processor and failure handler.
type Tx interface {
	// TryLockEvent takes a non-blocking, transaction-scoped lock on id.
	TryLockEvent(ctx context.Context, id uuid.UUID) (bool, error)
	GetEvent(ctx context.Context, id uuid.UUID) (model.PriceEvent, error)

	ActiveSubscriptions(ctx context.Context, vendorID uuid.UUID, eventType string) ([]model.Subscription, error)
	VendorName(ctx context.Context, vendorID uuid.UUID) (string, bool, error)
	NotifiedSince(ctx context.Context, userID uuid.UUID, eventType string, since time.Time) (bool, error)
	// InsertNotifications inserts rows, silently skipping (user_id, event_id)
	// conflicts, and reports how many rows were actually written.
	InsertNotifications(ctx context.Context, rows []model.Notification) (int, error)

	// MarkProcessed sets processed_at if it is still null.
	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// IncrementRetry bumps retry_count and records lastErr on an unprocessed
	// event, returning the updated row. ok is false when the event is missing
	// or already terminal.
	IncrementRetry(ctx context.Context, id uuid.UUID, lastErr string) (ev model.PriceEvent, ok bool, err error)
	// MarkFailed terminally sets processed_at and failed_at.
	MarkFailed(ctx context.Context, id uuid.UUID, at time.Time, lastErr string) error
	InsertDeadLetter(ctx context.Context, dl model.DeadLetterEvent) (bool, error)
}

// Feed is implemented by drivers with a live change feed.
type Feed interface {
	Listen(ctx context.Context, channel string, onReady func(), onEvent func(uuid.UUID) error) error
}

// Migrator applies the driver's embedded schema.
type Migrator interface {
	Migrate(ctx context.Context) error
}

// Seeder writes the upstream-owned tables. The worker itself never calls it;
// the CLI `emit` command and tests do.
type Seeder interface {
	InsertEvent(ctx context.Context, ev model.PriceEvent) error
	PutVendor(ctx context.Context, id uuid.UUID, name string) error
	PutSubscription(ctx context.Context, s model.Subscription) error
}

// LockKey hashes an event id into the 64-bit key space used by advisory
// locks. Every replica derives the same key for the same id.
func LockKey(id uuid.UUID) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id.String()))
	return int64(h.Sum64())
}
