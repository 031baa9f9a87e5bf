package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pricewatch/internal/model"
	logx "pricewatch/pkg/logx"
)

//go:embed migrations/postgres.sql
var postgresSchema string

// Postgres is the production driver backed by a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	log    logx.Logger
	closed atomic.Bool
}

// OpenPostgres connects the pool and pings the server once.
func OpenPostgres(ctx context.Context, cfg Config, log logx.Logger) (*Postgres, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("postgres url is required (set DATABASE_URL)")
	}
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pc.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime > 0 {
		pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.SimpleProtocol {
		pc.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	p := &Postgres{pool: pool, log: log.With(logx.String("driver", "postgres"))}
	if err := p.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if cfg.Migrate {
		if err := p.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	p.log.Info("postgres pool ready",
		logx.Int("max_conns", int(pc.MaxConns)),
		logx.Bool("simple_protocol", cfg.SimpleProtocol),
	)
	return p, nil
}

// Migrate applies the embedded reference schema. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	if p == nil || p.pool == nil || !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.pool.Close()
	return nil
}

func (p *Postgres) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if p.closed.Load() {
		return ErrClosed
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(context.Background())
			panic(r)
		}
	}()
	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		_ = tx.Rollback(context.Background())
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const pgEventColumns = `id, vendor_id, event_type, severity, created_at, processed_at, failed_at, retry_count, last_error`

func scanPgEvent(row pgx.Row) (model.PriceEvent, error) {
	var e model.PriceEvent
	err := row.Scan(&e.ID, &e.VendorID, &e.EventType, &e.Severity, &e.CreatedAt,
		&e.ProcessedAt, &e.FailedAt, &e.RetryCount, &e.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PriceEvent{}, ErrNotFound
	}
	return e, err
}

func (p *Postgres) GetEvent(ctx context.Context, id uuid.UUID) (model.PriceEvent, error) {
	return scanPgEvent(p.pool.QueryRow(ctx, `SELECT `+pgEventColumns+` FROM price_events WHERE id = $1`, id))
}

func (p *Postgres) CountUnprocessed(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM price_events WHERE processed_at IS NULL`).Scan(&n)
	return n, err
}

func (p *Postgres) ListUnprocessed(ctx context.Context, after Cursor, limit int) ([]model.PriceEvent, error) {
	const q = `
SELECT ` + pgEventColumns + `
FROM price_events
WHERE processed_at IS NULL
  AND (created_at, id) > ($1, $2)
ORDER BY created_at ASC, id ASC
LIMIT $3;
`
	from := after.CreatedAt
	if from.IsZero() {
		from = time.Unix(0, 0)
	}
	rows, err := p.pool.Query(ctx, q, from, after.ID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.PriceEvent, 0, limit)
	for rows.Next() {
		e, err := scanPgEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetterEvent, error) {
	const q = `
SELECT id, original_event, error, recorded_at
FROM dead_letter_events
ORDER BY recorded_at DESC
LIMIT $1;
`
	rows, err := p.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeadLetterEvent
	for rows.Next() {
		var (
			dl  model.DeadLetterEvent
			raw []byte
		)
		if err := rows.Scan(&dl.ID, &raw, &dl.Error, &dl.RecordedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &dl.OriginalEvent); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", dl.ID, err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (p *Postgres) ListNotifications(ctx context.Context, eventID uuid.UUID) ([]model.Notification, error) {
	const q = `
SELECT id, user_id, event_id, event_type, title, body, created_at, read_at
FROM notifications
WHERE event_id = $1
ORDER BY user_id;
`
	rows, err := p.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var n model.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.EventID, &n.EventType, &n.Title, &n.Body, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Listen subscribes to channel on a dedicated connection and calls onEvent
// with each notification payload parsed as an event id. onReady runs once
// LISTEN is active. It returns when ctx ends, the connection drops or
// onEvent fails.
func (p *Postgres) Listen(ctx context.Context, channel string, onReady func(), onEvent func(uuid.UUID) error) error {
	if p.closed.Load() {
		return ErrClosed
	}
	pc, err := p.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	// The session carries LISTEN state, so it never goes back to the pool.
	conn := pc.Hijack()
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = conn.Close(cctx)
		cancel()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	if onReady != nil {
		onReady()
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		id, err := uuid.Parse(strings.TrimSpace(n.Payload))
		if err != nil {
			p.log.Warn("dropping notification with invalid payload",
				logx.String("channel", n.Channel), logx.String("payload", n.Payload))
			continue
		}
		if err := onEvent(id); err != nil {
			return err
		}
	}
}

func (p *Postgres) InsertEvent(ctx context.Context, ev model.PriceEvent) error {
	const q = `
INSERT INTO price_events (id, vendor_id, event_type, severity, created_at, retry_count)
VALUES ($1, $2, $3, $4, $5, $6);
`
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := p.pool.Exec(ctx, q, ev.ID, ev.VendorID, ev.EventType, ev.Severity, ev.CreatedAt, ev.RetryCount)
	return err
}

func (p *Postgres) PutVendor(ctx context.Context, id uuid.UUID, name string) error {
	const q = `
INSERT INTO vendors (id, name) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET name = excluded.name;
`
	_, err := p.pool.Exec(ctx, q, id, name)
	return err
}

func (p *Postgres) PutSubscription(ctx context.Context, s model.Subscription) error {
	const q = `
INSERT INTO notification_subscriptions (user_id, vendor_id, event_type, min_severity, active)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (user_id, vendor_id, event_type)
DO UPDATE SET min_severity = excluded.min_severity, active = excluded.active;
`
	_, err := p.pool.Exec(ctx, q, s.UserID, s.VendorID, s.EventType, s.MinSeverity, s.Active)
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) TryLockEvent(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := t.tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, LockKey(id)).Scan(&ok)
	return ok, err
}

func (t *pgTx) GetEvent(ctx context.Context, id uuid.UUID) (model.PriceEvent, error) {
	return scanPgEvent(t.tx.QueryRow(ctx, `SELECT `+pgEventColumns+` FROM price_events WHERE id = $1`, id))
}

func (t *pgTx) ActiveSubscriptions(ctx context.Context, vendorID uuid.UUID, eventType string) ([]model.Subscription, error) {
	const q = `
SELECT user_id, vendor_id, event_type, min_severity, active
FROM notification_subscriptions
WHERE vendor_id = $1 AND event_type = $2 AND active;
`
	rows, err := t.tx.Query(ctx, q, vendorID, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Subscription
	for rows.Next() {
		var s model.Subscription
		if err := rows.Scan(&s.UserID, &s.VendorID, &s.EventType, &s.MinSeverity, &s.Active); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (t *pgTx) VendorName(ctx context.Context, vendorID uuid.UUID) (string, bool, error) {
	var name string
	err := t.tx.QueryRow(ctx, `SELECT name FROM vendors WHERE id = $1`, vendorID).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}

func (t *pgTx) NotifiedSince(ctx context.Context, userID uuid.UUID, eventType string, since time.Time) (bool, error) {
	const q = `
SELECT EXISTS (
    SELECT 1 FROM notifications
    WHERE user_id = $1 AND event_type = $2 AND created_at >= $3
);
`
	var ok bool
	err := t.tx.QueryRow(ctx, q, userID, eventType, since).Scan(&ok)
	return ok, err
}

func (t *pgTx) InsertNotifications(ctx context.Context, rows []model.Notification) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	const q = `
INSERT INTO notifications (id, user_id, event_id, event_type, title, body, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id, event_id) DO NOTHING;
`
	b := &pgx.Batch{}
	for _, n := range rows {
		b.Queue(q, n.ID, n.UserID, n.EventID, n.EventType, n.Title, n.Body, n.CreatedAt)
	}
	br := t.tx.SendBatch(ctx, b)
	inserted := 0
	for range rows {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return inserted, fmt.Errorf("insert notification: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, br.Close()
}

func (t *pgTx) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE price_events SET processed_at = $2 WHERE id = $1 AND processed_at IS NULL`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) IncrementRetry(ctx context.Context, id uuid.UUID, lastErr string) (model.PriceEvent, bool, error) {
	const q = `
UPDATE price_events
SET retry_count = retry_count + 1, last_error = $2
WHERE id = $1 AND processed_at IS NULL
RETURNING ` + pgEventColumns + `;
`
	ev, err := scanPgEvent(t.tx.QueryRow(ctx, q, id, lastErr))
	if errors.Is(err, ErrNotFound) {
		return model.PriceEvent{}, false, nil
	}
	if err != nil {
		return model.PriceEvent{}, false, err
	}
	return ev, true, nil
}

func (t *pgTx) MarkFailed(ctx context.Context, id uuid.UUID, at time.Time, lastErr string) error {
	const q = `
UPDATE price_events
SET processed_at = $2, failed_at = $2, last_error = $3
WHERE id = $1 AND processed_at IS NULL;
`
	_, err := t.tx.Exec(ctx, q, id, at, lastErr)
	return err
}

func (t *pgTx) InsertDeadLetter(ctx context.Context, dl model.DeadLetterEvent) (bool, error) {
	snap, err := json.Marshal(dl.OriginalEvent)
	if err != nil {
		return false, fmt.Errorf("encode dead letter snapshot: %w", err)
	}
	const q = `
INSERT INTO dead_letter_events (id, original_event, error, recorded_at)
VALUES ($1, $2::jsonb, $3, $4)
ON CONFLICT (id) DO NOTHING;
`
	tag, err := t.tx.Exec(ctx, q, dl.ID, string(snap), dl.Error, dl.RecordedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
