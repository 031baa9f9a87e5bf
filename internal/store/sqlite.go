package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"pricewatch/internal/model"
	logx "pricewatch/pkg/logx"
)

//go:embed migrations/sqlite.sql
var sqliteSchema string

// SQLite is a single-process driver. Times are stored as Unix milliseconds.
//
// Event locks live in memory, so two processes sharing one database file do
// not exclude each other; use postgres for replicas. The pool holds a single
// connection, which serializes InTx: a second transaction waits for the first
// to finish instead of seeing its event lock, so Process reports
// skipped_already_done rather than skipped_locked on this driver.
type SQLite struct {
	db     *sql.DB
	log    logx.Logger
	locks  lockSet
	closed atomic.Bool
}

func OpenSQLite(ctx context.Context, cfg Config, log logx.Logger) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes transactions and keeps writers from
	// tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db, log: log.With(logx.String("driver", "sqlite"))}
	s.locks.held = make(map[uuid.UUID]struct{})

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil || !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	st := &sqliteTx{tx: tx, locks: &s.locks}
	defer st.release()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()
	if err := fn(ctx, st); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sqliteEventColumns = `id, vendor_id, event_type, severity, created_at, processed_at, failed_at, retry_count, last_error`

func scanSQLiteEvent(row rowScanner) (model.PriceEvent, error) {
	var (
		e                 model.PriceEvent
		severity          sql.NullInt64
		created           int64
		processed, failed sql.NullInt64
		lastErr           sql.NullString
	)
	err := row.Scan(&e.ID, &e.VendorID, &e.EventType, &severity, &created,
		&processed, &failed, &e.RetryCount, &lastErr)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PriceEvent{}, ErrNotFound
	}
	if err != nil {
		return model.PriceEvent{}, err
	}
	if severity.Valid {
		e.Severity = model.Severity(int(severity.Int64))
	}
	e.CreatedAt = time.UnixMilli(created).UTC()
	e.ProcessedAt = msPtr(processed)
	e.FailedAt = msPtr(failed)
	if lastErr.Valid {
		v := lastErr.String
		e.LastError = &v
	}
	return e, nil
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func (s *SQLite) GetEvent(ctx context.Context, id uuid.UUID) (model.PriceEvent, error) {
	return scanSQLiteEvent(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM price_events WHERE id = ?`, id.String()))
}

func (s *SQLite) CountUnprocessed(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM price_events WHERE processed_at IS NULL`).Scan(&n)
	return n, err
}

func (s *SQLite) ListUnprocessed(ctx context.Context, after Cursor, limit int) ([]model.PriceEvent, error) {
	from := int64(math.MinInt64)
	if !after.CreatedAt.IsZero() {
		from = after.CreatedAt.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM price_events
		 WHERE processed_at IS NULL
		   AND (created_at > ? OR (created_at = ? AND id > ?))
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`, from, from, after.ID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.PriceEvent, 0, limit)
	for rows.Next() {
		e, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) ListDeadLetters(ctx context.Context, limit int) ([]model.DeadLetterEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, original_event, error, recorded_at FROM dead_letter_events
		 ORDER BY recorded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DeadLetterEvent
	for rows.Next() {
		var (
			dl  model.DeadLetterEvent
			raw string
			ms  int64
		)
		if err := rows.Scan(&dl.ID, &raw, &dl.Error, &ms); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &dl.OriginalEvent); err != nil {
			return nil, fmt.Errorf("decode dead letter %s: %w", dl.ID, err)
		}
		dl.RecordedAt = time.UnixMilli(ms).UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertEvent(ctx context.Context, ev model.PriceEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO price_events (id, vendor_id, event_type, severity, created_at, retry_count)
		 VALUES (?,?,?,?,?,?)`,
		ev.ID.String(), ev.VendorID.String(), ev.EventType, nullInt(ev.Severity), ev.CreatedAt.UnixMilli(), ev.RetryCount,
	)
	return err
}

func (s *SQLite) PutVendor(ctx context.Context, id uuid.UUID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vendors (id, name) VALUES (?,?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name`, id.String(), name)
	return err
}

func (s *SQLite) PutSubscription(ctx context.Context, sub model.Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_subscriptions (user_id, vendor_id, event_type, min_severity, active)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT(user_id, vendor_id, event_type)
		 DO UPDATE SET min_severity = excluded.min_severity, active = excluded.active`,
		sub.UserID.String(), sub.VendorID.String(), sub.EventType, sub.MinSeverity, sub.Active)
	return err
}

func (s *SQLite) ListNotifications(ctx context.Context, eventID uuid.UUID) ([]model.Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, event_id, event_type, title, body, created_at
		 FROM notifications WHERE event_id = ? ORDER BY user_id`, eventID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var (
			n  model.Notification
			ms int64
		)
		if err := rows.Scan(&n.ID, &n.UserID, &n.EventID, &n.EventType, &n.Title, &n.Body, &ms); err != nil {
			return nil, err
		}
		n.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// lockSet emulates transaction-scoped advisory locks within one process.
type lockSet struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

func (l *lockSet) tryLock(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[id]; ok {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *lockSet) unlock(ids []uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range ids {
		delete(l.held, id)
	}
}

type sqliteTx struct {
	tx    *sql.Tx
	locks *lockSet
	owned []uuid.UUID
}

func (t *sqliteTx) release() {
	if len(t.owned) > 0 {
		t.locks.unlock(t.owned)
		t.owned = nil
	}
}

func (t *sqliteTx) TryLockEvent(_ context.Context, id uuid.UUID) (bool, error) {
	for _, o := range t.owned {
		if o == id {
			return true, nil
		}
	}
	if !t.locks.tryLock(id) {
		return false, nil
	}
	t.owned = append(t.owned, id)
	return true, nil
}

func (t *sqliteTx) GetEvent(ctx context.Context, id uuid.UUID) (model.PriceEvent, error) {
	return scanSQLiteEvent(t.tx.QueryRowContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM price_events WHERE id = ?`, id.String()))
}

func (t *sqliteTx) ActiveSubscriptions(ctx context.Context, vendorID uuid.UUID, eventType string) ([]model.Subscription, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT user_id, vendor_id, event_type, min_severity, active
		 FROM notification_subscriptions
		 WHERE vendor_id = ? AND event_type = ? AND active = 1`, vendorID.String(), eventType)
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

func (t *sqliteTx) VendorName(ctx context.Context, vendorID uuid.UUID) (string, bool, error) {
	var name string
	err := t.tx.QueryRowContext(ctx, `SELECT name FROM vendors WHERE id = ?`, vendorID.String()).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}

func (t *sqliteTx) NotifiedSince(ctx context.Context, userID uuid.UUID, eventType string, since time.Time) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM notifications
		 WHERE user_id = ? AND event_type = ? AND created_at >= ?)`,
		userID.String(), eventType, since.UnixMilli()).Scan(&ok)
	return ok, err
}

func (t *sqliteTx) InsertNotifications(ctx context.Context, rows []model.Notification) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	stmt, err := t.tx.PrepareContext(ctx,
		`INSERT INTO notifications (id, user_id, event_id, event_type, title, body, created_at)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT(user_id, event_id) DO NOTHING`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, n := range rows {
		res, err := stmt.ExecContext(ctx, n.ID.String(), n.UserID.String(), n.EventID.String(),
			n.EventType, n.Title, n.Body, n.CreatedAt.UnixMilli())
		if err != nil {
			return inserted, fmt.Errorf("insert notification: %w", err)
		}
		ra, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(ra)
	}
	return inserted, nil
}

func (t *sqliteTx) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE price_events SET processed_at = ? WHERE id = ? AND processed_at IS NULL`,
		at.UnixMilli(), id.String())
	if err != nil {
		return false, err
	}
	ra, err := res.RowsAffected()
	return ra == 1, err
}

func (t *sqliteTx) IncrementRetry(ctx context.Context, id uuid.UUID, lastErr string) (model.PriceEvent, bool, error) {
	ev, err := scanSQLiteEvent(t.tx.QueryRowContext(ctx,
		`UPDATE price_events
		 SET retry_count = retry_count + 1, last_error = ?
		 WHERE id = ? AND processed_at IS NULL
		 RETURNING `+sqliteEventColumns, lastErr, id.String()))
	if errors.Is(err, ErrNotFound) {
		return model.PriceEvent{}, false, nil
	}
	if err != nil {
		return model.PriceEvent{}, false, err
	}
	return ev, true, nil
}

func (t *sqliteTx) MarkFailed(ctx context.Context, id uuid.UUID, at time.Time, lastErr string) error {
	ms := at.UnixMilli()
	_, err := t.tx.ExecContext(ctx,
		`UPDATE price_events SET processed_at = ?, failed_at = ?, last_error = ?
		 WHERE id = ? AND processed_at IS NULL`, ms, ms, lastErr, id.String())
	return err
}

func (t *sqliteTx) InsertDeadLetter(ctx context.Context, dl model.DeadLetterEvent) (bool, error) {
	snap, err := json.Marshal(dl.OriginalEvent)
	if err != nil {
		return false, fmt.Errorf("encode dead letter snapshot: %w", err)
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO dead_letter_events (id, original_event, error, recorded_at)
		 VALUES (?,?,?,?) ON CONFLICT(id) DO NOTHING`,
		dl.ID.String(), string(snap), dl.Error, dl.RecordedAt.UnixMilli())
	if err != nil {
		return false, err
	}
	ra, err := res.RowsAffected()
	return ra == 1, err
}
