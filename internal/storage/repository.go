package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createSchemaSQL = `
CREATE TABLE IF NOT EXISTS metric_snapshots (
    id          BIGSERIAL PRIMARY KEY,
    taken_at    TIMESTAMPTZ NOT NULL,
    venue       TEXT        NOT NULL,
    instrument  TEXT        NOT NULL,
    kind        TEXT        NOT NULL,
    value       NUMERIC     NOT NULL,
    computed_at TIMESTAMPTZ NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS metric_snapshots_series_idx
    ON metric_snapshots (venue, instrument, kind, taken_at);
CREATE TABLE IF NOT EXISTS alert_events (
    id           BIGSERIAL PRIMARY KEY,
    event_id     UUID        NOT NULL UNIQUE,
    rule_id      TEXT        NOT NULL,
    rule_name    TEXT        NOT NULL,
    venue        TEXT        NOT NULL,
    instrument   TEXT        NOT NULL,
    kind         TEXT        NOT NULL,
    operator     TEXT        NOT NULL,
    value        NUMERIC     NOT NULL,
    threshold    NUMERIC     NOT NULL,
    reason       TEXT        NOT NULL,
    triggered_at TIMESTAMPTZ NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);`

	insertMetricSnapshotSQL = `INSERT INTO metric_snapshots (
        taken_at,
        venue,
        instrument,
        kind,
        value,
        computed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6
    );`

	listMetricsBetweenSQL = `SELECT
        id,
        taken_at,
        venue,
        instrument,
        kind,
        value::text,
        computed_at,
        created_at
    FROM metric_snapshots
    WHERE taken_at >= $1
      AND taken_at < $2
      AND ($3 = '' OR venue = $3)
      AND ($4 = '' OR instrument = $4)
      AND ($5 = '' OR kind = $5)
    ORDER BY taken_at, venue, instrument, kind;`

	countMetricSnapshotsSQL = `SELECT COUNT(*) FROM metric_snapshots;`

	insertAlertSQL = `INSERT INTO alert_events (
        event_id,
        rule_id,
        rule_name,
        venue,
        instrument,
        kind,
        operator,
        value,
        threshold,
        reason,
        triggered_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (event_id) DO UPDATE
    SET reason = EXCLUDED.reason
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        event_id::text,
        rule_id,
        rule_name,
        venue,
        instrument,
        kind,
        operator,
        value::text,
        threshold::text,
        reason,
        triggered_at,
        created_at
    FROM alert_events
    ORDER BY triggered_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alert_events WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// MetricStore persists derived metric history.
type MetricStore interface {
	InsertMetricSnapshots(ctx context.Context, snaps []MetricSnapshot) error
	ListMetricsBetween(ctx context.Context, filter MetricFilter, from, to time.Time) ([]MetricSnapshot, error)
	CountMetricSnapshots(ctx context.Context) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to metric snapshots and alert events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the tables when they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// best effort; the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertMetricSnapshots appends a batch of metric rows in one round trip.
func (s *Store) InsertMetricSnapshots(ctx context.Context, snaps []MetricSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, m := range snaps {
		batch.Queue(insertMetricSnapshotSQL,
			m.TakenAt,
			m.Venue,
			m.Instrument,
			m.Kind,
			m.Value.String(),
			m.ComputedAt,
		)
	}
	if err := pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert metric snapshots: %w", err)
	}
	return nil
}

// ListMetricsBetween lists metric rows within a time window.
func (s *Store) ListMetricsBetween(ctx context.Context, filter MetricFilter, from, to time.Time) ([]MetricSnapshot, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listMetricsBetweenSQL, from, to, filter.Venue, filter.Instrument, filter.Kind)
	if queryErr != nil {
		return nil, fmt.Errorf("list metrics between: %w", queryErr)
	}
	defer rows.Close()

	out := make([]MetricSnapshot, 0)
	for rows.Next() {
		snap, scanErr := scanMetricSnapshot(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, snap)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// CountMetricSnapshots counts stored metric rows.
func (s *Store) CountMetricSnapshots(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countMetricSnapshotsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count metric snapshots: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert event. Re-inserting the same event id is harmless.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.EventID,
		alert.RuleID,
		alert.RuleName,
		alert.Venue,
		alert.Instrument,
		alert.Kind,
		alert.Operator,
		alert.Value.String(),
		alert.Threshold.String(),
		alert.Reason,
		alert.TriggeredAt,
	)

	rec := alert
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		var valueStr, thresholdStr string
		if err := rows.Scan(
			&rec.ID,
			&rec.EventID,
			&rec.RuleID,
			&rec.RuleName,
			&rec.Venue,
			&rec.Instrument,
			&rec.Kind,
			&rec.Operator,
			&valueStr,
			&thresholdStr,
			&rec.Reason,
			&rec.TriggeredAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		var convErr error
		rec.Value, convErr = decimal.NewFromString(valueStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse alert value: %w", convErr)
		}
		rec.Threshold, convErr = decimal.NewFromString(thresholdStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse alert threshold: %w", convErr)
		}

		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

func scanMetricSnapshot(rows pgx.Rows) (MetricSnapshot, error) {
	var (
		snap     MetricSnapshot
		valueStr string
	)
	if err := rows.Scan(
		&snap.ID,
		&snap.TakenAt,
		&snap.Venue,
		&snap.Instrument,
		&snap.Kind,
		&valueStr,
		&snap.ComputedAt,
		&snap.CreatedAt,
	); err != nil {
		return MetricSnapshot{}, err
	}

	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return MetricSnapshot{}, fmt.Errorf("parse metric value: %w", err)
	}
	snap.Value = value
	return snap, nil
}

var (
	_ MetricStore    = (*Store)(nil)
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
