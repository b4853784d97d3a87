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
	insertEscalationSQL = `INSERT INTO escalations (
        channel_id,
        quote_id,
        quoted_price,
        current_price,
        deviation_bps,
        reprice_count,
        quoted_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, channel_id, quote_id, quoted_price, current_price,
        deviation_bps, reprice_count, quoted_at, created_at;`

	listRecentEscalationsSQL = `SELECT
        id,
        channel_id,
        quote_id,
        quoted_price,
        current_price,
        deviation_bps,
        reprice_count,
        quoted_at,
        created_at
    FROM escalations
    ORDER BY created_at DESC
    LIMIT $1;`

	listEscalationsBetweenSQL = `SELECT
        id,
        channel_id,
        quote_id,
        quoted_price,
        current_price,
        deviation_bps,
        reprice_count,
        quoted_at,
        created_at
    FROM escalations
    WHERE created_at >= $1
      AND created_at < $2
    ORDER BY created_at;`

	countEscalationsSQL = `SELECT COUNT(*) FROM escalations;`

	deleteEscalationsBeforeSQL = `DELETE FROM escalations WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// EscalationStore defines operations for escalation persistence.
type EscalationStore interface {
	InsertEscalation(ctx context.Context, rec EscalationRecord) (EscalationRecord, error)
	ListRecentEscalations(ctx context.Context, limit int) ([]EscalationRecord, error)
	ListEscalationsBetween(ctx context.Context, from, to time.Time) ([]EscalationRecord, error)
	CountEscalations(ctx context.Context) (int64, error)
	DeleteEscalationsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store provides escalation persistence over a pgx pool.
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

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a
// release func. The run command uses it to keep a second guard instance from
// working the same desk.
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
		// Best effort: releasing the session also drops the lock.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertEscalation persists an escalation and returns the stored record.
func (s *Store) InsertEscalation(ctx context.Context, rec EscalationRecord) (EscalationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return EscalationRecord{}, err
	}

	row := pool.QueryRow(ctx, insertEscalationSQL,
		rec.ChannelID,
		rec.QuoteID,
		rec.QuotedPrice.String(),
		rec.CurrentPrice.String(),
		rec.DeviationBps.String(),
		rec.RepriceCount,
		rec.QuotedAt,
	)

	stored, scanErr := scanEscalation(row)
	if scanErr != nil {
		return EscalationRecord{}, fmt.Errorf("insert escalation: %w", scanErr)
	}
	return stored, nil
}

// ListRecentEscalations lists the most recent escalations.
func (s *Store) ListRecentEscalations(ctx context.Context, limit int) ([]EscalationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEscalationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent escalations: %w", queryErr)
	}
	defer rows.Close()

	records := make([]EscalationRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanEscalation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ListEscalationsBetween lists escalations within a time window.
func (s *Store) ListEscalationsBetween(ctx context.Context, from, to time.Time) ([]EscalationRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listEscalationsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list escalations between: %w", queryErr)
	}
	defer rows.Close()

	records := make([]EscalationRecord, 0)
	for rows.Next() {
		rec, scanErr := scanEscalation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountEscalations counts stored escalations.
func (s *Store) CountEscalations(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countEscalationsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count escalations: %w", scanErr)
	}
	return count, nil
}

// DeleteEscalationsBefore deletes historical escalations.
func (s *Store) DeleteEscalationsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteEscalationsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete escalations before: %w", execErr)
	}
	return nil
}

func scanEscalation(row pgx.Row) (EscalationRecord, error) {
	var (
		rec          EscalationRecord
		quotedStr    string
		currentStr   string
		deviationStr string
	)

	if err := row.Scan(
		&rec.ID,
		&rec.ChannelID,
		&rec.QuoteID,
		&quotedStr,
		&currentStr,
		&deviationStr,
		&rec.RepriceCount,
		&rec.QuotedAt,
		&rec.CreatedAt,
	); err != nil {
		return EscalationRecord{}, err
	}

	var err error
	rec.QuotedPrice, err = decimal.NewFromString(quotedStr)
	if err != nil {
		return EscalationRecord{}, fmt.Errorf("parse quoted price: %w", err)
	}
	rec.CurrentPrice, err = decimal.NewFromString(currentStr)
	if err != nil {
		return EscalationRecord{}, fmt.Errorf("parse current price: %w", err)
	}
	rec.DeviationBps, err = decimal.NewFromString(deviationStr)
	if err != nil {
		return EscalationRecord{}, fmt.Errorf("parse deviation bps: %w", err)
	}

	return rec, nil
}

var (
	_ EscalationStore = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
)
