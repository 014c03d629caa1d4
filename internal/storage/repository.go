package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertEventSQL = `INSERT INTO events (
        id,
        kind,
        occurred_at,
        sender,
        bidder,
        bid_id,
        payload
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (id) DO NOTHING;`

	listRecentEventsSQL = `SELECT
        id,
        kind,
        occurred_at,
        sender,
        bidder,
        bid_id,
        payload,
        created_at
    FROM events
    ORDER BY occurred_at DESC
    LIMIT $1;`

	countEventsSQL = `SELECT COUNT(*) FROM events;`

	upsertBidSQL = `INSERT INTO bids (
        bid_id,
        bidder,
        topic,
        details_hash,
        chain_id,
        amount,
        status,
        expiration,
        collateral,
        protocol_fee,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
    )
    ON CONFLICT (bid_id) DO UPDATE
    SET
        status     = EXCLUDED.status,
        expiration = EXCLUDED.expiration,
        updated_at = EXCLUDED.updated_at;`

	getBidSQL = `SELECT
        bid_id,
        bidder,
        topic,
        details_hash,
        chain_id,
        amount,
        status,
        expiration,
        collateral,
        protocol_fee,
        updated_at
    FROM bids
    WHERE bid_id = $1;`

	upsertBalanceSQL = `INSERT INTO balances (
        bidder,
        balance,
        earliest_withdrawal,
        updated_at
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (bidder) DO UPDATE
    SET
        balance             = EXCLUDED.balance,
        earliest_withdrawal = EXCLUDED.earliest_withdrawal,
        updated_at          = EXCLUDED.updated_at;`

	upsertAccumulatorsSQL = `INSERT INTO accumulators (
        singleton,
        slashed_collateral,
        protocol_fees,
        updated_at
    ) VALUES (
        TRUE,$1,$2,$3
    )
    ON CONFLICT (singleton) DO UPDATE
    SET
        slashed_collateral = EXCLUDED.slashed_collateral,
        protocol_fees      = EXCLUDED.protocol_fees,
        updated_at         = EXCLUDED.updated_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Journal defines the persistence operations the service needs.
type Journal interface {
	InsertEvent(ctx context.Context, record EventRecord) error
	ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
	CountEvents(ctx context.Context) (int64, error)
	UpsertBid(ctx context.Context, record BidRecord) error
	UpsertBalance(ctx context.Context, record BalanceRecord) error
	UpsertAccumulators(ctx context.Context, record AccumulatorRecord) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to the event journal and state snapshots.
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
		// best effort; the lock dies with the connection anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertEvent appends one event to the journal. Replays of the same event id
// are no-ops, so emitting is safe to retry.
func (s *Store) InsertEvent(ctx context.Context, record EventRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var bidder, bidID interface{}
	if record.Bidder != "" {
		bidder = record.Bidder
	}
	if record.BidID != "" {
		bidID = record.BidID
	}

	if _, execErr := pool.Exec(ctx, insertEventSQL,
		record.ID,
		record.Kind,
		record.OccurredAt,
		record.Sender,
		bidder,
		bidID,
		[]byte(record.Payload),
	); execErr != nil {
		return fmt.Errorf("insert event: %w", execErr)
	}
	return nil
}

// ListRecentEvents lists the most recent journal entries, newest first.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	records := make([]EventRecord, 0, limit)
	for rows.Next() {
		record, scanErr := scanEventRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountEvents counts journal entries.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countEventsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count events: %w", scanErr)
	}
	return count, nil
}

// UpsertBid persists or updates a bid snapshot. Placement-time terms never
// change, so conflicts only touch status and expiration.
func (s *Store) UpsertBid(ctx context.Context, record BidRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, upsertBidSQL,
		record.BidID,
		record.Bidder,
		record.Topic,
		record.DetailsHash,
		record.ChainID,
		record.Amount,
		record.Status,
		record.Expiration,
		record.Collateral,
		record.ProtocolFee,
		record.UpdatedAt,
	); execErr != nil {
		return fmt.Errorf("upsert bid: %w", execErr)
	}
	return nil
}

// GetBid loads one bid snapshot by id.
func (s *Store) GetBid(ctx context.Context, bidID string) (BidRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return BidRecord{}, err
	}

	var record BidRecord
	if scanErr := pool.QueryRow(ctx, getBidSQL, bidID).Scan(
		&record.BidID,
		&record.Bidder,
		&record.Topic,
		&record.DetailsHash,
		&record.ChainID,
		&record.Amount,
		&record.Status,
		&record.Expiration,
		&record.Collateral,
		&record.ProtocolFee,
		&record.UpdatedAt,
	); scanErr != nil {
		return BidRecord{}, fmt.Errorf("get bid: %w", scanErr)
	}
	return record, nil
}

// UpsertBalance persists or updates a bidder's ledger snapshot.
func (s *Store) UpsertBalance(ctx context.Context, record BalanceRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var earliest interface{}
	if record.EarliestWithdrawal != nil {
		earliest = *record.EarliestWithdrawal
	}

	if _, execErr := pool.Exec(ctx, upsertBalanceSQL,
		record.Bidder,
		record.Balance,
		earliest,
		record.UpdatedAt,
	); execErr != nil {
		return fmt.Errorf("upsert balance: %w", execErr)
	}
	return nil
}

// UpsertAccumulators persists the global pool totals.
func (s *Store) UpsertAccumulators(ctx context.Context, record AccumulatorRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, upsertAccumulatorsSQL,
		record.SlashedCollateral,
		record.ProtocolFees,
		record.UpdatedAt,
	); execErr != nil {
		return fmt.Errorf("upsert accumulators: %w", execErr)
	}
	return nil
}

func scanEventRecord(rows pgx.Rows) (EventRecord, error) {
	var (
		record  EventRecord
		bidder  sql.NullString
		bidID   sql.NullString
		payload []byte
	)

	if err := rows.Scan(
		&record.ID,
		&record.Kind,
		&record.OccurredAt,
		&record.Sender,
		&bidder,
		&bidID,
		&payload,
		&record.CreatedAt,
	); err != nil {
		return EventRecord{}, err
	}

	if bidder.Valid {
		record.Bidder = bidder.String
	}
	if bidID.Valid {
		record.BidID = bidID.String
	}
	record.Payload = payload
	return record, nil
}
