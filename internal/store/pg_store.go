package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/log"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/tryon"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const positionCounter = "tryon_queue_position"

const schema = `
CREATE TABLE IF NOT EXISTS tryon_queue (
    id                    TEXT PRIMARY KEY,
    user_id               TEXT,
    status                TEXT NOT NULL,
    request_data          JSONB NOT NULL,
    result_data           JSONB,
    error_message         TEXT,
    queue_position        BIGINT NOT NULL,
    retry_count           INT NOT NULL DEFAULT 0,
    next_retry_at         TIMESTAMPTZ,
    store_id              TEXT,
    product_id            TEXT,
    credit_source         TEXT,
    credit_transaction_id TEXT,
    created_at            TIMESTAMPTZ NOT NULL,
    updated_at            TIMESTAMPTZ NOT NULL,
    claimed_at            TIMESTAMPTZ,
    completed_at          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS tryon_queue_status_position_idx
    ON tryon_queue (status, queue_position);

CREATE TABLE IF NOT EXISTS queue_counters (
    name  TEXT PRIMARY KEY,
    value BIGINT NOT NULL
);
INSERT INTO queue_counters (name, value) VALUES ('tryon_queue_position', 0)
    ON CONFLICT (name) DO NOTHING;

CREATE TABLE IF NOT EXISTS tryon_results (
    id            TEXT PRIMARY KEY,
    queue_id      TEXT NOT NULL,
    user_id       TEXT,
    store_id      TEXT,
    product_id    TEXT,
    image_url     TEXT NOT NULL,
    garment_count INT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS credits (
    store_id TEXT PRIMARY KEY,
    balance  INT NOT NULL
);

CREATE TABLE IF NOT EXISTS credit_transactions (
    id          TEXT PRIMARY KEY,
    store_id    TEXT,
    customer_id TEXT,
    source      TEXT NOT NULL,
    amount      INT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL
);
`

const itemColumns = `id, user_id, status, request_data, result_data, error_message,
    queue_position, retry_count, next_retry_at,
    store_id, product_id, credit_source, credit_transaction_id,
    created_at, updated_at, claimed_at, completed_at`

type PGStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewPGStore(databaseURL string, logger *log.Logger) (*PGStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	return &PGStore{db: db, logger: logger}, nil
}

// DB exposes the underlying pool so the ledger and results store can share
// the connection.
func (s *PGStore) DB() *sql.DB { return s.db }

func (s *PGStore) Close() error { return s.db.Close() }

func (s *PGStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Migrate applies the schema. Idempotent; used by main and by tests.
func (s *PGStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PGStore) NextPosition(ctx context.Context) (int64, error) {
	var pos int64
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO queue_counters (name, value) VALUES ($1, 1)
        ON CONFLICT (name) DO UPDATE SET value = queue_counters.value + 1
        RETURNING value
    `, positionCounter).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("next position: %w", err)
	}
	return pos, nil
}

func (s *PGStore) Insert(ctx context.Context, item *tryon.QueueItem) error {
	reqBytes, err := json.Marshal(item.RequestData)
	if err != nil {
		return fmt.Errorf("marshal request data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO tryon_queue
            (id, user_id, status, request_data, queue_position, retry_count,
             store_id, product_id, credit_source, credit_transaction_id,
             created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    `, item.ID, item.UserID, item.Status, reqBytes, item.QueuePosition, item.RetryCount,
		item.StoreID, item.ProductID, item.CreditSource, item.CreditTransactionID,
		item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string) (*tryon.QueueItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM tryon_queue WHERE id = $1`, id)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

func (s *PGStore) OldestPending(ctx context.Context) (*tryon.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT `+itemColumns+` FROM tryon_queue
        WHERE status = 'pending'
        ORDER BY queue_position ASC
        LIMIT 1
    `)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest pending: %w", err)
	}
	return item, nil
}

func (s *PGStore) CountProcessing(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tryon_queue WHERE status = 'processing'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count processing: %w", err)
	}
	return n, nil
}

func (s *PGStore) Claim(ctx context.Context, id string) (bool, error) {
	// Conditional update is the mutual exclusion primitive: zero rows
	// affected means another caller won the race.
	res, err := s.db.ExecContext(ctx, `
        UPDATE tryon_queue
        SET status = 'processing', claimed_at = NOW(), updated_at = NOW()
        WHERE id = $1 AND status = 'pending'
    `, id)
	if err != nil {
		return false, fmt.Errorf("claim queue item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PGStore) MarkCompleted(ctx context.Context, id string, result *tryon.ResultData) error {
	resBytes, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result data: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE tryon_queue
        SET status = 'completed', result_data = $2, error_message = NULL,
            claimed_at = NULL, completed_at = NOW(), updated_at = NOW()
        WHERE id = $1 AND status = 'processing'
    `, id, resBytes)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark completed %s: item no longer processing", id)
	}
	return nil
}

func (s *PGStore) MarkFailed(ctx context.Context, id string, partial *tryon.ResultData, errMsg string) error {
	var resBytes []byte
	if partial != nil && len(partial.Results) > 0 {
		var err error
		resBytes, err = json.Marshal(partial)
		if err != nil {
			return fmt.Errorf("marshal partial result data: %w", err)
		}
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE tryon_queue
        SET status = 'failed', result_data = $2, error_message = $3,
            claimed_at = NULL, completed_at = NOW(), updated_at = NOW()
        WHERE id = $1 AND status = 'processing'
    `, id, resBytes, errMsg)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark failed %s: item no longer processing", id)
	}
	return nil
}

func (s *PGStore) ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE tryon_queue
        SET status = 'pending', retry_count = $2, next_retry_at = $3,
            error_message = $4, claimed_at = NULL, updated_at = NOW()
        WHERE id = $1 AND status = 'processing'
    `, id, retryCount, nextRetryAt, errMsg)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule retry %s: item no longer processing", id)
	}
	return nil
}

func (s *PGStore) ResetStale(ctx context.Context, olderThan time.Duration, errMsg string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE tryon_queue
        SET status = 'pending', claimed_at = NULL, error_message = $2,
            updated_at = NOW()
        WHERE status = 'processing' AND claimed_at < $1
    `, time.Now().Add(-olderThan), errMsg)
	if err != nil {
		return 0, fmt.Errorf("reset stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stale rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Warn("Reset stale processing items", zap.Int64("count", n))
	}
	return int(n), nil
}

func (s *PGStore) Cancel(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM tryon_queue WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock queue item: %w", err)
	}
	if status != string(tryon.StatusPending) {
		return ErrNotPending
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tryon_queue WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete queue item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel: %w", err)
	}
	return nil
}

func (s *PGStore) CountAhead(ctx context.Context, pos int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM tryon_queue
        WHERE status IN ('pending', 'processing') AND queue_position < $1
    `, pos).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ahead: %w", err)
	}
	return n, nil
}

func (s *PGStore) ListByUser(ctx context.Context, userID string, limit int) ([]*tryon.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+itemColumns+` FROM tryon_queue
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT $2
    `, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list by user: %w", err)
	}
	defer rows.Close()

	var items []*tryon.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PGStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
        SELECT
            COUNT(*) FILTER (WHERE status = 'pending'),
            COUNT(*) FILTER (WHERE status = 'processing')
        FROM tryon_queue
    `).Scan(&st.Pending, &st.Processing)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return st, nil
}

// RecalculatePositions renumbers non-terminal items to 1..n by their
// current order and pulls the counter back to n. The counter row is locked
// first so concurrent NextPosition calls cannot interleave and hand out a
// position that compaction would then reuse.
func (s *PGStore) RecalculatePositions(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var counter int64
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM queue_counters WHERE name = $1 FOR UPDATE`,
		positionCounter).Scan(&counter)
	if err != nil {
		return fmt.Errorf("lock position counter: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
        UPDATE tryon_queue q
        SET queue_position = sub.rn, updated_at = NOW()
        FROM (
            SELECT id, ROW_NUMBER() OVER (ORDER BY queue_position ASC) AS rn
            FROM tryon_queue
            WHERE status IN ('pending', 'processing')
        ) sub
        WHERE q.id = sub.id AND q.queue_position <> sub.rn
    `)
	if err != nil {
		return fmt.Errorf("compact positions: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
        UPDATE queue_counters
        SET value = COALESCE(
            (SELECT MAX(queue_position) FROM tryon_queue
             WHERE status IN ('pending', 'processing')), 0)
        WHERE name = $1
    `, positionCounter)
	if err != nil {
		return fmt.Errorf("reset position counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit recalculate: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*tryon.QueueItem, error) {
	var (
		item      tryon.QueueItem
		userID    sql.NullString
		status    string
		reqBytes  []byte
		resBytes  []byte
		errMsg    sql.NullString
		nextRetry sql.NullTime
		storeID   sql.NullString
		productID sql.NullString
		creditSrc sql.NullString
		creditTx  sql.NullString
		claimedAt sql.NullTime
		doneAt    sql.NullTime
	)
	err := row.Scan(
		&item.ID, &userID, &status, &reqBytes, &resBytes, &errMsg,
		&item.QueuePosition, &item.RetryCount, &nextRetry,
		&storeID, &productID, &creditSrc, &creditTx,
		&item.CreatedAt, &item.UpdatedAt, &claimedAt, &doneAt,
	)
	if err != nil {
		return nil, err
	}
	item.Status = tryon.Status(status)
	if err := json.Unmarshal(reqBytes, &item.RequestData); err != nil {
		return nil, fmt.Errorf("unmarshal request data: %w", err)
	}
	if len(resBytes) > 0 {
		item.ResultData = &tryon.ResultData{}
		if err := json.Unmarshal(resBytes, item.ResultData); err != nil {
			return nil, fmt.Errorf("unmarshal result data: %w", err)
		}
	}
	item.UserID = nullString(userID)
	item.ErrorMessage = nullString(errMsg)
	item.StoreID = nullString(storeID)
	item.ProductID = nullString(productID)
	item.CreditSource = nullString(creditSrc)
	item.CreditTransactionID = nullString(creditTx)
	item.NextRetryAt = nullTime(nextRetry)
	item.ClaimedAt = nullTime(claimedAt)
	item.CompletedAt = nullTime(doneAt)
	return &item, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
