package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calegray/flashhawk/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL. Amounts
// are stored as NUMERIC(78,0) and moved across the wire as decimal strings so
// they survive any token's full uint256 range.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore backed by the given
// connection pool.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)

const executionSelectCols = `id, opportunity_id, venue, kind,
	requested::text, actual::text, profit::text,
	gas_used, latency_ns, attempts, success, failure_reason, tx_ref, executed_at`

// Insert appends one terminal execution record. Records are immutable; a
// duplicate ID is an error, never an update.
func (s *ExecutionStore) Insert(ctx context.Context, rec domain.ExecutionRecord) error {
	const query = `
		INSERT INTO executions (
			id, opportunity_id, venue, kind,
			requested, actual, profit,
			gas_used, latency_ns, attempts, success, failure_reason, tx_ref, executed_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14
		)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.OpportunityID, string(rec.Venue), string(rec.Kind),
		amountText(rec.Requested), amountText(rec.Actual), amountText(rec.Profit),
		int64(rec.GasUsed), rec.Latency.Nanoseconds(), rec.Attempts,
		rec.Success, nullable(rec.FailureReason), nullable(rec.TxRef), rec.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", rec.ID, err)
	}
	return nil
}

// ListRecent returns the most recent records, newest first.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	query := `SELECT ` + executionSelectCols + ` FROM executions ORDER BY executed_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent executions: %w", err)
	}
	defer rows.Close()
	return scanExecutionRows(rows)
}

// ListRange returns records executed inside [since, until], oldest first, so
// replay reconstructs the ledger in original order.
func (s *ExecutionStore) ListRange(ctx context.Context, since, until time.Time) ([]domain.ExecutionRecord, error) {
	query := `SELECT ` + executionSelectCols + ` FROM executions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if !since.IsZero() {
		query += fmt.Sprintf(" AND executed_at >= $%d", argIdx)
		args = append(args, since)
		argIdx++
	}
	if !until.IsZero() {
		query += fmt.Sprintf(" AND executed_at <= $%d", argIdx)
		args = append(args, until)
	}
	query += " ORDER BY executed_at ASC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list execution range: %w", err)
	}
	defer rows.Close()
	return scanExecutionRows(rows)
}

// ListBefore returns up to limit records executed strictly before the cutoff,
// oldest first (for archiving).
func (s *ExecutionStore) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.ExecutionRecord, error) {
	query := `SELECT ` + executionSelectCols + ` FROM executions WHERE executed_at < $1 ORDER BY executed_at ASC`
	args := []any{cutoff}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions before: %w", err)
	}
	defer rows.Close()
	return scanExecutionRows(rows)
}

// DeleteBefore deletes records executed strictly before the cutoff. Returns
// the number deleted.
func (s *ExecutionStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM executions WHERE executed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete executions before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanExecutionRows(rows pgx.Rows) ([]domain.ExecutionRecord, error) {
	var records []domain.ExecutionRecord
	for rows.Next() {
		var (
			rec                        domain.ExecutionRecord
			venue, kind                string
			requested, actual, profit  string
			gasUsed, latencyNS         int64
			failureReason, txRef       *string
		)
		if err := rows.Scan(
			&rec.ID, &rec.OpportunityID, &venue, &kind,
			&requested, &actual, &profit,
			&gasUsed, &latencyNS, &rec.Attempts, &rec.Success,
			&failureReason, &txRef, &rec.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}

		rec.Venue = domain.Venue(venue)
		rec.Kind = domain.StrategyKind(kind)
		rec.GasUsed = uint64(gasUsed)
		rec.Latency = time.Duration(latencyNS)
		if failureReason != nil {
			rec.FailureReason = *failureReason
		}
		if txRef != nil {
			rec.TxRef = *txRef
		}

		var err error
		if rec.Requested, err = parseAmount(requested); err != nil {
			return nil, err
		}
		if rec.Actual, err = parseAmount(actual); err != nil {
			return nil, err
		}
		if rec.Profit, err = parseAmount(profit); err != nil {
			return nil, err
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: execution rows: %w", err)
	}
	return records, nil
}

func amountText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: malformed amount %q", s)
	}
	return v, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
