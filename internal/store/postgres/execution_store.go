package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionCols = `id, opportunity_id, kind, resource_key, token, state,
	tx_hash, amount_eth, slippage_bps, realized_eth, fail_reason,
	submitted_at, settled_at`

func scanExecution(row pgx.Row) (domain.ExecutionRecord, error) {
	var rec domain.ExecutionRecord
	var kind, state, token string
	if err := row.Scan(
		&rec.ID, &rec.OpportunityID, &kind, &rec.ResourceKey, &token, &state,
		&rec.TxHash, &rec.AmountETH, &rec.SlippageBps, &rec.RealizedETH,
		&rec.FailReason, &rec.SubmittedAt, &rec.SettledAt,
	); err != nil {
		return domain.ExecutionRecord{}, err
	}
	rec.Kind = domain.OpportunityKind(kind)
	rec.State = domain.ExecState(state)
	rec.Token = common.HexToAddress(token)
	return rec, nil
}

func (s *ExecutionStore) Create(ctx context.Context, rec domain.ExecutionRecord) error {
	const query = `
		INSERT INTO executions (
			id, opportunity_id, kind, resource_key, token, state,
			tx_hash, amount_eth, slippage_bps, realized_eth, fail_reason,
			submitted_at, settled_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	submittedAt := rec.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.OpportunityID, string(rec.Kind), rec.ResourceKey,
		strings.ToLower(rec.Token.Hex()), string(rec.State),
		rec.TxHash, rec.AmountETH, rec.SlippageBps, rec.RealizedETH,
		rec.FailReason, submittedAt, rec.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create execution %s: %w", rec.ID, err)
	}
	return nil
}

func (s *ExecutionStore) UpdateState(ctx context.Context, id string, state domain.ExecState, txHash, failReason string, realizedETH float64) error {
	const query = `
		UPDATE executions
		SET state = $2, tx_hash = $3, fail_reason = $4, realized_eth = $5,
		    settled_at = CASE WHEN $2 IN ('settled', 'failed') THEN NOW() ELSE settled_at END
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, string(state), txHash, failReason, realizedETH)
	if err != nil {
		return fmt.Errorf("postgres: update execution %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update execution %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.ExecutionRecord, error) {
	query := `SELECT ` + executionCols + ` FROM executions WHERE id = $1`
	rec, err := scanExecution(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ExecutionRecord{}, fmt.Errorf("postgres: execution %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}
	return rec, nil
}

func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + executionCols + ` FROM executions ORDER BY submitted_at DESC LIMIT $1`
	return s.list(ctx, query, limit)
}

// ListUnreconciled returns records stuck in timed_out, oldest first so the
// reconciler resolves the longest-blocked keys first.
func (s *ExecutionStore) ListUnreconciled(ctx context.Context) ([]domain.ExecutionRecord, error) {
	query := `SELECT ` + executionCols + ` FROM executions WHERE state = 'timed_out' ORDER BY submitted_at ASC`
	return s.list(ctx, query)
}

func (s *ExecutionStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + executionCols + ` FROM executions WHERE submitted_at < $1 ORDER BY submitted_at ASC LIMIT $2`
	return s.list(ctx, query, before, limit)
}

// DeleteBefore removes settled and failed records older than before. Records
// in non-terminal states are kept regardless of age.
func (s *ExecutionStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM executions WHERE submitted_at < $1 AND state IN ('settled', 'failed')`
	tag, err := s.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete executions before %s: %w", before, err)
	}
	return tag.RowsAffected(), nil
}

func (s *ExecutionStore) list(ctx context.Context, query string, args ...any) ([]domain.ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var recs []domain.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list executions rows: %w", err)
	}
	return recs, nil
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)
