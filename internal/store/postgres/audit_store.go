package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// AuditStore implements domain.AuditStore. Every lifecycle decision the
// coordinator makes (abort, timeout, reconciliation) lands here as JSONB.
type AuditStore struct {
	pool *pgxpool.Pool
}

func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (event, detail) VALUES ($1, $2)`,
		event, detailJSON,
	); err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, err)
	}
	return nil
}

func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`
	args := []any{}

	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var detailJSON []byte
		if err := rows.Scan(&e.ID, &e.Event, &detailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit entries rows: %w", err)
	}
	return entries, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
