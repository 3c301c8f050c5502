package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore. The table is an
// append-only audit trail of what the detector found, not an execution queue.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

const opportunityCols = `id, kind, resource_key, token, buy_venue, sell_venue,
	amount_eth, expected_value_eth, net_margin_bps, slippage_bps,
	risk_score, confidence, detected_seq, detected_at, expires_at`

func (s *OpportunityStore) Insert(ctx context.Context, opp domain.Opportunity) error {
	const query = `
		INSERT INTO opportunities (
			id, kind, resource_key, token, buy_venue, sell_venue,
			amount_eth, expected_value_eth, net_margin_bps, slippage_bps,
			risk_score, confidence, detected_seq, detected_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		opp.ID, string(opp.Kind), opp.ResourceKey,
		strings.ToLower(opp.Token.Hex()),
		string(opp.BuyVenue), string(opp.SellVenue),
		opp.AmountETH, opp.ExpectedValueETH, opp.NetMarginBps, opp.SlippageBps,
		opp.RiskScore, opp.Confidence, int64(opp.DetectedSeq),
		opp.DetectedAt, opp.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

func (s *OpportunityStore) MarkSubmitted(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE opportunities SET submitted = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: mark submitted %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: mark submitted %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListRecent returns the latest opportunities, optionally filtered by kind.
func (s *OpportunityStore) ListRecent(ctx context.Context, kind domain.OpportunityKind, limit int) ([]domain.Opportunity, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + opportunityCols + ` FROM opportunities`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = $1`
		args = append(args, string(kind))
	}
	query += fmt.Sprintf(` ORDER BY detected_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)
	return s.list(ctx, query, args...)
}

func (s *OpportunityStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Opportunity, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + opportunityCols + ` FROM opportunities WHERE detected_at < $1 ORDER BY detected_at ASC LIMIT $2`
	return s.list(ctx, query, before, limit)
}

func (s *OpportunityStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM opportunities WHERE detected_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete opportunities before %s: %w", before, err)
	}
	return tag.RowsAffected(), nil
}

func (s *OpportunityStore) list(ctx context.Context, query string, args ...any) ([]domain.Opportunity, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list opportunities: %w", err)
	}
	defer rows.Close()

	var opps []domain.Opportunity
	for rows.Next() {
		var opp domain.Opportunity
		var kind, token, buyVenue, sellVenue string
		var detectedSeq int64
		if err := rows.Scan(
			&opp.ID, &kind, &opp.ResourceKey, &token, &buyVenue, &sellVenue,
			&opp.AmountETH, &opp.ExpectedValueETH, &opp.NetMarginBps, &opp.SlippageBps,
			&opp.RiskScore, &opp.Confidence, &detectedSeq,
			&opp.DetectedAt, &opp.ExpiresAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		opp.Kind = domain.OpportunityKind(kind)
		opp.Token = common.HexToAddress(token)
		opp.BuyVenue = domain.VenueID(buyVenue)
		opp.SellVenue = domain.VenueID(sellVenue)
		opp.DetectedSeq = uint64(detectedSeq)
		opps = append(opps, opp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list opportunities rows: %w", err)
	}
	return opps, nil
}

var _ domain.OpportunityStore = (*OpportunityStore)(nil)
