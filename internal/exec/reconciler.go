package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// StatusQuerier asks the signing collaborator for the outcome of a previously
// submitted reference. domain.ErrNotFound proves the transaction was never
// signed.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, reference string) (domain.SubmitResult, error)
}

// Reconciler resolves timed-out executions. A timed-out record keeps its
// resource key blocked until the signer confirms the final outcome, so
// reconciliation is what restores liveness for that key.
type Reconciler struct {
	coord   *Coordinator
	querier StatusQuerier
	store   domain.ExecutionStore
	every   time.Duration
	logger  *slog.Logger
}

func NewReconciler(coord *Coordinator, querier StatusQuerier, store domain.ExecutionStore, every time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		coord:   coord,
		querier: querier,
		store:   store,
		every:   every,
		logger:  logger.With(slog.String("component", "reconciler")),
	}
}

// Run polls for unreconciled records until ctx is done. One pass runs at
// startup so records stranded by a crash are resolved immediately.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.coord.Restore(ctx); err != nil {
		r.logger.Error("restore held keys failed", slog.String("error", err.Error()))
	}
	r.Sweep(ctx)

	ticker := time.NewTicker(r.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep resolves every timed-out record whose outcome the signer now knows.
func (r *Reconciler) Sweep(ctx context.Context) {
	recs, err := r.store.ListUnreconciled(ctx)
	if err != nil {
		r.logger.Error("list unreconciled failed", slog.String("error", err.Error()))
		return
	}
	for _, rec := range recs {
		r.resolve(ctx, rec)
	}
}

// legReferences rebuilds the signer references submitPath dispatched for the
// record. Arbitrage submits two legs under suffixed references; everything
// else submits one under the bare ID. Must stay in lockstep with
// legReference.
func legReferences(recID string, kind domain.OpportunityKind) []string {
	if kind == domain.OppArbitrage {
		return []string{legReference(recID, 0, 2), legReference(recID, 1, 2)}
	}
	return []string{recID}
}

// resolve queries every leg of the record in submission order. "Never
// signed" holds only when no leg has any trace on the signer; a landed leg
// followed by a missing one is a half-open position, not a clean miss.
func (r *Reconciler) resolve(ctx context.Context, rec domain.ExecutionRecord) {
	refs := legReferences(rec.ID, rec.Kind)

	var lastHash string
	var lastOut float64
	landed := 0
	for i, ref := range refs {
		res, err := r.querier.QueryStatus(ctx, ref)
		switch {
		case errors.Is(err, domain.ErrNotFound) && landed == 0:
			// The signer has no trace of any leg: nothing was signed and
			// nothing can land later. Safe to fail and free the key.
			r.coord.resolveReconciled(ctx, rec, domain.ExecFailed, "", "never signed", 0)
			r.logger.Info("reconciled never-signed execution",
				slog.String("execution_id", rec.ID))
			return
		case errors.Is(err, domain.ErrNotFound):
			// An earlier leg landed but this one never reached the signer.
			// The outcome is known and terminal, but the position is
			// half-open and will not complete on its own.
			reason := fmt.Sprintf("leg %d never signed", i)
			r.coord.resolveReconciled(ctx, rec, domain.ExecFailed, lastHash, reason, 0)
			r.logger.Warn("reconciled partially-signed execution, position needs manual unwind",
				slog.String("execution_id", rec.ID),
				slog.String("tx_hash", lastHash))
			return
		case err != nil:
			r.logger.Warn("status query failed, will retry",
				slog.String("execution_id", rec.ID),
				slog.String("reference", ref),
				slog.String("error", err.Error()))
			return
		case res.Status == domain.SubmitSettled:
			landed++
			lastHash = res.TxHash
			lastOut = weiToEth(res.AmountOutWei)
		case res.Status == domain.SubmitRejected:
			hash := res.TxHash
			if hash == "" {
				hash = lastHash
			}
			r.coord.resolveReconciled(ctx, rec, domain.ExecFailed, hash, res.Reason, 0)
			r.logger.Info("reconciled failed execution",
				slog.String("execution_id", rec.ID),
				slog.String("reason", res.Reason))
			return
		default:
			// Still pending on the signer side; the key stays blocked.
			r.logger.Debug("execution still pending",
				slog.String("execution_id", rec.ID),
				slog.String("reference", ref))
			return
		}
	}

	realized := lastOut
	if rec.Kind != domain.OppSnipe {
		realized -= rec.AmountETH
	}
	r.coord.resolveReconciled(ctx, rec, domain.ExecSettled, lastHash, "", realized)
	r.logger.Info("reconciled settled execution",
		slog.String("execution_id", rec.ID),
		slog.String("tx_hash", lastHash))
}
