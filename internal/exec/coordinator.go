package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atalantalabs/atalanta/internal/domain"
)

// Submitter dispatches a transaction intent to the external signing
// collaborator. reference is the execution record ID and doubles as the
// idempotency key on the signer side.
type Submitter interface {
	SignAndSubmit(ctx context.Context, intent domain.TxIntent, reference string) (domain.SubmitResult, error)
}

// Revalidator re-checks an opportunity against current market state after the
// resource key is locked. A non-nil error aborts the execution before any
// intent is built.
type Revalidator func(opp domain.Opportunity) error

// PriceSource returns the current ETH price of a token for min-out sizing.
type PriceSource interface {
	Price(token string, venue domain.VenueID) (float64, bool)
}

// Options tunes the coordinator.
type Options struct {
	WalletLane      string
	SubmitTimeout   time.Duration
	DistributedLock bool
	LockTTL         time.Duration
}

// Coordinator owns the execution state machine. It consumes detected
// opportunities, enforces at-most-once semantics per resource key, and hands
// intents to the signer. Persistence failures are logged and never block the
// hot path.
type Coordinator struct {
	keys       *keyTable
	builder    *IntentBuilder
	submitter  Submitter
	revalidate Revalidator
	prices     PriceSource
	locks      domain.LockManager // nil unless DistributedLock
	store      domain.ExecutionStore
	opps       domain.OpportunityStore
	audit      domain.AuditStore
	opts       Options
	logger     *slog.Logger

	results chan domain.ExecutionRecord
	newID   func() string
	now     func() time.Time
}

// NewCoordinator wires the coordinator. locks may be nil when distributed
// locking is disabled; store, opps, and audit may be nil in detect-only mode.
func NewCoordinator(
	builder *IntentBuilder,
	submitter Submitter,
	revalidate Revalidator,
	prices PriceSource,
	locks domain.LockManager,
	store domain.ExecutionStore,
	opps domain.OpportunityStore,
	audit domain.AuditStore,
	opts Options,
	newID func() string,
	logger *slog.Logger,
) *Coordinator {
	if opts.LockTTL == 0 {
		opts.LockTTL = 2 * time.Minute
	}
	return &Coordinator{
		keys:       newKeyTable(),
		builder:    builder,
		submitter:  submitter,
		revalidate: revalidate,
		prices:     prices,
		locks:      locks,
		store:      store,
		opps:       opps,
		audit:      audit,
		opts:       opts,
		logger:     logger.With(slog.String("component", "exec")),
		results:    make(chan domain.ExecutionRecord, 64),
		newID:      newID,
		now:        time.Now,
	}
}

// Results streams finished execution records (settled, failed, timed out) for
// the notifier and ws hub.
func (c *Coordinator) Results() <-chan domain.ExecutionRecord {
	return c.results
}

// InFlight returns the number of resource keys currently held.
func (c *Coordinator) InFlight() int {
	return c.keys.active()
}

// Run consumes the opportunity channel until ctx is done. Each opportunity is
// executed synchronously on its own goroutine; the key table serializes
// contention per resource key.
func (c *Coordinator) Run(ctx context.Context, in <-chan domain.Opportunity) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case opp, ok := <-in:
			if !ok {
				return nil
			}
			go func(opp domain.Opportunity) {
				if _, err := c.Accept(ctx, opp); err != nil {
					c.logger.Debug("opportunity dropped",
						slog.String("id", opp.ID),
						slog.String("kind", string(opp.Kind)),
						slog.String("reason", err.Error()))
				}
			}(opp)
		}
	}
}

// Accept runs one opportunity through the full lifecycle and returns the
// resulting record. Contention, expiry, and failed revalidation return an
// error with no record created and nothing submitted.
func (c *Coordinator) Accept(ctx context.Context, opp domain.Opportunity) (domain.ExecutionRecord, error) {
	if opp.Expired(c.now()) {
		return domain.ExecutionRecord{}, fmt.Errorf("%w: %s", domain.ErrExpired, opp.ID)
	}

	recID := c.newID()
	if err := c.keys.tryAcquire(opp.ResourceKey, recID); err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("%w: %s", err, opp.ResourceKey)
	}

	if c.opts.DistributedLock && c.locks != nil {
		unlock, err := c.locks.Acquire(ctx, "exec:"+opp.ResourceKey, c.opts.LockTTL)
		if err != nil {
			c.keys.release(opp.ResourceKey)
			return domain.ExecutionRecord{}, fmt.Errorf("%w: %s", domain.ErrLockHeld, opp.ResourceKey)
		}
		c.keys.attachUnlock(opp.ResourceKey, unlock)
	}

	// Revalidate under the lock: the market may have moved between detection
	// and accept. An abort here leaves no execution record behind.
	if c.revalidate != nil {
		if err := c.revalidate(opp); err != nil {
			c.keys.release(opp.ResourceKey)
			c.auditEvent(ctx, "execution_aborted", map[string]any{
				"opportunity_id": opp.ID,
				"resource_key":   opp.ResourceKey,
				"reason":         err.Error(),
			})
			return domain.ExecutionRecord{}, fmt.Errorf("%w: %s", domain.ErrNotProfitable, err)
		}
	}
	if opp.Expired(c.now()) {
		c.keys.release(opp.ResourceKey)
		return domain.ExecutionRecord{}, fmt.Errorf("%w: %s", domain.ErrExpired, opp.ID)
	}

	rec := domain.ExecutionRecord{
		ID:            recID,
		OpportunityID: opp.ID,
		Kind:          opp.Kind,
		ResourceKey:   opp.ResourceKey,
		Token:         opp.Token,
		State:         domain.ExecLocked,
		AmountETH:     opp.AmountETH,
		SlippageBps:   opp.SlippageBps,
	}
	c.persistCreate(ctx, rec)
	if c.opps != nil {
		if err := c.opps.MarkSubmitted(ctx, opp.ID); err != nil {
			c.logger.Warn("mark submitted failed", slog.String("error", err.Error()))
		}
	}

	price, _ := c.priceFor(opp)
	intents, err := c.builder.Build(opp, price)
	if err != nil {
		rec = c.finish(ctx, rec, domain.ExecFailed, "", "intent: "+err.Error(), 0)
		return rec, fmt.Errorf("build intent: %w", err)
	}

	return c.submitPath(ctx, rec, intents)
}

// submitPath runs the intents in order under the submit timeout. Multi-leg
// paths (arbitrage) fail fast: a rejected buy leg means the sell leg is never
// sent. A timeout anywhere leaves the record TimedOut and the key held for the
// reconciler.
func (c *Coordinator) submitPath(ctx context.Context, rec domain.ExecutionRecord, intents []domain.TxIntent) (domain.ExecutionRecord, error) {
	rec.State = domain.ExecSubmitted
	rec.SubmittedAt = c.now()
	c.keys.setState(rec.ResourceKey, domain.ExecSubmitted)
	c.persistState(ctx, rec.ID, domain.ExecSubmitted, "", "", 0)

	subCtx, cancel := context.WithTimeout(ctx, c.opts.SubmitTimeout)
	defer cancel()

	var lastHash string
	var realized float64
	for i, intent := range intents {
		ref := legReference(rec.ID, i, len(intents))
		res, err := c.submitter.SignAndSubmit(subCtx, intent, ref)
		switch {
		case errors.Is(err, context.DeadlineExceeded) || (err == nil && res.Status == domain.SubmitTimedOut):
			rec = c.markTimedOut(ctx, rec, lastHash)
			return rec, fmt.Errorf("%w: %s", domain.ErrReconciling, rec.ID)
		case err != nil:
			rec = c.finish(ctx, rec, domain.ExecFailed, lastHash, "submit: "+err.Error(), realized)
			return rec, fmt.Errorf("submit: %w", err)
		case res.Status == domain.SubmitRejected:
			rec = c.finish(ctx, rec, domain.ExecFailed, res.TxHash, res.Reason, realized)
			return rec, fmt.Errorf("%w: %s", domain.ErrExecRejected, res.Reason)
		case res.Status == domain.SubmitSettled:
			lastHash = res.TxHash
			realized = weiToEth(res.AmountOutWei)
		default:
			rec = c.finish(ctx, rec, domain.ExecFailed, res.TxHash, "unexpected status "+string(res.Status), realized)
			return rec, fmt.Errorf("unexpected submit status %q", res.Status)
		}
	}

	// Realized PnL nets the final leg's output against the input size.
	pnl := realized
	if rec.Kind != domain.OppSnipe {
		pnl = realized - rec.AmountETH
	}
	rec = c.finish(ctx, rec, domain.ExecSettled, lastHash, "", pnl)
	return rec, nil
}

// legReference names one leg of a submitted path on the signer side.
// Single-leg paths use the bare record ID. The reconciler rebuilds these
// references from the record kind, so both sides must agree.
func legReference(recID string, i, n int) string {
	if n == 1 {
		return recID
	}
	return fmt.Sprintf("%s/%d", recID, i)
}

// markTimedOut records the unknown outcome and leaves the resource key held.
func (c *Coordinator) markTimedOut(ctx context.Context, rec domain.ExecutionRecord, txHash string) domain.ExecutionRecord {
	rec.State = domain.ExecTimedOut
	rec.TxHash = txHash
	c.keys.setState(rec.ResourceKey, domain.ExecTimedOut)
	c.persistState(ctx, rec.ID, domain.ExecTimedOut, txHash, "submit timeout", 0)
	c.auditEvent(ctx, "execution_timed_out", map[string]any{
		"execution_id": rec.ID,
		"resource_key": rec.ResourceKey,
	})
	c.emit(rec)
	c.logger.Warn("submission timed out, key held for reconciliation",
		slog.String("execution_id", rec.ID),
		slog.String("resource_key", rec.ResourceKey))
	return rec
}

// finish moves the record to a terminal state and releases the key.
func (c *Coordinator) finish(ctx context.Context, rec domain.ExecutionRecord, state domain.ExecState, txHash, reason string, realized float64) domain.ExecutionRecord {
	rec.State = state
	rec.TxHash = txHash
	rec.FailReason = reason
	rec.RealizedETH = realized
	now := c.now()
	rec.SettledAt = &now
	c.persistState(ctx, rec.ID, state, txHash, reason, realized)
	c.keys.release(rec.ResourceKey)
	c.auditEvent(ctx, "execution_"+string(state), map[string]any{
		"execution_id": rec.ID,
		"resource_key": rec.ResourceKey,
		"tx_hash":      txHash,
		"realized_eth": realized,
		"reason":       reason,
	})
	c.emit(rec)
	return rec
}

// resolveReconciled is called by the reconciler once a timed-out record's
// outcome is known. It updates state and releases the key.
func (c *Coordinator) resolveReconciled(ctx context.Context, rec domain.ExecutionRecord, state domain.ExecState, txHash, reason string, realized float64) {
	rec.State = state
	rec.TxHash = txHash
	rec.FailReason = reason
	rec.RealizedETH = realized
	now := c.now()
	rec.SettledAt = &now
	c.persistState(ctx, rec.ID, state, txHash, reason, realized)
	if key, ok := c.keys.keyFor(rec.ID); ok {
		c.keys.release(key)
	}
	c.auditEvent(ctx, "execution_reconciled", map[string]any{
		"execution_id": rec.ID,
		"state":        string(state),
		"reason":       reason,
	})
	c.emit(rec)
}

// Restore re-blocks resource keys for records left timed out by a previous
// process, so a restart cannot double-submit before reconciliation.
func (c *Coordinator) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	recs, err := c.store.ListUnreconciled(ctx)
	if err != nil {
		return fmt.Errorf("restore held keys: %w", err)
	}
	for _, rec := range recs {
		if err := c.keys.tryAcquire(rec.ResourceKey, rec.ID); err == nil {
			c.keys.setState(rec.ResourceKey, domain.ExecTimedOut)
		}
	}
	return nil
}

func (c *Coordinator) priceFor(opp domain.Opportunity) (float64, bool) {
	if c.prices == nil {
		return 0, false
	}
	return c.prices.Price(opp.Token.Hex(), opp.BuyVenue)
}

func (c *Coordinator) emit(rec domain.ExecutionRecord) {
	select {
	case c.results <- rec:
	default:
		c.logger.Warn("results channel full, dropping", slog.String("execution_id", rec.ID))
	}
}

func (c *Coordinator) persistCreate(ctx context.Context, rec domain.ExecutionRecord) {
	if c.store == nil {
		return
	}
	if err := c.store.Create(ctx, rec); err != nil {
		c.logger.Error("persist execution failed",
			slog.String("execution_id", rec.ID),
			slog.String("error", err.Error()))
	}
}

func (c *Coordinator) persistState(ctx context.Context, id string, state domain.ExecState, txHash, reason string, realized float64) {
	if c.store == nil {
		return
	}
	if err := c.store.UpdateState(ctx, id, state, txHash, reason, realized); err != nil {
		c.logger.Error("persist state failed",
			slog.String("execution_id", id),
			slog.String("state", string(state)),
			slog.String("error", err.Error()))
	}
}

func (c *Coordinator) auditEvent(ctx context.Context, event string, detail map[string]any) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Log(ctx, event, detail); err != nil {
		c.logger.Warn("audit log failed", slog.String("error", err.Error()))
	}
}
