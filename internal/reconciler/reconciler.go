// Package reconciler applies confirmed ledger events to the escrow mirror
// and the public feed. It is the single writer for event-driven transitions:
// one consumer drains the ingest queue in log order, dedupes each event, and
// applies it through conditional store transitions so replays and races with
// the command handler converge on the same state.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mealtrust/mealtrust/internal/chain"
	"github.com/mealtrust/mealtrust/internal/directory"
	"github.com/mealtrust/mealtrust/internal/escrow"
	"github.com/mealtrust/mealtrust/internal/feed"
	"github.com/mealtrust/mealtrust/internal/ingest"
	"github.com/mealtrust/mealtrust/internal/logging"
	"github.com/mealtrust/mealtrust/internal/metrics"
	"github.com/mealtrust/mealtrust/internal/retry"
	"github.com/mealtrust/mealtrust/internal/traces"
)

// Apply results recorded against each processed event.
const (
	ResultApplied   = "applied"
	ResultDuplicate = "duplicate"
	ResultStale     = "stale"
	ResultMismatch  = "mismatch"
	ResultPoison    = "poison"
)

// Config bounds the apply retry policy.
type Config struct {
	// MaxApplyAttempts is how many times one envelope is applied before it
	// is parked as poison. Transient store errors are retried; everything
	// else fails fast.
	MaxApplyAttempts int
	RetryBaseDelay   time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxApplyAttempts: 5,
		RetryBaseDelay:   200 * time.Millisecond,
	}
}

// Reconciler drains the event queue and keeps mirror, feed, and mismatch
// ledger consistent with the chain.
type Reconciler struct {
	queue      *ingest.Queue
	events     ingest.EventStore
	escrows    escrow.Store
	dir        directory.Store
	feed       feed.Store
	mismatches MismatchStore
	notifier   Notifier
	config     Config
	logger     *slog.Logger

	done chan struct{}
}

// New creates a reconciler. A nil notifier disables notifications.
func New(
	queue *ingest.Queue,
	events ingest.EventStore,
	escrows escrow.Store,
	dir directory.Store,
	feedStore feed.Store,
	mismatches MismatchStore,
	notifier Notifier,
	cfg Config,
	logger *slog.Logger,
) *Reconciler {
	if cfg.MaxApplyAttempts <= 0 {
		cfg.MaxApplyAttempts = DefaultConfig().MaxApplyAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultConfig().RetryBaseDelay
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Reconciler{
		queue:      queue,
		events:     events,
		escrows:    escrows,
		dir:        dir,
		feed:       feedStore,
		mismatches: mismatches,
		notifier:   notifier,
		config:     cfg,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Start launches the consumer loop. The loop ends when the queue is closed
// and drained, or when ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Wait blocks until the consumer loop has exited.
func (r *Reconciler) Wait() {
	<-r.done
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.done)

	r.logger.Info("reconciler started",
		"max_apply_attempts", r.config.MaxApplyAttempts)

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-r.queue.Dequeue():
			if !ok {
				r.logger.Info("event queue closed, reconciler stopping")
				return
			}
			r.queue.Observe()
			r.process(ctx, env)
		}
	}
}

// process dedupes and applies one envelope, then records its outcome. Poison
// envelopes are parked rather than retried forever so one bad event cannot
// stall the whole feed.
func (r *Reconciler) process(ctx context.Context, env ingest.Envelope) {
	ctx, span := traces.StartSpan(ctx, "reconciler.process",
		traces.EventType(env.Type), traces.EscrowID(env.EscrowID), traces.TxHash(env.TxHash))
	defer span.End()

	key := env.DedupeKey()

	processed, err := r.events.IsProcessed(ctx, key)
	if err != nil {
		r.logger.Error("dedupe check failed", "key", key, "error", err)
	}
	if processed {
		metrics.EventsDedupedTotal.Inc()
		metrics.ReconcileAppliesTotal.WithLabelValues(env.Type, ResultDuplicate).Inc()
		return
	}

	// A false return means the event row already exists but was never marked
	// processed (crash mid-apply); the apply below re-runs idempotently.
	if _, err := r.events.InsertIfAbsent(ctx, &env); err != nil {
		r.logger.Error("event insert failed", "key", key, "error", err)
	}

	var result string
	err = retry.Do(ctx, r.config.MaxApplyAttempts, r.config.RetryBaseDelay, func() error {
		env.Attempts++
		var applyErr error
		result, applyErr = r.apply(ctx, env)
		return applyErr
	})
	if err != nil {
		result = ResultPoison
		metrics.PoisonEnvelopesTotal.Inc()
		r.logger.Error("envelope parked as poison",
			"key", key, "type", env.Type, "escrow_id", env.EscrowID,
			"attempts", env.Attempts, "error", err)
		r.recordMismatch(ctx, env, MismatchApplyFailed,
			fmt.Sprintf("apply failed after %d attempts: %v", env.Attempts, err))
	}

	metrics.ReconcileAppliesTotal.WithLabelValues(env.Type, result).Inc()
	if err := r.events.MarkProcessed(ctx, key, result); err != nil {
		r.logger.Error("mark processed failed", "key", key, "error", err)
	}
}

// apply routes one envelope to its transition. It returns a result label and
// an error only for retryable conditions; semantic disagreements become
// mismatch records, not errors.
func (r *Reconciler) apply(ctx context.Context, env ingest.Envelope) (string, error) {
	switch env.Type {
	case chain.EventFundLocked:
		return r.applyFundLocked(ctx, env)
	case chain.EventPaymentReleased:
		return r.applyPaymentReleased(ctx, env)
	default:
		return "", retry.Permanent(fmt.Errorf("unknown event type %q", env.Type))
	}
}

func (r *Reconciler) applyFundLocked(ctx context.Context, env ingest.Envelope) (string, error) {
	rec, err := r.escrows.GetByEscrowID(ctx, env.EscrowID)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		// The mirror record is created before the lock is submitted, so a
		// lock event with no record means someone else wrote to the contract.
		r.recordMismatch(ctx, env, MismatchUnknownEscrow,
			"FundLocked for an escrow the mirror never created")
		return ResultMismatch, nil
	}
	if err != nil {
		return "", fmt.Errorf("load escrow %s: %w", env.EscrowID, err)
	}

	if env.Amount != rec.Amount {
		r.recordMismatch(ctx, env, MismatchAmount,
			fmt.Sprintf("FundLocked amount %d, mirror amount %d", env.Amount, rec.Amount))
	}

	applied, err := r.escrows.ConfirmLocked(ctx, env.EscrowID, env.TxHash, env.BlockNumber, env.LedgerTime)
	if err != nil {
		return "", fmt.Errorf("confirm locked %s: %w", env.EscrowID, err)
	}
	if !applied {
		// Already terminal; a late lock event changes nothing.
		return ResultStale, nil
	}
	if err := r.escrows.MarkConfirmed(ctx, env.EscrowID, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("mark confirmed %s: %w", env.EscrowID, err)
	}

	logging.L(ctx).Info("lock confirmed on ledger",
		"escrow_id", env.EscrowID, "tx_hash", env.TxHash, "block", env.BlockNumber)
	r.notifier.Notify(ctx, Notification{
		Type:     NotifyLocked,
		EscrowID: env.EscrowID,
		Status:   string(escrow.StatusLocked),
		Amount:   env.Amount,
		At:       env.LedgerTime,
	})
	return ResultApplied, nil
}

func (r *Reconciler) applyPaymentReleased(ctx context.Context, env ingest.Envelope) (string, error) {
	rec, err := r.escrows.GetByEscrowID(ctx, env.EscrowID)
	if errors.Is(err, escrow.ErrEscrowNotFound) {
		r.recordMismatch(ctx, env, MismatchUnknownEscrow,
			"PaymentReleased for an escrow the mirror never created")
		return ResultMismatch, nil
	}
	if err != nil {
		return "", fmt.Errorf("load escrow %s: %w", env.EscrowID, err)
	}

	switch rec.Status {
	case escrow.StatusPending:
		// The release event outran the lock confirmation. The ledger has
		// clearly accepted the lock, so confirm it from what we know and
		// fall through to the release.
		if _, err := r.escrows.ConfirmLocked(ctx, env.EscrowID, rec.TxHashLock, env.BlockNumber, env.LedgerTime); err != nil {
			return "", fmt.Errorf("implicit lock confirm %s: %w", env.EscrowID, err)
		}
		logging.L(ctx).Warn("release event arrived before lock confirmation",
			"escrow_id", env.EscrowID, "tx_hash", env.TxHash)

	case escrow.StatusReleased:
		if rec.TxHashRelease == env.TxHash {
			// Replay of the release we already applied. The feed write is
			// idempotent, so heal any crash between transition and publish.
			if err := r.publishFeedEntry(ctx, rec, env); err != nil {
				return "", err
			}
			return ResultDuplicate, nil
		}
		r.recordMismatch(ctx, env, MismatchDoubleRelease,
			fmt.Sprintf("second release tx %s after %s", env.TxHash, rec.TxHashRelease))
		return ResultMismatch, nil

	case escrow.StatusCancelled:
		r.recordMismatch(ctx, env, MismatchReleaseAfterCancel,
			"PaymentReleased for a cancelled escrow")
		return ResultMismatch, nil

	case escrow.StatusFailed:
		r.recordMismatch(ctx, env, MismatchUnknownEscrow,
			"PaymentReleased for an escrow whose lock never succeeded")
		return ResultMismatch, nil
	}

	applied, err := r.escrows.TransitionToReleased(ctx, env.EscrowID, env.TxHash, env.BlockNumber, env.LedgerTime)
	if err != nil {
		return "", fmt.Errorf("transition to released %s: %w", env.EscrowID, err)
	}
	if !applied {
		// Lost a race with another writer since the status check above.
		return ResultStale, nil
	}

	rec, err = r.escrows.GetByEscrowID(ctx, env.EscrowID)
	if err != nil {
		return "", fmt.Errorf("reload escrow %s: %w", env.EscrowID, err)
	}
	if err := r.publishFeedEntry(ctx, rec, env); err != nil {
		return "", err
	}

	logging.L(ctx).Info("release confirmed on ledger",
		"escrow_id", env.EscrowID, "amount", env.Amount,
		"tx_hash", env.TxHash, "block", env.BlockNumber)
	r.notifier.Notify(ctx, Notification{
		Type:     NotifyReleased,
		EscrowID: env.EscrowID,
		Status:   string(escrow.StatusReleased),
		Amount:   env.Amount,
		At:       env.LedgerTime,
	})
	return ResultApplied, nil
}

// publishFeedEntry synthesizes the public feed entry for a released escrow.
// The store enforces one entry per escrow, so replays are no-ops.
func (r *Reconciler) publishFeedEntry(ctx context.Context, rec *escrow.Record, env ingest.Envelope) error {
	entry := &feed.Entry{
		EscrowID:   rec.EscrowID,
		DeliveryID: rec.DeliveryID,
		Amount:     rec.Amount,
		Currency:   feed.Currency,
		ReleasedAt: env.LedgerTime,
		LedgerRef:  env.TxHash,
	}
	if rec.LockedAt != nil {
		entry.LockedAt = *rec.LockedAt
	}

	// Display data is a best-effort join; a missing directory row must not
	// block the payment from being published.
	if school, err := r.dir.GetSchool(ctx, rec.SchoolID); err == nil {
		entry.SchoolName = school.Name
		entry.SchoolRegion = school.Region
	} else {
		entry.SchoolName = fmt.Sprintf("school #%d", rec.SchoolID)
	}
	if catering, err := r.dir.GetCatering(ctx, rec.CateringID); err == nil {
		entry.CateringName = catering.Name
	} else {
		entry.CateringName = fmt.Sprintf("catering #%d", rec.CateringID)
	}
	if delivery, err := r.dir.GetDelivery(ctx, rec.DeliveryID); err == nil {
		entry.Portions = delivery.Portions
		entry.MenuName = delivery.MenuName
	}

	created, err := r.feed.CreateIfAbsent(ctx, entry)
	if err != nil {
		return fmt.Errorf("publish feed entry %s: %w", rec.EscrowID, err)
	}
	if created {
		metrics.FeedEntriesTotal.Inc()
	}
	return nil
}

func (r *Reconciler) recordMismatch(ctx context.Context, env ingest.Envelope, kind, detail string) {
	metrics.ReconciliationMismatchesTotal.Inc()
	m := &Mismatch{
		EscrowID: env.EscrowID,
		Kind:     kind,
		Detail:   detail,
		EventKey: env.DedupeKey(),
	}
	if err := r.mismatches.Create(ctx, m); err != nil {
		r.logger.Error("failed to record mismatch",
			"escrow_id", env.EscrowID, "kind", kind, "error", err)
	}
	r.logger.Warn("ledger/mirror mismatch",
		"escrow_id", env.EscrowID, "kind", kind, "detail", detail)
	r.notifier.Notify(ctx, Notification{
		Type:     NotifyMismatch,
		EscrowID: env.EscrowID,
		Detail:   detail,
		At:       time.Now().UTC(),
	})
}
