package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mealtrust/mealtrust/internal/chain"
	"github.com/mealtrust/mealtrust/internal/directory"
	"github.com/mealtrust/mealtrust/internal/escrowid"
	"github.com/mealtrust/mealtrust/internal/logging"
	"github.com/mealtrust/mealtrust/internal/metrics"
	"github.com/mealtrust/mealtrust/internal/traces"
	"github.com/mealtrust/mealtrust/internal/validation"
)

// Service is the escrow command handler. It validates admin commands against
// the directory, submits ledger transactions, and keeps the mirror record in
// step with what has actually been submitted.
type Service struct {
	store  Store
	dir    directory.Store
	ledger Ledger
	now    func() time.Time
}

// NewService creates an escrow command handler.
func NewService(store Store, dir directory.Store, ledger Ledger) *Service {
	return &Service{
		store:  store,
		dir:    dir,
		ledger: ledger,
		now:    time.Now,
	}
}

// LockRequest is the input for locking funds against a delivery.
type LockRequest struct {
	DeliveryID int64 `json:"deliveryId"`
	SchoolID   int64 `json:"schoolId"`
	CateringID int64 `json:"cateringId"`
	Amount     int64 `json:"amount"`
}

// Lock creates a PENDING record for the delivery, submits the lock
// transaction, and returns the LOCKED record on acceptance. If submission
// fails the record is marked FAILED and the ledger error is returned.
func (s *Service) Lock(ctx context.Context, req LockRequest) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Lock",
		traces.DeliveryID(req.DeliveryID), traces.Amount(req.Amount))
	defer span.End()

	if errs := validation.Validate(
		validation.PositiveID("deliveryId", req.DeliveryID),
		validation.PositiveID("schoolId", req.SchoolID),
		validation.PositiveID("cateringId", req.CateringID),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		metrics.EscrowCommandsTotal.WithLabelValues("lock", "invalid").Inc()
		return nil, errs
	}

	delivery, err := s.dir.GetDelivery(ctx, req.DeliveryID)
	if err != nil {
		metrics.EscrowCommandsTotal.WithLabelValues("lock", "not_found").Inc()
		return nil, err
	}
	if delivery.SchoolID != req.SchoolID || delivery.CateringID != req.CateringID {
		metrics.EscrowCommandsTotal.WithLabelValues("lock", "invalid").Inc()
		return nil, fmt.Errorf("%w: delivery %d belongs to school %d, catering %d",
			ErrDeliveryMismatch, delivery.ID, delivery.SchoolID, delivery.CateringID)
	}
	catering, err := s.dir.GetCatering(ctx, req.CateringID)
	if err != nil {
		metrics.EscrowCommandsTotal.WithLabelValues("lock", "not_found").Inc()
		return nil, err
	}
	if !validation.IsValidEthAddress(catering.PayeeAddr) {
		metrics.EscrowCommandsTotal.WithLabelValues("lock", "invalid").Inc()
		return nil, fmt.Errorf("catering %d has no valid payee address", catering.ID)
	}

	rec := &Record{
		DeliveryID: req.DeliveryID,
		SchoolID:   req.SchoolID,
		CateringID: req.CateringID,
		Amount:     req.Amount,
		Status:     StatusPending,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		metrics.EscrowCommandsTotal.WithLabelValues("lock", "error").Inc()
		return nil, fmt.Errorf("create escrow record: %w", err)
	}

	// The identifier covers the internal record ID, so a second lock for the
	// same delivery names a different contract escrow.
	id := escrowid.Derive(rec.DeliveryID, rec.ID)
	rec.EscrowID = id.Hex()
	if err := s.store.BindEscrowID(ctx, rec.ID, rec.EscrowID); err != nil {
		metrics.EscrowCommandsTotal.WithLabelValues("lock", "error").Inc()
		return nil, fmt.Errorf("bind escrow id: %w", err)
	}
	span.SetAttributes(traces.EscrowID(rec.EscrowID))

	metadata := fmt.Sprintf("delivery:%d portions:%d", delivery.ID, delivery.Portions)
	start := s.now()
	receipt, err := s.ledger.LockFund(ctx, id,
		common.HexToAddress(catering.PayeeAddr), metadata, big.NewInt(rec.Amount))
	metrics.ChainSubmissionDuration.WithLabelValues("lock").Observe(s.now().Sub(start).Seconds())
	if err != nil {
		if ferr := s.store.MarkFailed(ctx, rec.ID); ferr != nil {
			logging.L(ctx).Error("failed to mark escrow failed",
				"escrow_id", rec.EscrowID, "error", ferr)
		}
		metrics.EscrowCommandsTotal.WithLabelValues("lock", "chain_error").Inc()
		logging.L(ctx).Error("lock submission failed",
			"escrow_id", rec.EscrowID, "delivery_id", rec.DeliveryID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrChainSubmission, err)
	}

	lockedAt := s.now().UTC()
	if _, err := s.store.ConfirmLocked(ctx, rec.EscrowID, receipt.TxHash, receipt.BlockNumber, lockedAt); err != nil {
		metrics.EscrowCommandsTotal.WithLabelValues("lock", "error").Inc()
		return nil, fmt.Errorf("record lock acceptance: %w", err)
	}

	metrics.EscrowCommandsTotal.WithLabelValues("lock", "success").Inc()
	logging.L(ctx).Info("escrow locked",
		"escrow_id", rec.EscrowID,
		"delivery_id", rec.DeliveryID,
		"amount", rec.Amount,
		"tx_hash", receipt.TxHash,
		"block", receipt.BlockNumber)

	return s.store.GetByEscrowID(ctx, rec.EscrowID)
}

// Release submits the release transaction for a LOCKED escrow. The mirror
// status stays LOCKED until the reconciler applies the confirmed
// PaymentReleased event; the returned receipt lets the caller track the
// submission in the meantime.
func (s *Service) Release(ctx context.Context, escrowID string) (*chain.Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(escrowID))
	defer span.End()

	rec, id, err := s.lookupForUpdate(ctx, escrowID)
	if err != nil {
		metrics.EscrowCommandsTotal.WithLabelValues("release", "not_found").Inc()
		return nil, err
	}
	switch rec.Status {
	case StatusLocked:
	case StatusReleased:
		metrics.EscrowCommandsTotal.WithLabelValues("release", "duplicate").Inc()
		return nil, fmt.Errorf("%w: escrow %s already released", ErrDuplicateOperation, escrowID)
	default:
		metrics.EscrowCommandsTotal.WithLabelValues("release", "invalid_status").Inc()
		return nil, fmt.Errorf("%w: escrow %s is %s, expected %s",
			ErrInvalidStatus, escrowID, rec.Status, StatusLocked)
	}

	start := s.now()
	receipt, err := s.ledger.ReleaseFund(ctx, id)
	metrics.ChainSubmissionDuration.WithLabelValues("release").Observe(s.now().Sub(start).Seconds())
	if err != nil {
		metrics.EscrowCommandsTotal.WithLabelValues("release", "chain_error").Inc()
		logging.L(ctx).Error("release submission failed", "escrow_id", escrowID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrChainSubmission, err)
	}

	metrics.EscrowCommandsTotal.WithLabelValues("release", "success").Inc()
	logging.L(ctx).Info("release submitted",
		"escrow_id", escrowID, "tx_hash", receipt.TxHash, "block", receipt.BlockNumber)
	return receipt, nil
}

// Cancel submits the cancellation transaction for a LOCKED escrow and, on
// acceptance, moves the record to CANCELLED with the audit reason.
func (s *Service) Cancel(ctx context.Context, escrowID, reason string) (*Record, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.EscrowID(escrowID))
	defer span.End()

	reason = validation.SanitizeString(reason, validation.MaxReasonLength)
	if errs := validation.Validate(
		validation.Required("reason", reason),
	); len(errs) > 0 {
		metrics.EscrowCommandsTotal.WithLabelValues("cancel", "invalid").Inc()
		return nil, errs
	}

	rec, id, err := s.lookupForUpdate(ctx, escrowID)
	if err != nil {
		metrics.EscrowCommandsTotal.WithLabelValues("cancel", "not_found").Inc()
		return nil, err
	}
	switch rec.Status {
	case StatusLocked:
	case StatusCancelled:
		metrics.EscrowCommandsTotal.WithLabelValues("cancel", "duplicate").Inc()
		return nil, fmt.Errorf("%w: escrow %s already cancelled", ErrDuplicateOperation, escrowID)
	default:
		metrics.EscrowCommandsTotal.WithLabelValues("cancel", "invalid_status").Inc()
		return nil, fmt.Errorf("%w: escrow %s is %s, expected %s",
			ErrInvalidStatus, escrowID, rec.Status, StatusLocked)
	}

	start := s.now()
	receipt, err := s.ledger.CancelFund(ctx, id, reason)
	metrics.ChainSubmissionDuration.WithLabelValues("cancel").Observe(s.now().Sub(start).Seconds())
	if err != nil {
		metrics.EscrowCommandsTotal.WithLabelValues("cancel", "chain_error").Inc()
		logging.L(ctx).Error("cancel submission failed", "escrow_id", escrowID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrChainSubmission, err)
	}

	applied, err := s.store.TransitionToCancelled(ctx, escrowID, reason, receipt.TxHash, receipt.BlockNumber)
	if err != nil {
		metrics.EscrowCommandsTotal.WithLabelValues("cancel", "error").Inc()
		return nil, fmt.Errorf("record cancellation: %w", err)
	}
	if !applied {
		// Lost the race against a concurrent release; the refund tx will
		// revert on-chain, so the mirror keeps the winner's state.
		metrics.EscrowCommandsTotal.WithLabelValues("cancel", "conflict").Inc()
		return nil, fmt.Errorf("%w: escrow %s left %s state concurrently",
			ErrInvalidStatus, escrowID, StatusLocked)
	}

	metrics.EscrowCommandsTotal.WithLabelValues("cancel", "success").Inc()
	logging.L(ctx).Info("escrow cancelled",
		"escrow_id", escrowID, "reason", reason, "tx_hash", receipt.TxHash)
	return s.store.GetByEscrowID(ctx, escrowID)
}

// Details is the combined mirror and ledger view of one escrow.
type Details struct {
	Record *Record            `json:"record"`
	Chain  *chain.EscrowState `json:"chain,omitempty"`
	// Mismatch describes any disagreement between the two views. Empty means
	// the mirror and ledger agree.
	Mismatch string `json:"mismatch,omitempty"`
}

// GetDetails returns the mirror record together with the live contract state,
// flagging any disagreement between them. A ledger read failure degrades to a
// mirror-only answer rather than an error.
func (s *Service) GetDetails(ctx context.Context, escrowID string) (*Details, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.GetDetails", traces.EscrowID(escrowID))
	defer span.End()

	rec, id, err := s.lookupForUpdate(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	d := &Details{Record: rec}
	state, err := s.ledger.GetEscrow(ctx, id)
	if err != nil {
		logging.L(ctx).Warn("ledger read failed, returning mirror view only",
			"escrow_id", escrowID, "error", err)
		return d, nil
	}
	d.Chain = state
	d.Mismatch = compareViews(rec, state)
	if d.Mismatch != "" {
		metrics.ReconciliationMismatchesTotal.Inc()
		logging.L(ctx).Warn("mirror/ledger mismatch",
			"escrow_id", escrowID, "detail", d.Mismatch)
	}
	return d, nil
}

// ListUnconfirmed returns LOCKED records older than the window whose lock was
// never confirmed by a FundLocked event. These are submissions the chain may
// have silently dropped.
func (s *Service) ListUnconfirmed(ctx context.Context, window time.Duration, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListUnconfirmed(ctx, s.now().Add(-window), limit)
}

func (s *Service) lookupForUpdate(ctx context.Context, escrowID string) (*Record, common.Hash, error) {
	id, err := escrowid.Parse(escrowID)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("%w: %v", ErrEscrowNotFound, err)
	}
	rec, err := s.store.GetByEscrowID(ctx, id.Hex())
	if err != nil {
		return nil, common.Hash{}, err
	}
	return rec, id, nil
}

// compareViews reports the first disagreement between mirror and ledger.
func compareViews(rec *Record, state *chain.EscrowState) string {
	if state.Amount != nil && state.Amount.Cmp(big.NewInt(rec.Amount)) != 0 {
		return fmt.Sprintf("amount: mirror=%d ledger=%s", rec.Amount, state.Amount)
	}
	switch {
	case state.Released && rec.Status != StatusReleased:
		return fmt.Sprintf("status: ledger released, mirror %s", rec.Status)
	case !state.Released && rec.Status == StatusReleased:
		return "status: mirror released, ledger still holds funds"
	case !state.Locked && !state.Released && rec.Status == StatusLocked:
		return "status: mirror locked, ledger has no active escrow"
	}
	return ""
}

// IsNotFound reports whether err means the escrow or a referenced directory
// record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEscrowNotFound) ||
		errors.Is(err, directory.ErrSchoolNotFound) ||
		errors.Is(err, directory.ErrCateringNotFound) ||
		errors.Is(err, directory.ErrDeliveryNotFound)
}
