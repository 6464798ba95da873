package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mealtrust/mealtrust/internal/escrow"
	"github.com/mealtrust/mealtrust/internal/escrowid"
)

// SweepResult summarizes one sweep run.
type SweepResult struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Orphaned  int `json:"orphaned"`
}

// Sweeper periodically re-checks LOCKED records whose lock submission was
// never matched by a FundLocked event. The chain is consulted directly: if
// the escrow exists on-chain the missed confirmation is healed, otherwise
// the record is flagged as orphaned for an operator.
type Sweeper struct {
	escrows    escrow.Store
	ledger     escrow.Ledger
	mismatches MismatchStore
	window     time.Duration
	interval   time.Duration
	logger     *slog.Logger

	stop    chan struct{}
	running atomic.Bool
}

// NewSweeper creates a sweeper checking locks unconfirmed for longer than window.
func NewSweeper(escrows escrow.Store, ledger escrow.Ledger, mismatches MismatchStore, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		escrows:    escrows,
		ledger:     ledger,
		mismatches: mismatches,
		window:     10 * time.Minute,
		interval:   5 * time.Minute,
		logger:     logger,
		stop:       make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the periodic sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeRun(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in sweep loop", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Warn("sweep run failed", "error", err)
	}
}

// RunOnce checks every stale unconfirmed lock against live contract state.
func (s *Sweeper) RunOnce(ctx context.Context) (*SweepResult, error) {
	records, err := s.escrows.ListUnconfirmed(ctx, time.Now().Add(-s.window), 200)
	if err != nil {
		return nil, fmt.Errorf("list unconfirmed: %w", err)
	}

	result := &SweepResult{}
	for _, rec := range records {
		result.Checked++

		id, err := escrowid.Parse(rec.EscrowID)
		if err != nil {
			s.logger.Error("unparseable escrow id in mirror", "escrow_id", rec.EscrowID, "error", err)
			continue
		}
		state, err := s.ledger.GetEscrow(ctx, id)
		if err != nil {
			// RPC trouble; leave the record for the next sweep.
			s.logger.Warn("sweep ledger read failed", "escrow_id", rec.EscrowID, "error", err)
			continue
		}

		if state.Locked || state.Released {
			// The lock exists on-chain; the event was missed, not the funds.
			if err := s.escrows.MarkConfirmed(ctx, rec.EscrowID, time.Now().UTC()); err != nil {
				s.logger.Error("sweep confirm failed", "escrow_id", rec.EscrowID, "error", err)
				continue
			}
			result.Confirmed++
			s.logger.Info("unconfirmed lock healed from chain state", "escrow_id", rec.EscrowID)
			continue
		}

		result.Orphaned++
		m := &Mismatch{
			EscrowID: rec.EscrowID,
			Kind:     MismatchOrphanedLock,
			Detail: fmt.Sprintf("lock tx %s accepted but contract has no escrow after %s",
				rec.TxHashLock, s.window),
		}
		if err := s.mismatches.Create(ctx, m); err != nil {
			s.logger.Error("sweep mismatch record failed", "escrow_id", rec.EscrowID, "error", err)
		}
		s.logger.Warn("orphaned lock detected", "escrow_id", rec.EscrowID, "tx_hash", rec.TxHashLock)
	}

	if result.Checked > 0 {
		s.logger.Info("sweep finished",
			"checked", result.Checked, "confirmed", result.Confirmed, "orphaned", result.Orphaned)
	}
	return result, nil
}
