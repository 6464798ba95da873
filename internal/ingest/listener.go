package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mealtrust/mealtrust/internal/chain"
	"github.com/mealtrust/mealtrust/internal/metrics"
)

// maxBlockRange caps one FilterLogs call so a long-offline restart does not
// produce an unbounded RPC query.
const maxBlockRange = 2000

// EventSource is the slice of the ledger client the listener needs.
type EventSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterEscrowEvents(ctx context.Context, fromBlock, toBlock uint64) ([]chain.RawEvent, error)
}

// ListenerConfig configures the chain poller.
type ListenerConfig struct {
	PollInterval time.Duration
	StartBlock   uint64 // Used only when the cursor store is empty; 0 = chain head
}

// Listener polls the ledger for confirmed escrow events and hands them to
// the queue. The cursor only advances after every event in a range has been
// enqueued, so a crash between poll and hand-off re-scans rather than skips.
type Listener struct {
	source EventSource
	cursor CursorStore
	queue  *Queue
	config ListenerConfig
	logger *slog.Logger

	lastBlock uint64

	started atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// NewListener creates a listener resuming from the durable cursor.
func NewListener(source EventSource, cursor CursorStore, queue *Queue, cfg ListenerConfig, logger *slog.Logger) *Listener {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	return &Listener{
		source: source,
		cursor: cursor,
		queue:  queue,
		config: cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start resolves the starting block and begins polling.
func (l *Listener) Start(ctx context.Context) error {
	cur, err := l.cursor.Get(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	switch {
	case cur > 0:
		l.lastBlock = cur
	case l.config.StartBlock > 0:
		l.lastBlock = l.config.StartBlock
	default:
		head, err := l.source.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("get chain head: %w", err)
		}
		l.lastBlock = head
	}
	metrics.ListenerLastBlock.Set(float64(l.lastBlock))

	l.logger.Info("event listener started",
		"from_block", l.lastBlock,
		"poll_interval", l.config.PollInterval,
	)

	l.started.Store(true)
	go l.pollLoop(ctx)
	return nil
}

// Stop halts polling and waits for the loop to exit. Safe to call when Start
// failed and the loop never ran.
func (l *Listener) Stop() {
	close(l.stop)
	if l.started.Load() {
		<-l.done
	}
}

func (l *Listener) pollLoop(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.poll(ctx); err != nil {
				// Transient RPC failures heal on the next tick; the cursor
				// has not moved, so nothing is lost.
				l.logger.Error("event poll failed", "error", err)
			}
		}
	}
}

func (l *Listener) poll(ctx context.Context) error {
	head, err := l.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get chain head: %w", err)
	}
	if head <= l.lastBlock {
		return nil
	}

	for l.lastBlock < head {
		from := l.lastBlock + 1
		to := head
		if to-from >= maxBlockRange {
			to = from + maxBlockRange - 1
		}
		if err := l.scanRange(ctx, from, to); err != nil {
			return err
		}
	}
	return nil
}

// scanRange filters one block range, enqueues its events in log order, and
// then durably advances the cursor to the end of the range.
func (l *Listener) scanRange(ctx context.Context, from, to uint64) error {
	events, err := l.source.FilterEscrowEvents(ctx, from, to)
	if err != nil {
		return fmt.Errorf("filter blocks %d-%d: %w", from, to, err)
	}

	for _, ev := range events {
		env, err := FromRaw(ev)
		if err != nil {
			// Unrepresentable events cannot be applied; surface loudly and
			// keep the cursor moving so one bad log cannot wedge the feed.
			l.logger.Error("skipping undecodable event",
				"tx", ev.TxHash.Hex(), "log_index", ev.LogIndex, "error", err)
			continue
		}
		if err := l.queue.Enqueue(ctx, env); err != nil {
			return fmt.Errorf("enqueue %s: %w", env.DedupeKey(), err)
		}
		metrics.EventsIngestedTotal.WithLabelValues(env.Type).Inc()
	}

	if err := l.cursor.Put(ctx, to); err != nil {
		return fmt.Errorf("advance cursor to %d: %w", to, err)
	}
	l.lastBlock = to
	metrics.ListenerLastBlock.Set(float64(to))

	if len(events) > 0 {
		l.logger.Info("ledger events ingested",
			"count", len(events), "from_block", from, "to_block", to)
	}
	return nil
}
