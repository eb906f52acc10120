package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/cognitude/cognitude/internal"
	"github.com/cognitude/cognitude/internal/telemetry"
)

const (
	ledgerChanSize   = 1000
	ledgerEnqueueMax = 250 * time.Millisecond
)

// Defaults for the tunable knobs.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 500 * time.Millisecond
	DefaultDrainDeadline = 5 * time.Second
)

// LedgerConfig tunes batching and shutdown behavior. Zero values select
// the defaults.
type LedgerConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	DrainDeadline time.Duration
}

// LedgerStore is the persistence interface consumed by LedgerWriter.
type LedgerStore interface {
	InsertLedgerRows(ctx context.Context, rows []gateway.LedgerRow) error
	InsertRoutingDecisions(ctx context.Context, decisions []gateway.RoutingDecision) error
}

// LedgerWriter buffers ledger rows off the request path and batch-flushes
// them to the store. Enqueue applies bounded backpressure: a full queue
// blocks the caller briefly, then the row is dropped and counted.
type LedgerWriter struct {
	rows       chan gateway.LedgerRow
	decisions  chan gateway.RoutingDecision
	store      LedgerStore
	metrics    *telemetry.Metrics
	batchSize  int
	flushEvery time.Duration
	drainTime  time.Duration
}

// NewLedgerWriter creates a LedgerWriter backed by store.
func NewLedgerWriter(store LedgerStore, metrics *telemetry.Metrics, cfg LedgerConfig) *LedgerWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.DrainDeadline <= 0 {
		cfg.DrainDeadline = DefaultDrainDeadline
	}
	return &LedgerWriter{
		rows:       make(chan gateway.LedgerRow, ledgerChanSize),
		decisions:  make(chan gateway.RoutingDecision, ledgerChanSize),
		store:      store,
		metrics:    metrics,
		batchSize:  cfg.BatchSize,
		flushEvery: cfg.FlushInterval,
		drainTime:  cfg.DrainDeadline,
	}
}

// Name returns the worker identifier.
func (w *LedgerWriter) Name() string { return "ledger_writer" }

// Record enqueues one ledger row. Blocks up to ledgerEnqueueMax under a full
// queue, then drops the row and increments the drop counter; availability of
// the request path wins over ledger completeness.
func (w *LedgerWriter) Record(row gateway.LedgerRow) {
	select {
	case w.rows <- row:
		w.metrics.LedgerQueueDepth.Set(float64(len(w.rows)))
		return
	default:
	}

	t := time.NewTimer(ledgerEnqueueMax)
	defer t.Stop()
	select {
	case w.rows <- row:
		w.metrics.LedgerQueueDepth.Set(float64(len(w.rows)))
	case <-t.C:
		w.metrics.LedgerRowsLost.Inc()
		slog.Warn("ledger row dropped, queue full",
			"org_id", row.OrgID, "endpoint", row.Endpoint)
	}
}

// RecordDecision enqueues one routing decision. Decisions are advisory;
// under pressure they are dropped immediately.
func (w *LedgerWriter) RecordDecision(d gateway.RoutingDecision) {
	select {
	case w.decisions <- d:
	default:
		slog.Warn("routing decision dropped, queue full", "org_id", d.OrgID)
	}
}

// Run processes rows until ctx is cancelled, then drains the queues with a
// deadline. Rows unflushed at the deadline are lost and counted.
func (w *LedgerWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	rows := make([]gateway.LedgerRow, 0, w.batchSize)
	decisions := make([]gateway.RoutingDecision, 0, w.batchSize)

	for {
		select {
		case r := <-w.rows:
			rows = append(rows, r)
			if len(rows) >= w.batchSize {
				w.flushRows(ctx, rows)
				rows = rows[:0]
			}

		case d := <-w.decisions:
			decisions = append(decisions, d)
			if len(decisions) >= w.batchSize {
				w.flushDecisions(ctx, decisions)
				decisions = decisions[:0]
			}

		case <-ticker.C:
			if len(rows) > 0 {
				w.flushRows(ctx, rows)
				rows = rows[:0]
			}
			if len(decisions) > 0 {
				w.flushDecisions(ctx, decisions)
				decisions = decisions[:0]
			}
			w.metrics.LedgerQueueDepth.Set(float64(len(w.rows)))

		case <-ctx.Done():
			w.drain(rows, decisions)
			return nil
		}
	}
}

func (w *LedgerWriter) drain(rows []gateway.LedgerRow, decisions []gateway.RoutingDecision) {
	ctx, cancel := context.WithTimeout(context.Background(), w.drainTime)
	defer cancel()

	for {
		select {
		case r := <-w.rows:
			rows = append(rows, r)
			if len(rows) >= w.batchSize {
				w.flushRows(ctx, rows)
				rows = rows[:0]
			}
		case d := <-w.decisions:
			decisions = append(decisions, d)
		default:
			if len(rows) > 0 {
				w.flushRows(ctx, rows)
			}
			if len(decisions) > 0 {
				w.flushDecisions(ctx, decisions)
			}
			return
		}
	}
}

func (w *LedgerWriter) flushRows(ctx context.Context, buf []gateway.LedgerRow) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]gateway.LedgerRow, len(buf))
	copy(batch, buf)

	// Assign IDs off the hot path; callers leave ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
		if batch[i].CreatedAt.IsZero() {
			batch[i].CreatedAt = time.Now().UTC()
		}
	}

	if err := w.store.InsertLedgerRows(ctx, batch); err != nil {
		w.metrics.LedgerRowsLost.Add(float64(len(batch)))
		slog.LogAttrs(ctx, slog.LevelError, "ledger flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}

func (w *LedgerWriter) flushDecisions(ctx context.Context, buf []gateway.RoutingDecision) {
	batch := make([]gateway.RoutingDecision, len(buf))
	copy(batch, buf)
	for i := range batch {
		if batch[i].CreatedAt.IsZero() {
			batch[i].CreatedAt = time.Now().UTC()
		}
	}

	if err := w.store.InsertRoutingDecisions(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "routing decision flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
