package audit

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/route-beacon/risotto/internal/emit"
	"github.com/route-beacon/risotto/internal/metrics"
)

// Writer batches emitted records into route_updates. Record() only ever
// appends to an in-memory slice under a short-held mutex, so it never
// blocks the session goroutine that calls it; the actual insert happens
// on Writer's own goroutine via Run.
type Writer struct {
	pool     *pgxpool.Pool
	logger   *zap.Logger
	batchSize int
	interval time.Duration

	mu      sync.Mutex
	pending []emit.Update

	flushCh chan struct{}
}

// NewWriter constructs a Writer. batchSize bounds how many records
// accumulate before an early flush is triggered; interval is the
// fallback flush period when traffic is too low to ever fill a batch.
func NewWriter(pool *pgxpool.Pool, batchSize int, interval time.Duration, logger *zap.Logger) *Writer {
	return &Writer{
		pool:      pool,
		logger:    logger.Named("audit.writer"),
		batchSize: batchSize,
		interval:  interval,
		flushCh:   make(chan struct{}, 1),
	}
}

// Record enqueues u for the next flush. It implements session.Auditor.
func (w *Writer) Record(u emit.Update) {
	w.mu.Lock()
	w.pending = append(w.pending, u)
	full := len(w.pending) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.flushCh <- struct{}{}:
		default:
		}
	}
}

// Run drives periodic and early flushes until ctx is cancelled, then
// performs one final flush before returning.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush(context.Background())
			return
		case <-ticker.C:
			w.flush(ctx)
		case <-w.flushCh:
			w.flush(ctx)
		}
	}
}

func (w *Writer) flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := w.insertBatch(ctx, batch); err != nil {
		w.logger.Error("failed to write audit batch", zap.Int("records", len(batch)), zap.Error(err))
		metrics.AuditWritesTotal.WithLabelValues("error").Add(float64(len(batch)))
		return
	}
}

func (w *Writer) insertBatch(ctx context.Context, batch []emit.Update) error {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, u := range batch {
		key := u.Key()
		value := emit.Encode(u)
		eventID := ComputeEventID(key, value)
		eventTime := time.Unix(0, u.TimeReceivedNs).UTC()

		tag, err := tx.Exec(ctx, `
			INSERT INTO route_updates (
				event_id, event_time, time_received_ns, time_bmp_ns,
				router_addr, router_port,
				peer_distinguisher, peer_type, peer_flags, peer_addr, peer_asn, peer_bgp_id,
				prefix_afi, prefix_addr, prefix_len,
				announced, synthetic, payload
			) VALUES (
				$1, $2, $3, $4,
				$5, $6,
				$7, $8, $9, $10, $11, $12,
				$13, $14, $15,
				$16, $17, $18
			)
			ON CONFLICT (event_id, event_time) DO NOTHING`,
			eventID, eventTime, u.TimeReceivedNs, u.TimeBmpNs,
			u.Router.Addr[:], int32(u.Router.Port),
			u.Peer.PeerDistinguisher[:], int16(u.Peer.PeerType), int16(u.Peer.PeerFlags), u.Peer.PeerAddress[:], int64(u.Peer.PeerASN), int64(u.Peer.PeerBGPID),
			int32(u.Prefix.AFI), u.Prefix.Addr[:], int16(u.Prefix.Length),
			u.Announced, u.Synthetic, value,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			metrics.AuditDedupConflictsTotal.Inc()
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	metrics.AuditWritesTotal.WithLabelValues("ok").Add(float64(len(batch)))
	return nil
}
