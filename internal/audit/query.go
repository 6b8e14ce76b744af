package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/route-beacon/risotto/internal/bgp"
	"github.com/route-beacon/risotto/internal/httpapi"
)

// Querier answers /history lookups against route_updates, implementing
// httpapi.HistoryQuerier.
type Querier struct {
	pool *pgxpool.Pool
}

// NewQuerier constructs a Querier.
func NewQuerier(pool *pgxpool.Pool) *Querier {
	return &Querier{pool: pool}
}

// QueryHistory filters on whichever of routerAddr/peerAddr/prefixAddr/prefixLen
// are non-empty, ordered newest first, bounded by limit.
func (q *Querier) QueryHistory(ctx context.Context, routerAddr, peerAddr, prefixAddr []byte, prefixLen int, limit int) ([]httpapi.HistoryRecord, error) {
	query := `
		SELECT event_time, time_received_ns, router_addr, peer_addr, peer_asn, prefix_addr, prefix_len, announced, synthetic
		FROM route_updates
		WHERE ($1::bytea IS NULL OR router_addr = $1)
		  AND ($2::bytea IS NULL OR peer_addr = $2)
		  AND ($3::bytea IS NULL OR prefix_addr = $3)
		  AND ($4::int IS NULL OR prefix_len = $4)
		ORDER BY event_time DESC
		LIMIT $5`

	var prefixLenArg any
	if prefixLen >= 0 {
		prefixLenArg = prefixLen
	}

	rows, err := q.pool.Query(ctx, query, nullableBytes(routerAddr), nullableBytes(peerAddr), nullableBytes(prefixAddr), prefixLenArg, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query history: %w", err)
	}
	defer rows.Close()

	var records []httpapi.HistoryRecord
	for rows.Next() {
		var rec httpapi.HistoryRecord
		var routerAddr, peerAddr, prefixAddr []byte
		var peerASN int64
		var prefixLen int16

		if err := rows.Scan(&rec.EventTime, &rec.TimeReceivedNs, &routerAddr, &peerAddr, &peerASN, &prefixAddr, &prefixLen, &rec.Announced, &rec.Synthetic); err != nil {
			return nil, fmt.Errorf("audit: scan history row: %w", err)
		}

		rec.RouterAddr = formatAddr(routerAddr)
		rec.PeerAddr = formatAddr(peerAddr)
		rec.PeerASN = uint32(peerASN)
		rec.PrefixAddr = formatAddr(prefixAddr)
		rec.PrefixLen = uint8(prefixLen)

		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func formatAddr(raw []byte) string {
	if len(raw) != 16 {
		return ""
	}
	var addr bgp.Addr
	copy(addr[:], raw)
	return addr.String()
}
