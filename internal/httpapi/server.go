// Package httpapi implements C6: the boundary surfaces operators and
// tooling use to introspect a running collector — health/readiness
// probes, Prometheus metrics, a live state overview, and an audit-store
// query endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/route-beacon/risotto/internal/collector"
)

// DBChecker abstracts the audit store health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// SinkStatus abstracts the sink's liveness, generalizing a Kafka-specific
// consumer-group-joined check to any backing transport.
type SinkStatus interface {
	IsReady() bool
}

// ListenerChecker reports whether the BMP listener is currently bound and
// accepting connections.
type ListenerChecker interface {
	IsBound() bool
}

// ListenerStatus is a ListenerChecker the caller flips once net.Listen
// succeeds, since the HTTP server is started before the BMP listener binds.
type ListenerStatus struct {
	bound atomic.Bool
}

// MarkBound records that the BMP listener is now accepting connections.
func (l *ListenerStatus) MarkBound() { l.bound.Store(true) }

// IsBound implements ListenerChecker.
func (l *ListenerStatus) IsBound() bool { return l.bound.Load() }

// HistoryQuerier abstracts querying the audit store for /history, kept
// separate from DBChecker so a nil audit store still serves everything else.
type HistoryQuerier interface {
	QueryHistory(ctx context.Context, routerAddr, peerAddr, prefixAddr []byte, prefixLen int, limit int) ([]HistoryRecord, error)
}

// HistoryRecord is one row of the audit store, as returned to /history callers.
type HistoryRecord struct {
	EventTime      time.Time `json:"event_time"`
	TimeReceivedNs int64     `json:"time_received_ns"`
	RouterAddr     string    `json:"router_addr"`
	PeerAddr       string    `json:"peer_addr"`
	PeerASN        uint32    `json:"peer_asn"`
	PrefixAddr     string    `json:"prefix_addr"`
	PrefixLen      uint8     `json:"prefix_len"`
	Announced      bool      `json:"announced"`
	Synthetic      bool      `json:"synthetic"`
}

// Server is risotto's introspection HTTP server.
type Server struct {
	srv       *http.Server
	state     *collector.State
	dbChecker DBChecker
	sink      SinkStatus
	listener  ListenerChecker
	history   HistoryQuerier
	logger    *zap.Logger
}

// NewServer wires the introspection routes. pool, sink, and history may be
// nil (e.g. the audit store or a given sink is disabled in this deployment).
func NewServer(addr string, state *collector.State, pool *pgxpool.Pool, sink SinkStatus, listener ListenerChecker, history HistoryQuerier, reg *prometheus.Registry, logger *zap.Logger) *Server {
	s := &Server{
		state:    state,
		sink:     sink,
		listener: listener,
		history:  history,
		logger:   logger.Named("httpapi"),
	}
	if pool != nil {
		s.dbChecker = pool
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleOverview)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/history", s.handleHistory)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.state.Overview())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	if s.listener != nil {
		if s.listener.IsBound() {
			checks["bmp_listener"] = "ok"
		} else {
			checks["bmp_listener"] = "not_ready"
			allOK = false
		}
	} else {
		checks["bmp_listener"] = "disabled"
	}

	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["audit_store"] = "error"
			allOK = false
		} else {
			checks["audit_store"] = "ok"
		}
	} else {
		checks["audit_store"] = "disabled"
	}

	if s.sink != nil {
		if s.sink.IsReady() {
			checks["sink"] = "ok"
		} else {
			checks["sink"] = "not_ready"
			allOK = false
		}
	} else {
		checks["sink"] = "disabled"
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "audit store disabled", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	prefixLen := -1
	if raw := q.Get("prefix_len"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			prefixLen = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	records, err := s.history.QueryHistory(ctx,
		decodeAddrParam(q.Get("router_addr")),
		decodeAddrParam(q.Get("peer_addr")),
		decodeAddrParam(q.Get("prefix_addr")),
		prefixLen, limit)
	if err != nil {
		s.logger.Error("history query failed", zap.Error(err))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func decodeAddrParam(s string) []byte {
	if s == "" {
		return nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		addr := make([]byte, 16)
		addr[10], addr[11] = 0xff, 0xff
		copy(addr[12:], v4)
		return addr
	}
	return ip.To16()
}
