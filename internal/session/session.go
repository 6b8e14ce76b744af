// Package session implements C2: one goroutine per accepted TCP
// connection, framing BMP messages, driving each peer's INIT/UP/DOWN state
// machine, and handing decoded updates to the normalizer/emitter and sink.
package session

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/risotto/internal/bgp"
	"github.com/route-beacon/risotto/internal/bmp"
	"github.com/route-beacon/risotto/internal/collector"
	"github.com/route-beacon/risotto/internal/emit"
	"github.com/route-beacon/risotto/internal/metrics"
	"github.com/route-beacon/risotto/internal/sink"
)

// peerState is the per-peer state machine (§4.2): INIT -> UP -> DOWN
// (terminal). Updates are honoured only in stateUp.
type peerState int

const (
	stateInit peerState = iota
	stateUp
	stateDown
)

// capabilities is the per-peer capability table negotiated on PEER UP
// (§4.2): the 4-octet ASN flag and the negotiated AFI/SAFI set.
type capabilities struct {
	fourOctetASN bool
	afiSafi      map[bmp.AFISAFI]struct{}
}

// Auditor receives every normalized record the session emits, independent
// of and never blocking on the sink hand-off (§5).
type Auditor interface {
	Record(u emit.Update)
}

// Handler owns the lifecycle of one accepted BMP connection.
type Handler struct {
	conn    net.Conn
	state   *collector.State
	sink    sink.Sink
	auditor Auditor
	logger  *zap.Logger

	idleTimeout     time.Duration
	backoffInitial  time.Duration
	backoffMax      time.Duration

	router collector.RouterKey
	peers  map[bmp.PeerKey]*peerContext
}

type peerContext struct {
	state peerState
	caps  capabilities
}

// Option configures a Handler.
type Option func(*Handler)

// WithIdleTimeout sets the per-connection idle timeout (§5): no bytes for
// this long closes the connection.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Handler) { h.idleTimeout = d }
}

// WithBackoff sets the sink-retry backoff bounds (§7: SinkTransient).
func WithBackoff(initial, max time.Duration) Option {
	return func(h *Handler) { h.backoffInitial, h.backoffMax = initial, max }
}

// WithAuditor attaches a non-blocking audit record sink (C7).
func WithAuditor(a Auditor) Option {
	return func(h *Handler) { h.auditor = a }
}

// NewHandler constructs a Handler for one accepted connection.
func NewHandler(conn net.Conn, state *collector.State, sk sink.Sink, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{
		conn:           conn,
		state:          state,
		sink:           sk,
		logger:         logger.Named("session"),
		idleTimeout:    90 * time.Second,
		backoffInitial: 50 * time.Millisecond,
		backoffMax:     10 * time.Second,
		peers:          make(map[bmp.PeerKey]*peerContext),
	}
	for _, opt := range opts {
		opt(h)
	}

	addr, port := endpointOf(conn.RemoteAddr())
	h.router = collector.RouterKey{Addr: addr, Port: port}
	return h
}

// Run drives the read loop until ctx is cancelled or the connection is
// closed/fails. It always drains the router's peers before returning
// (§4.2: "on any fatal codec error... drain peers exactly as if PEER DOWN
// had been received for every active peer").
func (h *Handler) Run(ctx context.Context) {
	defer h.drainOnExit()

	logger := h.logger.With(zap.String("router", h.router.Addr.String()), zap.Uint16("port", h.router.Port))
	logger.Info("session started")
	metrics.RouterSessions.Inc()
	defer metrics.RouterSessions.Dec()

	for {
		select {
		case <-ctx.Done():
			logger.Info("session cancelled")
			return
		default:
		}

		if h.idleTimeout > 0 {
			_ = h.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
		}

		frame, err := bmp.ReadFrame(h.conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("session closed by peer")
			} else {
				logger.Warn("session read failed", zap.Error(err))
			}
			return
		}

		timeReceivedNs := collector.NowNs()

		msg, err := bmp.Parse(frame)
		if err != nil {
			if errors.Is(err, bmp.ErrUnknownMessageType) {
				metrics.DecodeErrorsTotal.WithLabelValues("unknown_message_type").Inc()
				continue
			}
			metrics.DecodeErrorsTotal.WithLabelValues("bmp").Inc()
			logger.Warn("malformed BMP message, closing connection", zap.Error(err))
			return
		}

		metrics.BMPMessagesTotal.WithLabelValues(messageTypeLabel(msg.Type)).Inc()

		if err := h.handleMessage(ctx, msg, timeReceivedNs, logger); err != nil {
			if errors.Is(err, sink.ErrFatal) {
				logger.Warn("fatal sink error, closing connection", zap.Error(err))
				return
			}
			logger.Warn("message handling failed, closing connection", zap.Error(err))
			return
		}
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg bmp.Message, timeReceivedNs int64, logger *zap.Logger) error {
	switch msg.Type {
	case bmp.MsgTypePeerUp:
		return h.handlePeerUp(ctx, msg, timeReceivedNs, logger)
	case bmp.MsgTypePeerDown:
		return h.handlePeerDown(ctx, msg, timeReceivedNs, logger)
	case bmp.MsgTypeRouteMonitoring:
		return h.handleRouteMonitoring(ctx, msg, timeReceivedNs, logger)
	case bmp.MsgTypeStatisticsReport, bmp.MsgTypeInitiation, bmp.MsgTypeTermination:
		return nil
	default:
		// bmp.Parse already filters unknown types out in Run before a
		// message reaches here; this guards only against future message
		// types added to the switch above without a handler.
		return nil
	}
}

func (h *Handler) handlePeerUp(ctx context.Context, msg bmp.Message, timeReceivedNs int64, logger *zap.Logger) error {
	pk := msg.PeerHeader.Key
	meta := collector.PeerMeta{
		IsPostPolicy: msg.PeerHeader.IsPostPolicy(),
		IsAdjRibOut:  msg.PeerHeader.IsAdjRIBOut(),
		IsIPv6:       msg.PeerHeader.IsIPv6(),
		PeerUpNs:     timeReceivedNs,
	}

	withdrawn := h.state.NoteUp(h.router, pk, meta)
	if err := h.emitSynthetics(ctx, withdrawn, timeReceivedNs); err != nil {
		return err
	}

	caps := capabilities{afiSafi: make(map[bmp.AFISAFI]struct{})}
	if msg.PeerUp != nil {
		caps.fourOctetASN = msg.PeerUp.FourOctetASN
		for _, as := range msg.PeerUp.AFISAFI {
			caps.afiSafi[as] = struct{}{}
		}
	}

	_, alreadyUp := h.peers[pk]
	h.peers[pk] = &peerContext{state: stateUp, caps: caps}
	if !alreadyUp {
		metrics.PeerUp.Inc()
	}

	logger.Info("peer up", zap.Uint32("peer_asn", pk.PeerASN))
	return nil
}

func (h *Handler) handlePeerDown(ctx context.Context, msg bmp.Message, timeReceivedNs int64, logger *zap.Logger) error {
	pk := msg.PeerHeader.Key
	withdrawn := h.state.NoteDown(h.router, pk)
	if _, ok := h.peers[pk]; ok {
		metrics.PeerUp.Dec()
	}
	delete(h.peers, pk)

	logger.Info("peer down", zap.Uint32("peer_asn", pk.PeerASN), zap.Uint8("reason", msg.PeerDownReason))
	return h.emitSynthetics(ctx, withdrawn, timeReceivedNs)
}

func (h *Handler) handleRouteMonitoring(ctx context.Context, msg bmp.Message, timeReceivedNs int64, logger *zap.Logger) error {
	pk := msg.PeerHeader.Key
	pc, ok := h.peers[pk]
	if !ok || pc.state != stateUp {
		metrics.DecodeErrorsTotal.WithLabelValues("update_before_up").Inc()
		return nil
	}

	decoded, err := bgp.ParseUpdate(msg.BGPUpdate, pc.caps.fourOctetASN)
	if err != nil {
		metrics.DecodeErrorsTotal.WithLabelValues("bgp_update").Inc()
		return err
	}

	timeBmpNs := msg.PeerHeader.TimestampNs()

	for _, d := range decoded {
		prefix := collector.PrefixKey{AFI: d.Prefix.AFI, Addr: d.Prefix.Addr, Length: d.Prefix.Length}

		var shouldEmit bool
		if d.Announced {
			shouldEmit = h.state.ObserveAnnounce(h.router, pk, prefix)
		} else {
			shouldEmit = h.state.ObserveWithdraw(h.router, pk, prefix)
		}
		if !shouldEmit {
			continue
		}

		u := emit.FromDecoded(h.router, pk, timeReceivedNs, timeBmpNs, d, false)
		if err := h.produce(ctx, u, logger); err != nil {
			if errors.Is(err, sink.ErrFatal) {
				h.state.Rollback(h.router, pk, prefix, d.Announced)
			}
			return err
		}
		metrics.BGPUpdatesTotal.WithLabelValues(updateKindLabel(d.Announced, false)).Inc()
	}

	return nil
}

func (h *Handler) emitSynthetics(ctx context.Context, withdrawn []collector.Withdrawn, timeReceivedNs int64) error {
	for _, w := range withdrawn {
		u := emit.FromSynthetic(w, timeReceivedNs)
		if err := h.produce(ctx, u, h.logger); err != nil {
			return err
		}
		metrics.BGPUpdatesTotal.WithLabelValues("synthetic").Inc()
	}
	return nil
}

// produce hands one record to the sink, blocking the read loop on
// SinkTransient errors with bounded exponential backoff (§5, §7). This is
// the mechanism by which sink back-pressure propagates to the router's TCP
// connection; dropping here would violate I1 as externally observed (§9).
func (h *Handler) produce(ctx context.Context, u emit.Update, logger *zap.Logger) error {
	key := u.Key()
	value := emit.Encode(u)

	backoff := sink.NewBackoff(h.backoffInitial, h.backoffMax)
	for {
		err := h.sink.Produce(ctx, key, value)
		if err == nil {
			if h.auditor != nil {
				h.auditor.Record(u)
			}
			return nil
		}
		if errors.Is(err, sink.ErrFatal) {
			metrics.SinkProduceErrorsTotal.Inc()
			return err
		}

		metrics.SinkProduceErrorsTotal.Inc()
		delay := backoff.Next()
		logger.Warn("sink produce transient failure, backing off", zap.Error(err), zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// drainOnExit drains every peer on this router, generating synthetic
// withdraws for every prefix that was announced (§4.2, §7: ShortRead/EOF).
func (h *Handler) drainOnExit() {
	metrics.PeerUp.Sub(float64(len(h.peers)))
	h.peers = make(map[bmp.PeerKey]*peerContext)

	withdrawn := h.state.DrainRouter(h.router)
	if len(withdrawn) == 0 {
		return
	}
	ctx := context.Background()
	timeReceivedNs := collector.NowNs()
	if err := h.emitSynthetics(ctx, withdrawn, timeReceivedNs); err != nil {
		h.logger.Warn("failed to flush synthetic withdraws on drain", zap.Error(err))
	}
}

func endpointOf(addr net.Addr) (bgp.Addr, uint16) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return bgp.Addr{}, 0
	}
	var a bgp.Addr
	ip4 := tcpAddr.IP.To4()
	if ip4 != nil {
		a[10], a[11] = 0xff, 0xff
		copy(a[12:16], ip4)
	} else {
		copy(a[:], tcpAddr.IP.To16())
	}
	return a, uint16(tcpAddr.Port)
}

func messageTypeLabel(t uint8) string {
	switch t {
	case bmp.MsgTypeRouteMonitoring:
		return "route_monitoring"
	case bmp.MsgTypeStatisticsReport:
		return "statistics_report"
	case bmp.MsgTypePeerDown:
		return "peer_down"
	case bmp.MsgTypePeerUp:
		return "peer_up"
	case bmp.MsgTypeInitiation:
		return "initiation"
	case bmp.MsgTypeTermination:
		return "termination"
	default:
		return "unknown"
	}
}

func updateKindLabel(announced, synthetic bool) string {
	if synthetic {
		return "synthetic"
	}
	if announced {
		return "announce"
	}
	return "withdraw"
}
