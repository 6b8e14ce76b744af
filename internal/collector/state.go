// Package collector implements C3: the router/peer/announced-prefix index,
// its dedup invariants (I1-I5), and the synthetic-withdraw generation that
// fires on PEER DOWN, implicit reset, and connection drain.
package collector

import (
	"sync"
	"time"

	"github.com/route-beacon/risotto/internal/bgp"
	"github.com/route-beacon/risotto/internal/bmp"
)

// RouterKey identifies a router by the remote endpoint of its accepted
// connection (§3).
type RouterKey struct {
	Addr bgp.Addr
	Port uint16
}

// PrefixKey is the canonical (AFI, addressBytes, length) triple stored in a
// peer's announced set.
type PrefixKey struct {
	AFI    uint16
	Addr   bgp.Addr
	Length uint8
}

// PeerMeta carries the Peer attributes fixed at PEER UP time (§3).
type PeerMeta struct {
	IsPostPolicy bool
	IsAdjRibOut  bool
	IsIPv6       bool
	PeerUpNs     int64
}

// peer is the mutable per-peer record: metadata plus the announced-prefix
// set.
type peer struct {
	meta      PeerMeta
	announced map[PrefixKey]struct{}
}

func newPeer(meta PeerMeta) *peer {
	return &peer{meta: meta, announced: make(map[PrefixKey]struct{})}
}

// router owns the peer table for one accepted connection.
type router struct {
	peers map[bmp.PeerKey]*peer
}

// Withdrawn is one synthetic withdraw produced by noteUp/noteDown/drain.
type Withdrawn struct {
	Router RouterKey
	Peer   bmp.PeerKey
	Meta   PeerMeta
	Prefix PrefixKey
}

// State is the three-level router -> peer -> prefix-set index. All
// operations are atomic with respect to each other (§4.3, §5). A single
// reader-writer lock covers the whole index; the coarseness of operations
// (per-peer set mutations on each call) makes finer-grained locking
// unnecessary absent profiling evidence to the contrary (§9).
type State struct {
	mu      sync.RWMutex
	routers map[RouterKey]*router

	// disabled bypasses all dedup/synthetic-withdraw behavior per §4.3: the
	// observe* operations always report "emit" and note* operations report
	// no synthetic withdraws.
	disabled bool
}

// New constructs an empty collector state. If disabled is true, state
// tracking is bypassed entirely (§4.3, P6).
func New(disabled bool) *State {
	return &State{routers: make(map[RouterKey]*router), disabled: disabled}
}

func (s *State) routerFor(rk RouterKey) *router {
	r, ok := s.routers[rk]
	if !ok {
		r = &router{peers: make(map[bmp.PeerKey]*peer)}
		s.routers[rk] = r
	}
	return r
}

// NoteUp inserts an empty peer for (router, peerKey). If a peer already
// exists for that key (implicit reset, §4.2/S6), it is drained first and
// each of its previously-announced prefixes is returned as a synthetic
// withdraw.
func (s *State) NoteUp(rk RouterKey, pk bmp.PeerKey, meta PeerMeta) []Withdrawn {
	if s.disabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.routerFor(rk)
	var withdrawn []Withdrawn
	if existing, ok := r.peers[pk]; ok {
		withdrawn = drainPeer(rk, pk, existing)
	}
	r.peers[pk] = newPeer(meta)
	return withdrawn
}

// NoteDown atomically removes the peer and returns the prefixes that were
// announced, so the caller can emit synthetic withdraws (§4.3, I4, P2).
func (s *State) NoteDown(rk RouterKey, pk bmp.PeerKey) []Withdrawn {
	if s.disabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.routers[rk]
	if !ok {
		return nil
	}
	p, ok := r.peers[pk]
	if !ok {
		return nil
	}
	delete(r.peers, pk)
	return drainPeer(rk, pk, p)
}

// ObserveAnnounce returns true iff the prefix was absent from the peer's
// announced set, in which case it is inserted and the update should be
// emitted (I1, I2). If state tracking is disabled, it always returns true
// and performs no insertion (P6).
func (s *State) ObserveAnnounce(rk RouterKey, pk bmp.PeerKey, prefix PrefixKey) bool {
	if s.disabled {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.peerFor(rk, pk)
	if p == nil {
		return false
	}
	if _, present := p.announced[prefix]; present {
		return false
	}
	p.announced[prefix] = struct{}{}
	return true
}

// ObserveWithdraw returns true iff the prefix was present in the peer's
// announced set, in which case it is removed and the update should be
// emitted (I1, I3). If state tracking is disabled, it always returns true
// and performs no removal (P6).
func (s *State) ObserveWithdraw(rk RouterKey, pk bmp.PeerKey, prefix PrefixKey) bool {
	if s.disabled {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.peerFor(rk, pk)
	if p == nil {
		return false
	}
	if _, present := p.announced[prefix]; !present {
		return false
	}
	delete(p.announced, prefix)
	return true
}

// Rollback undoes a prior successful ObserveAnnounce/ObserveWithdraw call
// whose record never reached the sink (§7: a SinkFatal error must not leave
// C3 mutated for the failed record). wasAnnounce must match the call being
// undone.
func (s *State) Rollback(rk RouterKey, pk bmp.PeerKey, prefix PrefixKey, wasAnnounce bool) {
	if s.disabled {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.peerFor(rk, pk)
	if p == nil {
		return
	}
	if wasAnnounce {
		delete(p.announced, prefix)
	} else {
		p.announced[prefix] = struct{}{}
	}
}

// PeerMeta returns the currently recorded metadata for (router, peerKey),
// and whether the peer exists (it may have been created before PEER UP
// plumbing updated its meta).
func (s *State) PeerMeta(rk RouterKey, pk bmp.PeerKey) (PeerMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.peerForLocked(rk, pk)
	if p == nil {
		return PeerMeta{}, false
	}
	return p.meta, true
}

// IsPeerUp reports whether a peer exists for (router, peerKey), i.e.
// whether an UPDATE for it should be honoured rather than dropped as
// UpdateBeforeUp (§4.2, §7).
func (s *State) IsPeerUp(rk RouterKey, pk bmp.PeerKey) bool {
	if s.disabled {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerForLocked(rk, pk) != nil
}

// DrainRouter removes a router and all of its peers, returning every
// (peerKey, prefix) pair that was announced so the caller can emit
// synthetic withdraws. Used on disconnect (§4.3).
func (s *State) DrainRouter(rk RouterKey) []Withdrawn {
	if s.disabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.routers[rk]
	if !ok {
		return nil
	}
	delete(s.routers, rk)

	var withdrawn []Withdrawn
	for pk, p := range r.peers {
		withdrawn = append(withdrawn, drainPeer(rk, pk, p)...)
	}
	return withdrawn
}

func (s *State) peerFor(rk RouterKey, pk bmp.PeerKey) *peer {
	r, ok := s.routers[rk]
	if !ok {
		return nil
	}
	return r.peers[pk]
}

func (s *State) peerForLocked(rk RouterKey, pk bmp.PeerKey) *peer {
	return s.peerFor(rk, pk)
}

func drainPeer(rk RouterKey, pk bmp.PeerKey, p *peer) []Withdrawn {
	withdrawn := make([]Withdrawn, 0, len(p.announced))
	for prefix := range p.announced {
		withdrawn = append(withdrawn, Withdrawn{Router: rk, Peer: pk, Meta: p.meta, Prefix: prefix})
	}
	p.announced = make(map[PrefixKey]struct{})
	return withdrawn
}

// RouterSnapshot is a read-only view of one router's peers, used by the
// introspection surface (C6, §6 GET /).
type RouterSnapshot struct {
	Router RouterKey
	Peers  []PeerSnapshot
}

// PeerSnapshot is a read-only view of one peer's announced-prefix count.
type PeerSnapshot struct {
	Key             bmp.PeerKey
	Meta            PeerMeta
	AnnouncedCount  int
}

// Overview returns a read-only snapshot of the whole index for the
// introspection HTTP surface. It takes a read lock for the duration of the
// copy, same as the serialization path in the snapshot engine.
func (s *State) Overview() []RouterSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RouterSnapshot, 0, len(s.routers))
	for rk, r := range s.routers {
		rs := RouterSnapshot{Router: rk}
		for pk, p := range r.peers {
			rs.Peers = append(rs.Peers, PeerSnapshot{
				Key:            pk,
				Meta:           p.meta,
				AnnouncedCount: len(p.announced),
			})
		}
		out = append(out, rs)
	}
	return out
}

// NowNs returns the current wall-clock time in nanoseconds, used for
// ts_peerUp and timeReceivedNs capture.
func NowNs() int64 {
	return time.Now().UnixNano()
}

// SnapshotTree is a read-consistent, neutral view of the whole index handed
// to the snapshot engine (C5) for serialization (§4.5).
type SnapshotTree struct {
	Routers []SnapshotRouter
}

// SnapshotRouter is one router's peer table within a SnapshotTree.
type SnapshotRouter struct {
	Key   RouterKey
	Peers []SnapshotPeer
}

// SnapshotPeer is one peer's metadata and announced-prefix set within a
// SnapshotRouter.
type SnapshotPeer struct {
	Key      bmp.PeerKey
	Meta     PeerMeta
	Prefixes []PrefixKey
}

// Export takes a read lock on the whole index and copies it into a
// SnapshotTree (§5: "a global read lock that blocks writers for the
// duration of the serialize"). The copy itself happens while the lock is
// held, so the tree returned is consistent with I5.
func (s *State) Export() SnapshotTree {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tree SnapshotTree
	for rk, r := range s.routers {
		sr := SnapshotRouter{Key: rk}
		for pk, p := range r.peers {
			sp := SnapshotPeer{Key: pk, Meta: p.meta}
			for prefix := range p.announced {
				sp.Prefixes = append(sp.Prefixes, prefix)
			}
			sr.Peers = append(sr.Peers, sp)
		}
		tree.Routers = append(tree.Routers, sr)
	}
	return tree
}

// Import replaces the whole index with the contents of a SnapshotTree,
// used at startup before the BMP listener accepts connections (§4.5).
func (s *State) Import(tree SnapshotTree) {
	s.mu.Lock()
	defer s.mu.Unlock()

	routers := make(map[RouterKey]*router, len(tree.Routers))
	for _, sr := range tree.Routers {
		r := &router{peers: make(map[bmp.PeerKey]*peer, len(sr.Peers))}
		for _, sp := range sr.Peers {
			p := newPeer(sp.Meta)
			for _, prefix := range sp.Prefixes {
				p.announced[prefix] = struct{}{}
			}
			r.peers[sp.Key] = p
		}
		routers[sr.Key] = r
	}
	s.routers = routers
}
