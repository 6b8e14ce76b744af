// Package emit implements C4: it converts decoded BMP/BGP events into the
// stable Update record described in spec §3, and encodes that record into
// the fixed little-endian binary wire schema described in §6.
package emit

import (
	"github.com/route-beacon/risotto/internal/bgp"
	"github.com/route-beacon/risotto/internal/bmp"
	"github.com/route-beacon/risotto/internal/collector"
)

// Update is the normalized external record, field-for-field matching §3.
type Update struct {
	TimeReceivedNs int64
	TimeBmpNs      int64
	Router         collector.RouterKey
	Peer           bmp.PeerKey
	Prefix         collector.PrefixKey
	Announced      bool
	Synthetic      bool
	Attrs          Attributes
}

// Attributes mirrors bgp.Attributes, dropping the MP_REACH/MP_UNREACH NLRI
// lists (which have already been flattened into individual Updates by the
// codec) while keeping their AFI/SAFI for the record.
type Attributes struct {
	Origin           uint8
	HasOrigin        bool
	ASPath           []uint32
	NextHop          bgp.Addr
	HasNextHop       bool
	MultiExitDisc    uint32
	HasMultiExitDisc bool
	LocalPreference  uint32
	HasLocalPref     bool
	AtomicAggregate  bool
	Aggregator       bgp.Aggregator
	HasAggregator    bool
	OnlyToCustomer   uint32
	HasOTC           bool
	OriginatorID     bgp.Addr
	HasOriginatorID  bool
	ClusterList      []bgp.Addr
	Communities      []bgp.Community
	ExtCommunities   []bgp.ExtCommunity
	LargeCommunities []bgp.LargeCommunity
	MPReachAFI       uint16
	MPReachSAFI      uint8
	MPUnreachAFI     uint16
	MPUnreachSAFI    uint8
}

func attributesFrom(a *bgp.Attributes) Attributes {
	if a == nil {
		return Attributes{}
	}
	return Attributes{
		Origin:           a.Origin,
		HasOrigin:        a.HasOrigin,
		ASPath:           a.ASPath,
		NextHop:          a.NextHop,
		HasNextHop:       a.HasNextHop,
		MultiExitDisc:    a.MultiExitDisc,
		HasMultiExitDisc: a.HasMultiExitDisc,
		LocalPreference:  a.LocalPreference,
		HasLocalPref:     a.HasLocalPref,
		AtomicAggregate:  a.AtomicAggregate,
		Aggregator:       a.Aggregator,
		HasAggregator:    a.HasAggregator,
		OnlyToCustomer:   a.OnlyToCustomer,
		HasOTC:           a.HasOTC,
		OriginatorID:     a.OriginatorID,
		HasOriginatorID:  a.HasOriginatorID,
		ClusterList:      a.ClusterList,
		Communities:      a.Communities,
		ExtCommunities:   a.ExtCommunities,
		LargeCommunities: a.LargeCommunities,
		MPReachAFI:       a.MPReachAFI,
		MPReachSAFI:      a.MPReachSAFI,
		MPUnreachAFI:     a.MPUnreachAFI,
		MPUnreachSAFI:    a.MPUnreachSAFI,
	}
}

// FromDecoded builds a normalized Update from a decoded bgp.Update and the
// session context it arrived in. synthetic marks records generated via a
// C3 drain path rather than received directly from the wire (§4.4).
func FromDecoded(rk collector.RouterKey, pk bmp.PeerKey, timeReceivedNs, timeBmpNs int64, decoded bgp.Update, synthetic bool) Update {
	return Update{
		TimeReceivedNs: timeReceivedNs,
		TimeBmpNs:      timeBmpNs,
		Router:         rk,
		Peer:           pk,
		Prefix: collector.PrefixKey{
			AFI:    decoded.Prefix.AFI,
			Addr:   decoded.Prefix.Addr,
			Length: decoded.Prefix.Length,
		},
		Announced: decoded.Announced,
		Synthetic: synthetic,
		Attrs:     attributesFrom(decoded.Attrs),
	}
}

// FromSynthetic builds a normalized synthetic-withdraw Update from a C3
// drain result (§4.4: synthetic=true, announced=false).
func FromSynthetic(w collector.Withdrawn, timeReceivedNs int64) Update {
	return Update{
		TimeReceivedNs: timeReceivedNs,
		TimeBmpNs:      timeReceivedNs,
		Router:         w.Router,
		Peer:           w.Peer,
		Prefix:         w.Prefix,
		Announced:      false,
		Synthetic:      true,
	}
}

// Key builds the sink partition key: router_addr || peer_addr || prefix_addr
// || prefix_len, so that every update for the same route travels to the
// same broker partition and remains order-preserved per route (§4.4, §6).
func (u Update) Key() []byte {
	k := make([]byte, 0, 16+16+16+1)
	k = append(k, u.Router.Addr[:]...)
	k = append(k, u.Peer.PeerAddress[:]...)
	k = append(k, u.Prefix.Addr[:]...)
	k = append(k, u.Prefix.Length)
	return k
}
