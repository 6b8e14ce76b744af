// Package bmp frames BMP v3 messages (RFC 7854) and decodes their headers,
// PEER UP/DOWN bodies and capability negotiation, handing the embedded BGP
// UPDATE PDU to the bgp package for decoding.
package bmp

import "github.com/route-beacon/risotto/internal/bgp"

// Message types recognized on the wire (§4.1). Unknown types are counted
// and dropped by the caller.
const (
	MsgTypeRouteMonitoring  uint8 = 0
	MsgTypeStatisticsReport uint8 = 1
	MsgTypePeerDown         uint8 = 2
	MsgTypePeerUp           uint8 = 3
	MsgTypeInitiation       uint8 = 4
	MsgTypeTermination      uint8 = 5
)

const (
	// CommonHeaderSize is version(1) + length(4) + type(1).
	CommonHeaderSize = 6
	// PerPeerHeaderSize is peerType(1) + peerFlags(1) + peerDistinguisher(8)
	// + peerAddress(16) + peerAsn(4) + peerBgpId(4) + timestampSec(4) +
	// timestampUsec(4).
	PerPeerHeaderSize = 42
	// SupportedVersion is the only BMP version this codec accepts.
	SupportedVersion uint8 = 3
)

const (
	PeerFlagIPv6       uint8 = 0x80
	PeerFlagPostPolicy uint8 = 0x40
)

// PeerTypeAdjRIBOut identifies the BMP v3 Adj-RIB-Out view (RFC 8671).
const PeerTypeAdjRIBOut uint8 = 3

// BGPOpenCapabilityCode4OctetASN is the capability code advertising support
// for 4-octet AS numbers (RFC 6793).
const BGPOpenCapabilityCode4OctetASN uint8 = 65

// PeerDown reason codes (RFC 7854 §4.9). All are treated identically by the
// collector: the peer is drained.
const (
	PeerDownReasonLocalNotify   uint8 = 1
	PeerDownReasonLocalNoNotify uint8 = 2
	PeerDownReasonRemoteNotify  uint8 = 3
	PeerDownReasonRemoteNoOpen  uint8 = 4
	PeerDownReasonPeerDeconfig  uint8 = 5
)

// PeerKey is the identity tuple used to distinguish peers and RIB-views on
// a given router (§3).
type PeerKey struct {
	PeerDistinguisher [8]byte
	PeerType          uint8
	PeerFlags         uint8
	PeerAddress       bgp.Addr
	PeerASN           uint32
	PeerBGPID         uint32
}

// PerPeerHeader is the 42-byte header prefixing every per-peer BMP message.
type PerPeerHeader struct {
	Key            PeerKey
	TimestampSec   uint32
	TimestampUsec  uint32
}

// IsPostPolicy reports whether this header describes a post-policy Adj-RIB-In view.
func (h PerPeerHeader) IsPostPolicy() bool { return h.Key.PeerFlags&PeerFlagPostPolicy != 0 }

// IsAdjRIBOut reports whether this header describes an Adj-RIB-Out view.
func (h PerPeerHeader) IsAdjRIBOut() bool { return h.Key.PeerType == PeerTypeAdjRIBOut }

// IsIPv6 reports whether the peer address is carried as IPv6.
func (h PerPeerHeader) IsIPv6() bool { return h.Key.PeerFlags&PeerFlagIPv6 != 0 }

// TimestampNs converts the per-peer header timestamp to nanoseconds. A zero
// timestamp (valid per §4.1) is propagated untouched.
func (h PerPeerHeader) TimestampNs() int64 {
	return int64(h.TimestampSec)*1e9 + int64(h.TimestampUsec)*1e3
}

// PeerUp carries the fields of a PEER UP message needed by the session
// handler: the negotiated capabilities and the local transport endpoint.
type PeerUp struct {
	LocalAddress bgp.Addr
	LocalPort    uint16
	RemotePort   uint16
	FourOctetASN bool
	AFISAFI      []AFISAFI
}

// AFISAFI is one multiprotocol address family negotiated on the OPEN.
type AFISAFI struct {
	AFI  uint16
	SAFI uint8
}

// Message is one decoded BMP message.
type Message struct {
	Type           uint8
	PeerHeader     PerPeerHeader
	HasPeerHeader  bool
	PeerUp         *PeerUp
	PeerDownReason uint8
	BGPUpdate      []byte
}
