package emit

import (
	"bytes"
	"encoding/binary"

	"github.com/route-beacon/risotto/internal/bgp"
)

// Encode serializes u into the fixed binary wire schema described in §6:
// all integers little-endian unsigned, lists are length:u32 | element*,
// addresses are 16 bytes, text is length:u32 | utf-8 bytes. Optional
// attributes are preceded by a one-byte presence flag; absent attributes
// are encoded as a zero flag with no value bytes following.
func Encode(u Update) []byte {
	var buf bytes.Buffer

	writeU64(&buf, uint64(u.TimeReceivedNs))
	writeU64(&buf, uint64(u.TimeBmpNs))

	writeAddr(&buf, u.Router.Addr)
	writeU16(&buf, u.Router.Port)

	writeBytes(&buf, u.Peer.PeerDistinguisher[:])
	writeU8(&buf, u.Peer.PeerType)
	writeU8(&buf, u.Peer.PeerFlags)
	writeAddr(&buf, u.Peer.PeerAddress)
	writeU32(&buf, u.Peer.PeerASN)
	writeU32(&buf, u.Peer.PeerBGPID)

	writeU16(&buf, u.Prefix.AFI)
	writeAddr(&buf, u.Prefix.Addr)
	writeU8(&buf, u.Prefix.Length)

	writeBool(&buf, u.Announced)
	writeBool(&buf, u.Synthetic)

	a := u.Attrs
	writeOptionalU8(&buf, a.HasOrigin, a.Origin)

	writeU32(&buf, uint32(len(a.ASPath)))
	for _, asn := range a.ASPath {
		writeU32(&buf, asn)
	}

	writeOptionalAddr(&buf, a.HasNextHop, a.NextHop)
	writeOptionalU32(&buf, a.HasMultiExitDisc, a.MultiExitDisc)
	writeOptionalU32(&buf, a.HasLocalPref, a.LocalPreference)
	writeBool(&buf, a.AtomicAggregate)

	writeBool(&buf, a.HasAggregator)
	if a.HasAggregator {
		writeU32(&buf, a.Aggregator.ASN)
		writeAddr(&buf, a.Aggregator.BGPID)
	}

	writeOptionalU32(&buf, a.HasOTC, a.OnlyToCustomer)
	writeOptionalAddr(&buf, a.HasOriginatorID, a.OriginatorID)

	writeU32(&buf, uint32(len(a.ClusterList)))
	for _, addr := range a.ClusterList {
		writeAddr(&buf, addr)
	}

	writeU32(&buf, uint32(len(a.Communities)))
	for _, c := range a.Communities {
		writeU32(&buf, c.ASN)
		writeU16(&buf, c.Value)
	}

	writeU32(&buf, uint32(len(a.ExtCommunities)))
	for _, c := range a.ExtCommunities {
		writeU8(&buf, c.TypeHigh)
		writeU8(&buf, c.TypeLow)
		buf.Write(c.Value[:])
	}

	writeU32(&buf, uint32(len(a.LargeCommunities)))
	for _, c := range a.LargeCommunities {
		writeU32(&buf, c.GlobalAdmin)
		writeU32(&buf, c.LocalData1)
		writeU32(&buf, c.LocalData2)
	}

	writeU16(&buf, a.MPReachAFI)
	writeU8(&buf, a.MPReachSAFI)
	writeU16(&buf, a.MPUnreachAFI)
	writeU8(&buf, a.MPUnreachSAFI)

	return buf.Bytes()
}

func writeU8(buf *bytes.Buffer, v uint8)   { buf.WriteByte(v) }
func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		writeU8(buf, 1)
	} else {
		writeU8(buf, 0)
	}
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeAddr(buf *bytes.Buffer, a bgp.Addr) { buf.Write(a[:]) }

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeU32(buf, uint32(len(b)))
	buf.Write(b)
}

func writeOptionalU8(buf *bytes.Buffer, has bool, v uint8) {
	writeBool(buf, has)
	if has {
		writeU8(buf, v)
	}
}

func writeOptionalU32(buf *bytes.Buffer, has bool, v uint32) {
	writeBool(buf, has)
	if has {
		writeU32(buf, v)
	}
}

func writeOptionalAddr(buf *bytes.Buffer, has bool, a bgp.Addr) {
	writeBool(buf, has)
	if has {
		writeAddr(buf, a)
	}
}
