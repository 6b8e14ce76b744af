package bgp

import (
	"encoding/binary"
	"testing"
)

func buildHeader(msgLen int, msgType uint8) []byte {
	b := make([]byte, HeaderSize)
	for i := range b[:16] {
		b[i] = 0xff
	}
	binary.BigEndian.PutUint16(b[16:18], uint16(msgLen))
	b[18] = msgType
	return b
}

func buildPathAttr(flags, typeCode uint8, value []byte) []byte {
	b := []byte{flags, typeCode, byte(len(value))}
	return append(b, value...)
}

func buildPrefix(prefixLen uint8, addr []byte) []byte {
	byteLen := (int(prefixLen) + 7) / 8
	b := []byte{prefixLen}
	return append(b, addr[:byteLen]...)
}

func buildASPath2(segType uint8, asns ...uint16) []byte {
	b := []byte{segType, byte(len(asns))}
	for _, asn := range asns {
		v := make([]byte, 2)
		binary.BigEndian.PutUint16(v, asn)
		b = append(b, v...)
	}
	return b
}

func buildBGPUpdate(withdrawn, pathAttrs, nlri []byte) []byte {
	body := make([]byte, 0)
	wl := make([]byte, 2)
	binary.BigEndian.PutUint16(wl, uint16(len(withdrawn)))
	body = append(body, wl...)
	body = append(body, withdrawn...)

	pl := make([]byte, 2)
	binary.BigEndian.PutUint16(pl, uint16(len(pathAttrs)))
	body = append(body, pl...)
	body = append(body, pathAttrs...)

	body = append(body, nlri...)

	header := buildHeader(HeaderSize+len(body), BGPMsgTypeUpdate)
	return append(header, body...)
}

func TestParseUpdateAnnounce(t *testing.T) {
	origin := buildPathAttr(0x40, AttrTypeOrigin, []byte{OriginIGP})
	asPath := buildPathAttr(0x40, AttrTypeASPath, buildASPath2(ASPathSegmentSequence, 65010, 65020))
	nextHop := buildPathAttr(0x40, AttrTypeNextHop, []byte{10, 0, 0, 10})
	attrs := append(append(origin, asPath...), nextHop...)

	nlri := buildPrefix(24, []byte{172, 16, 10, 0})

	msg := buildBGPUpdate(nil, attrs, nlri)

	updates, err := ParseUpdate(msg, false)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	u := updates[0]
	if !u.Announced {
		t.Fatalf("expected announced update")
	}
	if u.Prefix.Length != 24 {
		t.Fatalf("expected prefix length 24, got %d", u.Prefix.Length)
	}
	if u.Attrs.ASPath[0] != 65010 || u.Attrs.ASPath[1] != 65020 {
		t.Fatalf("unexpected AS_PATH: %v", u.Attrs.ASPath)
	}
	if OriginASN(u.Attrs) != 65020 {
		t.Fatalf("expected origin ASN 65020, got %d", OriginASN(u.Attrs))
	}
	wantNextHop := ipv4Mapped([]byte{10, 0, 0, 10})
	if u.Attrs.NextHop != wantNextHop {
		t.Fatalf("unexpected next hop: %v", u.Attrs.NextHop)
	}
}

func TestParseUpdateWithdraw(t *testing.T) {
	withdrawn := buildPrefix(24, []byte{172, 16, 10, 0})
	msg := buildBGPUpdate(withdrawn, nil, nil)

	updates, err := ParseUpdate(msg, false)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(updates))
	}
	if updates[0].Announced {
		t.Fatalf("expected withdrawal")
	}
}

func TestParseUpdateAS4PathSplice(t *testing.T) {
	asPath2 := buildPathAttr(0x40, AttrTypeASPath, buildASPath2(ASPathSegmentSequence, uint16(ASTrans), 65020))
	as4Path := buildPathAttr(0xC0, AttrTypeAS4Path, func() []byte {
		b := []byte{ASPathSegmentSequence, 1}
		v := make([]byte, 4)
		binary.BigEndian.PutUint32(v, 4200065010)
		return append(b, v...)
	}())
	attrs := append(asPath2, as4Path...)
	nlri := buildPrefix(24, []byte{172, 16, 10, 0})

	msg := buildBGPUpdate(nil, attrs, nlri)

	updates, err := ParseUpdate(msg, false)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	got := updates[0].Attrs.ASPath
	if len(got) != 2 || got[0] != 4200065010 || got[1] != 65020 {
		t.Fatalf("unexpected spliced AS_PATH: %v", got)
	}
}

func TestParseUpdateExtendedAttributes(t *testing.T) {
	atomicAgg := buildPathAttr(0x40, AttrTypeAtomicAggregate, nil)
	aggregator := buildPathAttr(0xC0, AttrTypeAggregator, append([]byte{0xFD, 0xE8}, 10, 0, 0, 1))
	originatorID := buildPathAttr(0x80, AttrTypeOriginatorID, []byte{10, 0, 0, 2})
	otc := buildPathAttr(0x80, AttrTypeOnlyToCustomer, []byte{0, 0, 0xFD, 0xE8})

	attrs := append(append(append(atomicAgg, aggregator...), originatorID...), otc...)
	nlri := buildPrefix(24, []byte{172, 16, 10, 0})

	msg := buildBGPUpdate(nil, attrs, nlri)

	updates, err := ParseUpdate(msg, false)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	got := updates[0].Attrs
	if !got.AtomicAggregate {
		t.Fatalf("expected ATOMIC_AGGREGATE set")
	}
	if !got.HasAggregator || got.Aggregator.ASN != 65000 {
		t.Fatalf("unexpected aggregator: %+v", got.Aggregator)
	}
	if !got.HasOriginatorID {
		t.Fatalf("expected ORIGINATOR_ID set")
	}
	if !got.HasOTC || got.OnlyToCustomer != 65000 {
		t.Fatalf("unexpected OTC: %v", got.OnlyToCustomer)
	}
}

func TestParseUpdateMPReachNLRI(t *testing.T) {
	nextHop := []byte{
		0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1,
	}
	nlri := buildPrefix(64, []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0})

	mpReach := []byte{0, 2, SAFIUnicast, 16}
	mpReach = append(mpReach, nextHop...)
	mpReach = append(mpReach, 0) // SNPA count = 0
	mpReach = append(mpReach, nlri...)

	attrs := buildPathAttr(0x80, AttrTypeMPReachNLRI, mpReach)
	msg := buildBGPUpdate(nil, attrs, nil)

	updates, err := ParseUpdate(msg, false)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 update from MP_REACH_NLRI, got %d", len(updates))
	}
	if !updates[0].Announced {
		t.Fatalf("expected announced update")
	}
	if updates[0].Prefix.Length != 64 {
		t.Fatalf("expected prefix length 64, got %d", updates[0].Prefix.Length)
	}
}

func TestParseUpdateMPUnreachNLRI(t *testing.T) {
	nlri := buildPrefix(64, []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0})
	mpUnreach := append([]byte{0, 2, SAFIUnicast}, nlri...)

	attrs := buildPathAttr(0x80, AttrTypeMPUnreachNLRI, mpUnreach)
	msg := buildBGPUpdate(nil, attrs, nil)

	updates, err := ParseUpdate(msg, false)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	if len(updates) != 1 {
		t.Fatalf("expected 1 update from MP_UNREACH_NLRI, got %d", len(updates))
	}
	if updates[0].Announced {
		t.Fatalf("expected withdrawal")
	}
}

func TestParseUpdateASSetFlattening(t *testing.T) {
	set := []byte{ASPathSegmentSet, 2}
	v1 := make([]byte, 2)
	binary.BigEndian.PutUint16(v1, 65001)
	v2 := make([]byte, 2)
	binary.BigEndian.PutUint16(v2, 65002)
	set = append(set, v1...)
	set = append(set, v2...)
	asPath := buildPathAttr(0x40, AttrTypeASPath, set)

	attrs := asPath
	nlri := buildPrefix(24, []byte{172, 16, 10, 0})
	msg := buildBGPUpdate(nil, attrs, nlri)

	updates, err := ParseUpdate(msg, false)
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	got := updates[0].Attrs.ASPath
	if len(got) != 2 || got[0] != 65001 || got[1] != 65002 {
		t.Fatalf("expected flattened AS_SET [65001 65002], got %v", got)
	}
}
