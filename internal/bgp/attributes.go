package bgp

import (
	"encoding/binary"
	"fmt"
)

// ParseAttributes parses the path attributes section of a BGP UPDATE.
// is4Octet selects whether AS_PATH segments carry 2-octet or 4-octet ASNs,
// per the capability negotiated on the peer's BGP OPEN (§4.1). A malformed
// attribute length aborts the whole parse, per §4.1: "a malformed length is
// a protocol error for the whole UPDATE".
func ParseAttributes(data []byte, is4Octet bool) (*Attributes, error) {
	attrs := &Attributes{}

	var asPath2 []uint32
	var asPath4 []uint32
	var haveASPath4Attr bool

	offset := 0
	for offset < len(data) {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("bgp: attribute header truncated at offset %d", offset)
		}

		flags := data[offset]
		typeCode := data[offset+1]
		offset += 2

		var attrLen int
		if flags&0x10 != 0 { // Extended Length
			if offset+2 > len(data) {
				return nil, fmt.Errorf("bgp: extended attribute length truncated")
			}
			attrLen = int(binary.BigEndian.Uint16(data[offset : offset+2]))
			offset += 2
		} else {
			if offset+1 > len(data) {
				return nil, fmt.Errorf("bgp: attribute length truncated")
			}
			attrLen = int(data[offset])
			offset++
		}

		if offset+attrLen > len(data) {
			return nil, fmt.Errorf("bgp: attribute data truncated (type %d, need %d, have %d)", typeCode, attrLen, len(data)-offset)
		}

		attrData := data[offset : offset+attrLen]
		offset += attrLen

		switch typeCode {
		case AttrTypeOrigin:
			parseOrigin(attrData, attrs)
		case AttrTypeASPath:
			if is4Octet {
				asPath4 = parseASPath(attrData, 4)
			} else {
				asPath2 = parseASPath(attrData, 2)
			}
		case AttrTypeAS4Path:
			haveASPath4Attr = true
			asPath4 = parseASPath(attrData, 4)
		case AttrTypeNextHop:
			parseNextHop(attrData, attrs)
		case AttrTypeMultiExitDisc:
			parseMultiExitDisc(attrData, attrs)
		case AttrTypeLocalPref:
			parseLocalPref(attrData, attrs)
		case AttrTypeAtomicAggregate:
			attrs.AtomicAggregate = true
		case AttrTypeAggregator:
			parseAggregator(attrData, attrs, is4Octet)
		case AttrTypeAS4Aggregator:
			parseAS4Aggregator(attrData, attrs)
		case AttrTypeOriginatorID:
			parseOriginatorID(attrData, attrs)
		case AttrTypeClusterList:
			parseClusterList(attrData, attrs)
		case AttrTypeCommunity:
			parseCommunity(attrData, attrs)
		case AttrTypeExtCommunity:
			parseExtCommunity(attrData, attrs)
		case AttrTypeLargeCommunity:
			parseLargeCommunity(attrData, attrs)
		case AttrTypeOnlyToCustomer:
			parseOnlyToCustomer(attrData, attrs)
		case AttrTypeMPReachNLRI:
			parseMPReachNLRI(attrData, attrs)
		case AttrTypeMPUnreachNLRI:
			parseMPUnreachNLRI(attrData, attrs)
		default:
			// Unknown attribute: skipped. It is not reported to the
			// caller, so it is not counted in any metric.
		}
	}

	if is4Octet {
		attrs.ASPath = asPath4
	} else {
		attrs.ASPath = spliceAS4Path(asPath2, asPath4, haveASPath4Attr)
	}

	return attrs, nil
}

func parseOrigin(data []byte, attrs *Attributes) {
	if len(data) < 1 {
		return
	}
	attrs.Origin = data[0]
	attrs.HasOrigin = true
}

// parseASPath flattens AS_PATH/AS4_PATH segments into a single ordered
// sequence of ASNs. AS_SET segments are flattened preserving occurrence
// order (§9: explicit choice over a distinguished-token representation).
func parseASPath(data []byte, asnWidth int) []uint32 {
	var path []uint32
	offset := 0
	for offset+2 <= len(data) {
		segType := data[offset]
		segLen := int(data[offset+1])
		offset += 2

		if offset+segLen*asnWidth > len(data) {
			break
		}

		switch segType {
		case ASPathSegmentSequence, ASPathSegmentSet:
			for i := 0; i < segLen; i++ {
				var asn uint32
				if asnWidth == 4 {
					asn = binary.BigEndian.Uint32(data[offset : offset+4])
				} else {
					asn = uint32(binary.BigEndian.Uint16(data[offset : offset+2]))
				}
				path = append(path, asn)
				offset += asnWidth
			}
		default:
			// Confederation segments (CONFED_SEQUENCE=3, CONFED_SET=4) are
			// skipped per §4.1.
			offset += segLen * asnWidth
		}
	}
	return path
}

// spliceAS4Path reconciles a 2-octet AS_PATH with an AS4_PATH attribute per
// RFC 6793 §4.2.3: the trailing entries of the 2-octet path that correspond
// to AS_TRANS placeholders are replaced by the real ASNs carried in
// AS4_PATH. If no AS4_PATH attribute was present, the 2-octet path is
// returned unchanged.
func spliceAS4Path(asPath2, asPath4 []uint32, have4 bool) []uint32 {
	if !have4 || len(asPath4) == 0 {
		return asPath2
	}
	if len(asPath4) >= len(asPath2) {
		return asPath4
	}
	spliced := make([]uint32, len(asPath2))
	copy(spliced, asPath2)
	copy(spliced[len(asPath2)-len(asPath4):], asPath4)
	return spliced
}

func parseNextHop(data []byte, attrs *Attributes) {
	if len(data) != 4 {
		return
	}
	attrs.NextHop = ipv4Mapped(data)
	attrs.HasNextHop = true
}

func parseMultiExitDisc(data []byte, attrs *Attributes) {
	if len(data) != 4 {
		return
	}
	attrs.MultiExitDisc = binary.BigEndian.Uint32(data)
	attrs.HasMultiExitDisc = true
}

func parseLocalPref(data []byte, attrs *Attributes) {
	if len(data) != 4 {
		return
	}
	attrs.LocalPreference = binary.BigEndian.Uint32(data)
	attrs.HasLocalPref = true
}

func parseAggregator(data []byte, attrs *Attributes, is4Octet bool) {
	if is4Octet {
		if len(data) != 8 {
			return
		}
		attrs.Aggregator.ASN = binary.BigEndian.Uint32(data[0:4])
		attrs.Aggregator.BGPID = ipv4Mapped(data[4:8])
	} else {
		if len(data) != 6 {
			return
		}
		attrs.Aggregator.ASN = uint32(binary.BigEndian.Uint16(data[0:2]))
		attrs.Aggregator.BGPID = ipv4Mapped(data[2:6])
	}
	attrs.HasAggregator = true
}

// parseAS4Aggregator overrides the ASN half of an already-parsed AGGREGATOR
// when the 2-octet AGGREGATOR carried AS_TRANS (RFC 6793 §4.2.3).
func parseAS4Aggregator(data []byte, attrs *Attributes) {
	if len(data) != 8 {
		return
	}
	asn := binary.BigEndian.Uint32(data[0:4])
	bgpID := ipv4Mapped(data[4:8])
	if !attrs.HasAggregator || attrs.Aggregator.ASN == ASTrans {
		attrs.Aggregator.ASN = asn
		attrs.Aggregator.BGPID = bgpID
		attrs.HasAggregator = true
	}
}

func parseOriginatorID(data []byte, attrs *Attributes) {
	if len(data) != 4 {
		return
	}
	attrs.OriginatorID = ipv4Mapped(data)
	attrs.HasOriginatorID = true
}

func parseClusterList(data []byte, attrs *Attributes) {
	for i := 0; i+4 <= len(data); i += 4 {
		attrs.ClusterList = append(attrs.ClusterList, ipv4Mapped(data[i:i+4]))
	}
}

func parseCommunity(data []byte, attrs *Attributes) {
	for i := 0; i+4 <= len(data); i += 4 {
		attrs.Communities = append(attrs.Communities, Community{
			ASN:   uint32(binary.BigEndian.Uint16(data[i : i+2])),
			Value: binary.BigEndian.Uint16(data[i+2 : i+4]),
		})
	}
}

func parseExtCommunity(data []byte, attrs *Attributes) {
	for i := 0; i+8 <= len(data); i += 8 {
		var c ExtCommunity
		c.TypeHigh = data[i]
		c.TypeLow = data[i+1]
		copy(c.Value[:], data[i+2:i+8])
		attrs.ExtCommunities = append(attrs.ExtCommunities, c)
	}
}

func parseLargeCommunity(data []byte, attrs *Attributes) {
	for i := 0; i+12 <= len(data); i += 12 {
		attrs.LargeCommunities = append(attrs.LargeCommunities, LargeCommunity{
			GlobalAdmin: binary.BigEndian.Uint32(data[i : i+4]),
			LocalData1:  binary.BigEndian.Uint32(data[i+4 : i+8]),
			LocalData2:  binary.BigEndian.Uint32(data[i+8 : i+12]),
		})
	}
}

func parseOnlyToCustomer(data []byte, attrs *Attributes) {
	if len(data) != 4 {
		return
	}
	attrs.OnlyToCustomer = binary.BigEndian.Uint32(data)
	attrs.HasOTC = true
}

func parseMPReachNLRI(data []byte, attrs *Attributes) {
	if len(data) < 5 {
		return
	}

	afi := binary.BigEndian.Uint16(data[0:2])
	safi := data[2]
	nhLen := int(data[3])
	offset := 4

	if offset+nhLen > len(data) {
		return
	}
	nhData := data[offset : offset+nhLen]
	offset += nhLen

	switch nhLen {
	case 4:
		attrs.MPReachNextHop = ipv4Mapped(nhData)
	case 16:
		copy(attrs.MPReachNextHop[:], nhData)
	case 32:
		// Global + link-local IPv6 next hops (RFC 2545); use the global one.
		copy(attrs.MPReachNextHop[:], nhData[:16])
	}

	// Skip SNPA entries (RFC 4760: 1-byte count, then N x {1-byte len, len bytes}).
	if offset >= len(data) {
		return
	}
	snpaCount := int(data[offset])
	offset++
	for i := 0; i < snpaCount; i++ {
		if offset >= len(data) {
			return
		}
		snpaLen := int(data[offset])
		offset++
		snpaByteLen := (snpaLen + 1) / 2
		if offset+snpaByteLen > len(data) {
			return
		}
		offset += snpaByteLen
	}

	attrs.MPReachAFI = afi
	attrs.MPReachSAFI = safi
	attrs.MPReachNLRI, _ = parsePrefixes(data[offset:], afi)
}

func parseMPUnreachNLRI(data []byte, attrs *Attributes) {
	if len(data) < 3 {
		return
	}
	afi := binary.BigEndian.Uint16(data[0:2])
	safi := data[2]

	attrs.MPUnreachAFI = afi
	attrs.MPUnreachSAFI = safi
	attrs.MPUnreachNLRI, _ = parsePrefixes(data[3:], afi)
}

// parsePrefixes decodes a sequence of (length:u8, addressBytes) NLRI
// entries, canonicalizing each into a 16-byte address with trailing zero
// bits (§4.1).
func parsePrefixes(data []byte, afi uint16) ([]NLRI, error) {
	var out []NLRI
	offset := 0
	maxBits := maxPrefixBits(afi)

	for offset < len(data) {
		prefixLen := int(data[offset])
		offset++

		if prefixLen > maxBits {
			return out, fmt.Errorf("bgp: prefix length %d exceeds AFI maximum %d", prefixLen, maxBits)
		}

		byteLen := (prefixLen + 7) / 8
		if offset+byteLen > len(data) {
			return out, fmt.Errorf("bgp: prefix data truncated at offset %d", offset)
		}

		var addr Addr
		copy(addr[:], data[offset:offset+byteLen])
		offset += byteLen

		out = append(out, NLRI{
			AFI:    afi,
			Addr:   addr,
			Length: uint8(prefixLen),
		})
	}

	return out, nil
}

func maxPrefixBits(afi uint16) int {
	switch afi {
	case AFIIPv4:
		return 32
	default:
		return 128
	}
}

// ipv4Mapped canonicalises a 4-byte IPv4 address into the IPv4-mapped-IPv6
// form (RFC 4291 §2.5.5.2): 10 zero bytes, 0xff, 0xff, then the 4 address
// bytes.
func ipv4Mapped(b []byte) Addr {
	var a Addr
	a[10] = 0xff
	a[11] = 0xff
	copy(a[12:16], b)
	return a
}
