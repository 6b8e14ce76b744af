package bgp

import (
	"encoding/binary"
	"fmt"
)

// ParseUpdate decodes a single BGP UPDATE message (including its 19-byte
// header) into one Update per NLRI entry, in the order: legacy withdrawn
// routes, MP_UNREACH_NLRI withdrawals, legacy NLRI, MP_REACH_NLRI
// announcements (§4.1).
func ParseUpdate(data []byte, is4Octet bool) ([]Update, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("bgp: message shorter than header (%d bytes)", len(data))
	}
	if data[18] != BGPMsgTypeUpdate {
		return nil, fmt.Errorf("bgp: not an UPDATE message (type %d)", data[18])
	}
	return parseUpdatePayload(data[HeaderSize:], is4Octet)
}

func parseUpdatePayload(data []byte, is4Octet bool) ([]Update, error) {
	offset := 0

	if offset+2 > len(data) {
		return nil, fmt.Errorf("bgp: truncated withdrawn-routes length")
	}
	withdrawnLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if offset+withdrawnLen > len(data) {
		return nil, fmt.Errorf("bgp: withdrawn-routes data truncated")
	}
	withdrawn, err := parsePrefixes(data[offset:offset+withdrawnLen], AFIIPv4)
	if err != nil {
		return nil, fmt.Errorf("bgp: withdrawn routes: %w", err)
	}
	offset += withdrawnLen

	if offset+2 > len(data) {
		return nil, fmt.Errorf("bgp: truncated path-attribute length")
	}
	pathAttrLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if offset+pathAttrLen > len(data) {
		return nil, fmt.Errorf("bgp: path-attribute data truncated")
	}
	attrs, err := ParseAttributes(data[offset:offset+pathAttrLen], is4Octet)
	if err != nil {
		return nil, fmt.Errorf("bgp: path attributes: %w", err)
	}
	offset += pathAttrLen

	nlri, err := parsePrefixes(data[offset:], AFIIPv4)
	if err != nil {
		return nil, fmt.Errorf("bgp: NLRI: %w", err)
	}

	var updates []Update

	for _, p := range withdrawn {
		updates = append(updates, Update{Announced: false, Prefix: p, Attrs: attrs})
	}
	for _, p := range attrs.MPUnreachNLRI {
		updates = append(updates, Update{Announced: false, Prefix: p, Attrs: attrs})
	}
	for _, p := range nlri {
		updates = append(updates, Update{Announced: true, Prefix: p, Attrs: attrs})
	}
	for _, p := range attrs.MPReachNLRI {
		updates = append(updates, Update{Announced: true, Prefix: p, Attrs: attrs})
	}

	return updates, nil
}

// OriginASN returns the right-most (origin) ASN of the AS_PATH, or 0 if the
// path is empty (iBGP-originated or malformed).
func OriginASN(attrs *Attributes) uint32 {
	if attrs == nil || len(attrs.ASPath) == 0 {
		return 0
	}
	return attrs.ASPath[len(attrs.ASPath)-1]
}
