package bmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/route-beacon/risotto/internal/bgp"
)

// ErrUnknownMessageType is returned by Parse for a message type outside the
// six defined by RFC 7854. Callers count and skip it rather than treating it
// as a malformed frame, since the common header and length were well-formed.
var ErrUnknownMessageType = errors.New("bmp: unknown message type")

// CommonHeader is the 6-byte header prefixing every BMP message.
type CommonHeader struct {
	Version uint8
	Length  uint32
	Type    uint8
}

// ParseCommonHeader decodes the 6-byte BMP common header. A length below
// CommonHeaderSize or a version other than 3 is a fatal protocol error on
// the connection (§4.1).
func ParseCommonHeader(b []byte) (CommonHeader, error) {
	if len(b) < CommonHeaderSize {
		return CommonHeader{}, fmt.Errorf("bmp: short common header (%d bytes)", len(b))
	}
	h := CommonHeader{
		Version: b[0],
		Length:  binary.BigEndian.Uint32(b[1:5]),
		Type:    b[5],
	}
	if h.Version != SupportedVersion {
		return h, fmt.Errorf("bmp: unsupported version %d", h.Version)
	}
	if h.Length < CommonHeaderSize {
		return h, fmt.Errorf("bmp: length %d below header size", h.Length)
	}
	return h, nil
}

// ReadFrame reads exactly one BMP message (header + body) from r, blocking
// until the full frame has arrived. Returns io.EOF or io.ErrUnexpectedEOF
// when the connection closes mid-frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [CommonHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	h, err := ParseCommonHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	frame := make([]byte, h.Length)
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[CommonHeaderSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// Parse decodes a single complete BMP frame (as produced by ReadFrame).
func Parse(frame []byte) (Message, error) {
	h, err := ParseCommonHeader(frame)
	if err != nil {
		return Message{}, err
	}
	body := frame[CommonHeaderSize:h.Length]
	msg := Message{Type: h.Type}

	switch h.Type {
	case MsgTypeInitiation, MsgTypeTermination:
		return msg, nil

	case MsgTypeStatisticsReport:
		ph, _, err := splitPerPeerHeader(body)
		if err != nil {
			return msg, err
		}
		msg.PeerHeader = ph
		msg.HasPeerHeader = true
		return msg, nil

	case MsgTypeRouteMonitoring:
		ph, rest, err := splitPerPeerHeader(body)
		if err != nil {
			return msg, err
		}
		msg.PeerHeader = ph
		msg.HasPeerHeader = true
		msg.BGPUpdate = rest
		return msg, nil

	case MsgTypePeerDown:
		ph, rest, err := splitPerPeerHeader(body)
		if err != nil {
			return msg, err
		}
		if len(rest) < 1 {
			return msg, fmt.Errorf("bmp: PEER DOWN missing reason code")
		}
		msg.PeerHeader = ph
		msg.HasPeerHeader = true
		msg.PeerDownReason = rest[0]
		return msg, nil

	case MsgTypePeerUp:
		ph, rest, err := splitPerPeerHeader(body)
		if err != nil {
			return msg, err
		}
		pu, err := parsePeerUp(rest)
		if err != nil {
			return msg, err
		}
		msg.PeerHeader = ph
		msg.HasPeerHeader = true
		msg.PeerUp = pu
		return msg, nil

	default:
		return msg, fmt.Errorf("%w: %d", ErrUnknownMessageType, h.Type)
	}
}

func splitPerPeerHeader(body []byte) (PerPeerHeader, []byte, error) {
	if len(body) < PerPeerHeaderSize {
		return PerPeerHeader{}, nil, fmt.Errorf("bmp: short per-peer header (%d bytes)", len(body))
	}

	var h PerPeerHeader
	h.Key.PeerType = body[0]
	h.Key.PeerFlags = body[1]
	copy(h.Key.PeerDistinguisher[:], body[2:10])
	copy(h.Key.PeerAddress[:], body[10:26])
	h.Key.PeerASN = binary.BigEndian.Uint32(body[26:30])
	h.Key.PeerBGPID = binary.BigEndian.Uint32(body[30:34])
	h.TimestampSec = binary.BigEndian.Uint32(body[34:38])
	h.TimestampUsec = binary.BigEndian.Uint32(body[38:42])

	return h, body[PerPeerHeaderSize:], nil
}

// parsePeerUp decodes the PEER UP body that follows the per-peer header:
// localAddress(16) | localPort(2) | remotePort(2) | sent OPEN | received OPEN.
func parsePeerUp(body []byte) (*PeerUp, error) {
	const fixedLen = 16 + 2 + 2
	if len(body) < fixedLen {
		return nil, fmt.Errorf("bmp: PEER UP truncated before fixed fields")
	}

	pu := &PeerUp{}
	copy(pu.LocalAddress[:], body[0:16])
	pu.LocalPort = binary.BigEndian.Uint16(body[16:18])
	pu.RemotePort = binary.BigEndian.Uint16(body[18:20])

	rest := body[fixedLen:]

	sentLen, err := bgpMessageLength(rest)
	if err != nil {
		return nil, fmt.Errorf("bmp: PEER UP sent OPEN: %w", err)
	}
	if sentLen > len(rest) {
		return nil, fmt.Errorf("bmp: PEER UP sent OPEN truncated")
	}
	sentOpen := rest[:sentLen]
	rest = rest[sentLen:]

	recvLen, err := bgpMessageLength(rest)
	if err != nil {
		return nil, fmt.Errorf("bmp: PEER UP received OPEN: %w", err)
	}
	if recvLen > len(rest) {
		return nil, fmt.Errorf("bmp: PEER UP received OPEN truncated")
	}
	receivedOpen := rest[:recvLen]

	// The received OPEN is the one sent by the monitored peer itself, so its
	// capabilities govern how that peer encodes the updates it streams to us.
	fourOctet, afiSafi, err := parseOpenCapabilities(receivedOpen)
	if err != nil {
		return nil, fmt.Errorf("bmp: PEER UP received OPEN capabilities: %w", err)
	}
	sentFourOctet, _, err := parseOpenCapabilities(sentOpen)
	if err == nil && sentFourOctet {
		fourOctet = fourOctet || sentFourOctet
	}

	pu.FourOctetASN = fourOctet
	pu.AFISAFI = afiSafi
	return pu, nil
}

// bgpMessageLength validates a BGP message's 16-byte marker and returns its
// total declared length (header + body).
func bgpMessageLength(b []byte) (int, error) {
	if len(b) < bgp.HeaderSize {
		return 0, fmt.Errorf("bmp: truncated BGP header")
	}
	length := int(binary.BigEndian.Uint16(b[16:18]))
	if length < bgp.HeaderSize || length > 4096 {
		return 0, fmt.Errorf("bmp: invalid BGP message length %d", length)
	}
	return length, nil
}

// parseOpenCapabilities scans a BGP OPEN message's Optional Parameters for
// the 4-octet-ASN capability (code 65) and any multiprotocol (code 1)
// AFI/SAFI capabilities.
func parseOpenCapabilities(open []byte) (fourOctetASN bool, afiSafi []AFISAFI, err error) {
	if len(open) < bgp.HeaderSize+10 {
		return false, nil, fmt.Errorf("bmp: OPEN message too short")
	}
	if open[18] != 1 { // BGP OPEN message type
		return false, nil, fmt.Errorf("bmp: not an OPEN message (type %d)", open[18])
	}

	optParamLen := int(open[28])
	offset := 29
	end := offset + optParamLen
	if end > len(open) {
		return false, nil, fmt.Errorf("bmp: optional parameters truncated")
	}

	for offset+2 <= end {
		paramType := open[offset]
		paramLen := int(open[offset+1])
		offset += 2
		if offset+paramLen > end {
			return fourOctetASN, afiSafi, fmt.Errorf("bmp: optional parameter truncated")
		}
		paramValue := open[offset : offset+paramLen]
		offset += paramLen

		if paramType != 2 { // Capabilities
			continue
		}

		capOffset := 0
		for capOffset+2 <= len(paramValue) {
			code := paramValue[capOffset]
			capLen := int(paramValue[capOffset+1])
			capOffset += 2
			if capOffset+capLen > len(paramValue) {
				break
			}
			capValue := paramValue[capOffset : capOffset+capLen]
			capOffset += capLen

			switch code {
			case BGPOpenCapabilityCode4OctetASN:
				if capLen == 4 {
					fourOctetASN = true
				}
			case 1: // Multiprotocol Extensions (RFC 4760)
				if capLen == 4 {
					afiSafi = append(afiSafi, AFISAFI{
						AFI:  binary.BigEndian.Uint16(capValue[0:2]),
						SAFI: capValue[3],
					})
				}
			}
		}
	}

	return fourOctetASN, afiSafi, nil
}
