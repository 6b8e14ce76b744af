package bmp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func buildCommonHeader(length uint32, msgType uint8) []byte {
	b := make([]byte, CommonHeaderSize)
	b[0] = SupportedVersion
	binary.BigEndian.PutUint32(b[1:5], length)
	b[5] = msgType
	return b
}

func buildPerPeerHeader(peerAddr []byte, peerASN, peerBGPID uint32) []byte {
	b := make([]byte, PerPeerHeaderSize)
	b[0] = 0 // peerType: global instance
	b[1] = 0 // peerFlags
	copy(b[10:26], peerAddr)
	binary.BigEndian.PutUint32(b[26:30], peerASN)
	binary.BigEndian.PutUint32(b[30:34], peerBGPID)
	return b
}

func buildOpen(fourOctetASN bool) []byte {
	caps := []byte{}
	if fourOctetASN {
		caps = append(caps, 65, 4, 0, 0, 0xFD, 0xE8)
	}
	capParam := append([]byte{2, byte(len(caps))}, caps...)

	optParams := capParam

	body := []byte{
		4,          // version
		0xFD, 0xE8, // My AS (2-byte, 65000)
		0, 180, // hold time
		10, 0, 0, 1, // BGP identifier
		byte(len(optParams)),
	}
	body = append(body, optParams...)

	total := 19 + len(body)
	msg := make([]byte, 19)
	for i := 0; i < 16; i++ {
		msg[i] = 0xff
	}
	binary.BigEndian.PutUint16(msg[16:18], uint16(total))
	msg[18] = 1 // OPEN
	msg = append(msg, body...)
	return msg
}

func TestReadFrameAndParsePeerUp(t *testing.T) {
	peerHeader := buildPerPeerHeader([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 10, 0, 0, 10}, 65010, 0x0A00000A)

	localAddr := make([]byte, 16)
	copy(localAddr[12:], []byte{10, 0, 0, 1})
	fixed := append(localAddr, []byte{0x04, 0x67, 0x04, 0x68}...) // local/remote ports

	sentOpen := buildOpen(false)
	receivedOpen := buildOpen(true)

	body := append(append(peerHeader, fixed...), sentOpen...)
	body = append(body, receivedOpen...)

	frame := append(buildCommonHeader(uint32(CommonHeaderSize+len(body)), MsgTypePeerUp), body...)

	r := bytes.NewReader(frame)
	read, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(read, frame) {
		t.Fatalf("ReadFrame returned different bytes than written")
	}

	msg, err := Parse(read)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.Type != MsgTypePeerUp {
		t.Fatalf("expected PEER UP, got type %d", msg.Type)
	}
	if msg.PeerUp == nil {
		t.Fatalf("expected PeerUp to be populated")
	}
	if !msg.PeerUp.FourOctetASN {
		t.Fatalf("expected FourOctetASN true from received OPEN capability")
	}
	if msg.PeerHeader.Key.PeerASN != 65010 {
		t.Fatalf("unexpected peer ASN: %d", msg.PeerHeader.Key.PeerASN)
	}
}

func TestParsePeerDown(t *testing.T) {
	peerHeader := buildPerPeerHeader([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 10, 0, 0, 10}, 65010, 0x0A00000A)
	body := append(peerHeader, PeerDownReasonRemoteNotify)

	frame := append(buildCommonHeader(uint32(CommonHeaderSize+len(body)), MsgTypePeerDown), body...)

	msg, err := Parse(frame)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.PeerDownReason != PeerDownReasonRemoteNotify {
		t.Fatalf("unexpected reason code: %d", msg.PeerDownReason)
	}
}

func TestParseRouteMonitoring(t *testing.T) {
	peerHeader := buildPerPeerHeader([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 10, 0, 0, 10}, 65010, 0x0A00000A)

	bgpUpdate := make([]byte, 23)
	for i := 0; i < 16; i++ {
		bgpUpdate[i] = 0xff
	}
	binary.BigEndian.PutUint16(bgpUpdate[16:18], 23)
	bgpUpdate[18] = 2 // UPDATE
	// withdrawnLen=0, pathAttrLen=0
	binary.BigEndian.PutUint16(bgpUpdate[19:21], 0)
	binary.BigEndian.PutUint16(bgpUpdate[21:23], 0)

	body := append(peerHeader, bgpUpdate...)
	frame := append(buildCommonHeader(uint32(CommonHeaderSize+len(body)), MsgTypeRouteMonitoring), body...)

	msg, err := Parse(frame)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(msg.BGPUpdate, bgpUpdate) {
		t.Fatalf("unexpected BGP update bytes")
	}
}

func TestParseRejectsUnsupportedVersion(t *testing.T) {
	frame := buildCommonHeader(6, MsgTypeInitiation)
	frame[0] = 2
	if _, err := Parse(frame); err == nil {
		t.Fatalf("expected error for unsupported version")
	}
}

func TestParseUnknownTypeReturnsDistinguishableError(t *testing.T) {
	frame := buildCommonHeader(6, 99)
	_, err := Parse(frame)
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
}
