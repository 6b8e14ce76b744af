// Package snapshot implements C5: periodic serialization of the collector
// state to durable storage, atomic replace, and load-on-startup recovery
// (§4.5).
package snapshot

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/route-beacon/risotto/internal/bmp"
	"github.com/route-beacon/risotto/internal/collector"
)

// Magic and Version identify the on-disk tree format (§4.5).
var Magic = [4]byte{'R', 'I', 'S', 'O'}

const Version uint16 = 1

// peerKeyEncodedSize is peerDistinguisher(8) + peerType(1) + peerFlags(1) +
// peerAddress(16) + peerAsn(4) + peerBgpId(4).
const peerKeyEncodedSize = 8 + 1 + 1 + 16 + 4 + 4

// Encode serializes tree into the length-prefixed binary format described
// in §4.5: magic | version | router_count | router* { ... }. The result is
// the uncompressed tree form; callers persisting to disk zstd-compress it
// (§10.2).
func Encode(tree collector.SnapshotTree) []byte {
	var buf bytes.Buffer

	buf.Write(Magic[:])
	writeU16(&buf, Version)
	writeU32(&buf, uint32(len(tree.Routers)))

	for _, r := range tree.Routers {
		buf.Write(r.Key.Addr[:])
		writeU16(&buf, r.Key.Port)
		writeU32(&buf, uint32(len(r.Peers)))

		for _, p := range r.Peers {
			encodePeerKey(&buf, p.Key)
			writeBool(&buf, p.Meta.IsPostPolicy)
			writeBool(&buf, p.Meta.IsAdjRibOut)
			writeBool(&buf, p.Meta.IsIPv6)
			writeU32(&buf, uint32(len(p.Prefixes)))

			for _, prefix := range p.Prefixes {
				writeU16(&buf, prefix.AFI)
				writeU8(&buf, prefix.Length)
				buf.Write(prefix.Addr[:])
			}
		}
	}

	return buf.Bytes()
}

// Decode parses the binary form written by Encode back into a
// collector.SnapshotTree. A magic or version mismatch is reported as an
// error so the caller can quarantine the file rather than load it (§4.5).
func Decode(data []byte) (collector.SnapshotTree, error) {
	r := bytes.NewReader(data)

	var magic [4]byte
	if err := readExact(r, magic[:]); err != nil {
		return collector.SnapshotTree{}, fmt.Errorf("snapshot: truncated magic: %w", err)
	}
	if magic != Magic {
		return collector.SnapshotTree{}, fmt.Errorf("snapshot: bad magic %v", magic)
	}

	version, err := readU16(r)
	if err != nil {
		return collector.SnapshotTree{}, fmt.Errorf("snapshot: truncated version: %w", err)
	}
	if version != Version {
		return collector.SnapshotTree{}, fmt.Errorf("snapshot: unsupported version %d", version)
	}

	routerCount, err := readU32(r)
	if err != nil {
		return collector.SnapshotTree{}, fmt.Errorf("snapshot: truncated router count: %w", err)
	}

	tree := collector.SnapshotTree{Routers: make([]collector.SnapshotRouter, 0, routerCount)}
	for i := uint32(0); i < routerCount; i++ {
		var sr collector.SnapshotRouter
		if err := readExact(r, sr.Key.Addr[:]); err != nil {
			return tree, fmt.Errorf("snapshot: router %d: truncated address: %w", i, err)
		}
		port, err := readU16(r)
		if err != nil {
			return tree, fmt.Errorf("snapshot: router %d: truncated port: %w", i, err)
		}
		sr.Key.Port = port

		peerCount, err := readU32(r)
		if err != nil {
			return tree, fmt.Errorf("snapshot: router %d: truncated peer count: %w", i, err)
		}

		sr.Peers = make([]collector.SnapshotPeer, 0, peerCount)
		for j := uint32(0); j < peerCount; j++ {
			sp, err := decodePeer(r)
			if err != nil {
				return tree, fmt.Errorf("snapshot: router %d peer %d: %w", i, j, err)
			}
			sr.Peers = append(sr.Peers, sp)
		}

		tree.Routers = append(tree.Routers, sr)
	}

	return tree, nil
}

func decodePeer(r *bytes.Reader) (collector.SnapshotPeer, error) {
	var sp collector.SnapshotPeer

	key, err := decodePeerKey(r)
	if err != nil {
		return sp, fmt.Errorf("peer key: %w", err)
	}
	sp.Key = key

	isPostPolicy, err := readBool(r)
	if err != nil {
		return sp, fmt.Errorf("isPostPolicy: %w", err)
	}
	isAdjRibOut, err := readBool(r)
	if err != nil {
		return sp, fmt.Errorf("isAdjRibOut: %w", err)
	}
	isIPv6, err := readBool(r)
	if err != nil {
		return sp, fmt.Errorf("isIpv6: %w", err)
	}
	sp.Meta = collector.PeerMeta{IsPostPolicy: isPostPolicy, IsAdjRibOut: isAdjRibOut, IsIPv6: isIPv6}

	prefixCount, err := readU32(r)
	if err != nil {
		return sp, fmt.Errorf("prefix count: %w", err)
	}

	sp.Prefixes = make([]collector.PrefixKey, 0, prefixCount)
	for k := uint32(0); k < prefixCount; k++ {
		afi, err := readU16(r)
		if err != nil {
			return sp, fmt.Errorf("prefix %d: afi: %w", k, err)
		}
		length, err := readU8(r)
		if err != nil {
			return sp, fmt.Errorf("prefix %d: length: %w", k, err)
		}
		var addr [16]byte
		if err := readExact(r, addr[:]); err != nil {
			return sp, fmt.Errorf("prefix %d: addr: %w", k, err)
		}
		sp.Prefixes = append(sp.Prefixes, collector.PrefixKey{AFI: afi, Addr: addr, Length: length})
	}

	return sp, nil
}

func encodePeerKey(buf *bytes.Buffer, k bmp.PeerKey) {
	buf.Write(k.PeerDistinguisher[:])
	writeU8(buf, k.PeerType)
	writeU8(buf, k.PeerFlags)
	buf.Write(k.PeerAddress[:])
	writeU32(buf, k.PeerASN)
	writeU32(buf, k.PeerBGPID)
}

func decodePeerKey(r *bytes.Reader) (bmp.PeerKey, error) {
	var k bmp.PeerKey
	if err := readExact(r, k.PeerDistinguisher[:]); err != nil {
		return k, err
	}
	peerType, err := readU8(r)
	if err != nil {
		return k, err
	}
	k.PeerType = peerType
	peerFlags, err := readU8(r)
	if err != nil {
		return k, err
	}
	k.PeerFlags = peerFlags
	if err := readExact(r, k.PeerAddress[:]); err != nil {
		return k, err
	}
	asn, err := readU32(r)
	if err != nil {
		return k, err
	}
	k.PeerASN = asn
	bgpID, err := readU32(r)
	if err != nil {
		return k, err
	}
	k.PeerBGPID = bgpID
	return k, nil
}

func writeU8(buf *bytes.Buffer, v uint8) { buf.WriteByte(v) }

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

func readExact(r *bytes.Reader, b []byte) error {
	n, err := r.Read(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("snapshot: short read (%d of %d bytes)", n, len(b))
	}
	return nil
}

func readU8(r *bytes.Reader) (uint8, error) {
	var b [1]byte
	if err := readExact(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readBool(r *bytes.Reader) (bool, error) {
	v, err := readU8(r)
	return v != 0, err
}

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if err := readExact(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if err := readExact(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
