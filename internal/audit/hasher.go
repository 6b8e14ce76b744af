package audit

import "crypto/sha256"

// ComputeEventID hashes the sink key and wire-encoded value so that
// inserting a byte-identical record twice collapses to one audit row via
// ON CONFLICT DO NOTHING. The encoded value carries the receive and BMP
// timestamps, so a record emitted again later (e.g. a re-announce after
// crash recovery) gets a different event_id and is stored as a new row.
func ComputeEventID(key, value []byte) []byte {
	h := sha256.New()
	h.Write(key)
	h.Write(value)
	return h.Sum(nil)
}
