package collector

import (
	"testing"

	"github.com/route-beacon/risotto/internal/bmp"
)

func testRouter() RouterKey {
	return RouterKey{Addr: ipv4Addr(10, 0, 0, 10), Port: 1179}
}

func testPeerKey() bmp.PeerKey {
	return bmp.PeerKey{PeerASN: 65010, PeerBGPID: 0x0A00000A}
}

func testPrefix() PrefixKey {
	return PrefixKey{AFI: 1, Addr: ipv4Addr(172, 16, 10, 0), Length: 24}
}

func ipv4Addr(a, b, c, d byte) [16]byte {
	var addr [16]byte
	addr[12], addr[13], addr[14], addr[15] = a, b, c, d
	return addr
}

func TestObserveAnnounceDedup(t *testing.T) {
	s := New(false)
	rk, pk, prefix := testRouter(), testPeerKey(), testPrefix()
	s.NoteUp(rk, pk, PeerMeta{})

	if !s.ObserveAnnounce(rk, pk, prefix) {
		t.Fatalf("first announce should emit")
	}
	if s.ObserveAnnounce(rk, pk, prefix) {
		t.Fatalf("duplicate announce should be dropped (I2)")
	}
}

func TestObserveWithdrawRequiresPriorAnnounce(t *testing.T) {
	s := New(false)
	rk, pk, prefix := testRouter(), testPeerKey(), testPrefix()
	s.NoteUp(rk, pk, PeerMeta{})

	if s.ObserveWithdraw(rk, pk, prefix) {
		t.Fatalf("withdraw of absent prefix should be dropped (I3)")
	}
	s.ObserveAnnounce(rk, pk, prefix)
	if !s.ObserveWithdraw(rk, pk, prefix) {
		t.Fatalf("withdraw of present prefix should emit")
	}
	if s.ObserveWithdraw(rk, pk, prefix) {
		t.Fatalf("second withdraw of same prefix should be dropped")
	}
}

func TestNoteDownSyntheticWithdraws(t *testing.T) {
	s := New(false)
	rk, pk := testRouter(), testPeerKey()
	s.NoteUp(rk, pk, PeerMeta{})
	s.ObserveAnnounce(rk, pk, testPrefix())

	withdrawn := s.NoteDown(rk, pk)
	if len(withdrawn) != 1 {
		t.Fatalf("expected 1 synthetic withdraw, got %d", len(withdrawn))
	}
	if withdrawn[0].Prefix != testPrefix() {
		t.Fatalf("unexpected withdrawn prefix: %+v", withdrawn[0].Prefix)
	}
	if s.IsPeerUp(rk, pk) {
		t.Fatalf("peer should be gone after NoteDown")
	}
}

func TestNoteUpImplicitReset(t *testing.T) {
	s := New(false)
	rk, pk := testRouter(), testPeerKey()
	s.NoteUp(rk, pk, PeerMeta{})
	s.ObserveAnnounce(rk, pk, testPrefix())

	withdrawn := s.NoteUp(rk, pk, PeerMeta{})
	if len(withdrawn) != 1 {
		t.Fatalf("expected 1 synthetic withdraw from implicit reset, got %d", len(withdrawn))
	}
	if !s.IsPeerUp(rk, pk) {
		t.Fatalf("peer should exist, freshly emptied, after implicit reset")
	}
	if s.ObserveWithdraw(rk, pk, testPrefix()) {
		t.Fatalf("reset peer should start with an empty announced set")
	}
}

func TestDrainRouter(t *testing.T) {
	s := New(false)
	rk, pk := testRouter(), testPeerKey()
	s.NoteUp(rk, pk, PeerMeta{})
	s.ObserveAnnounce(rk, pk, testPrefix())

	withdrawn := s.DrainRouter(rk)
	if len(withdrawn) != 1 {
		t.Fatalf("expected 1 withdraw from drain, got %d", len(withdrawn))
	}
	if s.IsPeerUp(rk, pk) {
		t.Fatalf("peer should be gone after router drain")
	}
}

func TestStateDisabledBypassesDedup(t *testing.T) {
	s := New(true)
	rk, pk, prefix := testRouter(), testPeerKey(), testPrefix()

	if !s.ObserveAnnounce(rk, pk, prefix) {
		t.Fatalf("disabled state must always report emit (P6)")
	}
	if !s.ObserveAnnounce(rk, pk, prefix) {
		t.Fatalf("disabled state must always report emit even for repeats (P6)")
	}
	if withdrawn := s.NoteDown(rk, pk); withdrawn != nil {
		t.Fatalf("disabled state must never produce synthetic withdraws")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	s := New(false)
	rk, pk, prefix := testRouter(), testPeerKey(), testPrefix()
	s.NoteUp(rk, pk, PeerMeta{IsPostPolicy: true})
	s.ObserveAnnounce(rk, pk, prefix)

	tree := s.Export()

	restored := New(false)
	restored.Import(tree)

	if restored.ObserveAnnounce(rk, pk, prefix) {
		t.Fatalf("restored state should already have the prefix marked announced (I5)")
	}
	meta, ok := restored.PeerMeta(rk, pk)
	if !ok || !meta.IsPostPolicy {
		t.Fatalf("restored peer metadata mismatch: %+v", meta)
	}
}
