package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/route-beacon/risotto/internal/bmp"
	"github.com/route-beacon/risotto/internal/collector"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tree := collector.SnapshotTree{
		Routers: []collector.SnapshotRouter{
			{
				Key: collector.RouterKey{Port: 1179},
				Peers: []collector.SnapshotPeer{
					{
						Key:  bmp.PeerKey{PeerASN: 65010},
						Meta: collector.PeerMeta{IsPostPolicy: true},
						Prefixes: []collector.PrefixKey{
							{AFI: 1, Length: 24},
						},
					},
				},
			},
		},
	}

	encoded := Encode(tree)
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if len(decoded.Routers) != 1 || len(decoded.Routers[0].Peers) != 1 {
		t.Fatalf("unexpected decoded tree shape: %+v", decoded)
	}
	if decoded.Routers[0].Peers[0].Key.PeerASN != 65010 {
		t.Fatalf("unexpected peer ASN: %+v", decoded.Routers[0].Peers[0].Key)
	}
	if len(decoded.Routers[0].Peers[0].Prefixes) != 1 || decoded.Routers[0].Peers[0].Prefixes[0].Length != 24 {
		t.Fatalf("unexpected prefixes: %+v", decoded.Routers[0].Peers[0].Prefixes)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	bad := []byte{0, 0, 0, 0, 1, 0, 0, 0, 0, 0}
	if _, err := Decode(bad); err == nil {
		t.Fatalf("expected error for bad magic")
	}
}

func TestEngineSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.snap")

	state := collector.New(false)
	rk := collector.RouterKey{Port: 1179}
	pk := bmp.PeerKey{PeerASN: 65010}
	prefix := collector.PrefixKey{AFI: 1, Length: 24}
	state.NoteUp(rk, pk, collector.PeerMeta{})
	state.ObserveAnnounce(rk, pk, prefix)

	engine, err := New(path, time.Hour, state, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := engine.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restoredState := collector.New(false)
	restoredEngine, err := New(path, time.Hour, restoredState, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := restoredEngine.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if restoredState.ObserveAnnounce(rk, pk, prefix) {
		t.Fatalf("expected prefix to already be marked announced after reload (I5)")
	}
}

func TestEngineLoadQuarantinesCorruptedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.snap")
	if err := os.WriteFile(path, []byte("not a valid snapshot"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	state := collector.New(false)
	engine, err := New(path, time.Hour, state, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := engine.Load(); err != nil {
		t.Fatalf("Load should not fail on corrupted file: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected corrupted file to be renamed away")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one quarantined file, got %d", len(entries))
	}
}

func TestEngineRunFinalSaveOnCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.snap")
	state := collector.New(false)
	engine, err := New(path, time.Hour, state, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected final snapshot to be written on cancel: %v", err)
	}
}
