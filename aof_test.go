package ember

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestWriteRecord_RoundTrips(t *testing.T) {
	var buf bytes.Buffer
	if err := writeRecord(&buf, 7, []byte(`{"id":7,"name":"neo"}`)); err != nil {
		t.Fatalf("writeRecord: %v", err)
	}

	store := NewStore()
	path := filepath.Join(t.TempDir(), "single.aof")
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := replayAOF(path, store); err != nil {
		t.Fatalf("replayAOF: %v", err)
	}

	v, ok := store.Get(7)
	if !ok || string(v) != `{"id":7,"name":"neo"}` {
		t.Fatalf("Get(7) = %q, %v; want round-tripped payload", v, ok)
	}
}

func TestAOFEngine_SyncAlways_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.aof")

	e, err := newAOFEngine(path, 0, 0)
	if err != nil {
		t.Fatalf("newAOFEngine: %v", err)
	}
	if err := e.append(1, []byte("a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := e.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	store := NewStore()
	if err := replayAOF(path, store); err != nil {
		t.Fatalf("replayAOF: %v", err)
	}
	v, ok := store.Get(1)
	if !ok || string(v) != "a" {
		t.Fatalf("Get(1) after sync-always restart = %q, %v; want a, true", v, ok)
	}
}

func TestAOFEngine_Batched_GroupCommitDurability(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batched.aof")

	e, err := newAOFEngine(path, 8, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("newAOFEngine: %v", err)
	}
	for i := int32(0); i < 100; i++ {
		if err := e.append(i, []byte{byte(i)}); err != nil {
			t.Fatalf("append(%d): %v", i, err)
		}
	}
	if err := e.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	store := NewStore()
	if err := replayAOF(path, store); err != nil {
		t.Fatalf("replayAOF: %v", err)
	}
	if got := store.Len(); got != 100 {
		t.Fatalf("Len() after batched restart = %d; want 100", got)
	}
}

func TestReplayAOF_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idem.aof")

	e, err := newAOFEngine(path, 0, 0)
	if err != nil {
		t.Fatalf("newAOFEngine: %v", err)
	}
	_ = e.append(1, []byte("a"))
	_ = e.append(2, []byte("b"))
	if err := e.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	first := NewStore()
	if err := replayAOF(path, first); err != nil {
		t.Fatalf("first replayAOF: %v", err)
	}
	second := NewStore()
	if err := replayAOF(path, second); err != nil {
		t.Fatalf("second replayAOF: %v", err)
	}

	firstState := map[int32]string{}
	first.Iterate(func(id int32, v []byte) { firstState[id] = string(v) })
	secondState := map[int32]string{}
	second.Iterate(func(id int32, v []byte) { secondState[id] = string(v) })

	if diff := cmp.Diff(firstState, secondState); diff != "" {
		t.Fatalf("replay is not idempotent (-first +second):\n%s", diff)
	}
}

func TestReplayAOF_MissingFileIsNotAnError(t *testing.T) {
	store := NewStore()
	if err := replayAOF(filepath.Join(t.TempDir(), "missing.aof"), store); err != nil {
		t.Fatalf("replayAOF on missing file: %v; want nil", err)
	}
	if store.Len() != 0 {
		t.Fatalf("Len() = %d; want 0 on missing file", store.Len())
	}
}

func TestReplayAOF_CorruptionAbortsWithOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.aof")

	var buf bytes.Buffer
	if err := writeRecord(&buf, 42, []byte("hey")); err != nil {
		t.Fatalf("writeRecord: %v", err)
	}
	raw := buf.Bytes()
	raw[2] ^= 0xFF // flip a byte inside the id field
	if err := os.WriteFile(path, raw, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	store := NewStore()
	err := replayAOF(path, store)
	if err == nil {
		t.Fatalf("replayAOF on corrupted file = nil error; want corruption error")
	}
	var cerr *CorruptionError
	if !errors.As(err, &cerr) {
		t.Fatalf("replayAOF error = %v; want *CorruptionError", err)
	}
	if cerr.Offset < 0 {
		t.Fatalf("CorruptionError.Offset = %d; want a non-negative diagnostic offset", cerr.Offset)
	}
}

func TestAOFEngine_Rewrite_BatchedIsEquivalentToOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rewrite.aof")

	e, err := newAOFEngine(path, 64, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("newAOFEngine: %v", err)
	}

	store := NewStore()
	for i := int32(1); i <= 1000; i++ {
		v := []byte{byte(i), byte(i >> 8)}
		if err := e.append(i, v); err != nil {
			t.Fatalf("append(%d): %v", i, err)
		}
		store.Save(i, v)
	}
	for i := int32(2); i <= 1000; i += 2 {
		if err := e.append(i, []byte("x")); err != nil {
			t.Fatalf("append(%d) overwrite: %v", i, err)
		}
		store.Save(i, []byte("x"))
	}

	if err := e.rewrite(store); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := e.shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	replayed := NewStore()
	if err := replayAOF(path, replayed); err != nil {
		t.Fatalf("replayAOF after rewrite: %v", err)
	}

	want := map[int32]string{}
	store.Iterate(func(id int32, v []byte) { want[id] = string(v) })
	got := map[int32]string{}
	replayed.Iterate(func(id int32, v []byte) { got[id] = string(v) })

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("rewrite changed replayed state (-want +got):\n%s", diff)
	}
}
