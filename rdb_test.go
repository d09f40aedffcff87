package ember

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRDB_DumpLoadRoundTrip(t *testing.T) {
	store := NewStore()
	want := map[int32]string{}
	for i := int32(0); i < 500; i++ {
		v := fmt.Sprintf("payload-%d", i)
		store.Save(i, []byte(v))
		want[i] = v
	}

	path := filepath.Join(t.TempDir(), "snap.rdb")
	if err := writeRDB(path, store); err != nil {
		t.Fatalf("writeRDB: %v", err)
	}

	loaded := NewStore()
	loadRDB(path, loaded, func(err error) { t.Fatalf("unexpected fatal: %v", err) })

	got := map[int32]string{}
	loaded.Iterate(func(id int32, v []byte) { got[id] = string(v) })
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("rdb round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRDB_MissingFileIsNotAnError(t *testing.T) {
	store := NewStore()
	loadRDB(filepath.Join(t.TempDir(), "missing.rdb"), store, func(err error) {
		t.Fatalf("unexpected fatal on missing file: %v", err)
	})
	if store.Len() != 0 {
		t.Fatalf("Len() = %d; want 0", store.Len())
	}
}

func TestLoadRDB_FooterMismatchIsFatal(t *testing.T) {
	store := NewStore()
	store.Save(1, []byte("x"))

	path := filepath.Join(t.TempDir(), "bad.rdb")
	if err := writeRDB(path, store); err != nil {
		t.Fatalf("writeRDB: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	raw[0] ^= 0xFF // corrupt the first byte of the first record's id field

	if err := os.WriteFile(path, raw, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var fatalErr error
	loaded := NewStore()
	loadRDB(path, loaded, func(err error) { fatalErr = err })

	if fatalErr == nil {
		t.Fatalf("loadRDB on corrupted record = no fatal call; want ErrSnapshotCorruption")
	}
	if !errors.Is(fatalErr, ErrSnapshotCorruption) {
		t.Fatalf("fatal error = %v; want wrapping ErrSnapshotCorruption", fatalErr)
	}
}

func TestSnapshotScheduler_PeriodicSnapshotProducesLoadableFile(t *testing.T) {
	store := NewStore()
	store.Save(1, []byte("a"))

	path := filepath.Join(t.TempDir(), "periodic.rdb")
	var storeMu sync.RWMutex
	sched := newSnapshotScheduler(path, store, &storeMu, time.Hour, func(err error) {
		t.Fatalf("unexpected fatal: %v", err)
	})
	sched.tick()
	sched.Stop()

	loaded := NewStore()
	loadRDB(path, loaded, func(err error) { t.Fatalf("unexpected fatal loading: %v", err) })
	if v, ok := loaded.Get(1); !ok || string(v) != "a" {
		t.Fatalf("Get(1) after periodic snapshot = %q, %v; want a, true", v, ok)
	}
}
