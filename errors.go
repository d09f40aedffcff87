// errors.go: error taxonomy for the store, AOF and RDB engines
package ember

import (
	"errors"
	"strconv"
)

// Recoverable errors: returned to the caller of Engine.Put or Engine.Compact
// (or passed to the LogFunc for a background snapshot), never
// fatal on their own. A caller that sees one of these should treat the
// request as failed and leave the store untouched.
var (
	// ErrIOTransient wraps a short write or another recoverable fd error
	// encountered while appending a record or writing a snapshot.
	ErrIOTransient = errors.New("ember: transient i/o failure")

	// ErrDiskFull wraps a write that failed with ENOSPC.
	ErrDiskFull = errors.New("ember: disk full")

	// ErrClosed is returned by Engine.Put when the engine has already
	// been shut down.
	ErrClosed = errors.New("ember: engine is closed")
)

// Fatal errors: per spec §7 these abort the process during recovery rather
// than return control to a caller that could paper over a corrupt log or
// snapshot. They are still ordinary Go errors so that FatalFunc and tests
// can inspect them, but the default FatalFunc treats them as unrecoverable.
var (
	// ErrLogCorruption marks a CRC mismatch or short read while replaying
	// the AOF.
	ErrLogCorruption = errors.New("ember: aof corruption detected")

	// ErrSnapshotCorruption marks a CRC footer mismatch while loading an
	// RDB snapshot.
	ErrSnapshotCorruption = errors.New("ember: rdb checksum mismatch")

	// ErrAllocFailure marks an allocation failure. Go's allocator does not
	// return nil on OOM (it panics), so this exists for API completeness
	// with spec §7's error-kind table and for allocator shims that choose
	// to report failure instead of panicking.
	ErrAllocFailure = errors.New("ember: allocation failed")
)

// FatalFunc is invoked for corruption and allocation-failure errors
// encountered during recovery (AOF replay, RDB load). The default,
// FatalExit, matches spec §7's "abort the process with nonzero exit"
// requirement. Tests substitute a recording callback so recovery logic is
// exercised without tearing down the test binary, the same way the teacher
// substitutes Logger.ErrorCallback for its own non-fatal diagnostics.
type FatalFunc func(err error)

// LogFunc is invoked for errors that spec §7 treats as non-fatal and
// log-and-continue, such as a background snapshot tick failing with
// ErrIOTransient: "rewrite errors in compaction are logged and the old
// log/snapshot remain authoritative". Unlike FatalFunc this must never
// abort the process. The default, DiscardLog, matches a host that hasn't
// wired up logging; tests substitute a recording callback.
type LogFunc func(err error)

// DiscardLog is the default LogFunc: it drops the error on the floor. A
// host embedding Engine is expected to supply its own LogFunc wired to its
// logging stack.
func DiscardLog(error) {}

// CorruptionError annotates a fatal corruption error with the byte offset
// it was detected at, carried over from the original C implementation's
// "corrupt at offset %#lx" / "checksum mismatch (computed %#x != %#x)"
// diagnostics (see original_source/src/aof_batch.c, persistence.c).
type CorruptionError struct {
	Err    error
	Offset int64
	Path   string
}

func (e *CorruptionError) Error() string {
	return "ember: " + e.Path + " corrupt at offset " + strconv.FormatInt(e.Offset, 10) + ": " + e.Err.Error()
}

func (e *CorruptionError) Unwrap() error { return e.Err }
