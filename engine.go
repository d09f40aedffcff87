// engine.go: persistence façade tying the Store, AOF engine and RDB engine
// together — recovery, compaction and shutdown
package ember

import (
	"fmt"
	"sync"
)

// FatalExit is the default FatalFunc: it matches spec §7's requirement that
// corruption detected during recovery aborts the process rather than
// returning control to a caller that could paper over it.
func FatalExit(err error) {
	panic(err)
}

// Engine is the persistence façade from spec §4.5/§6.4: it owns the Store,
// the AOF engine and the snapshot scheduler, and is the single entry point a
// host process uses. Engine is safe for concurrent use; every exported
// method that touches the Store takes storeMu so the Store itself never has
// to be.
type Engine struct {
	cfg Config

	store   *Store
	storeMu sync.RWMutex

	aof      *aofEngine
	snapshot *snapshotScheduler

	fatal FatalFunc
	log   LogFunc
}

// Open implements spec §4.5's init entry point: load the most recent RDB
// snapshot, start the AOF engine in the mode cfg.FlushInterval selects, then
// replay the AOF on top of the loaded state. The RDB-then-AOF ordering is
// mandatory (spec §2, §4.5): the AOF is authoritative for every record
// written after the last snapshot, so replaying it first would have newer
// writes overwritten by stale snapshot data.
//
// fatal is invoked, instead of returning an error, for corruption detected
// while loading the RDB or replaying the AOF — per spec §7 these are not
// recoverable at the call site. A nil fatal defaults to FatalExit. Tests
// pass a recording FatalFunc so recovery is exercised without aborting the
// test binary.
//
// log is invoked for errors spec §7 treats as non-fatal and log-and-continue
// — currently, only a failed background snapshot tick. It is distinct from
// fatal: a snapshot write failing with ErrIOTransient must not take down a
// process that is otherwise serving reads and writes fine. A nil log
// defaults to DiscardLog.
func Open(cfg Config, fatal FatalFunc, log LogFunc) (*Engine, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if fatal == nil {
		fatal = FatalExit
	}
	if log == nil {
		log = DiscardLog
	}

	store := NewStore()
	loadRDB(cfg.RDBPath, store, fatal)

	aof, err := newAOFEngine(cfg.AOFPath, cfg.RingCapacity, cfg.FlushInterval)
	if err != nil {
		return nil, err
	}

	loadAOF(cfg.AOFPath, store, fatal)

	e := &Engine{
		cfg:   cfg,
		store: store,
		aof:   aof,
		fatal: fatal,
		log:   log,
	}

	if cfg.SnapshotInterval > 0 {
		e.snapshot = newSnapshotScheduler(cfg.RDBPath, e.store, &e.storeMu, cfg.SnapshotInterval, log)
	}

	return e, nil
}

// Put implements spec §4.3's AOF-first durability rule: the record is
// appended to the log, and only once that append (and, in sync-always mode,
// its fsync) succeeds is the Store mutated. A failed append leaves the
// Store untouched and the error surfaces to the caller (spec §7).
//
// storeMu is held across both the append and the Store mutation, not just
// the latter: Compact's batched-mode rewrite rebuilds the replacement log
// from store.Iterate (aof.go's rewrite), so a Put whose append lands in the
// old log but whose Save has not yet run would otherwise have its record
// silently dropped by a concurrent Compact's atomic replace. Holding
// storeMu across both steps serializes every Put against Compact (which
// also holds storeMu for its whole duration), closing that window.
func (e *Engine) Put(id int32, data []byte) error {
	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	if err := e.aof.append(id, data); err != nil {
		return err
	}
	e.store.Save(id, data)
	return nil
}

// Get reads id from the live Store (spec §6.3's `get`). The returned slice
// is a copy; mutating it does not affect the Store.
func (e *Engine) Get(id int32) ([]byte, bool) {
	e.storeMu.RLock()
	defer e.storeMu.RUnlock()

	value, ok := e.store.Get(id)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), value...), true
}

// Remove deletes id, a no-op if absent (spec §6.3). Like the reference's
// storage_remove, this touches only the live Store: the AOF has no
// tombstone record format (spec §3.3's record is a save, not a
// save-or-delete), so a remove is not durable across a crash on its own —
// it becomes durable only once the next Compact rewrites the AOF from the
// Store. A periodic snapshot alone does not make it durable: recovery
// replays the AOF after the RDB, and the key's earlier save record is still
// in the AOF.
func (e *Engine) Remove(id int32) {
	e.storeMu.Lock()
	e.store.Remove(id)
	e.storeMu.Unlock()
}

// Iterate visits every live record under a read lock (spec §6.3's
// `iterate`). fn must not call back into Engine.
func (e *Engine) Iterate(fn IterFunc) {
	e.storeMu.RLock()
	defer e.storeMu.RUnlock()
	e.store.Iterate(fn)
}

// Len reports the number of live keys.
func (e *Engine) Len() int {
	e.storeMu.RLock()
	defer e.storeMu.RUnlock()
	return e.store.Len()
}

// Compact implements spec §4.5/§6.4's compact entry point: an RDB rewrite
// (§4.4.1, in-process rather than a streamed background snapshot) followed
// by an AOF rewrite (§4.3.5). It is safe to call from a request handler
// (spec §6.4), and it takes storeMu for its own RDB dump rather than
// delegating to the background snapshotScheduler, so a Compact call and a
// scheduled snapshot cannot race each other's view of the Store.
func (e *Engine) Compact() error {
	e.storeMu.Lock()
	defer e.storeMu.Unlock()

	if err := writeRDB(e.cfg.RDBPath, e.store); err != nil {
		return fmt.Errorf("ember: compact: rdb: %w", err)
	}
	if err := e.aof.rewrite(e.store); err != nil {
		return fmt.Errorf("ember: compact: aof: %w", err)
	}
	return nil
}

// Close implements spec §4.5/§6.4's shutdown entry point: stop the
// background snapshot timer (spec's host event loop responsibility, done
// here since Engine owns the scheduler it started) and stop the AOF writer,
// closing fds.
func (e *Engine) Close() error {
	if e.snapshot != nil {
		e.snapshot.Stop()
	}
	return e.aof.shutdown()
}
