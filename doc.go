// Package ember is a durable, integer-keyed in-memory key-value engine.
//
// Keys are int32 identifiers stored in a Robin-Hood
// open-addressed hash table (Store). Durability is provided by an
// append-only command log (AOF) in either sync-always or batched
// group-commit mode, and by periodic full-state snapshots (RDB) with a
// CRC32C-verified footer. Engine ties the three together: recovery loads
// the most recent RDB snapshot, then replays the AOF on top of it, and
// Compact rewrites both to their minimal current-state form.
//
// # Quick start
//
//	cfg := ember.DefaultConfig("data.aof", "data.rdb")
//	eng, err := ember.Open(cfg, nil, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer eng.Close()
//
//	eng.Put(1, []byte("hello"))
//	value, ok := eng.Get(1)
//
// Engine is safe for concurrent use; Store itself is not and is always
// accessed through Engine's lock.
package ember
