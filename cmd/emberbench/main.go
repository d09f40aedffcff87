// Command emberbench drives an Engine with a configurable write workload and
// reports throughput. The core package's _test.go files carry no throughput
// benchmarks; this program is where throughput is measured.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/emberkv/ember"
)

func main() {
	var (
		dir          = flag.String("dir", "", "working directory for the aof/rdb files (default: a temp dir)")
		ops          = flag.Int("ops", 1_000_000, "number of Put operations to issue")
		valueSize    = flag.Int("value-size", 64, "payload size in bytes")
		flushMs      = flag.Int("flush-ms", 10, "AOF flush interval in milliseconds (0 = sync-always)")
		ringCapacity = flag.Int("ring-capacity", 1<<16, "batched-mode ring buffer capacity")
	)
	flag.Parse()

	workDir := *dir
	if workDir == "" {
		tmp, err := os.MkdirTemp("", "emberbench")
		if err != nil {
			log.Fatalf("emberbench: %v", err)
		}
		defer os.RemoveAll(tmp)
		workDir = tmp
	}

	cfg := ember.DefaultConfig(workDir+"/bench.aof", workDir+"/bench.rdb")
	cfg.RingCapacity = *ringCapacity
	cfg.FlushInterval = time.Duration(*flushMs) * time.Millisecond
	cfg.SnapshotInterval = 0

	eng, err := ember.Open(cfg, func(err error) {
		log.Fatalf("emberbench: fatal during recovery: %v", err)
	}, func(err error) {
		log.Printf("emberbench: background snapshot error: %v", err)
	})
	if err != nil {
		log.Fatalf("emberbench: open: %v", err)
	}
	defer eng.Close()

	payload := make([]byte, *valueSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	start := time.Now()
	for i := 0; i < *ops; i++ {
		if err := eng.Put(int32(i), payload); err != nil {
			log.Fatalf("emberbench: put %d: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	fmt.Printf("mode=%s ops=%d value_size=%d elapsed=%s throughput=%.0f ops/s\n",
		modeName(cfg.FlushInterval), *ops, *valueSize, elapsed, float64(*ops)/elapsed.Seconds())
}

func modeName(flushInterval time.Duration) string {
	if flushInterval == 0 {
		return "sync-always"
	}
	return "batched"
}
