// config.go: engine configuration, parsing and the JSONC config-file loader
package ember

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tailscale/hujson"
)

// Config is the configuration surface from spec §6.5. Zero values are not
// valid on their own; build one with DefaultConfig or LoadConfigFile and
// override fields from there.
type Config struct {
	// AOFPath is the file used for the append-only command log.
	AOFPath string `json:"aof_path"`

	// RDBPath is the file used for periodic full-state snapshots.
	RDBPath string `json:"rdb_path"`

	// RingCapacity is the batched-mode ring buffer size. Rounded up to the
	// next power of two >= 1 (spec §6.5); ignored when FlushInterval is 0.
	RingCapacity int `json:"ring_capacity"`

	// FlushInterval selects the AOF mode: 0 means sync-always (each Put
	// durable before it returns), >0 means batched group-commit with this
	// interval as the upper bound on durability latency (spec §4.3).
	FlushInterval time.Duration `json:"-"`

	// FlushIntervalStr is FlushInterval expressed as a string ("0",
	// "10ms", "5s") for JSONC config files, parsed with ParseDuration.
	FlushIntervalStr string `json:"flush_interval"`

	// SnapshotInterval is the period of the background RDB snapshot timer
	// (spec §4.4.3). Zero disables periodic snapshots entirely; Compact
	// can still be called explicitly.
	SnapshotInterval time.Duration `json:"-"`

	// SnapshotIntervalStr is SnapshotInterval as a string, parsed the same
	// way as FlushIntervalStr.
	SnapshotIntervalStr string `json:"snapshot_interval"`
}

// Multi-writer sharing is out of scope (spec §9's open concern): Config
// describes one process's view of one AOF/RDB path pair. Running several
// processes against the same paths gives sharded, not replicated,
// semantics per spec §5 and is the caller's responsibility to avoid or
// document.

// defaultRingCapacity mirrors original_source/src/persistence.c's
// AOF_init(aof_path, 1 << 16, aof_flush_ms) call.
const defaultRingCapacity = 1 << 16

// defaultSyncAlwaysHousekeepingInterval mirrors aof_batch.c's
// `flush_ms = mode_always ? 1000 : interval_ms`: a sync-always aofEngine
// records it as its flushMs. No writer goroutine runs in sync-always mode,
// so nothing waits on this interval.
const defaultSyncAlwaysHousekeepingInterval = 1000 * time.Millisecond

// DefaultConfig returns a Config with batched-mode defaults: a 64k-entry
// ring and a 10ms flush interval, matching a typical group-commit setup.
func DefaultConfig(aofPath, rdbPath string) Config {
	return Config{
		AOFPath:          aofPath,
		RDBPath:          rdbPath,
		RingCapacity:     defaultRingCapacity,
		FlushInterval:    10 * time.Millisecond,
		SnapshotInterval: 5 * time.Minute,
	}
}

// normalize fills in FlushInterval/SnapshotInterval from their string forms
// when the string form was set and the duration form was not, and applies
// the ring-capacity default and power-of-two rounding from spec §6.5.
func (c *Config) normalize() error {
	if c.FlushInterval == 0 && c.FlushIntervalStr != "" {
		d, err := ParseDuration(c.FlushIntervalStr)
		if err != nil {
			return fmt.Errorf("ember: invalid flush_interval %q: %w", c.FlushIntervalStr, err)
		}
		c.FlushInterval = d
	}
	if c.SnapshotInterval == 0 && c.SnapshotIntervalStr != "" {
		d, err := ParseDuration(c.SnapshotIntervalStr)
		if err != nil {
			return fmt.Errorf("ember: invalid snapshot_interval %q: %w", c.SnapshotIntervalStr, err)
		}
		c.SnapshotInterval = d
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = defaultRingCapacity
	}
	c.RingCapacity = int(nextPowerOfTwo(uint64(c.RingCapacity)))
	return nil
}

// nextPowerOfTwo rounds x up to the next power of two >= 1 (spec §6.5's
// "ring capacity... rounded up to next power of two >= 1").
func nextPowerOfTwo(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	p := uint64(1)
	for p < x {
		p <<= 1
	}
	return p
}

// LoadConfigFile reads a JSONC (JSON with comments and trailing commas)
// config file, in the style of calvinalkan-agent-task/config.go's
// hujson.Standardize + json.Unmarshal pipeline. A missing file is not an
// error: callers get DefaultConfig(aofPath, rdbPath) instead, matching that
// grounding file's mustExist=false behavior.
func LoadConfigFile(path, aofPath, rdbPath string) (Config, error) {
	cfg := DefaultConfig(aofPath, rdbPath)

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("ember: reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("ember: invalid JSONC in %s: %w", path, err)
	}

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("ember: invalid JSON in %s: %w", path, err)
	}
	if cfg.AOFPath == "" {
		cfg.AOFPath = aofPath
	}
	if cfg.RDBPath == "" {
		cfg.RDBPath = rdbPath
	}
	// Durations given in the file replace the defaults prefilled above;
	// normalize only parses a string form when the duration form is zero.
	if cfg.FlushIntervalStr != "" {
		cfg.FlushInterval = 0
	}
	if cfg.SnapshotIntervalStr != "" {
		cfg.SnapshotInterval = 0
	}

	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// defaultRetryCount and defaultRetryDelay bound RetryFileOperation's
// backoff: short enough that a genuinely broken path still fails fast.
const (
	defaultRetryCount = 3
	defaultRetryDelay = 10 * time.Millisecond
)

// RetryFileOperation retries a file operation a bounded number of times with
// a fixed delay between attempts, for the same reason the teacher's
// config.go carries it: opening the AOF file can race a transient
// antivirus scan, network-share hiccup or overlay-fs quirk that clears up on
// its own within milliseconds. It does not distinguish transient from
// permanent errors; a permanent error just burns retryCount attempts before
// surfacing.
func RetryFileOperation(operation func() error, retryCount int, retryDelay time.Duration) error {
	if retryCount <= 0 {
		retryCount = defaultRetryCount
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	var lastErr error
	for i := 0; i < retryCount; i++ {
		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if i < retryCount-1 {
			time.Sleep(retryDelay)
		}
	}
	return fmt.Errorf("ember: operation failed after %d retries: %w", retryCount, lastErr)
}

// ParseDuration converts duration strings like "7d", "24h", "10ms" to a
// time.Duration. Adapted from the teacher's config.go ParseDuration: Go
// standard durations are tried first, then day ("d") and week ("w")
// suffixes on top.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	lower := strings.ToLower(s)

	var multiplier time.Duration
	var numStr string

	switch {
	case strings.HasSuffix(lower, "d"):
		multiplier = 24 * time.Hour
		numStr = lower[:len(lower)-1]
	case strings.HasSuffix(lower, "w"):
		multiplier = 7 * 24 * time.Hour
		numStr = lower[:len(lower)-1]
	default:
		return 0, fmt.Errorf("unknown duration suffix in %q", s)
	}

	val, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration number in %q: %w", s, err)
	}

	return time.Duration(val) * multiplier, nil
}
