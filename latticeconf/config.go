// Package latticeconf defines the embedder-facing configuration struct
// and renders it to the ".info" sidecar file spec.md §6 describes.
// Grounded on server/conf/config.go's config-struct-plus-file shape,
// generalized from the teacher's ini.v1-backed MySQL server config to
// the storage engine's own handful of settings, rendered with
// github.com/pelletier/go-toml (already a teacher dependency, used
// there for its query subpackage) rather than carrying ini.v1 forward
// for a single-file sidecar with no admin surface to query.
package latticeconf

import (
	"os"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/latticedb/lattice/internal/redolog"
	"github.com/latticedb/lattice/internal/txn"
)

// Config describes how to open a database at BaseDir/Name.
type Config struct {
	// BaseDir is the directory holding every file the database owns.
	BaseDir string `toml:"base_dir"`
	// Name is the base filename (without extension); the data file is
	// Name+".db", the lock file Name+".lock", etc.
	Name string `toml:"name"`

	// PageSize is the fixed page size in bytes, 512 B - 64 KiB.
	PageSize uint32 `toml:"page_size"`
	// CacheNodes bounds the node cache's resident page count.
	CacheNodes int `toml:"cache_nodes"`

	// DurabilityMode is the default durability mode for transactions
	// that don't request one explicitly.
	DurabilityMode string `toml:"durability_mode"`
	// DefaultLockMode is the default transaction lock mode.
	DefaultLockMode string `toml:"default_lock_mode"`
	// LockTimeout bounds how long a lock acquisition waits before
	// reporting LockTimeout; zero means try-only, negative means wait
	// indefinitely.
	LockTimeout time.Duration `toml:"lock_timeout"`

	// CheckpointInterval is how often the background checkpointer runs.
	CheckpointInterval time.Duration `toml:"checkpoint_interval"`
	// CheckpointLatchTimeout bounds each attempt of the checkpointer's
	// exponential-backoff exclusive-commit-latch trylock.
	CheckpointLatchTimeout time.Duration `toml:"checkpoint_latch_timeout"`
}

// DefaultConfig returns a Config with the engine's stock settings,
// requiring only BaseDir/Name to be filled in by the embedder.
func DefaultConfig() Config {
	return Config{
		PageSize:               4096,
		CacheNodes:             4096,
		DurabilityMode:         "Sync",
		DefaultLockMode:        "UpgradableRead",
		LockTimeout:            5 * time.Second,
		CheckpointInterval:     30 * time.Second,
		CheckpointLatchTimeout: 2 * time.Second,
	}
}

// DataPath returns the primary data file path, "BaseDir/Name.db".
func (c Config) DataPath() string { return c.BaseDir + string(os.PathSeparator) + c.Name + ".db" }

// LockPath returns the advisory lock file path.
func (c Config) LockPath() string { return c.BaseDir + string(os.PathSeparator) + c.Name + ".lock" }

// InfoPath returns the descriptive ".info" sidecar path.
func (c Config) InfoPath() string { return c.BaseDir + string(os.PathSeparator) + c.Name + ".info" }

// RedoBasePath returns the path prefix redolog rotates "P.redo.N" files
// under.
func (c Config) RedoBasePath() string { return c.BaseDir + string(os.PathSeparator) + c.Name }

// DurabilityModeValue parses DurabilityMode into its redolog.Mode enum.
func (c Config) DurabilityModeValue() redolog.Mode {
	switch c.DurabilityMode {
	case "NoSync":
		return redolog.NoSync
	case "NoFlush":
		return redolog.NoFlush
	case "NoLog":
		return redolog.NoLog
	default:
		return redolog.Sync
	}
}

// LockModeValue parses DefaultLockMode into its txn.LockMode enum.
func (c Config) LockModeValue() txn.LockMode {
	switch c.DefaultLockMode {
	case "ReadCommitted":
		return txn.ReadCommitted
	case "RepeatableRead":
		return txn.RepeatableRead
	case "Unsafe":
		return txn.Unsafe
	default:
		return txn.UpgradableRead
	}
}

// WriteInfoFile renders c to its ".info" sidecar, for operator
// inspection only — it is never read back to configure a running
// process (spec.md §6).
func (c Config) WriteInfoFile() error {
	buf, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.InfoPath(), buf, 0644)
}
