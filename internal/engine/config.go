package engine

import (
	"os"
	"strconv"

	"github.com/loomworks/weft/internal/parallel"
)

// Environment variables honored by the engine and the CLI. Unset or
// invalid values fall back to defaults. Strict envelope construction
// is a separate knob (WEFT_STRICT_ENVELOPE) read by the envelope
// factory itself.
const (
	// EnvStateDB overrides the state database path.
	EnvStateDB = "WEFT_STATE_DB"
	// EnvStateDBAlias is the older name for EnvStateDB, still honored.
	EnvStateDBAlias = "WEFT_STATE_STORE_PATH"
	// EnvBaseDir sets the directory sub-diagram references resolve
	// against.
	EnvBaseDir = "WEFT_BASE_DIR"
	// EnvMaxParallel caps concurrent sub-diagram executions.
	EnvMaxParallel = "WEFT_MAX_PARALLEL_SUBDIAGRAMS"
)

// DefaultStatePath is where executions persist when nothing overrides
// it.
const DefaultStatePath = ".weft/state.db"

// StatePathFromEnv returns the configured state database path.
func StatePathFromEnv() string {
	if p := os.Getenv(EnvStateDB); p != "" {
		return p
	}
	if p := os.Getenv(EnvStateDBAlias); p != "" {
		return p
	}
	return DefaultStatePath
}

// BaseDirFromEnv returns the sub-diagram resolution root, defaulting
// to the working directory.
func BaseDirFromEnv() string {
	if d := os.Getenv(EnvBaseDir); d != "" {
		return d
	}
	return "."
}

// MaxParallelFromEnv returns the sub-diagram concurrency cap.
func MaxParallelFromEnv() int {
	if raw := os.Getenv(EnvMaxParallel); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return parallel.DefaultMaxParallel
}
