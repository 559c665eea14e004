package seal

import (
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Argon2idParams controls key-derivation cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
}

// DefaultConfig returns a baseline suitable for an interactive CLI that
// unseals its token file once per process.
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above; safe conversion.
			SaltLength:  16,
		},
	}
}

// FromEnv loads config from environment variables.
//
// Env surface:
// - GOLDVISION_SEAL_MEMORY_KIB
// - GOLDVISION_SEAL_ITERATIONS
// - GOLDVISION_SEAL_PARALLELISM
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v, ok := os.LookupEnv("GOLDVISION_SEAL_MEMORY_KIB"); ok {
		n, err := parseUint32(v, 8*1024, 1024*1024)
		if err != nil {
			return Config{}, fmt.Errorf("GOLDVISION_SEAL_MEMORY_KIB: %w", err)
		}
		cfg.Params.MemoryKiB = n
	}
	if v, ok := os.LookupEnv("GOLDVISION_SEAL_ITERATIONS"); ok {
		n, err := parseUint32(v, 1, 10)
		if err != nil {
			return Config{}, fmt.Errorf("GOLDVISION_SEAL_ITERATIONS: %w", err)
		}
		cfg.Params.Iterations = n
	}
	if v, ok := os.LookupEnv("GOLDVISION_SEAL_PARALLELISM"); ok {
		n, err := parseUint32(v, 1, 16)
		if err != nil {
			return Config{}, fmt.Errorf("GOLDVISION_SEAL_PARALLELISM: %w", err)
		}
		cfg.Params.Parallelism = uint8(n) // #nosec G115 -- bounded to [1..16] above.
	}

	return cfg, nil
}

func parseUint32(raw string, lo, hi uint32) (uint32, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, err
	}
	if n > math.MaxUint32 || uint32(n) < lo || uint32(n) > hi {
		return 0, fmt.Errorf("out of range [%d..%d]: %d", lo, hi, n)
	}
	return uint32(n), nil
}
