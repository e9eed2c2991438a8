// Package limits turns a language recipe and the sandbox-wide defaults into
// the concrete isolation profile and wall-clock budget for one container.
package limits

import (
	"time"

	"github.com/itstheanurag/runbox/internal/languages"
)

const (
	MiB = 1024 * 1024

	MinMemoryBytes  = 16 * MiB
	MinCPUs         = 0.1
	MinPidsLimit    = 8
	MinNoFileLimit  = 32
	MinScratchBytes = 1 * MiB
	MinTimeout      = 100 * time.Millisecond
)

// Defaults are the values used when a language does not override them.
type Defaults struct {
	MemoryBytes    int64
	CPUs           float64
	PidsLimit      int64
	NoFileLimit    int64
	ScratchBytes   int64
	CompileTimeout time.Duration
	RunTimeout     time.Duration
}

// DefaultDefaults mirrors the configuration defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		MemoryBytes:    256 * MiB,
		CPUs:           1,
		PidsLimit:      64,
		NoFileLimit:    256,
		ScratchBytes:   64 * MiB,
		CompileTimeout: 10 * time.Second,
		RunTimeout:     5 * time.Second,
	}
}

// Profile is the host-level constraint set applied to a container.
type Profile struct {
	MemoryBytes     int64
	MemorySwapBytes int64
	NanoCPUs        int64
	PidsLimit       int64
	NoFileLimit     int64
	ScratchBytes    int64
	CapDrop         []string
	SecurityOpt     []string
}

type Timeouts struct {
	Compile time.Duration
	Run     time.Duration
}

// Build merges the language overrides over d and applies the floors.
func Build(lang languages.Language, d Defaults) (Profile, Timeouts) {
	o := lang.Config.Limits

	memory := floorInt(pickInt(o.MemoryBytes, d.MemoryBytes), MinMemoryBytes)
	cpus := pickFloat(o.CPUs, d.CPUs)
	if cpus < MinCPUs {
		cpus = MinCPUs
	}

	p := Profile{
		MemoryBytes: memory,
		// swap equal to memory means no swap at all
		MemorySwapBytes: memory,
		NanoCPUs:        int64(cpus * 1e9),
		PidsLimit:       floorInt(pickInt(o.PidsLimit, d.PidsLimit), MinPidsLimit),
		NoFileLimit:     floorInt(pickInt(o.NoFileLimit, d.NoFileLimit), MinNoFileLimit),
		ScratchBytes:    floorInt(pickInt(o.ScratchBytes, d.ScratchBytes), MinScratchBytes),
		CapDrop:         []string{"ALL"},
		SecurityOpt:     []string{"no-new-privileges"},
	}

	t := Timeouts{
		Compile: floorDuration(pickMs(lang.Config.Timeouts.CompileMs, d.CompileTimeout), MinTimeout),
		Run:     floorDuration(pickMs(lang.Config.Timeouts.RunMs, d.RunTimeout), MinTimeout),
	}
	return p, t
}

func pickInt(override, def int64) int64 {
	if override > 0 {
		return override
	}
	return def
}

func pickFloat(override, def float64) float64 {
	if override > 0 {
		return override
	}
	return def
}

func pickMs(override int, def time.Duration) time.Duration {
	if override > 0 {
		return time.Duration(override) * time.Millisecond
	}
	return def
}

func floorInt(v, min int64) int64 {
	if v < min {
		return min
	}
	return v
}

func floorDuration(v, min time.Duration) time.Duration {
	if v < min {
		return min
	}
	return v
}
