package limits

import (
	"testing"
	"time"

	"github.com/itstheanurag/runbox/internal/languages"
)

func TestBuildMerge(t *testing.T) {
	d := DefaultDefaults()

	tests := []struct {
		name        string
		limits      languages.Limits
		timeouts    languages.Timeouts
		wantMemory  int64
		wantNano    int64
		wantPids    int64
		wantNoFile  int64
		wantScratch int64
		wantCompile time.Duration
		wantRun     time.Duration
	}{
		{
			name:        "defaults",
			wantMemory:  256 * MiB,
			wantNano:    1e9,
			wantPids:    64,
			wantNoFile:  256,
			wantScratch: 64 * MiB,
			wantCompile: 10 * time.Second,
			wantRun:     5 * time.Second,
		},
		{
			name:        "overrides",
			limits:      languages.Limits{MemoryBytes: 512 * MiB, CPUs: 0.5, PidsLimit: 128, NoFileLimit: 64, ScratchBytes: 8 * MiB},
			timeouts:    languages.Timeouts{CompileMs: 30000, RunMs: 2000},
			wantMemory:  512 * MiB,
			wantNano:    5e8,
			wantPids:    128,
			wantNoFile:  64,
			wantScratch: 8 * MiB,
			wantCompile: 30 * time.Second,
			wantRun:     2 * time.Second,
		},
		{
			name:        "floors",
			limits:      languages.Limits{MemoryBytes: 1024, CPUs: 0.01, PidsLimit: 1, NoFileLimit: 3, ScratchBytes: 10},
			timeouts:    languages.Timeouts{CompileMs: 1, RunMs: 5},
			wantMemory:  MinMemoryBytes,
			wantNano:    1e8,
			wantPids:    MinPidsLimit,
			wantNoFile:  MinNoFileLimit,
			wantScratch: MinScratchBytes,
			wantCompile: MinTimeout,
			wantRun:     MinTimeout,
		},
	}

	for _, tt := range tests {
		tt := tt // per-iteration copy (go directive is below 1.22)
		t.Run(tt.name, func(t *testing.T) {
			lang := languages.Language{ID: "x", Config: languages.RuntimeConfig{Limits: tt.limits, Timeouts: tt.timeouts}}
			p, to := Build(lang, d)
			if p.MemoryBytes != tt.wantMemory || p.MemorySwapBytes != tt.wantMemory {
				t.Fatalf("memory = %d/%d, want %d", p.MemoryBytes, p.MemorySwapBytes, tt.wantMemory)
			}
			if p.NanoCPUs != tt.wantNano {
				t.Fatalf("nano cpus = %d, want %d", p.NanoCPUs, tt.wantNano)
			}
			if p.PidsLimit != tt.wantPids || p.NoFileLimit != tt.wantNoFile || p.ScratchBytes != tt.wantScratch {
				t.Fatalf("got pids=%d nofile=%d scratch=%d", p.PidsLimit, p.NoFileLimit, p.ScratchBytes)
			}
			if to.Compile != tt.wantCompile || to.Run != tt.wantRun {
				t.Fatalf("timeouts = %+v", to)
			}
		})
	}
}

func TestBuildDegenerateDefaults(t *testing.T) {
	p, to := Build(languages.Language{}, Defaults{})
	if p.MemoryBytes < MinMemoryBytes || p.NanoCPUs < int64(MinCPUs*1e9) || p.PidsLimit < MinPidsLimit {
		t.Fatalf("floors not applied: %+v", p)
	}
	if to.Compile < MinTimeout || to.Run < MinTimeout {
		t.Fatalf("timeout floors not applied: %+v", to)
	}
}

func TestEveryLanguageRespectsFloors(t *testing.T) {
	for _, lang := range languages.NewRegistry().List() {
		p, to := Build(lang, DefaultDefaults())
		if p.MemoryBytes < MinMemoryBytes {
			t.Errorf("%s: memory %d below floor", lang.ID, p.MemoryBytes)
		}
		if p.MemorySwapBytes < p.MemoryBytes {
			t.Errorf("%s: swap ceiling below memory", lang.ID)
		}
		if p.NanoCPUs < int64(MinCPUs*1e9) {
			t.Errorf("%s: cpu %d below floor", lang.ID, p.NanoCPUs)
		}
		if p.PidsLimit < MinPidsLimit || p.NoFileLimit < MinNoFileLimit || p.ScratchBytes < MinScratchBytes {
			t.Errorf("%s: ceiling below floor: %+v", lang.ID, p)
		}
		if len(p.CapDrop) == 0 || p.CapDrop[0] != "ALL" {
			t.Errorf("%s: capabilities not dropped", lang.ID)
		}
		if len(p.SecurityOpt) == 0 || p.SecurityOpt[0] != "no-new-privileges" {
			t.Errorf("%s: privilege escalation not disabled", lang.ID)
		}
		if to.Compile < MinTimeout || to.Run < MinTimeout {
			t.Errorf("%s: timeouts below floor: %+v", lang.ID, to)
		}
	}
}
