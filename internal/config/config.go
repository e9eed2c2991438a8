package config

import (
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"github.com/itstheanurag/runbox/internal/limits"
	"github.com/koding/multiconfig"
)

type Config struct {
	Server  ServerConfig
	Sandbox SandboxConfig
	Limiter LimiterConfig
	Db      DbConfig
	Log     LogConfig
}

// ServerConfig timeouts are in seconds.
type ServerConfig struct {
	Port            string `default:"8080" flagUsage:"http listen port"`
	ReadTimeout     int    `default:"15"`
	WriteTimeout    int    `default:"120"`
	IdleTimeout     int    `default:"120"`
	ShutdownTimeout int    `default:"30" flagUsage:"seconds to drain requests and dispose sessions"`
}

type SandboxConfig struct {
	Memory           string        `default:"256m" flagUsage:"default container memory ceiling"`
	CPULimit         float64       `default:"1" flagUsage:"default cpu quota in cores"`
	PidsLimit        int64         `default:"64"`
	NoFileLimit      int64         `default:"256"`
	Scratch          string        `default:"64m" flagUsage:"size of the /tmp tmpfs"`
	CompileTimeoutMs int           `default:"10000"`
	RunTimeoutMs     int           `default:"5000"`
	CleanupTimeoutMs int           `default:"2000"`
	IdleTimeout      time.Duration `default:"30m" flagUsage:"stop sessions unused for this long (0 disables)"`
	ReapInterval     time.Duration `default:"1m"`
	PrePull          bool          `flagUsage:"pull every language image at startup"`
	SweepOrphans     bool          `default:"true" flagUsage:"remove leftover managed containers at startup"`
}

type LimiterConfig struct {
	GlobalRPS     float64 `default:"100"`
	TenantRPS     float64 `default:"10"`
	TenantBurst   int     `default:"20"`
	MaxConcurrent int     `default:"50"`
	MaxPerTenant  int     `default:"4" flagUsage:"requests of one tenant in flight, queued ones included"`
}

type DbConfig struct {
	Enabled  bool   `flagUsage:"record execution audit rows in postgres"`
	Host     string `default:"localhost"`
	Port     int    `default:"5432"`
	User     string `default:"runbox"`
	Password string
	Name     string `default:"runbox"`
	SSLMode  string `default:"disable"`
}

type LogConfig struct {
	Level  string `default:"info"`
	Pretty bool   `default:"true"`
}

// LoadConfig reads defaults from struct tags, then RUNBOX_* environment
// variables, then command line flags.
func LoadConfig() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	conf := &Config{}
	loader := multiconfig.MultiLoader(
		&multiconfig.TagLoader{},
		&multiconfig.EnvironmentLoader{
			Prefix:    "RUNBOX",
			CamelCase: true,
		},
		&multiconfig.FlagLoader{
			CamelCase: true,
			EnvPrefix: "RUNBOX",
			Args:      args,
		},
	)
	if err := loader.Load(conf); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if _, err := conf.Sandbox.Defaults(); err != nil {
		return nil, err
	}
	return conf, nil
}

// Defaults converts the sandbox section into limit builder defaults.
func (c SandboxConfig) Defaults() (limits.Defaults, error) {
	memory, err := units.RAMInBytes(c.Memory)
	if err != nil {
		return limits.Defaults{}, fmt.Errorf("invalid sandbox memory %q: %w", c.Memory, err)
	}
	scratch, err := units.RAMInBytes(c.Scratch)
	if err != nil {
		return limits.Defaults{}, fmt.Errorf("invalid sandbox scratch %q: %w", c.Scratch, err)
	}
	return limits.Defaults{
		MemoryBytes:    memory,
		CPUs:           c.CPULimit,
		PidsLimit:      c.PidsLimit,
		NoFileLimit:    c.NoFileLimit,
		ScratchBytes:   scratch,
		CompileTimeout: time.Duration(c.CompileTimeoutMs) * time.Millisecond,
		RunTimeout:     time.Duration(c.RunTimeoutMs) * time.Millisecond,
	}, nil
}

func (c SandboxConfig) CleanupTimeout() time.Duration {
	return time.Duration(c.CleanupTimeoutMs) * time.Millisecond
}
