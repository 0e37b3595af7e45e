// Package config loads and validates the solver configuration from YAML.
// ${VAR} references anywhere in the file are expanded from the environment
// before parsing, so tokens never have to live in the file itself.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/flagrace/internal/rotation"
	"github.com/me/flagrace/internal/supervisor"
	"github.com/me/flagrace/pkg/model"
)

// Config is the root configuration.
type Config struct {
	CTFd      CTFdConfig      `yaml:"ctfd"`
	Agents    []AgentConfig   `yaml:"agents"`
	Docker    DockerConfig    `yaml:"docker"`
	Execution ExecutionConfig `yaml:"execution"`
	Server    ServerConfig    `yaml:"server"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Logging   LoggingConfig   `yaml:"logging"`

	// TasksDir is the root under which per-task directories live.
	TasksDir string `yaml:"tasks_dir"`
	// DBPath is the SQLite history database path.
	DBPath string `yaml:"db_path"`
}

// CTFdConfig holds platform connection settings.
type CTFdConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// AgentConfig describes one agent CLI entrant.
type AgentConfig struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"` // selects the credential mounts
	Image   string            `yaml:"image"`
	Command []string          `yaml:"command"`
	Env     map[string]string `yaml:"env"`
	Enabled bool              `yaml:"enabled"`
	// Instances runs the same agent several times in parallel within a
	// round. Zero means one.
	Instances int `yaml:"instances"`
}

// DockerConfig holds container runtime settings shared by all agents.
type DockerConfig struct {
	Network    string `yaml:"network"`
	Memory     string `yaml:"memory"`
	CPUs       int    `yaml:"cpus"`
	Dockerfile string `yaml:"dockerfile"`
	BuildDir   string `yaml:"build_dir"`
}

// ExecutionConfig holds the race and rotation timing policy, in seconds.
type ExecutionConfig struct {
	InitialTimeoutSec   int `yaml:"initial_timeout_sec"`
	TimeoutIncrementSec int `yaml:"timeout_increment_sec"`
	MaxTimeoutSec       int `yaml:"max_timeout_sec"`
	MaxRounds           int `yaml:"max_rounds"`
	NoCandidateLimit    int `yaml:"no_candidate_limit"`
	DuplicateLimit      int `yaml:"duplicate_limit"`
	PollIntervalSec     int `yaml:"poll_interval_sec"`
	GraceWindowSec      int `yaml:"grace_window_sec"`
	WriteupTimeoutSec   int `yaml:"writeup_timeout_sec"`
}

// ServerConfig holds the embedded status API settings.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ArchiveConfig holds the optional S3 artifact archive settings.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, expands, defaults, and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	expanded := envRef.ReplaceAllStringFunc(string(data), func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.TasksDir == "" {
		c.TasksDir = "tasks"
	}
	if c.DBPath == "" {
		c.DBPath = "flagrace.db"
	}
	if c.Docker.Network == "" {
		c.Docker.Network = "bridge"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	e := &c.Execution
	if e.InitialTimeoutSec == 0 {
		e.InitialTimeoutSec = 300
	}
	if e.TimeoutIncrementSec == 0 {
		e.TimeoutIncrementSec = 120
	}
	if e.MaxTimeoutSec == 0 {
		e.MaxTimeoutSec = 900
	}
	if e.MaxRounds == 0 {
		e.MaxRounds = 5
	}
	if e.NoCandidateLimit == 0 {
		e.NoCandidateLimit = 3
	}
	if e.DuplicateLimit == 0 {
		e.DuplicateLimit = 2
	}
	if e.PollIntervalSec == 0 {
		e.PollIntervalSec = 5
	}
	if e.GraceWindowSec == 0 {
		e.GraceWindowSec = 300
	}
	if e.WriteupTimeoutSec == 0 {
		e.WriteupTimeoutSec = 180
	}
}

// Validate checks the configuration for startup-fatal problems.
func (c *Config) Validate() error {
	if len(c.EnabledAgents()) == 0 {
		return &model.ConfigurationError{Field: "agents", Message: "no agents enabled"}
	}
	for _, a := range c.Agents {
		if !a.Enabled {
			continue
		}
		if a.Name == "" {
			return &model.ConfigurationError{Field: "agents.name", Message: "enabled agent has no name"}
		}
		if a.Image == "" {
			return &model.ConfigurationError{Field: "agents.image", Message: fmt.Sprintf("agent %s has no image", a.Name)}
		}
		if len(a.Command) == 0 {
			return &model.ConfigurationError{Field: "agents.command", Message: fmt.Sprintf("agent %s has no command", a.Name)}
		}
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return &model.ConfigurationError{Field: "archive.bucket", Message: "archive enabled without a bucket"}
	}
	return nil
}

// EnabledAgents returns the enabled agents with their instances expanded:
// an agent with Instances 3 yields name, name-2, name-3.
func (c *Config) EnabledAgents() []AgentConfig {
	var out []AgentConfig
	for _, a := range c.Agents {
		if !a.Enabled {
			continue
		}
		n := a.Instances
		if n < 1 {
			n = 1
		}
		for i := 1; i <= n; i++ {
			inst := a
			inst.Instances = 1
			if i > 1 {
				inst.Name = fmt.Sprintf("%s-%d", a.Name, i)
			}
			out = append(out, inst)
		}
	}
	return out
}

// Rotation converts the execution policy into the scheduler configuration.
func (c *Config) Rotation() rotation.Config {
	e := c.Execution
	return rotation.Config{
		InitialTimeout:   time.Duration(e.InitialTimeoutSec) * time.Second,
		TimeoutIncrement: time.Duration(e.TimeoutIncrementSec) * time.Second,
		MaxTimeout:       time.Duration(e.MaxTimeoutSec) * time.Second,
		MaxRounds:        e.MaxRounds,
		NoCandidateLimit: e.NoCandidateLimit,
		DuplicateLimit:   e.DuplicateLimit,
		WriteupTimeout:   time.Duration(e.WriteupTimeoutSec) * time.Second,
	}
}

// Supervisor converts the execution policy into supervisor timings.
func (c *Config) Supervisor() supervisor.Config {
	cfg := supervisor.DefaultConfig()
	cfg.PollInterval = time.Duration(c.Execution.PollIntervalSec) * time.Second
	cfg.GraceWindow = time.Duration(c.Execution.GraceWindowSec) * time.Second
	return cfg
}
