// Package config loads the node's YAML configuration file, supplied via
// cmd/swarmnode's --config flag as an alternative to the individual CLI
// flags.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fenlake/swarmctl/pkg/cluster"
	"github.com/fenlake/swarmctl/pkg/env"
	"github.com/fenlake/swarmctl/pkg/log"
	"github.com/fenlake/swarmctl/pkg/metricsched"
)

// Role is the node's cluster role.
type Role string

const (
	RoleSingle Role = "single"
	RoleMaster Role = "master"
	RoleWorker Role = "worker"
)

// File is the on-disk shape of --config <path>.
type File struct {
	Role             Role          `yaml:"role"`
	NodeID           string        `yaml:"node_id"`
	MasterAddress    string        `yaml:"master_address"`
	MasterPort       int           `yaml:"master_port"`
	ListenAddress    string        `yaml:"listen_address"`
	ListenPort       int           `yaml:"listen_port"`
	ExpectedWorkers  int           `yaml:"expected_workers"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WorkerTimeout    time.Duration `yaml:"worker_timeout"`
	Scenario         string        `yaml:"scenario"`

	Mode             env.Mode      `yaml:"mode"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	RoundIdleTimeout time.Duration `yaml:"round_idle_timeout"`
	BusIdleTimeout   time.Duration `yaml:"bus_idle_timeout"`
	MaxSteps         uint64        `yaml:"max_steps"`
	SnapshotDir      string        `yaml:"snapshot_dir"`

	MaxAgentErrors int    `yaml:"max_agent_errors"`
	AllocationSeed int64  `yaml:"allocation_seed"`

	LogLevel log.Level `yaml:"log_level"`
	LogJSON  bool      `yaml:"log_json"`

	Metrics []MetricDef `yaml:"metrics"`

	// Agents is the master's agent roster: which agents to run and what
	// type each one is, fed to cluster.Master.Reallocate once the
	// expected worker count has registered.
	Agents []cluster.AgentSpec `yaml:"agents"`
}

// SourceDef is the YAML shape of one metricsched.Source.
type SourceDef struct {
	Kind  metricsched.SourceKind `yaml:"kind"`
	Key   string                 `yaml:"key"`
	Field string                 `yaml:"field"`
}

// MetricDef is the YAML shape of one metricsched.Definition plus the
// collection interval it runs on.
type MetricDef struct {
	Name       string                 `yaml:"name"`
	Sources    []SourceDef            `yaml:"sources"`
	Aggregator metricsched.Aggregator `yaml:"aggregator"`
	Interval   time.Duration          `yaml:"interval"`
	Timeout    time.Duration          `yaml:"timeout"`
}

// Definition converts the YAML shape into the metricsched type.
func (m MetricDef) Definition() metricsched.Definition {
	sources := make([]metricsched.Source, len(m.Sources))
	for i, s := range m.Sources {
		sources[i] = metricsched.Source{Kind: s.Kind, Key: s.Key, Field: s.Field}
	}
	return metricsched.Definition{Name: m.Name, Sources: sources, Aggregator: m.Aggregator, Timeout: m.Timeout}
}

// Load reads and parses a YAML config file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return &f, nil
}

// EnvConfig builds an env.Config from the loaded file.
func (f *File) EnvConfig(trailID string) env.Config {
	return env.Config{
		TrailID:           trailID,
		Mode:              f.Mode,
		TickInterval:      f.TickInterval,
		RoundIdleTimeout:  f.RoundIdleTimeout,
		BusIdleTimeout:    f.BusIdleTimeout,
		MaxSteps:          f.MaxSteps,
		SnapshotEveryStep: true,
	}
}
