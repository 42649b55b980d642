// Package config holds the static configuration of a CMM node: the node list,
// listener ports and every protocol tunable.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/cmm/internal/cluster"
)

// ErrInvalidConfig is returned by Validate when a setting is out of range.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete static configuration of one node.
type Config struct {
	Nodes           string           `yaml:"nodes"`             // "id host eligible" triples, comma separated
	ConfigDir       string           `yaml:"config_dir"`        // directory holding versioned config files
	SoftwareVersion string           `yaml:"software_version"`  // must match across the ring
	PowerOffCommand string           `yaml:"power_off_command"` // run before exiting on a fatal error
	Ports           cluster.Ports    `yaml:"ports"`
	Ring            RingConfig       `yaml:"ring"`
	Quorum          QuorumConfig     `yaml:"quorum"`
	Update          UpdateConfig     `yaml:"update"`
	Supervisor      SupervisorConfig `yaml:"supervisor"`
	API             APIConfig        `yaml:"api"`
	NodeID          int              `yaml:"node_id"`
}

// RingConfig holds the sender/receiver and discovery timing.
type RingConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	FlushTimeout      time.Duration `yaml:"flush_timeout"`
	LatencyTimeout    time.Duration `yaml:"latency_timeout"`   // discovery period
	DiscoveryTimeout  time.Duration `yaml:"discovery_timeout"` // silence before any node starts discovery
	RetryInterval     time.Duration `yaml:"retry_interval"`    // pause between full connect cycles
	ElectionInterval  time.Duration `yaml:"election_interval"` // minimum gap between applications per office
	MissLimit         int           `yaml:"miss_limit"`        // consecutive missed heartbeat windows
	QueueSize         int           `yaml:"queue_size"`
}

// QuorumConfig defines when the cluster has enough disks to operate.
type QuorumConfig struct {
	Threshold    int `yaml:"threshold"` // percent of all configured disks
	DisksPerNode int `yaml:"disks_per_node"`
}

// UpdateConfig tunes the two-phase config replication.
type UpdateConfig struct {
	Timeout      time.Duration `yaml:"timeout"`       // in-flight update expires after this
	PhaseTimeout time.Duration `yaml:"phase_timeout"` // update or commit must circulate within this
	RetryDelay   time.Duration `yaml:"retry_delay"`
	Retries      int           `yaml:"retries"`
	PurgeKeep    int           `yaml:"purge_keep"`
}

// SupervisorConfig bounds crash-restart behaviour.
type SupervisorConfig struct {
	RestartWindow   time.Duration `yaml:"restart_window"`
	WatchdogTimeout time.Duration `yaml:"watchdog_timeout"`
	MaxRestarts     int           `yaml:"max_restarts"`
}

// APIConfig tunes the client API.
type APIConfig struct {
	RequestTimeout       time.Duration `yaml:"request_timeout"`
	ConfigRequestTimeout time.Duration `yaml:"config_request_timeout"`
	NotifyTimeout        time.Duration `yaml:"notify_timeout"`
	MaxOutstanding       int           `yaml:"max_outstanding"`
	NotifyBuffer         int           `yaml:"notify_buffer"`
}

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment using lookup, which is
// normally os.Getenv.
//
// Recognised variables:
//   - CMM_NODE_ID: local node id
//   - CMM_NODES: node list
//   - CMM_CONFIG_DIR: versioned config directory
//   - CMM_SOFTWARE_VERSION: software version string
//   - CMM_QUORUM_THRESHOLD: quorum percentage
//   - CMM_DISKS_PER_NODE: disks per node
func (c *Config) ApplyEnv(lookup func(string) string) error {
	if v := lookup("CMM_NODE_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: CMM_NODE_ID %q", ErrInvalidConfig, v)
		}
		c.NodeID = id
	}
	if v := lookup("CMM_NODES"); v != "" {
		c.Nodes = v
	}
	if v := lookup("CMM_CONFIG_DIR"); v != "" {
		c.ConfigDir = v
	}
	if v := lookup("CMM_SOFTWARE_VERSION"); v != "" {
		c.SoftwareVersion = v
	}
	if v := lookup("CMM_QUORUM_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: CMM_QUORUM_THRESHOLD %q", ErrInvalidConfig, v)
		}
		c.Quorum.Threshold = n
	}
	if v := lookup("CMM_DISKS_PER_NODE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: CMM_DISKS_PER_NODE %q", ErrInvalidConfig, v)
		}
		c.Quorum.DisksPerNode = n
	}
	return nil
}

// ParseNodes parses the node list and checks that the local node is present.
func (c *Config) ParseNodes() ([]cluster.Node, error) {
	nodes, err := cluster.ParseNodeList(c.Nodes)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.ID == c.NodeID {
			return nodes, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", cluster.ErrLocalNodeMissing, c.NodeID)
}

// NewTable parses the node list into a fresh node table.
func (c *Config) NewTable() (*cluster.Table, error) {
	nodes, err := c.ParseNodes()
	if err != nil {
		return nil, err
	}
	return cluster.NewTable(nodes, c.NodeID)
}

// Validate checks every setting for consistency.
func (c *Config) Validate() error {
	if _, err := c.ParseNodes(); err != nil {
		return err
	}
	if c.ConfigDir == "" {
		return fmt.Errorf("%w: config_dir is required", ErrInvalidConfig)
	}
	if c.Ports.Ring <= 0 || c.Ports.API <= 0 || c.Ports.HTTP <= 0 {
		return fmt.Errorf("%w: ports must be positive", ErrInvalidConfig)
	}
	if c.Ring.HeartbeatInterval <= 0 || c.Ring.HeartbeatTimeout < c.Ring.HeartbeatInterval {
		return fmt.Errorf("%w: heartbeat timeout must be at least the heartbeat interval", ErrInvalidConfig)
	}
	if c.Ring.MissLimit < 1 {
		return fmt.Errorf("%w: miss_limit must be at least 1", ErrInvalidConfig)
	}
	if c.Ring.ConnectTimeout <= 0 || c.Ring.FlushTimeout <= 0 || c.Ring.LatencyTimeout <= 0 {
		return fmt.Errorf("%w: ring timeouts must be positive", ErrInvalidConfig)
	}
	if c.Ring.DiscoveryTimeout < c.Ring.LatencyTimeout {
		return fmt.Errorf("%w: discovery_timeout must be at least latency_timeout", ErrInvalidConfig)
	}
	if c.Quorum.Threshold < 0 || c.Quorum.Threshold > 100 {
		return fmt.Errorf("%w: quorum threshold %d not in [0,100]", ErrInvalidConfig, c.Quorum.Threshold)
	}
	if c.Quorum.DisksPerNode < 0 {
		return fmt.Errorf("%w: disks_per_node must not be negative", ErrInvalidConfig)
	}
	if c.Update.Retries < 1 || c.Update.PurgeKeep < 1 {
		return fmt.Errorf("%w: update retries and purge_keep must be at least 1", ErrInvalidConfig)
	}
	if c.Supervisor.MaxRestarts < 0 || c.Supervisor.RestartWindow <= 0 {
		return fmt.Errorf("%w: invalid restart budget", ErrInvalidConfig)
	}
	if c.API.MaxOutstanding < 1 {
		return fmt.Errorf("%w: max_outstanding must be at least 1", ErrInvalidConfig)
	}
	return nil
}
