package config

import (
	"time"

	"github.com/dreamware/cmm/internal/cluster"
)

// Version is the software version a node advertises when joining the ring
// unless the configuration overrides it.
const Version = "1.0.0"

// Default returns a Config with the stock tunables. Nodes, NodeID and
// ConfigDir have no useful defaults except for a single local node.
func Default() *Config {
	return &Config{
		Nodes:           "1 127.0.0.1 true",
		NodeID:          1,
		ConfigDir:       "/var/lib/cmm/config",
		SoftwareVersion: Version,
		Ports: cluster.Ports{
			Ring: 8071,
			API:  8072,
			HTTP: 8073,
		},
		Ring: RingConfig{
			HeartbeatInterval: 1 * time.Second,
			HeartbeatTimeout:  2 * time.Second,
			MissLimit:         2,
			ConnectTimeout:    2 * time.Second,
			FlushTimeout:      500 * time.Millisecond,
			LatencyTimeout:    1 * time.Second,
			DiscoveryTimeout:  3 * time.Second,
			RetryInterval:     1 * time.Second,
			ElectionInterval:  1 * time.Second,
			QueueSize:         1024,
		},
		Quorum: QuorumConfig{
			Threshold:    75,
			DisksPerNode: 4,
		},
		Update: UpdateConfig{
			Timeout:      30 * time.Second,
			PhaseTimeout: 5 * time.Second,
			Retries:      3,
			RetryDelay:   1 * time.Second,
			PurgeKeep:    5,
		},
		Supervisor: SupervisorConfig{
			MaxRestarts:     5,
			RestartWindow:   60 * time.Second,
			WatchdogTimeout: 30 * time.Second,
		},
		API: APIConfig{
			MaxOutstanding:       8,
			RequestTimeout:       5 * time.Second,
			ConfigRequestTimeout: 60 * time.Second,
			NotifyTimeout:        30 * time.Second,
			NotifyBuffer:         64,
		},
	}
}
