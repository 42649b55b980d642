package configstore

import (
	"context"
	"fmt"

	"github.com/dreamware/cmm/internal/cluster"
)

// ChecksumHeader carries the MD5 digest of a config file served to peers.
const ChecksumHeader = "X-Checksum"

// URL returns the address at which a peer serves a numbered config version.
// addr is the peer's HTTP host:port.
func URL(addr string, cfg ConfigFile, version int64) string {
	return fmt.Sprintf("http://%s/config/%s/%d", addr, cfg, version)
}

// Fetch downloads a numbered version of cfg from the peer at addr and
// persists it locally. The primary cluster config is parsed and its checksum
// verified before it is accepted; other files are verified when the peer
// supplies a checksum.
func (s *Store) Fetch(ctx context.Context, addr string, cfg ConfigFile, version int64) error {
	if !cfg.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownFile, cfg)
	}
	body, hdr, err := cluster.GetBytes(ctx, URL(addr, cfg, version))
	if err != nil {
		return fmt.Errorf("configstore: fetch %s.%d from %s: %w", cfg, version, addr, err)
	}

	sum := hdr.Get(ChecksumHeader)
	if cfg == ClusterConfig {
		if _, err := ParseProperties(body); err != nil {
			return fmt.Errorf("configstore: fetch %s.%d from %s: %w", cfg, version, addr, err)
		}
		if sum == "" {
			return fmt.Errorf("%w: %s.%d from %s: no checksum", ErrChecksum, cfg, version, addr)
		}
	}
	if sum != "" && !checksumEqual(sum, Checksum(body)) {
		return fmt.Errorf("%w: %s.%d from %s", ErrChecksum, cfg, version, addr)
	}
	return s.Write(cfg, version, body)
}
