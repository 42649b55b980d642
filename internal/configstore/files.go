package configstore

import (
	"fmt"
	"strconv"
	"strings"
)

// ConfigFile enumerates the replicated configuration categories. The numeric
// value is the tag carried in protocol messages.
type ConfigFile uint8

const (
	// ClusterConfig holds cluster-wide defaults. It is the primary config and
	// is checksum-validated whenever it is fetched from a peer.
	ClusterConfig ConfigFile = 1
	// MetadataConfig holds the metadata namespace.
	MetadataConfig ConfigFile = 2
	// MultiCellConfig holds multi-cell topology information.
	MultiCellConfig ConfigFile = 3
)

var files = []ConfigFile{ClusterConfig, MetadataConfig, MultiCellConfig}

// Files returns every known config file in tag order.
func Files() []ConfigFile {
	out := make([]ConfigFile, len(files))
	copy(out, files)
	return out
}

// Valid reports whether f is a known config file.
func (f ConfigFile) Valid() bool {
	return f >= ClusterConfig && f <= MultiCellConfig
}

// String returns the short name used on the command line and in URLs.
func (f ConfigFile) String() string {
	switch f {
	case ClusterConfig:
		return "cluster"
	case MetadataConfig:
		return "metadata"
	case MultiCellConfig:
		return "multicell"
	default:
		return "config(" + strconv.Itoa(int(f)) + ")"
	}
}

// FileName returns the canonical file name of the symlink inside the config
// directory.
func (f ConfigFile) FileName() string {
	return f.String() + ".yaml"
}

// ParseConfigFile accepts a short name ("cluster") or a numeric tag ("1").
func ParseConfigFile(s string) (ConfigFile, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	for _, f := range files {
		if s == f.String() || s == f.FileName() {
			return f, nil
		}
	}
	if n, err := strconv.Atoi(s); err == nil && ConfigFile(n).Valid() {
		return ConfigFile(n), nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFile, s)
}
