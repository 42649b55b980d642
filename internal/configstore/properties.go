package configstore

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Properties is the content of one config file: a flat map of settings.
type Properties map[string]string

// ParseProperties decodes YAML config content. Empty content yields an empty
// map.
func ParseProperties(data []byte) (Properties, error) {
	props := Properties{}
	if err := yaml.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if props == nil {
		props = Properties{}
	}
	return props, nil
}

// Marshal encodes the properties with sorted keys so equal maps produce
// identical bytes and checksums.
func (p Properties) Marshal() ([]byte, error) {
	if p == nil {
		p = Properties{}
	}
	return yaml.Marshal(map[string]string(p))
}

// Merge returns a copy of p with every key of over applied on top.
func (p Properties) Merge(over Properties) Properties {
	out := make(Properties, len(p)+len(over))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Checksum returns the hex MD5 digest of data.
func Checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// checksumEqual compares two hex digests ignoring case.
func checksumEqual(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
