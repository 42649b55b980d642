package cluster

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidNodeList is returned when the static node list cannot be parsed.
var ErrInvalidNodeList = errors.New("cluster: invalid node list")

// ParseNodeList parses the static node list, a comma separated list of
// "id host eligible" triples such as "1 10.0.0.1 true, 2 10.0.0.2:9071 false".
// The returned nodes keep the configured order in RingIndex.
func ParseNodeList(s string) ([]Node, error) {
	var nodes []Node
	seen := make(map[int]bool)

	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Fields(entry)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: %q: want \"id host eligible\"", ErrInvalidNodeList, entry)
		}
		id, err := strconv.Atoi(fields[0])
		if err != nil || id < 0 {
			return nil, fmt.Errorf("%w: %q: bad node id", ErrInvalidNodeList, entry)
		}
		eligible, err := strconv.ParseBool(fields[2])
		if err != nil {
			return nil, fmt.Errorf("%w: %q: bad eligibility flag", ErrInvalidNodeList, entry)
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate node id %d", ErrInvalidNodeList, id)
		}
		seen[id] = true
		nodes = append(nodes, Node{
			ID:        id,
			Host:      fields[1],
			RingIndex: len(nodes),
			Eligible:  eligible,
		})
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrInvalidNodeList)
	}
	return nodes, nil
}
