package lobby

import (
	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/configstore"
)

// Op names a client API operation served by the lobby.
type Op uint8

const (
	OpNodeID Op = iota + 1
	OpSetEligibility
	OpGetNodes
	OpGetMaster
	OpGetViceMaster
	OpWipeConfig
	OpUpdateConfig
	OpStoreConfig
	OpSetActiveDiskCount
	OpGetActiveDiskCount
	OpHasQuorum
	OpGetVersion
)

var opNames = map[Op]string{
	OpNodeID:             "node-id",
	OpSetEligibility:     "set-eligibility",
	OpGetNodes:           "get-nodes",
	OpGetMaster:          "get-master",
	OpGetViceMaster:      "get-vicemaster",
	OpWipeConfig:         "wipe-config",
	OpUpdateConfig:       "update-config",
	OpStoreConfig:        "store-config",
	OpSetActiveDiskCount: "set-active-disk-count",
	OpGetActiveDiskCount: "get-active-disk-count",
	OpHasQuorum:          "has-quorum",
	OpGetVersion:         "get-version",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "op(unknown)"
}

// ConfigChange reports whether the operation replicates a config file around
// the ring.
func (o Op) ConfigChange() bool {
	return o == OpWipeConfig || o == OpUpdateConfig || o == OpStoreConfig
}

// Request is one API call queued for the lobby. Reply must have room for one
// response; the lobby never blocks on it.
type Request struct {
	Reply    chan Response
	Props    configstore.Properties // OpUpdateConfig
	Checksum string                 // OpStoreConfig
	Version  int64                  // OpWipeConfig, OpStoreConfig
	Count    int                    // OpSetActiveDiskCount
	Op       Op
	File     configstore.ConfigFile
	Eligible bool // OpSetEligibility
}

// NewRequest returns a request with a buffered reply channel.
func NewRequest(op Op) Request {
	return Request{Op: op, Reply: make(chan Response, 1)}
}

// Response answers a Request.
type Response struct {
	Err     error
	Nodes   []cluster.Node
	Node    cluster.Node
	Version int64
	Value   int
	OK      bool
}

func (r Request) reply(resp Response) {
	select {
	case r.Reply <- resp:
	default:
	}
}

func (r Request) fail(err error) {
	r.reply(Response{Err: err})
}
