package api

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/configstore"
	"github.com/dreamware/cmm/internal/lobby"
	"github.com/dreamware/cmm/internal/protocol"
)

// Frame tags on the API port.
const (
	tagRequest  uint8 = 1
	tagResponse uint8 = 2
)

// API method names.
const (
	methodNodeID             = "nodeId"
	methodSetEligibility     = "setEligibility"
	methodGetNodes           = "getNodes"
	methodGetMaster          = "getMaster"
	methodGetViceMaster      = "getViceMaster"
	methodRegister           = "register"
	methodUnregister         = "unregister"
	methodGetNotification    = "getNotification"
	methodWipeConfig         = "wipeConfig"
	methodUpdateConfig       = "updateConfig"
	methodStoreConfig        = "storeConfig"
	methodSetActiveDiskCount = "setActiveDiskCount"
	methodGetActiveDiskCount = "getActiveDiskCount"
	methodHasQuorum          = "hasQuorum"
	methodGetVersion         = "getVersion"
)

// request is the JSON body of a request frame. ID is a UUID chosen by the
// client; Seq increases by one per request on a connection.
type request struct {
	Props    configstore.Properties `json:"props,omitempty"`
	ID       string                 `json:"id"`
	Method   string                 `json:"method"`
	Handle   string                 `json:"handle,omitempty"`
	Checksum string                 `json:"checksum,omitempty"`
	Seq      uint64                 `json:"seq"`
	Version  int64                  `json:"version,omitempty"`
	Count    int                    `json:"count,omitempty"`
	File     configstore.ConfigFile `json:"file,omitempty"`
	Eligible bool                   `json:"eligible,omitempty"`
}

// response is the JSON body of a response frame.
type response struct {
	Node    *cluster.Node  `json:"node,omitempty"`
	Event   *lobby.Event   `json:"event,omitempty"`
	ID      string         `json:"id"`
	Code    string         `json:"code,omitempty"`
	Error   string         `json:"error,omitempty"`
	Handle  string         `json:"handle,omitempty"`
	Nodes   []cluster.Node `json:"nodes,omitempty"`
	Seq     uint64         `json:"seq"`
	Version int64          `json:"version,omitempty"`
	Value   int            `json:"value,omitempty"`
	OK      bool           `json:"ok,omitempty"`
}

func (r response) err() error {
	return errorFromCode(r.Code, r.Error)
}

func writeJSON(w io.Writer, tag uint8, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return protocol.WritePacket(w, tag, data)
}

func readJSON(r io.Reader, want uint8, v any) error {
	tag, payload, err := protocol.ReadPacket(r)
	if err != nil {
		return err
	}
	if tag != want {
		return fmt.Errorf("api: unexpected frame tag %d", tag)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("api: decode frame: %w", err)
	}
	return nil
}
