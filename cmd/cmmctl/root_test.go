package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cmm/internal/api"
	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/configstore"
	"github.com/dreamware/cmm/internal/lobby"
)

// fakeNode records calls and answers them from fixed state.
type fakeNode struct {
	events   []lobby.Event
	props    configstore.Properties
	nodes    []cluster.Node
	disks    int
	wiped    int64
	eligible bool
	master   bool
}

func (f *fakeNode) NodeID(context.Context) (int, error) { return 2, nil }

func (f *fakeNode) SetEligibility(_ context.Context, eligible bool) error {
	f.eligible = eligible
	return nil
}

func (f *fakeNode) GetNodes(context.Context) ([]cluster.Node, error) { return f.nodes, nil }

func (f *fakeNode) GetMaster(context.Context) (cluster.Node, bool, error) {
	return f.nodes[0], true, nil
}

func (f *fakeNode) GetViceMaster(context.Context) (cluster.Node, bool, error) {
	return cluster.Node{}, false, nil
}

func (f *fakeNode) Register(context.Context) (string, error) { return "h1", nil }

func (f *fakeNode) Unregister(context.Context, string) error { return nil }

func (f *fakeNode) GetNotification(context.Context, string) (lobby.Event, error) {
	if len(f.events) == 0 {
		return lobby.Event{}, api.ErrUnknownHandle
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, nil
}

func (f *fakeNode) WipeConfig(_ context.Context, _ configstore.ConfigFile, version int64) (int64, error) {
	f.wiped = version
	return 77, nil
}

func (f *fakeNode) UpdateConfig(_ context.Context, _ configstore.ConfigFile, props configstore.Properties) (int64, error) {
	if !f.master {
		return 0, lobby.ErrNotMaster
	}
	f.props = props
	return 1700000000001, nil
}

func (f *fakeNode) StoreConfig(_ context.Context, _ configstore.ConfigFile, version int64, _ string) (int64, error) {
	return version, nil
}

func (f *fakeNode) SetActiveDiskCount(_ context.Context, n int) error {
	f.disks = n
	return nil
}

func (f *fakeNode) GetActiveDiskCount(context.Context) (int, error) { return f.disks, nil }

func (f *fakeNode) HasQuorum(context.Context) (bool, error) { return true, nil }

func (f *fakeNode) GetVersion(context.Context, configstore.ConfigFile) (int64, error) {
	return 1700000000000, nil
}

func useFake(t *testing.T, f *fakeNode) {
	t.Helper()
	old := dial
	dial = func(context.Context, string) (api.API, func() error, error) {
		return f, func() error { return nil }, nil
	}
	t.Cleanup(func() { dial = old })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func newFake() *fakeNode {
	return &fakeNode{
		disks: 4,
		nodes: []cluster.Node{
			{ID: 1, Host: "10.0.0.1", Alive: true, Eligible: true, Master: true, ActiveDisks: 4},
			{ID: 2, Host: "10.0.0.2", Alive: true, Eligible: true, ViceMaster: true, Local: true, ActiveDisks: 4},
			{ID: 3, Host: "10.0.0.3"},
		},
	}
}

func TestNodesTable(t *testing.T) {
	useFake(t, newFake())
	out, err := execute(t, "nodes")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "OFFICE")
	assert.Contains(t, lines[1], "master")
	assert.Contains(t, lines[2], "2 *")
	assert.Contains(t, lines[2], "vicemaster")
	assert.Contains(t, lines[3], "false")
}

func TestNodesJSON(t *testing.T) {
	useFake(t, newFake())
	out, err := execute(t, "--json", "nodes")
	require.NoError(t, err)
	var nodes []cluster.Node
	require.NoError(t, json.Unmarshal([]byte(out), &nodes))
	assert.Len(t, nodes, 3)
}

func TestOffices(t *testing.T) {
	useFake(t, newFake())
	out, err := execute(t, "master")
	require.NoError(t, err)
	assert.Equal(t, "1 10.0.0.1\n", out)

	out, err = execute(t, "vicemaster")
	require.NoError(t, err)
	assert.Equal(t, "none\n", out)

	out, err = execute(t, "quorum")
	require.NoError(t, err)
	assert.Equal(t, "true\n", out)

	out, err = execute(t, "id")
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)
}

func TestSetters(t *testing.T) {
	f := newFake()
	useFake(t, f)

	_, err := execute(t, "eligible", "true")
	require.NoError(t, err)
	assert.True(t, f.eligible)
	_, err = execute(t, "eligible", "maybe")
	assert.Error(t, err)

	_, err = execute(t, "disks", "3")
	require.NoError(t, err)
	assert.Equal(t, 3, f.disks)
	out, err := execute(t, "disks")
	require.NoError(t, err)
	assert.Equal(t, "3\n", out)
	_, err = execute(t, "disks", "-1")
	assert.Error(t, err)
}

func TestConfigCommands(t *testing.T) {
	f := newFake()
	useFake(t, f)

	_, err := execute(t, "update", "cluster", "a=1")
	assert.ErrorIs(t, err, lobby.ErrNotMaster)

	f.master = true
	out, err := execute(t, "update", "cluster", "a=1", "b = two")
	require.NoError(t, err)
	assert.Equal(t, "1700000000001\n", out)
	assert.Equal(t, configstore.Properties{"a": "1", "b": " two"}, f.props)

	_, err = execute(t, "update", "cluster", "novalue")
	assert.Error(t, err)
	_, err = execute(t, "update", "nosuchfile", "a=1")
	assert.ErrorIs(t, err, configstore.ErrUnknownFile)

	out, err = execute(t, "wipe", "metadata", "--version", "55")
	require.NoError(t, err)
	assert.Equal(t, "77\n", out)
	assert.Equal(t, int64(55), f.wiped)

	out, err = execute(t, "store", "multicell", "1234", "abcd")
	require.NoError(t, err)
	assert.Equal(t, "1234\n", out)
	_, err = execute(t, "store", "multicell", "x", "abcd")
	assert.Error(t, err)

	out, err = execute(t, "--json", "version", "cluster")
	require.NoError(t, err)
	var v struct {
		File    string `json:"file"`
		Version int64  `json:"version"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "cluster", v.File)
	assert.Equal(t, int64(1700000000000), v.Version)
}

func TestWatch(t *testing.T) {
	f := newFake()
	f.events = []lobby.Event{
		{Kind: lobby.EventNodeLeft, Node: 3},
		{Kind: lobby.EventLostQuorum},
	}
	useFake(t, f)

	out, err := execute(t, "watch", "-n", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "NODE_LEFT")
	assert.Contains(t, lines[1], "LOST_QUORUM")
}

func TestParseProps(t *testing.T) {
	props, err := parseProps([]string{"x=", "y=a=b"})
	require.NoError(t, err)
	assert.Equal(t, "", props["x"])
	assert.Equal(t, "a=b", props["y"])

	_, err = parseProps([]string{"=v"})
	assert.Error(t, err)
}
