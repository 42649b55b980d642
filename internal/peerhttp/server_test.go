package peerhttp

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/cmm"
	"github.com/dreamware/cmm/internal/config"
	"github.com/dreamware/cmm/internal/configstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type source struct {
	rt     *cmm.Context
	alarms int64
}

func (s source) Current() *cmm.Context { return s.rt }
func (s source) Alarms() int64         { return s.alarms }

func newRuntime(t *testing.T) *cmm.Context {
	t.Helper()
	cfg := config.Default()
	cfg.Nodes = "1 10.0.0.1 true, 2 10.0.0.2 true"
	cfg.NodeID = 1
	cfg.ConfigDir = t.TempDir()
	table, err := cfg.NewTable()
	require.NoError(t, err)
	store, err := configstore.New(cfg.ConfigDir, cfg.Update.PurgeKeep)
	require.NoError(t, err)
	return cmm.New(cfg, table, store)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestServeConfigVersions(t *testing.T) {
	rt := newRuntime(t)
	v, err := rt.Store.CreateFile(configstore.ClusterConfig, configstore.Properties{"name": "alpha"})
	require.NoError(t, err)
	require.NoError(t, rt.Store.Activate(configstore.ClusterConfig, v))
	data, err := rt.Store.Read(configstore.ClusterConfig, v)
	require.NoError(t, err)

	r := NewRouter(rt.Store, source{rt: rt})

	w := get(t, r, configstore.URL("x", configstore.ClusterConfig, v)[len("http://x"):])
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, data, w.Body.Bytes())
	assert.Equal(t, configstore.Checksum(data), w.Header().Get(configstore.ChecksumHeader))

	w = get(t, r, "/config/cluster")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, data, w.Body.Bytes())
	assert.NotEmpty(t, w.Header().Get(VersionHeader))

	assert.Equal(t, http.StatusNotFound, get(t, r, "/config/metadata").Code)
	assert.Equal(t, http.StatusNotFound, get(t, r, "/config/cluster/42").Code)
	assert.Equal(t, http.StatusNotFound, get(t, r, "/config/bogus/1").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, r, "/config/cluster/abc").Code)

	w = get(t, r, "/versions")
	require.Equal(t, http.StatusOK, w.Code)
	var versions map[string]int64
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &versions))
	assert.Equal(t, v, versions["cluster"])
}

func TestPeersFetchFromRouter(t *testing.T) {
	master := newRuntime(t)
	v, err := master.Store.CreateFile(configstore.ClusterConfig, configstore.Properties{"mode": "fast"})
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(master.Store, source{rt: master}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	peer := newRuntime(t)
	require.NoError(t, peer.Store.Fetch(context.Background(), addr, configstore.ClusterConfig, v))
	require.NoError(t, peer.Store.Activate(configstore.ClusterConfig, v))
	props, err := peer.Store.Properties(configstore.ClusterConfig)
	require.NoError(t, err)
	assert.Equal(t, "fast", props["mode"])
}

func TestHealthAndNodes(t *testing.T) {
	rt := newRuntime(t)
	require.NoError(t, rt.Table.SetAlive(2, true))
	require.NoError(t, rt.Table.SetOffice(cluster.OfficeMaster, 1))
	rt.Link.Up(2)

	srv := httptest.NewServer(NewRouter(rt.Store, source{rt: rt, alarms: 3}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")
	ctx := context.Background()

	h, err := GetHealth(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Node)
	assert.Equal(t, 1, h.Master)
	assert.Zero(t, h.ViceMaster)
	assert.True(t, h.Linked)
	assert.Equal(t, 2, h.Peer)
	assert.Equal(t, 2, h.Active)
	assert.Equal(t, int64(3), h.Alarms)

	nodes, err := Nodes(ctx, addr)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.True(t, nodes[0].Master)
	assert.True(t, nodes[1].Alive)
}

func TestRestartingEngineIsUnavailable(t *testing.T) {
	rt := newRuntime(t)
	r := NewRouter(rt.Store, source{})
	assert.Equal(t, http.StatusServiceUnavailable, get(t, r, "/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, r, "/nodes").Code)
	assert.Equal(t, http.StatusOK, get(t, r, "/versions").Code)
}

func TestServeStopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, NewRouter(newRuntime(t).Store, source{})) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/versions")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
