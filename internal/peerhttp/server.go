package peerhttp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/cmm"
	"github.com/dreamware/cmm/internal/configstore"
)

// VersionHeader names the version of a file served from /config/:file.
const VersionHeader = "X-Version"

// Source yields the runtime context of the current engine run. Current
// returns nil while the engine is restarting.
type Source interface {
	Current() *cmm.Context
	Alarms() int64
}

// Health is the body of GET /health.
type Health struct {
	Since      time.Time `json:"link_since,omitempty"`
	Node       int       `json:"node"`
	Peer       int       `json:"peer,omitempty"`
	Master     int       `json:"master,omitempty"`
	ViceMaster int       `json:"vice_master,omitempty"`
	Active     int       `json:"active_nodes"`
	Disks      int       `json:"active_disks"`
	Alarms     int64     `json:"watchdog_alarms"`
	Linked     bool      `json:"linked"`
}

// NewRouter returns the HTTP handler of a node.
func NewRouter(store *configstore.Store, src Source) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logRequests())

	h := &handlers{store: store, src: src}
	r.GET("/health", h.health)
	r.GET("/nodes", h.nodes)
	r.GET("/versions", h.versions)
	r.GET("/config/:file", h.active)
	r.GET("/config/:file/:version", h.numbered)
	return r
}

// ListenAndServe serves handler on addr until ctx is done.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("peerhttp: listen %s: %w", addr, err)
	}
	return Serve(ctx, ln, handler)
}

// Serve serves handler on ln until ctx is done, then shuts down gracefully.
func Serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	log.Printf("peerhttp: listening on %s", ln.Addr())

	select {
	case err := <-errc:
		return fmt.Errorf("peerhttp: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("peerhttp: shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("peerhttp: %w", err)
	}
	return nil
}

func logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if status := c.Writer.Status(); status >= http.StatusBadRequest {
			log.Printf("peerhttp: %s %s from %s: %d in %v",
				c.Request.Method, c.Request.URL.Path, c.ClientIP(), status, time.Since(start))
		}
	}
}

type handlers struct {
	store *configstore.Store
	src   Source
}

func (h *handlers) table(c *gin.Context) (*cmm.Context, bool) {
	rt := h.src.Current()
	if rt == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine restarting"})
		return nil, false
	}
	return rt, true
}

func (h *handlers) health(c *gin.Context) {
	rt, ok := h.table(c)
	if !ok {
		return
	}
	t := rt.Table
	out := Health{
		Node:   t.LocalID(),
		Active: t.ActiveCount(),
		Disks:  t.ActiveDiskCount(),
		Alarms: h.src.Alarms(),
	}
	out.Peer, out.Linked = rt.Link.State()
	if out.Linked {
		out.Since = rt.Link.Since()
	}
	if n, ok := t.Master(); ok {
		out.Master = n.ID
	}
	if n, ok := t.ViceMaster(); ok {
		out.ViceMaster = n.ID
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) nodes(c *gin.Context) {
	rt, ok := h.table(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rt.Table.Nodes())
}

func (h *handlers) versions(c *gin.Context) {
	out := make(map[string]int64)
	for f, v := range h.store.Snapshot() {
		out[f.String()] = v
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) file(c *gin.Context) (configstore.ConfigFile, bool) {
	f, err := configstore.ParseConfigFile(c.Param("file"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return 0, false
	}
	return f, true
}

func (h *handlers) active(c *gin.Context) {
	f, ok := h.file(c)
	if !ok {
		return
	}
	v, err := h.store.Version(f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if v == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no active %s config", f)})
		return
	}
	h.serve(c, f, v)
}

func (h *handlers) numbered(c *gin.Context) {
	f, ok := h.file(c)
	if !ok {
		return
	}
	v, err := strconv.ParseInt(c.Param("version"), 10, 64)
	if err != nil || v <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad version " + strconv.Quote(c.Param("version"))})
		return
	}
	h.serve(c, f, v)
}

func (h *handlers) serve(c *gin.Context, f configstore.ConfigFile, v int64) {
	data, err := h.store.Read(f, v)
	switch {
	case errors.Is(err, configstore.ErrVersionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header(configstore.ChecksumHeader, configstore.Checksum(data))
	c.Header(VersionHeader, strconv.FormatInt(v, 10))
	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

// Nodes fetches the membership table of the node serving addr.
func Nodes(ctx context.Context, addr string) ([]cluster.Node, error) {
	var nodes []cluster.Node
	if err := cluster.GetJSON(ctx, "http://"+addr+"/nodes", &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// GetHealth fetches the health of the node serving addr.
func GetHealth(ctx context.Context, addr string) (Health, error) {
	var out Health
	err := cluster.GetJSON(ctx, "http://"+addr+"/health", &out)
	return out, err
}
