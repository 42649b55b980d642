// Package main implements cmmd, the cluster membership daemon.
//
// Each node of a storage cell runs one cmmd. The daemons link into a ring,
// agree on the set of live nodes, elect a master and a vice-master, track
// disk quorum and replicate versioned config files.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│                 cmmd                     │
//	├──────────────────────────────────────────┤
//	│  Ring port:  receiver ← prev node        │
//	│              sender   → next node        │
//	│  API port:   framed JSON client API      │
//	│  HTTP port:  /config, /health, /nodes    │
//	├──────────────────────────────────────────┤
//	│  engine      supervises ring + lobby     │
//	│  configstore versioned config files      │
//	└──────────────────────────────────────────┘
//
// Configuration:
//   - CMM_CONFIG: YAML config file (optional, defaults otherwise)
//   - CMM_NODE_ID, CMM_NODES, CMM_CONFIG_DIR and friends override the file
//
// Example usage:
//
//	CMM_NODE_ID=1 \
//	CMM_NODES="1 10.0.0.1 true, 2 10.0.0.2 true, 3 10.0.0.3 true" \
//	CMM_CONFIG_DIR=/var/lib/cmm \
//	./cmmd
//
// A fatal error runs the configured power_off_command before exiting so that
// a node which cannot take part in the ring leaves the cell cleanly.
package main

import (
	"context"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dreamware/cmm/internal/api"
	"github.com/dreamware/cmm/internal/cmm"
	"github.com/dreamware/cmm/internal/config"
	"github.com/dreamware/cmm/internal/configstore"
	"github.com/dreamware/cmm/internal/engine"
	"github.com/dreamware/cmm/internal/peerhttp"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

// powerOff runs the power-off command. Tests replace it.
var powerOff = runPowerOff

func main() {
	cfg, err := loadConfig(getenv("CMM_CONFIG", ""), os.Getenv)
	if err != nil {
		logFatal("cmmd: %v", err)
		return
	}
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("cmmd[%d] starting, software %s, config dir %s", cfg.NodeID, cfg.SoftwareVersion, cfg.ConfigDir)
	if err := run(ctx, cfg); err != nil {
		if cmm.IsFatal(err) {
			powerOff(cfg.PowerOffCommand)
		}
		logFatal("cmmd: %v", err)
		return
	}
	log.Println("cmmd stopped")
}

// loadConfig reads the config file, applies environment overrides and
// validates the result.
func loadConfig(path string, lookup func(string) string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run starts the engine, the API server and the HTTP server, and returns
// when ctx is done or any of them fails.
func run(ctx context.Context, cfg *config.Config) error {
	store, err := configstore.New(cfg.ConfigDir, cfg.Update.PurgeKeep)
	if err != nil {
		return cmm.Fatal("cmmd", err)
	}
	table, err := cfg.NewTable()
	if err != nil {
		return cmm.Fatal("cmmd", err)
	}
	local := table.Local()

	svc := api.NewService(cfg.API)
	eng := engine.New(cfg, store, engine.DefaultFactory(svc.Requests(), svc.Hub()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 3)
	go func() { errc <- eng.Run(ctx) }()
	go func() {
		errc <- api.NewServer(svc).ListenAndServe(ctx, local.APIAddr(cfg.Ports))
	}()
	go func() {
		errc <- peerhttp.ListenAndServe(ctx, local.HTTPAddr(cfg.Ports), peerhttp.NewRouter(store, eng))
	}()

	err = <-errc
	cancel()
	for i := 0; i < 2; i++ {
		if e := <-errc; err == nil {
			err = e
		}
	}
	return err
}

// runPowerOff runs command through the shell. An empty command is a no-op.
func runPowerOff(command string) {
	if command == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log.Printf("cmmd: running power off command %q", command)
	out, err := exec.CommandContext(ctx, "/bin/sh", "-c", command).CombinedOutput()
	if err != nil {
		log.Printf("cmmd: power off command failed: %v: %s", err, out)
	}
}

// getenv retrieves an environment variable with a default fallback value.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
