package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dreamware/cmm/internal/cmm"
	"github.com/dreamware/cmm/internal/config"
	"github.com/dreamware/cmm/internal/configstore"
	"github.com/dreamware/cmm/internal/lobby"
	"github.com/dreamware/cmm/internal/ring"
)

// ErrRestartBudget is wrapped in the fatal error returned when components
// fail more often than the restart budget allows.
var ErrRestartBudget = errors.New("engine: restart budget exhausted")

// Runner is one protocol goroutine. Run returns nil only after ctx is done.
type Runner interface {
	Run(ctx context.Context) error
}

// Components are the three protocol goroutines of one engine run.
type Components struct {
	Receiver Runner
	Sender   Runner
	Lobby    Runner
}

// Factory builds the components of one run over a fresh runtime context.
type Factory interface {
	Build(rt *cmm.Context) (Components, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(rt *cmm.Context) (Components, error)

// Build calls f(rt).
func (f FactoryFunc) Build(rt *cmm.Context) (Components, error) {
	return f(rt)
}

// DefaultFactory builds the TCP receiver and sender and a lobby fed from
// requests. The request queue and notifier outlive restarts.
func DefaultFactory(requests <-chan lobby.Request, notifier lobby.Notifier) Factory {
	return FactoryFunc(func(rt *cmm.Context) (Components, error) {
		return Components{
			Receiver: ring.NewReceiver(rt),
			Sender:   ring.NewSender(rt),
			Lobby:    lobby.New(rt, requests, notifier),
		}, nil
	})
}

// Engine supervises the protocol goroutines of a node. Non-fatal failures
// restart all three on a fresh runtime context, within a restart budget.
type Engine struct {
	cfg      *config.Config
	store    *configstore.Store
	factory  Factory
	now      func() time.Time
	current  *cmm.Context
	restarts []time.Time
	alarms   atomic.Int64
	mu       sync.Mutex // guards current
}

// New creates an engine. The store is shared by every run.
func New(cfg *config.Config, store *configstore.Store, factory Factory) *Engine {
	return &Engine{cfg: cfg, store: store, factory: factory, now: time.Now}
}

// Current returns the runtime context of the active run, or nil before the
// first start.
func (e *Engine) Current() *cmm.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Alarms returns how many times the watchdog found the lobby stalled.
func (e *Engine) Alarms() int64 {
	return e.alarms.Load()
}

// Run recovers the config store and supervises the components until ctx is
// done or a fatal error occurs. It returns nil on shutdown.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.store.RecoverAll(); err != nil {
		return cmm.Fatal("engine", fmt.Errorf("recover config store: %w", err))
	}
	for {
		err := e.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if cmm.IsFatal(err) {
			log.Printf("engine: fatal: %v", err)
			return err
		}
		if !e.allowRestart() {
			return cmm.Fatal("engine", fmt.Errorf("%w: %d restarts within %s, last error: %v",
				ErrRestartBudget, e.cfg.Supervisor.MaxRestarts, e.cfg.Supervisor.RestartWindow, err))
		}
		log.Printf("engine: restarting after error: %v", err)
	}
}

func (e *Engine) runOnce(ctx context.Context) error {
	table, err := e.cfg.NewTable()
	if err != nil {
		return cmm.Fatal("engine", err)
	}
	rt := cmm.New(e.cfg, table, e.store)
	comps, err := e.factory.Build(rt)
	if err != nil {
		return cmm.Fatal("engine", fmt.Errorf("build components: %w", err))
	}
	e.mu.Lock()
	e.current = rt
	e.mu.Unlock()

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 3)
	var wg sync.WaitGroup
	for _, c := range []struct {
		name string
		r    Runner
	}{
		{"receiver", comps.Receiver},
		{"lobby", comps.Lobby},
		{"sender", comps.Sender},
	} {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			errc <- guard(rctx, c.name, c.r)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.watchdog(rctx, rt)
	}()

	var first error
	select {
	case first = <-errc:
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()
	return first
}

// guard runs r, turning a panic into an error.
func guard(ctx context.Context, name string, r Runner) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("engine: %s panicked: %v\n%s", name, p, debug.Stack())
		}
	}()
	err = r.Run(ctx)
	if err == nil && ctx.Err() == nil {
		err = fmt.Errorf("engine: %s exited", name)
	}
	return err
}

// allowRestart records a restart and reports whether it fits the budget.
func (e *Engine) allowRestart() bool {
	sup := e.cfg.Supervisor
	now := e.now()
	kept := e.restarts[:0]
	for _, at := range e.restarts {
		if now.Sub(at) < sup.RestartWindow {
			kept = append(kept, at)
		}
	}
	e.restarts = kept
	if len(e.restarts) >= sup.MaxRestarts {
		return false
	}
	e.restarts = append(e.restarts, now)
	return true
}

// watchdog raises an alarm while the lobby has not completed a discovery
// round within the watchdog timeout.
func (e *Engine) watchdog(ctx context.Context, rt *cmm.Context) {
	timeout := e.cfg.Supervisor.WatchdogTimeout
	if timeout <= 0 {
		return
	}
	var last atomic.Int64
	last.Store(time.Now().UnixNano())
	rt.OnBeat(func() { last.Store(time.Now().UnixNano()) })

	ticker := time.NewTicker(timeout / 2)
	defer ticker.Stop()
	alarmed := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			since := time.Since(time.Unix(0, last.Load()))
			if since <= timeout {
				alarmed = false
				continue
			}
			if !alarmed {
				alarmed = true
				e.alarms.Add(1)
				log.Printf("engine: watchdog: lobby silent for %s", since.Round(time.Millisecond))
			}
		}
	}
}
