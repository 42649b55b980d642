package cmm

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/config"
	"github.com/dreamware/cmm/internal/configstore"
	"github.com/dreamware/cmm/internal/protocol"
)

// Context is the explicit runtime state of one engine run.
type Context struct {
	Config   *config.Config
	Table    *cluster.Table
	Store    *configstore.Store
	Link     *Link
	ToLobby  chan Inbound
	ToSender chan protocol.Message

	beat   atomic.Pointer[func()]
	frames atomic.Uint64
}

// New builds a context with empty queues sized from the ring configuration.
// Frame ids start at the current time in nanoseconds so that a restarted node
// never reuses an id its peers have already accepted.
func New(cfg *config.Config, table *cluster.Table, store *configstore.Store) *Context {
	size := cfg.Ring.QueueSize
	if size <= 0 {
		size = 1024
	}
	c := &Context{
		Config:   cfg,
		Table:    table,
		Store:    store,
		Link:     NewLink(),
		ToLobby:  make(chan Inbound, size),
		ToSender: make(chan protocol.Message, size),
	}
	c.frames.Store(uint64(time.Now().UnixNano()))
	return c
}

// LocalID returns the id of this node.
func (c *Context) LocalID() int {
	return c.Table.LocalID()
}

// NextFrameID returns the next frame id for a message originated here.
func (c *Context) NextFrameID() uint64 {
	return c.frames.Add(1)
}

// OnBeat installs the watchdog callback invoked by Beat.
func (c *Context) OnBeat(f func()) {
	c.beat.Store(&f)
}

// Beat signals the watchdog that the lobby processed a discovery round.
func (c *Context) Beat() {
	if f := c.beat.Load(); f != nil && *f != nil {
		(*f)()
	}
}

// Versions returns the active version of every config file.
func (c *Context) Versions() protocol.Versions {
	return protocol.Versions(c.Store.Snapshot())
}

// Deliver queues an event for the lobby, blocking until there is room or ctx
// is done.
func (c *Context) Deliver(ctx context.Context, ev Inbound) error {
	select {
	case c.ToLobby <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send queues a message for the sender without blocking. It reports false
// when the queue is full and the message was dropped.
func (c *Context) Send(m protocol.Message) bool {
	select {
	case c.ToSender <- m:
		return true
	default:
		return false
	}
}

// Logf writes a log line tagged with the component and the local node id.
func (c *Context) Logf(component, format string, args ...any) {
	log.Printf("%s[%d]: %s", component, c.LocalID(), fmt.Sprintf(format, args...))
}
