package api

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/configstore"
	"github.com/dreamware/cmm/internal/lobby"
)

// Client talks to a node's API port. It is safe for concurrent use; calls
// are multiplexed on one connection and matched by request id.
type Client struct {
	conn    net.Conn
	pending map[string]chan response
	done    chan struct{}
	err     error
	mu      sync.Mutex // guards pending and err
	wmu     sync.Mutex // guards writes and seq
	seq     uint64
}

var _ API = (*Client)(nil)

var noDeadline time.Time

// Dial connects to the API port at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("api: dial %s: %w", addr, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close closes the connection. Calls in progress return ErrClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var resp response
		if err := readJSON(c.conn, tagResponse, &resp); err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("%w: %v", ErrClosed, err)
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

// call sends req and waits for its response or ctx.
func (c *Client) call(ctx context.Context, req request) (response, error) {
	req.ID = uuid.NewString()
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return response{}, c.err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.wmu.Lock()
	c.seq++
	req.Seq = c.seq
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	} else {
		c.conn.SetWriteDeadline(noDeadline)
	}
	err := writeJSON(c.conn, tagRequest, req)
	c.wmu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return response{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return response{}, c.closedErr()
		}
		return resp, resp.err()
	case <-ctx.Done():
		c.forget(req.ID)
		return response{}, fmt.Errorf("%w: %s: %v", ErrTimeout, req.Method, ctx.Err())
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// NodeID returns the node's id.
func (c *Client) NodeID(ctx context.Context) (int, error) {
	resp, err := c.call(ctx, request{Method: methodNodeID})
	return resp.Value, err
}

// SetEligibility allows or forbids the node to hold an office.
func (c *Client) SetEligibility(ctx context.Context, eligible bool) error {
	_, err := c.call(ctx, request{Method: methodSetEligibility, Eligible: eligible})
	return err
}

// GetNodes returns the node's view of the cluster.
func (c *Client) GetNodes(ctx context.Context) ([]cluster.Node, error) {
	resp, err := c.call(ctx, request{Method: methodGetNodes})
	return resp.Nodes, err
}

func (c *Client) office(ctx context.Context, method string) (cluster.Node, bool, error) {
	resp, err := c.call(ctx, request{Method: method})
	if err != nil || resp.Node == nil {
		return cluster.Node{}, false, err
	}
	return *resp.Node, resp.OK, nil
}

// GetMaster returns the master, if one is elected.
func (c *Client) GetMaster(ctx context.Context) (cluster.Node, bool, error) {
	return c.office(ctx, methodGetMaster)
}

// GetViceMaster returns the vice-master, if one is elected.
func (c *Client) GetViceMaster(ctx context.Context) (cluster.Node, bool, error) {
	return c.office(ctx, methodGetViceMaster)
}

// Register subscribes to events. The subscription ends with the connection.
func (c *Client) Register(ctx context.Context) (string, error) {
	resp, err := c.call(ctx, request{Method: methodRegister})
	return resp.Handle, err
}

// Unregister drops a subscription.
func (c *Client) Unregister(ctx context.Context, handle string) error {
	_, err := c.call(ctx, request{Method: methodUnregister, Handle: handle})
	return err
}

// GetNotification waits for the next event of a subscription.
func (c *Client) GetNotification(ctx context.Context, handle string) (lobby.Event, error) {
	resp, err := c.call(ctx, request{Method: methodGetNotification, Handle: handle})
	if err != nil || resp.Event == nil {
		return lobby.Event{}, err
	}
	return *resp.Event, nil
}

// WipeConfig removes a config file cluster-wide.
func (c *Client) WipeConfig(ctx context.Context, file configstore.ConfigFile, version int64) (int64, error) {
	resp, err := c.call(ctx, request{Method: methodWipeConfig, File: file, Version: version})
	return resp.Version, err
}

// UpdateConfig merges props into a config file cluster-wide.
func (c *Client) UpdateConfig(ctx context.Context, file configstore.ConfigFile, props configstore.Properties) (int64, error) {
	resp, err := c.call(ctx, request{Method: methodUpdateConfig, File: file, Props: props})
	return resp.Version, err
}

// StoreConfig replicates a version already on the master.
func (c *Client) StoreConfig(ctx context.Context, file configstore.ConfigFile, version int64, checksum string) (int64, error) {
	resp, err := c.call(ctx, request{Method: methodStoreConfig, File: file, Version: version, Checksum: checksum})
	return resp.Version, err
}

// SetActiveDiskCount records the node's active disks.
func (c *Client) SetActiveDiskCount(ctx context.Context, count int) error {
	_, err := c.call(ctx, request{Method: methodSetActiveDiskCount, Count: count})
	return err
}

// GetActiveDiskCount returns the node's active disks.
func (c *Client) GetActiveDiskCount(ctx context.Context) (int, error) {
	resp, err := c.call(ctx, request{Method: methodGetActiveDiskCount})
	return resp.Value, err
}

// HasQuorum reports whether the cluster has quorum.
func (c *Client) HasQuorum(ctx context.Context) (bool, error) {
	resp, err := c.call(ctx, request{Method: methodHasQuorum})
	return resp.OK, err
}

// GetVersion returns the active version of a config file.
func (c *Client) GetVersion(ctx context.Context, file configstore.ConfigFile) (int64, error) {
	resp, err := c.call(ctx, request{Method: methodGetVersion, File: file})
	return resp.Version, err
}
