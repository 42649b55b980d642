package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/dreamware/cmm/internal/lobby"
)

// Server exposes an API implementation on a TCP port. Requests on one
// connection run concurrently; responses carry the request id.
type Server struct {
	api API
	wg  sync.WaitGroup
}

// NewServer creates a server for api.
func NewServer(api API) *Server {
	return &Server{api: api}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done. It closes ln and waits
// for every connection to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var conns sync.Map
	go func() {
		<-ctx.Done()
		ln.Close()
		conns.Range(func(k, _ any) bool {
			k.(net.Conn).Close()
			return true
		})
	}()

	log.Printf("api: listening on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("api: accept: %w", err)
		}
		conns.Store(conn, struct{}{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conns.Delete(conn)
			s.handle(ctx, conn)
		}()
	}
}

// session is one client connection.
type session struct {
	conn    net.Conn
	handles map[string]bool
	wmu     sync.Mutex
	mu      sync.Mutex // guards handles
	lastSeq uint64
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := &session{conn: conn, handles: make(map[string]bool)}
	var calls sync.WaitGroup
	defer func() {
		cancel()
		calls.Wait()
		sess.mu.Lock()
		defer sess.mu.Unlock()
		for h := range sess.handles {
			s.api.Unregister(context.Background(), h)
		}
	}()

	for {
		var req request
		if err := readJSON(conn, tagRequest, &req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				log.Printf("api: %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		if req.Seq <= sess.lastSeq {
			sess.reply(response{ID: req.ID, Seq: req.Seq, Code: lobby.CodeInvalid,
				Error: fmt.Sprintf("sequence %d after %d", req.Seq, sess.lastSeq)})
			continue
		}
		sess.lastSeq = req.Seq

		calls.Add(1)
		go func() {
			defer calls.Done()
			resp := s.call(ctx, sess, req)
			resp.ID = req.ID
			resp.Seq = req.Seq
			sess.reply(resp)
		}()
	}
}

func (sess *session) reply(resp response) {
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	if err := writeJSON(sess.conn, tagResponse, resp); err != nil {
		sess.conn.Close()
	}
}

func (sess *session) track(handle string, on bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if on {
		sess.handles[handle] = true
	} else {
		delete(sess.handles, handle)
	}
}

// call runs one request against the API.
func (s *Server) call(ctx context.Context, sess *session, req request) response {
	var resp response
	var err error
	switch req.Method {
	case methodNodeID:
		resp.Value, err = s.api.NodeID(ctx)
	case methodSetEligibility:
		err = s.api.SetEligibility(ctx, req.Eligible)
	case methodGetNodes:
		resp.Nodes, err = s.api.GetNodes(ctx)
	case methodGetMaster, methodGetViceMaster:
		get := s.api.GetMaster
		if req.Method == methodGetViceMaster {
			get = s.api.GetViceMaster
		}
		n, ok, gerr := get(ctx)
		if ok {
			resp.Node = &n
		}
		resp.OK, err = ok, gerr
	case methodRegister:
		resp.Handle, err = s.api.Register(ctx)
		if err == nil {
			sess.track(resp.Handle, true)
		}
	case methodUnregister:
		err = s.api.Unregister(ctx, req.Handle)
		sess.track(req.Handle, false)
	case methodGetNotification:
		var ev lobby.Event
		ev, err = s.api.GetNotification(ctx, req.Handle)
		if err == nil {
			resp.Event = &ev
		}
	case methodWipeConfig:
		resp.Version, err = s.api.WipeConfig(ctx, req.File, req.Version)
	case methodUpdateConfig:
		resp.Version, err = s.api.UpdateConfig(ctx, req.File, req.Props)
	case methodStoreConfig:
		resp.Version, err = s.api.StoreConfig(ctx, req.File, req.Version, req.Checksum)
	case methodSetActiveDiskCount:
		err = s.api.SetActiveDiskCount(ctx, req.Count)
	case methodGetActiveDiskCount:
		resp.Value, err = s.api.GetActiveDiskCount(ctx)
	case methodHasQuorum:
		resp.OK, err = s.api.HasQuorum(ctx)
	case methodGetVersion:
		resp.Version, err = s.api.GetVersion(ctx, req.File)
	default:
		err = fmt.Errorf("%w: method %q", lobby.ErrInvalidRequest, req.Method)
	}
	if err != nil {
		resp.Code = errorCode(err)
		resp.Error = err.Error()
	}
	return resp
}
