package api

import (
	"context"
	"fmt"
	"time"

	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/config"
	"github.com/dreamware/cmm/internal/configstore"
	"github.com/dreamware/cmm/internal/lobby"
)

// API is the client interface of a CMM node. Service implements it in
// process; Client implements it over the API port.
type API interface {
	NodeID(ctx context.Context) (int, error)
	SetEligibility(ctx context.Context, eligible bool) error
	GetNodes(ctx context.Context) ([]cluster.Node, error)
	GetMaster(ctx context.Context) (cluster.Node, bool, error)
	GetViceMaster(ctx context.Context) (cluster.Node, bool, error)
	Register(ctx context.Context) (string, error)
	Unregister(ctx context.Context, handle string) error
	GetNotification(ctx context.Context, handle string) (lobby.Event, error)
	WipeConfig(ctx context.Context, file configstore.ConfigFile, version int64) (int64, error)
	UpdateConfig(ctx context.Context, file configstore.ConfigFile, props configstore.Properties) (int64, error)
	StoreConfig(ctx context.Context, file configstore.ConfigFile, version int64, checksum string) (int64, error)
	SetActiveDiskCount(ctx context.Context, count int) error
	GetActiveDiskCount(ctx context.Context) (int, error)
	HasQuorum(ctx context.Context) (bool, error)
	GetVersion(ctx context.Context, file configstore.ConfigFile) (int64, error)
}

// Service queues API calls for the lobby. Outstanding calls are bounded by
// MaxOutstanding and every call by its timeout.
type Service struct {
	requests chan lobby.Request
	hub      *Hub
	sem      chan struct{}
	cfg      config.APIConfig
}

var _ API = (*Service)(nil)

// NewService creates a service. Its Requests queue must be handed to the
// lobby, and its Hub installed as the lobby's notifier.
func NewService(cfg config.APIConfig) *Service {
	if cfg.MaxOutstanding < 1 {
		cfg.MaxOutstanding = 1
	}
	return &Service{
		requests: make(chan lobby.Request, cfg.MaxOutstanding),
		hub:      NewHub(cfg.NotifyBuffer),
		sem:      make(chan struct{}, cfg.MaxOutstanding),
		cfg:      cfg,
	}
}

// Requests returns the queue the lobby serves.
func (s *Service) Requests() <-chan lobby.Request {
	return s.requests
}

// Hub returns the notification hub.
func (s *Service) Hub() *Hub {
	return s.hub
}

func (s *Service) timeout(op lobby.Op) time.Duration {
	if op.ConfigChange() {
		return s.cfg.ConfigRequestTimeout
	}
	return s.cfg.RequestTimeout
}

// do queues req and waits for the lobby's answer.
func (s *Service) do(ctx context.Context, req lobby.Request) (lobby.Response, error) {
	if d := s.timeout(req.Op); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return lobby.Response{}, fmt.Errorf("%w: %s waiting for a slot", ErrTimeout, req.Op)
	}
	defer func() { <-s.sem }()

	select {
	case s.requests <- req:
	case <-ctx.Done():
		return lobby.Response{}, fmt.Errorf("%w: %s not accepted", ErrTimeout, req.Op)
	}
	select {
	case resp := <-req.Reply:
		return resp, resp.Err
	case <-ctx.Done():
		return lobby.Response{}, fmt.Errorf("%w: %s", ErrTimeout, req.Op)
	}
}

// NodeID returns the local node id.
func (s *Service) NodeID(ctx context.Context) (int, error) {
	resp, err := s.do(ctx, lobby.NewRequest(lobby.OpNodeID))
	return resp.Value, err
}

// SetEligibility allows or forbids the local node to hold an office.
func (s *Service) SetEligibility(ctx context.Context, eligible bool) error {
	req := lobby.NewRequest(lobby.OpSetEligibility)
	req.Eligible = eligible
	_, err := s.do(ctx, req)
	return err
}

// GetNodes returns every configured node with its live state.
func (s *Service) GetNodes(ctx context.Context) ([]cluster.Node, error) {
	resp, err := s.do(ctx, lobby.NewRequest(lobby.OpGetNodes))
	return resp.Nodes, err
}

// GetMaster returns the master, if one is elected.
func (s *Service) GetMaster(ctx context.Context) (cluster.Node, bool, error) {
	resp, err := s.do(ctx, lobby.NewRequest(lobby.OpGetMaster))
	return resp.Node, resp.OK, err
}

// GetViceMaster returns the vice-master, if one is elected.
func (s *Service) GetViceMaster(ctx context.Context) (cluster.Node, bool, error) {
	resp, err := s.do(ctx, lobby.NewRequest(lobby.OpGetViceMaster))
	return resp.Node, resp.OK, err
}

// Register subscribes to membership and config events.
func (s *Service) Register(context.Context) (string, error) {
	return s.hub.Register(), nil
}

// Unregister drops a subscription.
func (s *Service) Unregister(_ context.Context, handle string) error {
	return s.hub.Unregister(handle)
}

// GetNotification waits up to the notify timeout for the next event.
func (s *Service) GetNotification(ctx context.Context, handle string) (lobby.Event, error) {
	if s.cfg.NotifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.NotifyTimeout)
		defer cancel()
	}
	return s.hub.Next(ctx, handle)
}

// WipeConfig removes a config file on every node. A zero version is stamped
// by the master.
func (s *Service) WipeConfig(ctx context.Context, file configstore.ConfigFile, version int64) (int64, error) {
	req := lobby.NewRequest(lobby.OpWipeConfig)
	req.File = file
	req.Version = version
	resp, err := s.do(ctx, req)
	return resp.Version, err
}

// UpdateConfig merges props into a config file and replicates the new
// version. It must be called on the master.
func (s *Service) UpdateConfig(ctx context.Context, file configstore.ConfigFile, props configstore.Properties) (int64, error) {
	req := lobby.NewRequest(lobby.OpUpdateConfig)
	req.File = file
	req.Props = props
	resp, err := s.do(ctx, req)
	return resp.Version, err
}

// StoreConfig replicates a version already written to the master's config
// directory. Peers download it from the master.
func (s *Service) StoreConfig(ctx context.Context, file configstore.ConfigFile, version int64, checksum string) (int64, error) {
	req := lobby.NewRequest(lobby.OpStoreConfig)
	req.File = file
	req.Version = version
	req.Checksum = checksum
	resp, err := s.do(ctx, req)
	return resp.Version, err
}

// SetActiveDiskCount records the local node's active disks.
func (s *Service) SetActiveDiskCount(ctx context.Context, count int) error {
	req := lobby.NewRequest(lobby.OpSetActiveDiskCount)
	req.Count = count
	_, err := s.do(ctx, req)
	return err
}

// GetActiveDiskCount returns the local node's active disks.
func (s *Service) GetActiveDiskCount(ctx context.Context) (int, error) {
	resp, err := s.do(ctx, lobby.NewRequest(lobby.OpGetActiveDiskCount))
	return resp.Value, err
}

// HasQuorum reports whether enough disks are active cluster-wide.
func (s *Service) HasQuorum(ctx context.Context) (bool, error) {
	resp, err := s.do(ctx, lobby.NewRequest(lobby.OpHasQuorum))
	return resp.OK, err
}

// GetVersion returns the active version of a config file.
func (s *Service) GetVersion(ctx context.Context, file configstore.ConfigFile) (int64, error) {
	req := lobby.NewRequest(lobby.OpGetVersion)
	req.File = file
	resp, err := s.do(ctx, req)
	return resp.Version, err
}
