package chains

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/event"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/networks"
)

var ErrNoActiveChain = errors.New("no active chain")

type activeChain struct {
	network networks.RpcNetwork
	client  *Client // nil for forward-only networks
}

// Service owns the client of the active network. Heads of whichever client is active are
// published on one feed, so subscribers survive network switches.
type Service struct {
	pollInterval time.Duration
	heads        event.Feed

	active atomic.Pointer[activeChain]

	mu      sync.Mutex // serializes Switch and Close
	baseCtx context.Context
}

func NewService(pollInterval time.Duration) *Service {
	return &Service{pollInterval: pollInterval, baseCtx: context.Background()}
}

// Start sets the context every poller started by Switch runs under.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseCtx = ctx
}

func (s *Service) SubscribeNewHeads(ch chan<- NewHead) event.Subscription {
	return s.heads.Subscribe(ch)
}

// Active returns the active network's client. Forward-only networks give ErrNoEndpoint.
func (s *Service) Active() (*Client, error) {
	cur := s.active.Load()
	if cur == nil {
		return nil, ErrNoActiveChain
	}
	if cur.client == nil {
		return nil, errors.Wrapf(ErrNoEndpoint, "chain %d", cur.network.ChainID)
	}
	return cur.client, nil
}

func (s *Service) ActiveNetwork() (networks.RpcNetwork, bool) {
	cur := s.active.Load()
	if cur == nil {
		return networks.RpcNetwork{}, false
	}
	return cur.network, true
}

// Switch makes network active. The new client is dialed before the old one is stopped;
// switching to the network (and endpoint) already active is a no-op.
func (s *Service) Switch(ctx context.Context, network networks.RpcNetwork) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.active.Load(); cur != nil &&
		cur.network.ChainID == network.ChainID && cur.network.HTTPSRPC() == network.HTTPSRPC() {
		s.active.Store(&activeChain{network: network, client: cur.client})
		return nil
	}

	next := &activeChain{network: network}
	if network.Simulatable() {
		client, err := Dial(ctx, network, Options{PollInterval: s.pollInterval, Heads: &s.heads})
		if err != nil {
			return err
		}
		client.Start(s.baseCtx)
		next.client = client
	}

	prev := s.active.Swap(next)
	if prev != nil && prev.client != nil {
		prev.client.Close()
	}
	log.Info("active chain switched", "chainId", network.ChainID, "name", network.Name, "rpc", network.HTTPSRPC())
	return nil
}

func (s *Service) Status() Status {
	cur := s.active.Load()
	if cur == nil {
		return Status{}
	}
	if cur.client == nil {
		return Status{ChainID: cur.network.ChainID}
	}
	return cur.client.Status()
}

// Close stops the active client.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev := s.active.Swap(nil); prev != nil && prev.client != nil {
		prev.client.Close()
	}
}
