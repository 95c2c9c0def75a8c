// Package chainswitch arbitrates wallet_switchEthereumChain requests. Only one switch is in
// flight at a time; a second request is refused rather than queued.
package chainswitch

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/event"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
	"github.com/quantumauth-io/quantum-interceptor/internal/future"
	"github.com/quantumauth-io/quantum-interceptor/internal/networks"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
	"github.com/quantumauth-io/quantum-interceptor/internal/settings"
	"github.com/quantumauth-io/quantum-interceptor/internal/shared"
)

var (
	ErrSwitchInFlight = errors.New("a chain switch is already in progress")
	ErrNoSwitch       = errors.New("no chain switch is waiting for this decision")
)

type State string

const (
	Idle           State = "idle"
	AwaitingUser   State = "awaitingUser"
	Applying       State = "applying"
	AwaitingSigner State = "awaitingSigner"
)

// Networks resolves chain ids. *networks.Manager satisfies it.
type Networks interface {
	FindByChainID(chainID uint64) (networks.RpcNetwork, bool)
}

// Signer asks the wallet behind a page to change its chain. *bus.Hub satisfies it.
type Signer interface {
	SignerRequest(ctx context.Context, s bus.Socket, method string, payload any) error
}

// Settings is read for the current mode and chain. *settings.Manager satisfies it.
type Settings interface {
	Get() settings.Settings
}

// Apply makes network the interceptor's active network.
type Apply func(ctx context.Context, network networks.RpcNetwork) error

// Prompt is the switch shown to the user.
type Prompt struct {
	UniqueRequestIdentifier bus.UniqueRequestIdentifier `json:"uniqueRequestIdentifier"`
	Website                 shared.Website              `json:"website"`
	Network                 networks.RpcNetwork         `json:"rpcNetwork"`
	SimulationMode          bool                        `json:"simulationMode"`
}

type inFlight struct {
	prompt Prompt
	result *future.Future[any]
}

type Coordinator struct {
	networks Networks
	signer   Signer
	settings Settings
	apply    Apply

	mu      sync.Mutex
	state   State
	current *inFlight

	prompts event.Feed
}

func NewCoordinator(nets Networks, signer Signer, s Settings, apply Apply) *Coordinator {
	return &Coordinator{networks: nets, signer: signer, settings: s, apply: apply, state: Idle}
}

// Request starts a switch to chainID on behalf of uid. The returned future settles with nil
// once the switch completed, or with the error the page should see. A switch to the active
// chain settles at once.
func (c *Coordinator) Request(uid bus.UniqueRequestIdentifier, website shared.Website, chainID uint64) (*future.Future[any], error) {
	s := c.settings.Get()
	if s.ActiveChainID == chainID {
		f := future.New[any]()
		f.Resolve(nil)
		return f, nil
	}
	network, ok := c.networks.FindByChainID(chainID)
	if !ok {
		return nil, rpctypes.UnrecognizedChain(chainID)
	}

	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		log.Info("chain switch refused, another is in flight", "request", uid.String(), "chainId", chainID)
		return nil, ErrSwitchInFlight
	}
	cur := &inFlight{
		prompt: Prompt{
			UniqueRequestIdentifier: uid,
			Website:                 website,
			Network:                 network,
			SimulationMode:          s.SimulationMode,
		},
		result: future.New[any](),
	}
	c.state = AwaitingUser
	c.current = cur
	c.mu.Unlock()

	log.Info("chain switch awaiting user", "request", uid.String(), "chainId", chainID, "origin", website.Origin)
	c.prompts.Send(cur.prompt)
	return cur.result, nil
}

// SubscribePrompts delivers every new switch prompt to ch.
func (c *Coordinator) SubscribePrompts(ch chan<- Prompt) event.Subscription {
	return c.prompts.Subscribe(ch)
}

// Current returns the switch in flight, if any.
func (c *Coordinator) Current() (Prompt, State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Prompt{}, c.state, false
	}
	return c.current.prompt, c.state, true
}

// finishLocked settles the switch in flight and returns to Idle. The caller holds mu.
func (c *Coordinator) finishLocked(err error) {
	cur := c.current
	c.current = nil
	c.state = Idle
	if cur == nil {
		return
	}
	if err != nil {
		cur.result.Reject(err)
		return
	}
	cur.result.Resolve(nil)
}

// UserDecision applies the user's answer to the switch awaiting them. The state moves on
// under mu; the chain dial and the signer request run after it is released.
func (c *Coordinator) UserDecision(ctx context.Context, accept bool) error {
	c.mu.Lock()
	if c.state != AwaitingUser {
		c.mu.Unlock()
		return ErrNoSwitch
	}
	cur := c.current
	if !accept {
		log.Info("chain switch refused by user", "request", cur.prompt.UniqueRequestIdentifier.String())
		c.finishLocked(rpctypes.UserRejected(rpctypes.MessageUserDeniedSwitch))
		c.mu.Unlock()
		return nil
	}
	if cur.prompt.SimulationMode {
		c.state = Applying
	} else {
		c.state = AwaitingSigner
	}
	c.mu.Unlock()

	if cur.prompt.SimulationMode {
		if err := c.apply(ctx, cur.prompt.Network); err != nil {
			c.finish(cur, rpctypes.Internal(err))
			return errors.Wrap(err, "apply chain switch")
		}
		log.Info("chain switched in simulation", "chainId", cur.prompt.Network.ChainID)
		c.finish(cur, nil)
		return nil
	}

	socket := cur.prompt.UniqueRequestIdentifier.Socket
	if err := c.signer.SignerRequest(ctx, socket, bus.SignerRequestSwitchChain, cur.prompt.Network.ChainIDHex()); err != nil {
		c.finish(cur, rpctypes.SignerRejected("failed to reach signer").WithCause(err))
		return errors.Wrap(err, "ask signer to switch chain")
	}
	log.Info("chain switch awaiting signer", "request", cur.prompt.UniqueRequestIdentifier.String(), "chainId", cur.prompt.Network.ChainID)
	return nil
}

// finish settles cur unless it was already settled, for example by Cancel.
func (c *Coordinator) finish(cur *inFlight, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != cur {
		return
	}
	c.finishLocked(err)
}

// SignerChainChanged handles the signer reporting its chain. Outside simulation mode the
// interceptor follows the signer; a switch awaiting the signer completes when the chain
// matches and is refused when it does not.
func (c *Coordinator) SignerChainChanged(ctx context.Context, chainID uint64) error {
	var applyErr error
	if !c.settings.Get().SimulationMode && c.settings.Get().ActiveChainID != chainID {
		if network, ok := c.networks.FindByChainID(chainID); ok {
			applyErr = c.apply(ctx, network)
		} else {
			log.Warn("signer moved to an unknown chain", "chainId", chainID)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != AwaitingSigner {
		return applyErr
	}
	want := c.current.prompt.Network.ChainID
	switch {
	case want != chainID:
		log.Info("signer switched to a different chain", "requested", want, "signer", chainID)
		c.finishLocked(rpctypes.SignerRejected(rpctypes.MessageUserDeniedSwitch))
	case applyErr != nil:
		c.finishLocked(rpctypes.Internal(applyErr))
	default:
		log.Info("chain switch confirmed by signer", "chainId", chainID)
		c.finishLocked(nil)
	}
	return applyErr
}

// SignerSwitchReply handles the signer's answer to the switch request. Success is confirmed
// by SignerChainChanged; an error refuses the switch with the signer's error.
func (c *Coordinator) SignerSwitchReply(signerErr *rpctypes.Error) {
	if signerErr == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != AwaitingSigner {
		return
	}
	log.Info("signer refused chain switch", "code", signerErr.Code, "message", signerErr.Message)
	rejection := *signerErr
	rejection.Kind = rpctypes.KindSigner
	c.finishLocked(&rejection)
}

// Cancel refuses whatever switch is in flight, for example when its page went away.
func (c *Coordinator) Cancel(uid bus.UniqueRequestIdentifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.prompt.UniqueRequestIdentifier != uid {
		return
	}
	c.finishLocked(rpctypes.UserRejected(rpctypes.MessageUserDeniedSwitch))
}
