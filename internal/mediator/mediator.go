// Package mediator turns every page request into exactly one reply: answered locally, read
// through the simulation or the chain, queued for confirmation or handed to the signer.
package mediator

import (
	"context"
	"encoding/json"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/access"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
	"github.com/quantumauth-io/quantum-interceptor/internal/chains"
	"github.com/quantumauth-io/quantum-interceptor/internal/chainswitch"
	"github.com/quantumauth-io/quantum-interceptor/internal/classifier"
	"github.com/quantumauth-io/quantum-interceptor/internal/future"
	"github.com/quantumauth-io/quantum-interceptor/internal/networks"
	"github.com/quantumauth-io/quantum-interceptor/internal/pending"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
	"github.com/quantumauth-io/quantum-interceptor/internal/settings"
	"github.com/quantumauth-io/quantum-interceptor/internal/shared"
	"github.com/quantumauth-io/quantum-interceptor/internal/simulation"
)

// Hub is how replies reach pages. *bus.Hub satisfies it.
type Hub interface {
	Claim(uid bus.UniqueRequestIdentifier) error
	Reply(ctx context.Context, uid bus.UniqueRequestIdentifier, method string, result any, replyErr error) error
	Forward(ctx context.Context, uid bus.UniqueRequestIdentifier, method string, params json.RawMessage, replyWithSignersReply bool) error
	SignerRequest(ctx context.Context, s bus.Socket, method string, payload any) error
}

// Gate is the access control the mediator consults. *access.Gate satisfies it.
type Gate interface {
	Verify(origin string, addr *common.Address, askIfUnknown bool) access.Verdict
	RequestAccess(website shared.Website, addr *common.Address) *future.Future[bool]
	BlocksNetworkRequests(origin string) bool
}

// Settings is read on every request. *settings.Manager satisfies it.
type Settings interface {
	Get() settings.Settings
	SetActiveAddress(ctx context.Context, simulationMode bool, addr *common.Address) (settings.Settings, error)
}

type Networks interface {
	FindByChainID(chainID uint64) (networks.RpcNetwork, bool)
}

// Chain is the part of the active chain client used for reads outside simulation mode.
// *chains.Client satisfies it.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, addr common.Address, tag rpctypes.BlockTag) (*big.Int, error)
	NonceAt(ctx context.Context, addr common.Address, tag rpctypes.BlockTag) (uint64, error)
	CodeAt(ctx context.Context, addr common.Address, tag rpctypes.BlockTag) ([]byte, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	ClientVersion(ctx context.Context) (string, error)
	CallContract(ctx context.Context, args rpctypes.TransactionArgs, tag rpctypes.BlockTag) ([]byte, error)
	EstimateGas(ctx context.Context, args rpctypes.TransactionArgs) (uint64, error)
	BlockByNumberRaw(ctx context.Context, tag rpctypes.BlockTag, fullTx bool) (json.RawMessage, error)
	BlockByHashRaw(ctx context.Context, hash common.Hash, fullTx bool) (json.RawMessage, error)
	TransactionReceiptRaw(ctx context.Context, hash common.Hash) (json.RawMessage, error)
	TransactionByHashRaw(ctx context.Context, hash common.Hash) (json.RawMessage, error)
}

// ChainSource returns the client of the active network.
type ChainSource func() (Chain, error)

// ServiceSource adapts a chain service to a ChainSource.
func ServiceSource(svc *chains.Service) ChainSource {
	return func() (Chain, error) {
		c, err := svc.Active()
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Overlay answers reads in simulation mode. *simulation.Overlay satisfies it.
type Overlay interface {
	Balance(ctx context.Context, addr common.Address, tag rpctypes.BlockTag) (*big.Int, error)
	Code(ctx context.Context, addr common.Address, tag rpctypes.BlockTag) ([]byte, error)
	TransactionCount(ctx context.Context, addr common.Address, tag rpctypes.BlockTag) (uint64, error)
	Call(ctx context.Context, args rpctypes.TransactionArgs, tag rpctypes.BlockTag) ([]byte, error)
	EstimateGas(ctx context.Context, args rpctypes.TransactionArgs) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, tag rpctypes.BlockTag, fullTx bool) (json.RawMessage, error)
	BlockByHash(ctx context.Context, hash common.Hash, fullTx bool) (json.RawMessage, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (json.RawMessage, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (json.RawMessage, error)
}

// Queue holds requests waiting for the user. *pending.Queue satisfies it.
type Queue interface {
	EnqueueTransaction(ctx context.Context, entry pending.Entry) (*future.Future[pending.Resolution], error)
	EnqueueMessage(ctx context.Context, entry pending.Entry) (*future.Future[pending.Resolution], error)
	Entry(uid bus.UniqueRequestIdentifier) (pending.Entry, bool)
	SetVerdict(uid bus.UniqueRequestIdentifier, v classifier.Verdict)
	SignerReplied(ctx context.Context, uid bus.UniqueRequestIdentifier, result json.RawMessage, signerErr *rpctypes.Error) error
}

// Switcher runs chain switches. *chainswitch.Coordinator satisfies it.
type Switcher interface {
	Request(uid bus.UniqueRequestIdentifier, website shared.Website, chainID uint64) (*future.Future[any], error)
	SignerChainChanged(ctx context.Context, chainID uint64) error
	SignerSwitchReply(signerErr *rpctypes.Error)
	Cancel(uid bus.UniqueRequestIdentifier)
}

// Subscriptions keeps eth_subscribe registrations. *subscriptions.Dispatcher satisfies it.
type Subscriptions interface {
	Subscribe(socket bus.Socket, kind string) (string, error)
	Unsubscribe(socket bus.Socket, id string) bool
	Drop(socket bus.Socket)
}

// Classifier gives a second opinion on queued transactions. *classifier.Client satisfies it.
type Classifier interface {
	Enabled() bool
	ClassifyTransaction(ctx context.Context, snap *simulation.Snapshot, tx simulation.Transaction) classifier.Verdict
}

type Deps struct {
	Hub           Hub
	Gate          Gate
	Settings      Settings
	Networks      Networks
	Chain         ChainSource
	Overlay       Overlay
	Queue         Queue
	Switcher      Switcher
	Subscriptions Subscriptions
	Classifier    Classifier
}

// UnexpectedError is the latest internal fault a page saw as "Unknown error".
type UnexpectedError struct {
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Call is one access-checked request ready to be mediated.
type Call struct {
	Request                 rpctypes.Request
	UniqueRequestIdentifier bus.UniqueRequestIdentifier
	Website                 shared.Website
	Settings                settings.Settings
	ActiveAddress           *common.Address
	// Params is the request as the page sent it, used when it is forwarded or queued.
	Params json.RawMessage
	// SignerAvailable is false in simulation mode and for pages running without a wallet.
	SignerAvailable bool
}

type Mediator struct {
	Deps

	// ctx bounds every wait started on behalf of a request; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	workers  map[bus.Socket]*worker
	accounts map[bus.Socket]*future.Future[[]common.Address]
	switches map[bus.Socket]bus.UniqueRequestIdentifier
	lastErr  *UnexpectedError
}

func New(deps Deps) *Mediator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Mediator{
		Deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[bus.Socket]*worker),
		accounts: make(map[bus.Socket]*future.Future[[]common.Address]),
		switches: make(map[bus.Socket]bus.UniqueRequestIdentifier),
	}
}

// LastUnexpectedError returns the latest internal fault, if one was recorded.
func (m *Mediator) LastUnexpectedError() (UnexpectedError, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastErr == nil {
		return UnexpectedError{}, false
	}
	return *m.lastErr, true
}

func (m *Mediator) ClearUnexpectedError() {
	m.mu.Lock()
	m.lastErr = nil
	m.mu.Unlock()
}

// spawn runs fn in a goroutine tracked by Close.
func (m *Mediator) spawn(fn func(ctx context.Context)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
}

// toFailure folds err into the reply taxonomy. Internal faults are logged and recorded.
func (m *Mediator) toFailure(method string, err error) Reply {
	rpcErr := chains.AsRPCError(err)
	if rpcErr.Kind == rpctypes.KindInternal {
		log.Error("unexpected error while handling request", "method", method, "error", err)
		m.mu.Lock()
		m.lastErr = &UnexpectedError{Message: err.Error(), Time: time.Now()}
		m.mu.Unlock()
	}
	return fail(rpcErr)
}

// Mediate decides the reply for one request the page has access for.
func (m *Mediator) Mediate(ctx context.Context, call Call) Reply {
	s := call.Settings
	method := call.Request.Method()

	if call.SignerAvailable && !m.activeHasEndpoint(s) {
		return Forward{ReplyWithSigner: true}
	}

	switch req := call.Request.(type) {
	case rpctypes.EthAccounts, rpctypes.EthRequestAccounts:
		if call.ActiveAddress == nil {
			return Result{Value: []common.Address{}}
		}
		return Result{Value: []common.Address{*call.ActiveAddress}}
	case rpctypes.EthChainID:
		return Result{Value: hexutil.EncodeUint64(s.ActiveChainID)}
	case rpctypes.NetVersion:
		return Result{Value: strconv.FormatUint(s.ActiveChainID, 10)}
	case rpctypes.EthSign:
		return fail(rpctypes.NotImplemented("eth_sign is deprecated"))
	case rpctypes.WalletAddEthereumChain, rpctypes.EthGetStorageAt:
		if call.SignerAvailable {
			return Forward{ReplyWithSigner: true}
		}
		return fail(rpctypes.NotImplemented(method + " not implemented"))
	case rpctypes.WalletSwitchEthereumChain:
		return m.switchChain(call, req.ChainID)
	case rpctypes.EthSubscribe:
		id, err := m.Subscriptions.Subscribe(call.UniqueRequestIdentifier.Socket, req.Kind)
		if err != nil {
			return m.toFailure(method, err)
		}
		return Result{Value: id}
	case rpctypes.EthUnsubscribe:
		return Result{Value: m.Subscriptions.Unsubscribe(call.UniqueRequestIdentifier.Socket, req.ID)}
	case rpctypes.EthSendTransaction:
		return m.sendTransaction(ctx, call, req)
	case rpctypes.EthSendRawTransaction:
		return m.sendRawTransaction(ctx, call, req)
	case rpctypes.SignMessage:
		return m.signMessage(ctx, call, req)
	}

	if m.Gate.BlocksNetworkRequests(call.Website.Origin) {
		log.Info("node request refused, site blocks network requests", "method", method, "origin", call.Website.Origin)
		return fail(rpctypes.NetworkRequestsBlocked())
	}
	value, err := m.read(ctx, call.Request, s.SimulationMode)
	if err != nil {
		return m.toFailure(method, err)
	}
	return Result{Value: value}
}

func (m *Mediator) activeHasEndpoint(s settings.Settings) bool {
	network, ok := m.Networks.FindByChainID(s.ActiveChainID)
	return ok && network.Simulatable()
}

// read answers the read-only methods, through the overlay in simulation mode.
func (m *Mediator) read(ctx context.Context, req rpctypes.Request, simulationMode bool) (any, error) {
	chain, err := m.Chain()
	if err != nil {
		if errors.Is(err, chains.ErrNoEndpoint) || errors.Is(err, chains.ErrNoActiveChain) {
			return nil, rpctypes.NotConnectedToChain(err)
		}
		return nil, err
	}

	switch req.(type) {
	case rpctypes.EthGasPrice:
		p, err := chain.GasPrice(ctx)
		return (*hexutil.Big)(p), err
	case rpctypes.Web3ClientVersion:
		return chain.ClientVersion(ctx)
	}

	if simulationMode {
		return m.readSimulated(ctx, req)
	}
	switch r := req.(type) {
	case rpctypes.EthGetBalance:
		b, err := chain.BalanceAt(ctx, r.Address, r.Block)
		return (*hexutil.Big)(b), err
	case rpctypes.EthGetCode:
		code, err := chain.CodeAt(ctx, r.Address, r.Block)
		return hexutil.Bytes(code), err
	case rpctypes.EthGetTransactionCount:
		n, err := chain.NonceAt(ctx, r.Address, r.Block)
		return hexutil.Uint64(n), err
	case rpctypes.EthCall:
		out, err := chain.CallContract(ctx, r.Call, r.Block)
		return hexutil.Bytes(out), err
	case rpctypes.EthEstimateGas:
		gas, err := chain.EstimateGas(ctx, r.Call)
		return hexutil.Uint64(gas), err
	case rpctypes.EthBlockNumber:
		n, err := chain.BlockNumber(ctx)
		return hexutil.Uint64(n), err
	case rpctypes.EthGetBlockByNumber:
		return chain.BlockByNumberRaw(ctx, r.Block, r.FullTx)
	case rpctypes.EthGetBlockByHash:
		return chain.BlockByHashRaw(ctx, r.Hash, r.FullTx)
	case rpctypes.EthGetTransactionReceipt:
		return chain.TransactionReceiptRaw(ctx, r.Hash)
	case rpctypes.EthGetTransactionByHash:
		return chain.TransactionByHashRaw(ctx, r.Hash)
	}
	return nil, errors.Newf("no read handler for %s", req.Method())
}

func (m *Mediator) readSimulated(ctx context.Context, req rpctypes.Request) (any, error) {
	switch r := req.(type) {
	case rpctypes.EthGetBalance:
		b, err := m.Overlay.Balance(ctx, r.Address, r.Block)
		return (*hexutil.Big)(b), err
	case rpctypes.EthGetCode:
		code, err := m.Overlay.Code(ctx, r.Address, r.Block)
		return hexutil.Bytes(code), err
	case rpctypes.EthGetTransactionCount:
		n, err := m.Overlay.TransactionCount(ctx, r.Address, r.Block)
		return hexutil.Uint64(n), err
	case rpctypes.EthCall:
		out, err := m.Overlay.Call(ctx, r.Call, r.Block)
		return hexutil.Bytes(out), err
	case rpctypes.EthEstimateGas:
		gas, err := m.Overlay.EstimateGas(ctx, r.Call)
		return hexutil.Uint64(gas), err
	case rpctypes.EthBlockNumber:
		n, err := m.Overlay.BlockNumber(ctx)
		return hexutil.Uint64(n), err
	case rpctypes.EthGetBlockByNumber:
		return m.Overlay.BlockByNumber(ctx, r.Block, r.FullTx)
	case rpctypes.EthGetBlockByHash:
		return m.Overlay.BlockByHash(ctx, r.Hash, r.FullTx)
	case rpctypes.EthGetTransactionReceipt:
		return m.Overlay.TransactionReceipt(ctx, r.Hash)
	case rpctypes.EthGetTransactionByHash:
		return m.Overlay.TransactionByHash(ctx, r.Hash)
	}
	return nil, errors.Newf("no simulated read handler for %s", req.Method())
}

// switchChain hands the request to the coordinator and replies once the switch settles.
func (m *Mediator) switchChain(call Call, chainID uint64) Reply {
	uid := call.UniqueRequestIdentifier
	result, err := m.Switcher.Request(uid, call.Website, chainID)
	if err != nil {
		if errors.Is(err, chainswitch.ErrSwitchInFlight) {
			return fail(rpctypes.RequestPending())
		}
		rpcErr := rpctypes.AsError(err)
		if rpcErr.Code == rpctypes.CodeUnrecognizedChain && call.SignerAvailable {
			return Forward{ReplyWithSigner: true}
		}
		return m.toFailure(rpctypes.MethodWalletSwitchEthereumChain, err)
	}
	if result.Settled() {
		v, err := result.Wait(context.Background())
		if err != nil {
			return m.toFailure(rpctypes.MethodWalletSwitchEthereumChain, err)
		}
		return Result{Value: v}
	}
	m.mu.Lock()
	m.switches[uid.Socket] = uid
	m.mu.Unlock()
	m.spawn(func(ctx context.Context) {
		v, err := result.Wait(ctx)
		m.forgetSwitch(uid)
		if errors.Is(err, context.Canceled) {
			m.Switcher.Cancel(uid)
			return
		}
		m.send(ctx, uid, rpctypes.MethodWalletSwitchEthereumChain, nil, m.settledReply(rpctypes.MethodWalletSwitchEthereumChain, v, err))
	})
	return DoNotReply{}
}

func (m *Mediator) forgetSwitch(uid bus.UniqueRequestIdentifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.switches[uid.Socket] == uid {
		delete(m.switches, uid.Socket)
	}
}

func (m *Mediator) settledReply(method string, v any, err error) Reply {
	if err != nil {
		return m.toFailure(method, err)
	}
	return Result{Value: v}
}

// send delivers reply for uid through the hub.
func (m *Mediator) send(ctx context.Context, uid bus.UniqueRequestIdentifier, method string, params json.RawMessage, reply Reply) {
	var err error
	switch r := reply.(type) {
	case Result:
		err = m.Hub.Reply(ctx, uid, method, r.Value, nil)
	case Failure:
		err = m.Hub.Reply(ctx, uid, method, nil, r.Err)
	case Forward:
		err = m.Hub.Forward(ctx, uid, method, params, r.ReplyWithSigner)
	case DoNotReply:
		return
	}
	if err != nil {
		log.Debug("reply not delivered", "request", uid.String(), "method", method, "error", err)
	}
}
