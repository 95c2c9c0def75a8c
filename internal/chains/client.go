// Package chains talks JSON-RPC to the configured network and keeps a cached view of its
// head block.
package chains

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/retry"
	"github.com/quantumauth-io/quantum-interceptor/internal/networks"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
)

const DefaultPollInterval = 12 * time.Second

var ErrNoEndpoint = errors.New("network has no rpc endpoint")

// NewHead is published whenever the polled block number increases.
type NewHead struct {
	ChainID uint64
	Header  *types.Header
}

// Status is a point-in-time view of the connection, for the UI.
type Status struct {
	ChainID     uint64    `json:"chainId"`
	RPC         string    `json:"rpc"`
	Connected   bool      `json:"connected"`
	LatestBlock uint64    `json:"latestBlock,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

type Options struct {
	PollInterval time.Duration
	// Heads receives NewHead events. A private feed is used when nil.
	Heads *event.Feed
}

// Client is one network's RPC connection plus its polled head.
type Client struct {
	network      networks.RpcNetwork
	rpc          *rpc.Client
	eth          *ethclient.Client
	pollInterval time.Duration
	heads        *event.Feed

	latestHeader             atomic.Pointer[types.Header]
	timeReceivedLatestHeader atomic.Pointer[time.Time]
	lastErr                  atomic.Pointer[string]

	stopOnce sync.Once
	stop     context.CancelFunc
	done     chan struct{}
}

// Dial connects to the network's primary endpoint. A failure to fetch the first header
// is logged, not returned: the poller keeps trying and callers see network errors meanwhile.
func Dial(ctx context.Context, network networks.RpcNetwork, opts Options) (*Client, error) {
	url := network.HTTPSRPC()
	if url == "" {
		return nil, errors.Wrapf(ErrNoEndpoint, "chain %d", network.ChainID)
	}
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to connect to blockchain at %s", url)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Heads == nil {
		opts.Heads = new(event.Feed)
	}

	c := &Client{
		network:      network,
		rpc:          rc,
		eth:          ethclient.NewClient(rc),
		pollInterval: opts.PollInterval,
		heads:        opts.Heads,
		done:         make(chan struct{}),
	}
	if err := c.getLatestHeaderFromChain(ctx); err != nil {
		log.Warn("initial header fetch failed", "chainId", network.ChainID, "rpc", url, "error", err)
	}
	return c, nil
}

func (c *Client) Network() networks.RpcNetwork { return c.network }

// SubscribeNewHeads delivers NewHead events. The channel should be buffered.
func (c *Client) SubscribeNewHeads(ch chan<- NewHead) event.Subscription {
	return c.heads.Subscribe(ch)
}

// Start runs the head poller until ctx is done or Close is called.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.stop = cancel
	go func() {
		defer close(c.done)
		c.maintainLatestHeaderFromChain(ctx)
	}()
}

func (c *Client) maintainLatestHeaderFromChain(ctx context.Context) {
	cfg := retry.DefaultConfig()
	cfg.MaxDelayBeforeRetrying = c.pollInterval
	cfg.InitialDelayBeforeRetrying = c.pollInterval / 10

	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()
	numCallsToChain := 0
	for {
		timer.Reset(c.pollInterval)
		select {
		case <-ctx.Done():
			log.Info("head poller exiting", "chainId", c.network.ChainID, "numCallsToChain", numCallsToChain)
			return
		case <-timer.C:
			_, _ = retry.Retry(ctx, cfg,
				func(ctx context.Context) ([]interface{}, error) {
					numCallsToChain++
					return nil, c.getLatestHeaderFromChain(ctx)
				},
				nil, // always retry
				"get latest header from chain")
		}
	}
}

func (c *Client) getLatestHeaderFromChain(ctx context.Context) error {
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		msg := err.Error()
		c.lastErr.Store(&msg)
		return errors.Wrap(err, "Failed to get latest HeaderByNumber from chain")
	}
	now := time.Now().UTC()
	prev := c.latestHeader.Load()
	c.latestHeader.Store(header)
	c.timeReceivedLatestHeader.Store(&now)
	c.lastErr.Store(nil)

	if prev == nil || header.Number.Cmp(prev.Number) > 0 {
		c.heads.Send(NewHead{ChainID: c.network.ChainID, Header: header})
	}
	return nil
}

// Close stops the poller and the connection. It is safe to call more than once.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		if c.stop != nil {
			c.stop()
			<-c.done
		}
		c.rpc.Close()
	})
}

func (c *Client) Status() Status {
	st := Status{ChainID: c.network.ChainID, RPC: c.network.HTTPSRPC()}
	if h := c.latestHeader.Load(); h != nil {
		st.LatestBlock = h.Number.Uint64()
	}
	if at := c.timeReceivedLatestHeader.Load(); at != nil {
		st.ReceivedAt = *at
	}
	if e := c.lastErr.Load(); e != nil {
		st.LastError = *e
	}
	st.Connected = st.LastError == "" && !st.ReceivedAt.IsZero()
	return st
}

// LatestHeader returns the cached head, fetching it when nothing is cached yet.
func (c *Client) LatestHeader(ctx context.Context) (*types.Header, error) {
	if h := c.latestHeader.Load(); h != nil {
		return h, nil
	}
	if err := c.getLatestHeaderFromChain(ctx); err != nil {
		return nil, err
	}
	return c.latestHeader.Load(), nil
}

func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "eth_chainId")
	}
	return id.Uint64(), nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	h, err := c.LatestHeader(ctx)
	if err != nil {
		return 0, err
	}
	return h.Number.Uint64(), nil
}

func (c *Client) BalanceAt(ctx context.Context, addr common.Address, tag rpctypes.BlockTag) (*big.Int, error) {
	var out hexutil.Big
	if err := c.rpc.CallContext(ctx, &out, "eth_getBalance", addr, tag); err != nil {
		return nil, errors.Wrap(err, "eth_getBalance")
	}
	return out.ToInt(), nil
}

func (c *Client) NonceAt(ctx context.Context, addr common.Address, tag rpctypes.BlockTag) (uint64, error) {
	var out hexutil.Uint64
	if err := c.rpc.CallContext(ctx, &out, "eth_getTransactionCount", addr, tag); err != nil {
		return 0, errors.Wrap(err, "eth_getTransactionCount")
	}
	return uint64(out), nil
}

func (c *Client) CodeAt(ctx context.Context, addr common.Address, tag rpctypes.BlockTag) ([]byte, error) {
	var out hexutil.Bytes
	if err := c.rpc.CallContext(ctx, &out, "eth_getCode", addr, tag); err != nil {
		return nil, errors.Wrap(err, "eth_getCode")
	}
	return out, nil
}

func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	p, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "eth_gasPrice")
	}
	return p, nil
}

func (c *Client) ClientVersion(ctx context.Context) (string, error) {
	var out string
	if err := c.rpc.CallContext(ctx, &out, "web3_clientVersion"); err != nil {
		return "", errors.Wrap(err, "web3_clientVersion")
	}
	return out, nil
}

func (c *Client) BlockByNumberRaw(ctx context.Context, tag rpctypes.BlockTag, fullTx bool) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.rpc.CallContext(ctx, &out, "eth_getBlockByNumber", tag, fullTx); err != nil {
		return nil, errors.Wrap(err, "eth_getBlockByNumber")
	}
	return out, nil
}

func (c *Client) BlockByHashRaw(ctx context.Context, hash common.Hash, fullTx bool) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.rpc.CallContext(ctx, &out, "eth_getBlockByHash", hash, fullTx); err != nil {
		return nil, errors.Wrap(err, "eth_getBlockByHash")
	}
	return out, nil
}

func (c *Client) TransactionReceiptRaw(ctx context.Context, hash common.Hash) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.rpc.CallContext(ctx, &out, "eth_getTransactionReceipt", hash); err != nil {
		return nil, errors.Wrap(err, "eth_getTransactionReceipt")
	}
	return out, nil
}

func (c *Client) TransactionByHashRaw(ctx context.Context, hash common.Hash) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.rpc.CallContext(ctx, &out, "eth_getTransactionByHash", hash); err != nil {
		return nil, errors.Wrap(err, "eth_getTransactionByHash")
	}
	return out, nil
}

// CallContract runs eth_call. A revert is returned as a typed execution error carrying
// the revert data.
func (c *Client) CallContract(ctx context.Context, args rpctypes.TransactionArgs, tag rpctypes.BlockTag) ([]byte, error) {
	var out hexutil.Bytes
	if err := c.rpc.CallContext(ctx, &out, "eth_call", args, tag); err != nil {
		return nil, asExecutionError(err, "eth_call")
	}
	return out, nil
}

func (c *Client) EstimateGas(ctx context.Context, args rpctypes.TransactionArgs) (uint64, error) {
	msg := ethereum.CallMsg{
		To:        args.To,
		Value:     args.ValueOrZero(),
		Data:      args.CallData(),
		GasPrice:  bigOrNil(args.GasPrice),
		GasFeeCap: bigOrNil(args.MaxFeePerGas),
		GasTipCap: bigOrNil(args.MaxPriorityFeePerGas),
	}
	if args.From != nil {
		msg.From = *args.From
	}
	if args.Gas != nil {
		msg.Gas = uint64(*args.Gas)
	}
	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return 0, asExecutionError(err, "eth_estimateGas")
	}
	return gas, nil
}

// SimulateV1 sends an eth_simulateV1 request and returns the raw block results.
func (c *Client) SimulateV1(ctx context.Context, payload any, tag rpctypes.BlockTag) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.rpc.CallContext(ctx, &out, "eth_simulateV1", payload, tag); err != nil {
		return nil, errors.Wrap(err, "eth_simulateV1")
	}
	return out, nil
}

// Raw forwards any method unchanged.
func (c *Client) Raw(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.rpc.CallContext(ctx, &out, method, params...); err != nil {
		return nil, errors.Wrap(err, method)
	}
	return out, nil
}

func bigOrNil(b *hexutil.Big) *big.Int {
	if b == nil {
		return nil
	}
	return b.ToInt()
}
