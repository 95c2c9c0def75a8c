package chains

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/quantumauth-io/quantum-interceptor/internal/networks"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func anvilAt(url string) networks.RpcNetwork {
	return networks.RpcNetwork{Name: "Anvil", ChainID: networks.ChainAnvil, RPCs: []networks.RPC{{URL: url}}}
}

func TestClientReadsWithBlockTags(t *testing.T) {
	node := newFakeNode(t)
	node.on("eth_getBlockByNumber", func(json.RawMessage) (any, *rpcError) { return headerJSON(10), nil })
	var gotParams json.RawMessage
	node.on("eth_getBalance", func(p json.RawMessage) (any, *rpcError) {
		gotParams = p
		return "0xde0b6b3a7640000", nil
	})
	node.on("eth_chainId", func(json.RawMessage) (any, *rpcError) { return "0x7a69", nil })

	ctx := context.Background()
	c, err := Dial(ctx, anvilAt(node.URL()), Options{PollInterval: time.Hour})
	require.NoError(t, err)
	defer c.Close()

	n, err := c.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)

	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	bal, err := c.BalanceAt(ctx, addr, rpctypes.BlockNumberTag(9))
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", bal.String())
	assert.JSONEq(t, `["0x00000000000000000000000000000000000000aa","0x9"]`, string(gotParams))

	id, err := c.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, networks.ChainAnvil, id)

	st := c.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, uint64(10), st.LatestBlock)
}

func TestCallContractRevertIsTyped(t *testing.T) {
	node := newFakeNode(t)
	node.on("eth_getBlockByNumber", func(json.RawMessage) (any, *rpcError) { return headerJSON(1), nil })
	// Error(string) "nope"
	revert := "0x08c379a0" +
		"0000000000000000000000000000000000000000000000000000000000000020" +
		"0000000000000000000000000000000000000000000000000000000000000004" +
		"6e6f706500000000000000000000000000000000000000000000000000000000"
	node.on("eth_call", func(json.RawMessage) (any, *rpcError) {
		return nil, &rpcError{Code: 3, Message: "execution reverted: nope", Data: revert}
	})

	ctx := context.Background()
	c, err := Dial(ctx, anvilAt(node.URL()), Options{})
	require.NoError(t, err)
	defer c.Close()

	to := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	_, err = c.CallContract(ctx, rpctypes.TransactionArgs{To: &to}, rpctypes.Latest)
	rerr := rpctypes.AsError(err)
	assert.Equal(t, rpctypes.CodeExecutionError, rerr.Code)
	assert.Equal(t, "execution reverted: nope", rerr.Message)
	assert.Equal(t, revert, rerr.Data)
}

func TestPollerPublishesIncreasingHeads(t *testing.T) {
	node := newFakeNode(t)
	var head atomic.Uint64
	head.Store(5)
	node.on("eth_getBlockByNumber", func(json.RawMessage) (any, *rpcError) { return headerJSON(head.Load()), nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := Dial(ctx, anvilAt(node.URL()), Options{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	heads := make(chan NewHead, 8)
	sub := c.SubscribeNewHeads(heads)
	defer sub.Unsubscribe()
	c.Start(ctx)

	head.Store(6)
	select {
	case h := <-heads:
		assert.Equal(t, uint64(6), h.Header.Number.Uint64())
		assert.Equal(t, networks.ChainAnvil, h.ChainID)
	case <-time.After(2 * time.Second):
		t.Fatal("no head published")
	}
}

func TestPollerKeepsRetryingWhileNodeFails(t *testing.T) {
	node := newFakeNode(t)
	var failing atomic.Bool
	node.on("eth_getBlockByNumber", func(json.RawMessage) (any, *rpcError) {
		if failing.Load() {
			return nil, &rpcError{Code: -32000, Message: "boom"}
		}
		return headerJSON(3), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := Dial(ctx, anvilAt(node.URL()), Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	failing.Store(true)
	c.Start(ctx)
	require.Eventually(t, func() bool { return node.count("eth_getBlockByNumber") > 3 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.Status().Connected)

	failing.Store(false)
	require.Eventually(t, func() bool { return c.Status().Connected }, 2*time.Second, 5*time.Millisecond)
}

func TestIsNetworkError(t *testing.T) {
	ctx := context.Background()
	c, err := Dial(ctx, anvilAt("http://127.0.0.1:1"), Options{})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.BalanceAt(ctx, common.Address{}, rpctypes.Latest)
	require.Error(t, err)
	assert.True(t, IsNetworkError(err))
	assert.Equal(t, rpctypes.CodeDisconnected, AsRPCError(err).Code)
	assert.Equal(t, rpctypes.MessageNotConnectedToChain, AsRPCError(err).Message)

	assert.False(t, IsNetworkError(errors.New("execution reverted")))
	assert.False(t, IsNetworkError(nil))

	_, err = Dial(ctx, networks.RpcNetwork{ChainID: 5}, Options{})
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestServiceSwitch(t *testing.T) {
	nodeA := newFakeNode(t)
	nodeA.on("eth_getBlockByNumber", func(json.RawMessage) (any, *rpcError) { return headerJSON(1), nil })
	nodeB := newFakeNode(t)
	nodeB.on("eth_getBlockByNumber", func(json.RawMessage) (any, *rpcError) { return headerJSON(2), nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewService(time.Hour)
	s.Start(ctx)
	defer s.Close()

	_, err := s.Active()
	assert.ErrorIs(t, err, ErrNoActiveChain)

	require.NoError(t, s.Switch(ctx, anvilAt(nodeA.URL())))
	a, err := s.Active()
	require.NoError(t, err)

	require.NoError(t, s.Switch(ctx, anvilAt(nodeA.URL())))
	same, err := s.Active()
	require.NoError(t, err)
	assert.Same(t, a, same)

	sepolia := networks.RpcNetwork{Name: "Sepolia", ChainID: networks.ChainSepolia, RPCs: []networks.RPC{{URL: nodeB.URL()}}}
	require.NoError(t, s.Switch(ctx, sepolia))
	b, err := s.Active()
	require.NoError(t, err)
	n, err := b.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	require.NoError(t, s.Switch(ctx, networks.RpcNetwork{Name: "Forward", ChainID: 8453}))
	_, err = s.Active()
	assert.ErrorIs(t, err, ErrNoEndpoint)
	net, ok := s.ActiveNetwork()
	require.True(t, ok)
	assert.Equal(t, uint64(8453), net.ChainID)
}
