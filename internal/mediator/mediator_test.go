package mediator

import (
	"context"
	"encoding/json"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quantumauth-io/quantum-interceptor/internal/access"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
	"github.com/quantumauth-io/quantum-interceptor/internal/chainswitch"
	"github.com/quantumauth-io/quantum-interceptor/internal/classifier"
	"github.com/quantumauth-io/quantum-interceptor/internal/future"
	"github.com/quantumauth-io/quantum-interceptor/internal/networks"
	"github.com/quantumauth-io/quantum-interceptor/internal/pending"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
	"github.com/quantumauth-io/quantum-interceptor/internal/settings"
	"github.com/quantumauth-io/quantum-interceptor/internal/shared"
	"github.com/quantumauth-io/quantum-interceptor/internal/simulation"
	"github.com/quantumauth-io/quantum-interceptor/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const origin = "https://dapp.example"

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

type fakeNetworks map[uint64]networks.RpcNetwork

func (f fakeNetworks) FindByChainID(id uint64) (networks.RpcNetwork, bool) {
	n, ok := f[id]
	return n, ok
}

type fakeChain struct {
	balance *big.Int
	err     error
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return 100, f.err }
func (f *fakeChain) BalanceAt(context.Context, common.Address, rpctypes.BlockTag) (*big.Int, error) {
	return f.balance, f.err
}
func (f *fakeChain) NonceAt(context.Context, common.Address, rpctypes.BlockTag) (uint64, error) {
	return 3, f.err
}
func (f *fakeChain) CodeAt(context.Context, common.Address, rpctypes.BlockTag) ([]byte, error) {
	return nil, f.err
}
func (f *fakeChain) GasPrice(context.Context) (*big.Int, error)   { return big.NewInt(7), f.err }
func (f *fakeChain) ClientVersion(context.Context) (string, error) { return "fake/1.0", f.err }
func (f *fakeChain) CallContract(context.Context, rpctypes.TransactionArgs, rpctypes.BlockTag) ([]byte, error) {
	return []byte{0x01}, f.err
}
func (f *fakeChain) EstimateGas(context.Context, rpctypes.TransactionArgs) (uint64, error) {
	return 21000, f.err
}
func (f *fakeChain) BlockByNumberRaw(context.Context, rpctypes.BlockTag, bool) (json.RawMessage, error) {
	return json.RawMessage(`{"source":"chain"}`), f.err
}
func (f *fakeChain) BlockByHashRaw(context.Context, common.Hash, bool) (json.RawMessage, error) {
	return json.RawMessage(`{"source":"chain"}`), f.err
}
func (f *fakeChain) TransactionReceiptRaw(context.Context, common.Hash) (json.RawMessage, error) {
	return json.RawMessage(`null`), f.err
}
func (f *fakeChain) TransactionByHashRaw(context.Context, common.Hash) (json.RawMessage, error) {
	return json.RawMessage(`null`), f.err
}

type fakeOverlay struct {
	balance *big.Int
}

func (f *fakeOverlay) Balance(context.Context, common.Address, rpctypes.BlockTag) (*big.Int, error) {
	return f.balance, nil
}
func (f *fakeOverlay) Code(context.Context, common.Address, rpctypes.BlockTag) ([]byte, error) {
	return nil, nil
}
func (f *fakeOverlay) TransactionCount(context.Context, common.Address, rpctypes.BlockTag) (uint64, error) {
	return 4, nil
}
func (f *fakeOverlay) Call(context.Context, rpctypes.TransactionArgs, rpctypes.BlockTag) ([]byte, error) {
	return []byte{0x02}, nil
}
func (f *fakeOverlay) EstimateGas(context.Context, rpctypes.TransactionArgs) (uint64, error) {
	return 30000, nil
}
func (f *fakeOverlay) BlockNumber(context.Context) (uint64, error) { return 101, nil }
func (f *fakeOverlay) BlockByNumber(context.Context, rpctypes.BlockTag, bool) (json.RawMessage, error) {
	return json.RawMessage(`{"source":"simulation"}`), nil
}
func (f *fakeOverlay) BlockByHash(context.Context, common.Hash, bool) (json.RawMessage, error) {
	return json.RawMessage(`{"source":"simulation"}`), nil
}
func (f *fakeOverlay) TransactionReceipt(context.Context, common.Hash) (json.RawMessage, error) {
	return json.RawMessage(`null`), nil
}
func (f *fakeOverlay) TransactionByHash(context.Context, common.Hash) (json.RawMessage, error) {
	return json.RawMessage(`null`), nil
}

type queued struct {
	entry  pending.Entry
	result *future.Future[pending.Resolution]
}

type fakeQueue struct {
	mu       sync.Mutex
	entries  []queued
	verdicts map[bus.UniqueRequestIdentifier]classifier.Verdict
	replies  []bus.UniqueRequestIdentifier
	err      error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{verdicts: map[bus.UniqueRequestIdentifier]classifier.Verdict{}}
}

func (f *fakeQueue) enqueue(entry pending.Entry) (*future.Future[pending.Resolution], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if entry.Transaction != nil {
		entry.Preview = &simulation.Snapshot{}
	}
	q := queued{entry: entry, result: future.New[pending.Resolution]()}
	f.entries = append(f.entries, q)
	return q.result, nil
}

func (f *fakeQueue) EnqueueTransaction(_ context.Context, e pending.Entry) (*future.Future[pending.Resolution], error) {
	return f.enqueue(e)
}

func (f *fakeQueue) EnqueueMessage(_ context.Context, e pending.Entry) (*future.Future[pending.Resolution], error) {
	return f.enqueue(e)
}

func (f *fakeQueue) Entry(uid bus.UniqueRequestIdentifier) (pending.Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, q := range f.entries {
		if q.entry.UniqueRequestIdentifier == uid {
			return q.entry, true
		}
	}
	return pending.Entry{}, false
}

func (f *fakeQueue) SetVerdict(uid bus.UniqueRequestIdentifier, v classifier.Verdict) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdicts[uid] = v
}

func (f *fakeQueue) verdict(uid bus.UniqueRequestIdentifier) (classifier.Verdict, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.verdicts[uid]
	return v, ok
}

func (f *fakeQueue) SignerReplied(_ context.Context, uid bus.UniqueRequestIdentifier, _ json.RawMessage, _ *rpctypes.Error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, uid)
	return nil
}

func (f *fakeQueue) first() queued {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[0]
}

func (f *fakeQueue) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type fakeSwitcher struct {
	mu        sync.Mutex
	result    *future.Future[any]
	err       error
	chainIDs  []uint64
	cancelled []bus.UniqueRequestIdentifier
}

func (f *fakeSwitcher) Request(bus.UniqueRequestIdentifier, shared.Website, uint64) (*future.Future[any], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

func (f *fakeSwitcher) SignerChainChanged(_ context.Context, chainID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chainIDs = append(f.chainIDs, chainID)
	return nil
}

func (f *fakeSwitcher) SignerSwitchReply(*rpctypes.Error) {}

func (f *fakeSwitcher) Cancel(uid bus.UniqueRequestIdentifier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, uid)
}

func (f *fakeSwitcher) cancels() []bus.UniqueRequestIdentifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.UniqueRequestIdentifier(nil), f.cancelled...)
}

func (f *fakeSwitcher) observed() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.chainIDs...)
}

type fakeSubscriptions struct {
	mu      sync.Mutex
	dropped []bus.Socket
}

func (f *fakeSubscriptions) Subscribe(_ bus.Socket, kind string) (string, error) {
	if kind != "newHeads" {
		return "", rpctypes.NotImplemented("not implemented")
	}
	return "0xsub", nil
}

func (f *fakeSubscriptions) Unsubscribe(bus.Socket, string) bool { return true }

func (f *fakeSubscriptions) Drop(s bus.Socket) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, s)
}

type fakeClassifier struct{}

func (fakeClassifier) Enabled() bool { return true }

func (fakeClassifier) ClassifyTransaction(context.Context, *simulation.Snapshot, simulation.Transaction) classifier.Verdict {
	return classifier.Verdict{Status: classifier.Unsafe, Cause: "drains wallet"}
}

type harness struct {
	m        *Mediator
	hub      *bus.Hub
	conn     *bus.ChanConn
	gate     *access.Gate
	settings *settings.Manager
	chain    *fakeChain
	queue    *fakeQueue
	switcher *fakeSwitcher
	subs     *fakeSubscriptions
	nextID   uint64
}

func newHarness(t *testing.T, simulationMode bool) *harness {
	t.Helper()
	ctx := context.Background()
	backend, err := store.NewFileBackend(t.TempDir())
	require.NoError(t, err)

	gate := access.NewGate(backend)
	require.NoError(t, gate.Init(ctx))
	sm := settings.NewManager(backend)
	require.NoError(t, sm.Init(ctx, settings.Settings{
		SimulationMode:          simulationMode,
		ActiveSimulationAddress: &alice,
		ActiveSigningAddress:    &alice,
		ActiveChainID:           1,
	}))

	hub := bus.NewHub()
	conn := bus.NewChanConn(bus.NewSocket(7), origin, 32)
	hub.Register(conn)

	h := &harness{
		hub:      hub,
		conn:     conn,
		gate:     gate,
		settings: sm,
		chain:    &fakeChain{balance: big.NewInt(1000)},
		queue:    newFakeQueue(),
		switcher: &fakeSwitcher{},
		subs:     &fakeSubscriptions{},
	}
	h.m = New(Deps{
		Hub:      hub,
		Gate:     gate,
		Settings: sm,
		Networks: fakeNetworks{
			1:  {Name: "Ethereum", ChainID: 1, RPCs: []networks.RPC{{Name: "primary", URL: "https://rpc.example"}}},
			99: {Name: "Forward only", ChainID: 99},
		},
		Chain:         func() (Chain, error) { return h.chain, nil },
		Overlay:       &fakeOverlay{balance: big.NewInt(2000)},
		Queue:         h.queue,
		Switcher:      h.switcher,
		Subscriptions: h.subs,
		Classifier:    fakeClassifier{},
	})
	t.Cleanup(h.m.Close)
	return h
}

func (h *harness) grant(t *testing.T) {
	t.Helper()
	require.NoError(t, h.gate.Decide(context.Background(), origin, &alice, true))
}

func (h *harness) submit(t *testing.T, method string, params string) uint64 {
	t.Helper()
	h.nextID++
	msg := bus.PageMessage{RequestID: h.nextID, Method: method}
	if params != "" {
		msg.Params = json.RawMessage(params)
	}
	h.submitMessage(t, msg)
	return h.nextID
}

func (h *harness) submitMessage(t *testing.T, msg bus.PageMessage) {
	t.Helper()
	require.NoError(t, h.m.Submit(context.Background(), Inbound{
		Socket:  h.conn.Socket(),
		Website: shared.Website{Origin: origin, Title: "Dapp"},
		Message: msg,
	}))
}

func (h *harness) next(t *testing.T) bus.Envelope {
	t.Helper()
	select {
	case env := <-h.conn.Out():
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope sent to the page")
		return bus.Envelope{}
	}
}

func (h *harness) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case env := <-h.conn.Out():
		t.Fatalf("unexpected envelope %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) uid(id uint64) bus.UniqueRequestIdentifier {
	return bus.UniqueRequestIdentifier{Socket: h.conn.Socket(), RequestID: id}
}

func TestNoAccessDefaults(t *testing.T) {
	h := newHarness(t, true)

	h.submit(t, rpctypes.MethodEthAccounts, "")
	env := h.next(t)
	assert.JSONEq(t, `[]`, string(env.Result))

	h.submit(t, rpctypes.MethodEthChainID, "")
	assert.JSONEq(t, `"0x1"`, string(h.next(t).Result))

	h.submit(t, rpctypes.MethodNetVersion, "")
	assert.JSONEq(t, `"1"`, string(h.next(t).Result))

	h.submit(t, rpctypes.MethodEthGetBalance, `["`+alice.Hex()+`","latest"]`)
	env = h.next(t)
	require.NotNil(t, env.Error)
	assert.Equal(t, rpctypes.CodeUnauthorized, env.Error.Code)
	assert.Equal(t, rpctypes.MessageNotAuthorized, env.Error.Message)
}

func TestAccessPromptThenServe(t *testing.T) {
	h := newHarness(t, true)

	id := h.submit(t, rpctypes.MethodEthRequestAccounts, "")
	require.Eventually(t, func() bool { return len(h.gate.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	h.expectSilence(t)

	require.NoError(t, h.gate.Decide(context.Background(), origin, &alice, true))
	env := h.next(t)
	require.NotNil(t, env.RequestID)
	assert.Equal(t, id, *env.RequestID)
	assert.JSONEq(t, `["`+alice.Hex()+`"]`, string(env.Result))
}

func TestAccessPromptRefused(t *testing.T) {
	h := newHarness(t, true)

	h.submit(t, rpctypes.MethodEthRequestAccounts, "")
	require.Eventually(t, func() bool { return len(h.gate.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, h.gate.Decide(context.Background(), origin, &alice, false))

	env := h.next(t)
	require.NotNil(t, env.Error)
	assert.Equal(t, rpctypes.CodeUnauthorized, env.Error.Code)
}

func TestInterceptorDisabledSite(t *testing.T) {
	h := newHarness(t, true)
	h.grant(t)
	require.NoError(t, h.gate.SetInterceptorDisabled(context.Background(), origin, true))

	h.submit(t, rpctypes.MethodEthAccounts, "")
	env := h.next(t)
	require.NotNil(t, env.Error)
	assert.Equal(t, rpctypes.MessageInterceptorDisabled, env.Error.Message)
}

func TestReadsFollowMode(t *testing.T) {
	h := newHarness(t, true)
	h.grant(t)

	h.submit(t, rpctypes.MethodEthGetBalance, `["`+alice.Hex()+`","latest"]`)
	assert.JSONEq(t, `"0x7d0"`, string(h.next(t).Result))
	h.submit(t, rpctypes.MethodEthBlockNumber, "")
	assert.JSONEq(t, `"0x65"`, string(h.next(t).Result))

	_, err := h.settings.SetSimulationMode(context.Background(), false)
	require.NoError(t, err)

	h.submit(t, rpctypes.MethodEthGetBalance, `["`+alice.Hex()+`","latest"]`)
	assert.JSONEq(t, `"0x3e8"`, string(h.next(t).Result))
	h.submit(t, rpctypes.MethodEthGetBlockByNumber, `["latest",false]`)
	assert.JSONEq(t, `{"source":"chain"}`, string(h.next(t).Result))
}

func TestRepliesKeepArrivalOrder(t *testing.T) {
	h := newHarness(t, true)
	h.grant(t)

	var ids []uint64
	for i := 0; i < 10; i++ {
		ids = append(ids, h.submit(t, rpctypes.MethodEthChainID, ""))
	}
	for _, id := range ids {
		env := h.next(t)
		require.NotNil(t, env.RequestID)
		assert.Equal(t, id, *env.RequestID)
	}
}

func TestUnknownMethod(t *testing.T) {
	h := newHarness(t, true)
	h.grant(t)

	h.submit(t, "eth_coinbase", "")
	env := h.next(t)
	require.NotNil(t, env.Error)
	assert.Equal(t, rpctypes.CodeNotImplemented, env.Error.Code)

	_, err := h.settings.SetSimulationMode(context.Background(), false)
	require.NoError(t, err)
	h.submit(t, "eth_coinbase", "")
	env = h.next(t)
	assert.Equal(t, bus.EnvelopeForwardToSigner, env.Type)
	assert.True(t, env.ReplyWithSignersReply)

	h.nextID++
	h.submitMessage(t, bus.PageMessage{RequestID: h.nextID, Method: "eth_coinbase", UsingInterceptorWithoutSigner: true})
	env = h.next(t)
	require.NotNil(t, env.Error)
	assert.Equal(t, rpctypes.CodeNotImplemented, env.Error.Code)
}

func TestForwardOnlyNetworkForwardsEverything(t *testing.T) {
	h := newHarness(t, false)
	h.grant(t)
	_, err := h.settings.SetActiveChain(context.Background(), 99)
	require.NoError(t, err)

	h.submit(t, rpctypes.MethodEthGetBalance, `["`+alice.Hex()+`","latest"]`)
	env := h.next(t)
	assert.Equal(t, bus.EnvelopeForwardToSigner, env.Type)
	assert.Equal(t, rpctypes.MethodEthGetBalance, env.Method)
	assert.JSONEq(t, `["`+alice.Hex()+`","latest"]`, string(env.Params))
}

func TestStubbedMethods(t *testing.T) {
	h := newHarness(t, true)
	h.grant(t)

	h.submit(t, rpctypes.MethodEthSign, `["`+alice.Hex()+`","0xdeadbeef"]`)
	env := h.next(t)
	require.NotNil(t, env.Error)
	assert.Equal(t, "eth_sign is deprecated", env.Error.Message)

	h.submit(t, rpctypes.MethodWalletAddEthereumChain, `[{"chainId":"0x89"}]`)
	env = h.next(t)
	require.NotNil(t, env.Error)
	assert.Equal(t, "wallet_addEthereumChain not implemented", env.Error.Message)
}

func TestSendTransactionIsQueued(t *testing.T) {
	h := newHarness(t, true)
	h.grant(t)

	id := h.submit(t, rpctypes.MethodEthSendTransaction, `[{"to":"`+bob.Hex()+`","value":"0x10"}]`)
	require.Eventually(t, func() bool { return h.queue.len() == 1 }, time.Second, 5*time.Millisecond)
	h.expectSilence(t)

	q := h.queue.first()
	require.NotNil(t, q.entry.Transaction)
	assert.Equal(t, alice, q.entry.Transaction.From)
	assert.Equal(t, hexutil.Uint64(30000), q.entry.Transaction.Gas)
	assert.Equal(t, int64(16), q.entry.Transaction.ValueInt().Int64())
	assert.Equal(t, simulation.IdentifierFor(h.uid(id)), q.entry.Identifier)

	require.Eventually(t, func() bool {
		v, ok := h.queue.verdict(h.uid(id))
		return ok && v.Status == classifier.Unsafe
	}, time.Second, 5*time.Millisecond)

	q.result.Resolve(pending.Resolution{Result: q.entry.Identifier})
	env := h.next(t)
	assert.JSONEq(t, `"`+q.entry.Identifier.Hex()+`"`, string(env.Result))
}

func TestRejectedTransactionReplies4001(t *testing.T) {
	h := newHarness(t, true)
	h.grant(t)

	h.submit(t, rpctypes.MethodPersonalSign, `["0x68656c6c6f","`+alice.Hex()+`"]`)
	require.Eventually(t, func() bool { return h.queue.len() == 1 }, time.Second, 5*time.Millisecond)
	q := h.queue.first()
	require.NotNil(t, q.entry.Message)
	assert.Equal(t, alice, q.entry.Message.Signer)

	q.result.Reject(rpctypes.UserDeniedTransaction("too expensive"))
	env := h.next(t)
	require.NotNil(t, env.Error)
	assert.Equal(t, rpctypes.CodeUserRejectedRequest, env.Error.Code)
}

func TestForwardedAsIsLeavesReplyToSigner(t *testing.T) {
	h := newHarness(t, false)
	h.grant(t)

	h.submit(t, rpctypes.MethodEthSendTransaction, `[{"to":"`+bob.Hex()+`","gas":"0x5208"}]`)
	require.Eventually(t, func() bool { return h.queue.len() == 1 }, time.Second, 5*time.Millisecond)
	q := h.queue.first()
	assert.Equal(t, hexutil.Uint64(21000), q.entry.Transaction.Gas)

	q.result.Resolve(pending.Resolution{Forwarded: true})
	h.expectSilence(t)
}

func TestSurfaceUnavailableCountsAsNoResponse(t *testing.T) {
	h := newHarness(t, true)
	h.grant(t)
	h.queue.err = errors.Mark(errors.New("no ui"), pending.ErrSurfaceUnavailable)

	h.submit(t, rpctypes.MethodEthSendTransaction, `[{"to":"`+bob.Hex()+`"}]`)
	env := h.next(t)
	require.NotNil(t, env.Error)
	assert.Equal(t, rpctypes.CodeUserRejectedRequest, env.Error.Code)
	assert.Equal(t, rpctypes.MessageUserDeniedSignature, env.Error.Message)
}

func TestChainFailures(t *testing.T) {
	h := newHarness(t, false)
	h.grant(t)

	h.chain.err = &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	h.submit(t, rpctypes.MethodEthBlockNumber, "")
	env := h.next(t)
	require.NotNil(t, env.Error)
	assert.Equal(t, rpctypes.CodeDisconnected, env.Error.Code)
	_, recorded := h.m.LastUnexpectedError()
	assert.False(t, recorded)

	h.chain.err = errors.New("boom")
	h.submit(t, rpctypes.MethodEthBlockNumber, "")
	env = h.next(t)
	require.NotNil(t, env.Error)
	assert.Equal(t, rpctypes.CodeUnknownError, env.Error.Code)
	assert.Equal(t, rpctypes.MessageUnknownError, env.Error.Message)

	last, recorded := h.m.LastUnexpectedError()
	require.True(t, recorded)
	assert.Contains(t, last.Message, "boom")
	h.m.ClearUnexpectedError()
	_, recorded = h.m.LastUnexpectedError()
	assert.False(t, recorded)
}

func TestReusedRequestIDIsIgnored(t *testing.T) {
	h := newHarness(t, true)
	h.grant(t)

	h.submitMessage(t, bus.PageMessage{RequestID: 1, Method: rpctypes.MethodEthChainID})
	h.next(t)
	h.submitMessage(t, bus.PageMessage{RequestID: 1, Method: rpctypes.MethodEthChainID})
	h.expectSilence(t)
}

func TestSwitchChain(t *testing.T) {
	h := newHarness(t, true)
	h.grant(t)

	h.switcher.result = future.New[any]()
	h.submit(t, rpctypes.MethodWalletSwitchEthereumChain, `[{"chainId":"0x89"}]`)
	h.expectSilence(t)
	h.switcher.result.Resolve(nil)
	assert.JSONEq(t, `null`, string(h.next(t).Result))

	h.switcher.result, h.switcher.err = nil, chainswitch.ErrSwitchInFlight
	h.submit(t, rpctypes.MethodWalletSwitchEthereumChain, `[{"chainId":"0x89"}]`)
	env := h.next(t)
	require.NotNil(t, env.Error)
	assert.Equal(t, rpctypes.CodeResourceUnavailable, env.Error.Code)

	h.switcher.err = rpctypes.UnrecognizedChain(0x89)
	h.submit(t, rpctypes.MethodWalletSwitchEthereumChain, `[{"chainId":"0x89"}]`)
	env = h.next(t)
	require.NotNil(t, env.Error)
	assert.Equal(t, rpctypes.CodeUnrecognizedChain, env.Error.Code)
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t, true)
	h.grant(t)

	h.submit(t, rpctypes.MethodEthSubscribe, `["newHeads"]`)
	assert.JSONEq(t, `"0xsub"`, string(h.next(t).Result))

	h.submit(t, rpctypes.MethodEthSubscribe, `["logs"]`)
	env := h.next(t)
	require.NotNil(t, env.Error)
	assert.Equal(t, rpctypes.CodeNotImplemented, env.Error.Code)
}

func TestProviderMessagesAreRouted(t *testing.T) {
	h := newHarness(t, false)
	h.grant(t)

	h.submitMessage(t, bus.PageMessage{Method: bus.ProviderSignerReply, Params: json.RawMessage(`{"requestId":42,"result":"0xabc"}`)})
	h.submitMessage(t, bus.PageMessage{Method: bus.ProviderSignerChainChanged, Params: json.RawMessage(`["0x89"]`)})

	require.Eventually(t, func() bool { return len(h.switcher.observed()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{0x89}, h.switcher.observed())
	h.queue.mu.Lock()
	assert.Equal(t, []bus.UniqueRequestIdentifier{h.uid(42)}, h.queue.replies)
	h.queue.mu.Unlock()
	h.expectSilence(t)
}

func TestRequestAccountsPullsSignerAccounts(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	_, err := h.settings.SetActiveAddress(ctx, false, nil)
	require.NoError(t, err)
	_, err = h.settings.SetUseSignersAddress(ctx, true)
	require.NoError(t, err)
	require.NoError(t, h.gate.Decide(ctx, origin, nil, true))

	id := h.submit(t, rpctypes.MethodEthRequestAccounts, "")
	env := h.next(t)
	assert.Equal(t, bus.EnvelopeSignerRequest, env.Type)
	assert.Equal(t, bus.SignerRequestAccounts, env.Method)

	require.NoError(t, h.gate.Decide(ctx, origin, &bob, true))
	h.submitMessage(t, bus.PageMessage{Method: bus.ProviderEthAccountsReply, Params: json.RawMessage(`["` + bob.Hex() + `"]`)})

	env = h.next(t)
	require.NotNil(t, env.RequestID)
	assert.Equal(t, id, *env.RequestID)
	assert.JSONEq(t, `["`+bob.Hex()+`"]`, string(env.Result))
	assert.Equal(t, &bob, h.settings.Get().ActiveSigningAddress)
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	h := newHarness(t, true)
	h.grant(t)
	h.submit(t, rpctypes.MethodEthChainID, "")
	h.next(t)

	h.m.Disconnect(h.conn.Socket())
	h.subs.mu.Lock()
	assert.Equal(t, []bus.Socket{h.conn.Socket()}, h.subs.dropped)
	h.subs.mu.Unlock()
}

func TestDisconnectCancelsPendingSwitch(t *testing.T) {
	h := newHarness(t, true)
	h.grant(t)

	h.switcher.result = future.New[any]()
	id := h.submit(t, rpctypes.MethodWalletSwitchEthereumChain, `[{"chainId":"0x89"}]`)
	require.Eventually(t, func() bool {
		h.m.mu.Lock()
		defer h.m.mu.Unlock()
		_, ok := h.m.switches[h.conn.Socket()]
		return ok
	}, time.Second, 5*time.Millisecond)

	h.m.Disconnect(h.conn.Socket())
	assert.Equal(t, []bus.UniqueRequestIdentifier{h.uid(id)}, h.switcher.cancels())

	h.m.mu.Lock()
	assert.Empty(t, h.m.switches)
	h.m.mu.Unlock()
}

func TestSettledSwitchIsForgotten(t *testing.T) {
	h := newHarness(t, true)
	h.grant(t)

	h.switcher.result = future.New[any]()
	h.submit(t, rpctypes.MethodWalletSwitchEthereumChain, `[{"chainId":"0x89"}]`)
	h.expectSilence(t)
	h.switcher.result.Resolve(nil)
	h.next(t)

	h.m.Disconnect(h.conn.Socket())
	assert.Empty(t, h.switcher.cancels())
}

func TestBlockedSiteCannotReachTheNode(t *testing.T) {
	h := newHarness(t, false)
	h.grant(t)
	ctx := context.Background()
	require.NoError(t, h.gate.SetBlockNetworkRequests(ctx, origin, true))

	h.submit(t, rpctypes.MethodEthBlockNumber, "")
	env := h.next(t)
	require.NotNil(t, env.Error)
	assert.Equal(t, rpctypes.CodeUnauthorized, env.Error.Code)
	assert.Equal(t, rpctypes.MessageNetworkBlocked, env.Error.Message)

	// answered locally, so still allowed
	h.submit(t, rpctypes.MethodEthChainID, "")
	assert.JSONEq(t, `"0x1"`, string(h.next(t).Result))

	require.NoError(t, h.gate.SetBlockNetworkRequests(ctx, origin, false))
	h.submit(t, rpctypes.MethodEthBlockNumber, "")
	env = h.next(t)
	require.Nil(t, env.Error)
	assert.JSONEq(t, `"0x64"`, string(env.Result))
}
