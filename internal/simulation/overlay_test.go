package simulation

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"
	"github.com/quantumauth-io/quantum-interceptor/internal/chains"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
	"github.com/quantumauth-io/quantum-interceptor/internal/settings"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverlayRemoveEqualsSimulatingRemainderAlone(t *testing.T) {
	ctx := context.Background()
	fc := newFakeChain(100)
	fc.balances[alice] = big.NewInt(100)
	fc.nonces[alice] = 5

	o := NewOverlay(fc.source(), 1)
	_, err := o.AppendTransaction(ctx, transfer(alice, bob, 10, 1))
	require.NoError(t, err)
	snap, err := o.AppendTransaction(ctx, transfer(alice, bob, 20, 2))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), uint64(snap.Input.Transactions[1].Nonce))

	afterRemove, err := o.RemoveTransaction(ctx, common.Hash{1})
	require.NoError(t, err)
	require.Len(t, afterRemove.Input.Transactions, 1)
	assert.Equal(t, uint64(5), uint64(afterRemove.Input.Transactions[0].Nonce))

	alone := NewOverlay(fc.source(), 1)
	expected, err := alone.AppendTransaction(ctx, transfer(alice, bob, 20, 2))
	require.NoError(t, err)

	got, err := json.Marshal(afterRemove)
	require.NoError(t, err)
	want, err := json.Marshal(expected)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got))

	_, err = o.RemoveTransaction(ctx, common.Hash{1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOverlayCallSeesPostPendingBalance(t *testing.T) {
	ctx := context.Background()
	fc := newFakeChain(100)
	fc.balances[alice] = big.NewInt(10)
	o := NewOverlay(fc.source(), 1)

	from := alice
	args := rpctypes.TransactionArgs{From: &from, To: &bob, Value: (*hexutil.Big)(big.NewInt(1))}

	out, err := o.Call(ctx, args, rpctypes.Latest)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc0}, out, "nothing pending goes to the chain")

	_, err = o.AppendTransaction(ctx, transfer(alice, bob, 10, 1))
	require.NoError(t, err)

	bal, err := o.Balance(ctx, alice, rpctypes.Latest)
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Int64())
	bal, err = o.Balance(ctx, bob, rpctypes.Latest)
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal.Int64())

	_, err = o.Call(ctx, args, rpctypes.Latest)
	require.Error(t, err)
	assert.Equal(t, rpctypes.KindSimulation, rpctypes.KindOf(err))

	// The baseline itself still answers from the chain.
	bal, err = o.Balance(ctx, alice, rpctypes.BlockNumberTag(100))
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal.Int64())
}

func TestOverlayReadsWhilePending(t *testing.T) {
	ctx := context.Background()
	fc := newFakeChain(100)
	fc.balances[alice] = big.NewInt(1_000)
	fc.nonces[alice] = 9
	fc.code[reverter] = []byte{0x60, 0x00}
	o := NewOverlay(fc.source(), 1)

	gas, err := o.EstimateGas(ctx, rpctypes.TransactionArgs{To: &bob})
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000), gas)

	_, err = o.AppendTransaction(ctx, transfer(alice, bob, 1, 7))
	require.NoError(t, err)
	id := common.Hash{7}

	n, err := o.TransactionCount(ctx, alice, rpctypes.Latest)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)
	n, err = o.TransactionCount(ctx, alice, rpctypes.BlockNumberTag(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(9), n)

	num, err := o.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(101), num)

	gas, err = o.EstimateGas(ctx, rpctypes.TransactionArgs{To: &bob})
	require.NoError(t, err)
	assert.Equal(t, uint64(transferGas*GasBufferBps/10_000), gas)

	code, err := o.Code(ctx, reverter, rpctypes.Latest)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x00}, code)

	_, err = o.Call(ctx, rpctypes.TransactionArgs{To: &reverter}, rpctypes.Latest)
	require.Error(t, err)
	rpcErr := rpctypes.AsError(err)
	assert.Equal(t, rpctypes.CodeExecutionError, rpcErr.Code)
	assert.Equal(t, "execution reverted: nope", rpcErr.Message)
	assert.Equal(t, DefaultCallFrom, fc.lastReq.BlockStateCalls[0].Calls[1].From)

	raw, err := o.BlockByNumber(ctx, rpctypes.Latest, false)
	require.NoError(t, err)
	var block struct {
		Number       string   `json:"number"`
		ParentHash   string   `json:"parentHash"`
		Transactions []string `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(raw, &block))
	assert.Equal(t, "0x65", block.Number)
	assert.Equal(t, []string{id.Hex()}, block.Transactions)
	assert.Equal(t, o.Snapshot().Input.Baseline.Hash.Hex(), block.ParentHash)

	raw, err = o.BlockByNumber(ctx, rpctypes.BlockNumberTag(50), false)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"source":"chain"`)

	raw, err = o.TransactionReceipt(ctx, id)
	require.NoError(t, err)
	var receipt struct {
		Status  string            `json:"status"`
		GasUsed string            `json:"gasUsed"`
		Logs    []json.RawMessage `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(raw, &receipt))
	assert.Equal(t, "0x1", receipt.Status)
	assert.Equal(t, "0x5208", receipt.GasUsed)
	assert.Len(t, receipt.Logs, 1)

	raw, err = o.TransactionByHash(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"nonce":"0x9"`)

	next, ok := o.NextBlock(true)
	require.True(t, ok)
	assert.Contains(t, string(next), id.Hex())
}

func TestOverlayAppendValidation(t *testing.T) {
	ctx := context.Background()
	fc := newFakeChain(100)
	fc.balances[alice] = big.NewInt(100)
	o := NewOverlay(fc.source(), 1)

	_, err := o.AppendTransaction(ctx, transfer(alice, bob, 1, 1))
	require.NoError(t, err)
	_, err = o.AppendTransaction(ctx, transfer(alice, bob, 1, 1))
	assert.ErrorIs(t, err, ErrDuplicate)

	wrong := transfer(alice, bob, 1, 2)
	wrong.ChainID = 5
	_, err = o.AppendTransaction(ctx, wrong)
	assert.ErrorIs(t, err, ErrWrongChain)

	snap, err := o.SetGasLimit(ctx, common.Hash{1}, 90_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(90_000), uint64(snap.Input.Transactions[0].Gas))
	_, err = o.SetGasLimit(ctx, common.Hash{9}, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOverlayPreviewDoesNotCommit(t *testing.T) {
	ctx := context.Background()
	fc := newFakeChain(100)
	fc.balances[alice] = big.NewInt(100)
	fc.nonces[alice] = 2
	o := NewOverlay(fc.source(), 1)

	preview, tx, err := o.Preview(ctx, transfer(alice, bob, 40, 3))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), uint64(tx.Nonce))
	assert.Equal(t, uint64(1), uint64(tx.ChainID))
	require.Len(t, preview.BalanceChanges, 2)
	assert.Equal(t, "-40", preview.BalanceChanges[0].Delta)
	assert.False(t, o.Snapshot().Pending())
}

func TestOverlayMessagesDoNotResimulate(t *testing.T) {
	fc := newFakeChain(100)
	o := NewOverlay(fc.source(), 1)

	msg := SignedMessage{Identifier: common.Hash{0xaa}, Method: rpctypes.MethodPersonalSign, Signer: alice}
	snap := o.AppendMessage(msg)
	assert.Len(t, snap.Input.Messages, 1)
	assert.Zero(t, fc.simulates)

	_, err := o.RemoveMessage(common.Hash{0xbb})
	assert.ErrorIs(t, err, ErrNotFound)
	snap, err = o.RemoveMessage(msg.Identifier)
	require.NoError(t, err)
	assert.Empty(t, snap.Input.Messages)
}

type fakeHeads struct{ feed event.Feed }

func (f *fakeHeads) SubscribeNewHeads(ch chan<- chains.NewHead) event.Subscription {
	return f.feed.Subscribe(ch)
}

type fakeChanges struct{ feed event.Feed }

func (f *fakeChanges) Subscribe(ch chan<- settings.Change) event.Subscription {
	return f.feed.Subscribe(ch)
}

func TestOverlayRunFollowsHeadsAndChainChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fc := newFakeChain(100)
	fc.balances[alice] = big.NewInt(100)
	o := NewOverlay(fc.source(), 1)
	_, err := o.AppendTransaction(ctx, transfer(alice, bob, 1, 1))
	require.NoError(t, err)

	heads := &fakeHeads{}
	changes := &fakeChanges{}
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx, heads, changes) }()

	require.Eventually(t, func() bool {
		return heads.feed.Send(chains.NewHead{}) > 0 && changes.feed.Send(settings.Change{}) > 0
	}, time.Second, 10*time.Millisecond)

	fc.setHead(101)
	heads.feed.Send(chains.NewHead{ChainID: 7, Header: fakeHeader(101)})
	heads.feed.Send(chains.NewHead{ChainID: 1, Header: fakeHeader(101)})
	require.Eventually(t, func() bool {
		return o.Snapshot().Input.Baseline.Number == 101
	}, time.Second, 10*time.Millisecond)
	assert.True(t, o.Snapshot().Pending())

	changes.feed.Send(settings.Change{
		Previous: settings.Settings{ActiveChainID: 1},
		Current:  settings.Settings{ActiveChainID: 5},
	})
	require.Eventually(t, func() bool {
		s := o.Snapshot()
		return s.Input.ChainID == 5 && !s.Pending()
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
