package simulation

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quantumauth-io/quantum-interceptor/internal/chains"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transfer(from, to common.Address, wei int64, id byte) Transaction {
	tx := txFrom(from, id)
	tx.To = &to
	tx.Value = hexutil.Big(*big.NewInt(wei))
	return tx
}

func batchInput(fc *fakeChain, txs ...Transaction) Input {
	var assigned []Transaction
	for _, tx := range txs {
		assigned = append(assigned, AssignNonce(assigned, tx, fc.nonces[tx.From]))
	}
	return Input{ChainID: 1, Baseline: BaselineFromHeader(fc.head), Transactions: assigned, Messages: []SignedMessage{}}
}

func TestSimulateIsByteIdentical(t *testing.T) {
	fc := newFakeChain(100)
	fc.balances[alice] = big.NewInt(1000)
	in := batchInput(fc, transfer(alice, bob, 10, 1), transfer(alice, bob, 5, 2))

	first, err := Simulate(context.Background(), fc, in)
	require.NoError(t, err)
	second, err := Simulate(context.Background(), fc, in)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))

	require.Len(t, first.Results, 2)
	assert.True(t, first.Results[1].Succeeded())
	assert.Equal(t, []common.Address{alice, bob}, first.Touched)
}

func TestSimulateRequestShape(t *testing.T) {
	fc := newFakeChain(100)
	fc.balances[alice] = big.NewInt(1000)
	fc.nonces[alice] = 3
	in := batchInput(fc, transfer(alice, bob, 10, 1), transfer(alice, bob, 5, 2))

	_, err := Simulate(context.Background(), fc, in)
	require.NoError(t, err)

	req := fc.lastReq
	assert.True(t, req.TraceTransfers)
	assert.False(t, req.Validation)
	require.Len(t, req.BlockStateCalls, 1)
	bsc := req.BlockStateCalls[0]
	assert.Equal(t, uint64(101), uint64(bsc.BlockOverrides.Number))
	assert.Equal(t, in.Baseline.Timestamp+12, uint64(bsc.BlockOverrides.Time))
	require.Len(t, bsc.Calls, 2)
	assert.Equal(t, uint64(3), uint64(*bsc.Calls[0].Nonce))
	assert.Equal(t, uint64(4), uint64(*bsc.Calls[1].Nonce))
	assert.Nil(t, bsc.StateOverrides)
}

func TestSimulateRecordsFailureAndKeepsTransactions(t *testing.T) {
	fc := newFakeChain(100)
	fc.simErr = errors.Wrap(chains.ErrNoEndpoint, "eth_simulateV1")
	in := batchInput(fc, transfer(alice, bob, 10, 1))

	snap, err := Simulate(context.Background(), fc, in)
	require.NoError(t, err)
	require.NotNil(t, snap.Failure)
	assert.True(t, snap.Failure.Network)
	assert.Len(t, snap.Input.Transactions, 1)
	assert.Empty(t, snap.Results)
	assert.Nil(t, snap.Block)

	fc.simErr = errors.New("invalid transaction")
	snap, err = Simulate(context.Background(), fc, in)
	require.NoError(t, err)
	assert.False(t, snap.Failure.Network)
	assert.Contains(t, snap.Failure.Message, "invalid transaction")
}

func TestSimulateReturnsContextError(t *testing.T) {
	fc := newFakeChain(100)
	fc.simErr = errors.New("interrupted")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Simulate(ctx, fc, batchInput(fc, transfer(alice, bob, 1, 1)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSimulateEmptyBatchSkipsNode(t *testing.T) {
	fc := newFakeChain(100)
	snap, err := Simulate(context.Background(), fc, Input{ChainID: 1, Baseline: BaselineFromHeader(fc.head)})
	require.NoError(t, err)
	assert.False(t, snap.Pending())
	assert.Zero(t, fc.simulates)
}
