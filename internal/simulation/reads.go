package simulation

import (
	"context"
	"encoding/json"
	"math/big"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quantumauth-io/quantum-interceptor/internal/chains"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
)

// usePending reports whether a read at tag must observe the simulated block.
func usePending(s *Snapshot, tag rpctypes.BlockTag) bool {
	if !s.Pending() || s.Block == nil {
		return false
	}
	if tag.IsHead() {
		return true
	}
	return tag.Number != nil && *tag.Number == uint64(s.Block.Number)
}

// readThrough runs the batch followed by extra and returns the results of extra.
func readThrough(ctx context.Context, chain Chain, s *Snapshot, extra []simCall, helperCode []byte) ([]simCallResult, error) {
	block, err := runBatch(ctx, chain, s.Input, extra, helperCode)
	if err != nil {
		return nil, err
	}
	return block.Calls[len(s.Input.Transactions):], nil
}

// Balance answers eth_getBalance.
func (o *Overlay) Balance(ctx context.Context, addr common.Address, tag rpctypes.BlockTag) (*big.Int, error) {
	chain, err := o.source()
	if err != nil {
		return nil, err
	}
	s := o.Snapshot()
	if !usePending(s, tag) || !s.IsTouched(addr) {
		return chain.BalanceAt(ctx, addr, tag)
	}
	res, err := readThrough(ctx, chain, s, []simCall{helperRead(addr)}, balanceReaderCode)
	if err != nil {
		return nil, err
	}
	if res[0].Status != 1 || len(res[0].ReturnData) != 32 {
		return nil, errors.New("balance read against simulated block failed")
	}
	return new(big.Int).SetBytes(res[0].ReturnData), nil
}

// Code answers eth_getCode.
func (o *Overlay) Code(ctx context.Context, addr common.Address, tag rpctypes.BlockTag) ([]byte, error) {
	chain, err := o.source()
	if err != nil {
		return nil, err
	}
	s := o.Snapshot()
	if !usePending(s, tag) {
		return chain.CodeAt(ctx, addr, tag)
	}
	res, err := readThrough(ctx, chain, s, []simCall{helperRead(addr)}, codeReaderCode)
	if err != nil {
		return nil, err
	}
	if res[0].Status != 1 {
		return nil, errors.New("code read against simulated block failed")
	}
	return res[0].ReturnData, nil
}

// TransactionCount answers eth_getTransactionCount: the chain nonce plus every simulated
// transaction of addr.
func (o *Overlay) TransactionCount(ctx context.Context, addr common.Address, tag rpctypes.BlockTag) (uint64, error) {
	chain, err := o.source()
	if err != nil {
		return 0, err
	}
	s := o.Snapshot()
	nonce, err := chain.NonceAt(ctx, addr, chainTag(s, tag))
	if err != nil {
		return 0, err
	}
	if usePending(s, tag) {
		nonce += CountFrom(s.Input.Transactions, addr)
	}
	return nonce, nil
}

// chainTag reads the baseline in place of the simulated block, which the chain does not have.
func chainTag(s *Snapshot, tag rpctypes.BlockTag) rpctypes.BlockTag {
	if usePending(s, tag) {
		return rpctypes.BlockNumberTag(s.Input.Baseline.Number)
	}
	return tag
}

func callError(r simCallResult) error {
	if r.Status == 1 {
		return nil
	}
	if r.Error == nil {
		return rpctypes.ExecutionReverted("", hexutil.Encode(r.ReturnData))
	}
	data := r.Error.Data
	if data == "" && len(r.ReturnData) > 0 {
		data = hexutil.Encode(r.ReturnData)
	}
	if r.Error.Code == rpctypes.CodeExecutionError {
		var payload any
		if data != "" {
			payload = data
		}
		return rpctypes.ExecutionReverted(chains.RevertReason(data), payload)
	}
	return rpctypes.NewError(rpctypes.KindSimulation, r.Error.Code, r.Error.Message).WithData(data)
}

// Call answers eth_call. With transactions pending it runs after the whole batch, in the
// same block.
func (o *Overlay) Call(ctx context.Context, args rpctypes.TransactionArgs, tag rpctypes.BlockTag) ([]byte, error) {
	chain, err := o.source()
	if err != nil {
		return nil, err
	}
	s := o.Snapshot()
	if !usePending(s, tag) {
		return chain.CallContract(ctx, withDefaultFrom(args), tag)
	}
	res, err := readThrough(ctx, chain, s, []simCall{callFromArgs(args)}, nil)
	if err != nil {
		return nil, err
	}
	if err := callError(res[0]); err != nil {
		return nil, err
	}
	return res[0].ReturnData, nil
}

// EstimateGas answers eth_estimateGas with the simulated usage plus a buffer.
func (o *Overlay) EstimateGas(ctx context.Context, args rpctypes.TransactionArgs) (uint64, error) {
	chain, err := o.source()
	if err != nil {
		return 0, err
	}
	s := o.Snapshot()
	if !usePending(s, rpctypes.Latest) {
		return chain.EstimateGas(ctx, withDefaultFrom(args))
	}
	call := callFromArgs(args)
	call.Gas = nil
	res, err := readThrough(ctx, chain, s, []simCall{call}, nil)
	if err != nil {
		return 0, err
	}
	if err := callError(res[0]); err != nil {
		return 0, err
	}
	return applyBpsBuffer(uint64(res[0].GasUsed), GasBufferBps), nil
}

func applyBpsBuffer(gas uint64, bps uint64) uint64 {
	return (gas * bps) / 10_000
}

func withDefaultFrom(args rpctypes.TransactionArgs) rpctypes.TransactionArgs {
	if args.From == nil {
		from := DefaultCallFrom
		args.From = &from
	}
	return args
}

// BlockNumber answers eth_blockNumber: baseline+1 while anything is pending.
func (o *Overlay) BlockNumber(ctx context.Context) (uint64, error) {
	s := o.Snapshot()
	if s.Pending() {
		return s.Input.Baseline.Number + 1, nil
	}
	chain, err := o.source()
	if err != nil {
		return 0, err
	}
	return chain.BlockNumber(ctx)
}

// BlockByNumber answers eth_getBlockByNumber, serving the simulated block for the head and
// for baseline+1.
func (o *Overlay) BlockByNumber(ctx context.Context, tag rpctypes.BlockTag, fullTx bool) (json.RawMessage, error) {
	s := o.Snapshot()
	if usePending(s, tag) {
		return marshalRaw(s.syntheticBlock(fullTx))
	}
	chain, err := o.source()
	if err != nil {
		return nil, err
	}
	return chain.BlockByNumberRaw(ctx, tag, fullTx)
}

func (o *Overlay) BlockByHash(ctx context.Context, hash common.Hash, fullTx bool) (json.RawMessage, error) {
	s := o.Snapshot()
	if s.Pending() && s.Block != nil && s.Block.Hash == hash {
		return marshalRaw(s.syntheticBlock(fullTx))
	}
	chain, err := o.source()
	if err != nil {
		return nil, err
	}
	return chain.BlockByHashRaw(ctx, hash, fullTx)
}

// TransactionReceipt answers eth_getTransactionReceipt for simulated identifiers and
// forwards anything else.
func (o *Overlay) TransactionReceipt(ctx context.Context, hash common.Hash) (json.RawMessage, error) {
	s := o.Snapshot()
	if _, _, idx, ok := s.Result(hash); ok && s.Block != nil && idx < len(s.Results) {
		return marshalRaw(s.syntheticReceipt(idx))
	}
	chain, err := o.source()
	if err != nil {
		return nil, err
	}
	return chain.TransactionReceiptRaw(ctx, hash)
}

func (o *Overlay) TransactionByHash(ctx context.Context, hash common.Hash) (json.RawMessage, error) {
	s := o.Snapshot()
	if _, _, idx, ok := s.Result(hash); ok && s.Block != nil {
		return marshalRaw(s.syntheticTransaction(idx))
	}
	chain, err := o.source()
	if err != nil {
		return nil, err
	}
	return chain.TransactionByHashRaw(ctx, hash)
}

// NextBlock is the simulated next block pushed to newHeads subscribers.
func (o *Overlay) NextBlock(fullTx bool) (json.RawMessage, bool) {
	s := o.Snapshot()
	if !s.Pending() || s.Block == nil {
		return nil, false
	}
	raw, err := marshalRaw(s.syntheticBlock(fullTx))
	if err != nil {
		return nil, false
	}
	return raw, true
}

func marshalRaw(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal simulated value")
	}
	return b, nil
}
