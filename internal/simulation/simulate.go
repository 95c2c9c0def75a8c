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

const blockTime = 12

// GasBufferBps is applied to simulated gas usage when answering eth_estimateGas.
const GasBufferBps = 12500

// Helper contract placed with a state override so reads observe the simulated block.
var (
	helperAddress = common.HexToAddress("0x00000000000000000000000000000000000c0de0")
	// BALANCE(calldataload(0)) returned as one word.
	balanceReaderCode = common.FromHex("0x6000353160005260206000f3")
	// EXTCODECOPY of calldataload(0), returned whole.
	codeReaderCode = common.FromHex("0x600035803b8060006000843c6000f3")
)

// Backend runs eth_simulateV1. *chains.Client satisfies it.
type Backend interface {
	SimulateV1(ctx context.Context, payload any, tag rpctypes.BlockTag) (json.RawMessage, error)
}

type simCall struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Value                *hexutil.Big    `json:"value,omitempty"`
	Input                hexutil.Bytes   `json:"input,omitempty"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	Nonce                *hexutil.Uint64 `json:"nonce,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
}

type blockOverrides struct {
	Number hexutil.Uint64 `json:"number"`
	Time   hexutil.Uint64 `json:"time"`
}

type accountOverride struct {
	Code hexutil.Bytes `json:"code,omitempty"`
}

type blockStateCall struct {
	BlockOverrides blockOverrides                     `json:"blockOverrides"`
	StateOverrides map[common.Address]accountOverride `json:"stateOverrides,omitempty"`
	Calls          []simCall                          `json:"calls"`
}

type simulateRequest struct {
	BlockStateCalls []blockStateCall `json:"blockStateCalls"`
	TraceTransfers  bool             `json:"traceTransfers"`
	Validation      bool             `json:"validation"`
}

type simCallResult struct {
	ReturnData hexutil.Bytes  `json:"returnData"`
	Logs       []Log          `json:"logs"`
	GasUsed    hexutil.Uint64 `json:"gasUsed"`
	Status     hexutil.Uint64 `json:"status"`
	Error      *CallError     `json:"error,omitempty"`
}

type simBlock struct {
	Number    hexutil.Uint64  `json:"number"`
	Hash      common.Hash     `json:"hash"`
	Timestamp hexutil.Uint64  `json:"timestamp"`
	GasUsed   hexutil.Uint64  `json:"gasUsed"`
	Calls     []simCallResult `json:"calls"`
}

func callFromTransaction(tx Transaction) simCall {
	c := simCall{
		From:                 tx.From,
		To:                   tx.To,
		Value:                (*hexutil.Big)(new(big.Int).Set(tx.ValueInt())),
		Input:                tx.Input,
		MaxFeePerGas:         tx.MaxFeePerGas,
		MaxPriorityFeePerGas: tx.MaxPriorityFeePerGas,
	}
	nonce := tx.Nonce
	c.Nonce = &nonce
	if tx.Gas != 0 {
		gas := tx.Gas
		c.Gas = &gas
	}
	return c
}

func callFromArgs(args rpctypes.TransactionArgs) simCall {
	c := simCall{
		From:                 DefaultCallFrom,
		To:                   args.To,
		Value:                (*hexutil.Big)(args.ValueOrZero()),
		Input:                args.CallData(),
		Gas:                  args.Gas,
		MaxFeePerGas:         args.MaxFeePerGas,
		MaxPriorityFeePerGas: args.MaxPriorityFeePerGas,
	}
	if args.From != nil {
		c.From = *args.From
	}
	return c
}

func helperRead(target common.Address) simCall {
	return simCall{
		From:  DefaultCallFrom,
		To:    &helperAddress,
		Input: common.LeftPadBytes(target.Bytes(), 32),
	}
}

// runBatch simulates in's transactions followed by extra in one block on top of the
// baseline. It returns one result per transaction and per extra call.
func runBatch(ctx context.Context, backend Backend, in Input, extra []simCall, helperCode []byte) (*simBlock, error) {
	calls := make([]simCall, 0, len(in.Transactions)+len(extra))
	for _, tx := range in.Transactions {
		calls = append(calls, callFromTransaction(tx))
	}
	calls = append(calls, extra...)

	bsc := blockStateCall{
		BlockOverrides: blockOverrides{
			Number: hexutil.Uint64(in.Baseline.Number + 1),
			Time:   hexutil.Uint64(in.Baseline.Timestamp + blockTime),
		},
		Calls: calls,
	}
	if helperCode != nil {
		bsc.StateOverrides = map[common.Address]accountOverride{helperAddress: {Code: helperCode}}
	}
	req := simulateRequest{
		BlockStateCalls: []blockStateCall{bsc},
		TraceTransfers:  true,
		Validation:      false,
	}

	raw, err := backend.SimulateV1(ctx, req, rpctypes.BlockNumberTag(in.Baseline.Number))
	if err != nil {
		return nil, err
	}
	var blocks []simBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, errors.Wrap(err, "decode eth_simulateV1 result")
	}
	if len(blocks) != 1 {
		return nil, errors.Newf("eth_simulateV1 returned %d blocks, want 1", len(blocks))
	}
	if len(blocks[0].Calls) != len(calls) {
		return nil, errors.Newf("eth_simulateV1 returned %d call results, want %d", len(blocks[0].Calls), len(calls))
	}
	return &blocks[0], nil
}

// Simulate replays in on top of its baseline. The error is only non-nil when ctx ended;
// every other failure is recorded in Snapshot.Failure with the transactions kept.
func Simulate(ctx context.Context, backend Backend, in Input) (*Snapshot, error) {
	snap := &Snapshot{Input: in.clone()}
	if len(in.Transactions) == 0 {
		snap.Results = []CallResult{}
		snap.Touched = []common.Address{}
		snap.BalanceChanges = []BalanceChange{}
		return snap, nil
	}

	block, err := runBatch(ctx, backend, in, nil, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		snap.Failure = &BatchFailure{Message: err.Error(), Network: chains.IsNetworkError(err)}
		snap.Results = []CallResult{}
		snap.Touched = touchedAddresses(in.Transactions, nil)
		snap.BalanceChanges = []BalanceChange{}
		return snap, nil
	}

	snap.Block = &SyntheticBlock{Number: block.Number, Hash: block.Hash, Timestamp: block.Timestamp, GasUsed: block.GasUsed}
	snap.Results = make([]CallResult, len(in.Transactions))
	for i, tx := range in.Transactions {
		snap.Results[i] = toCallResult(tx.Identifier, block.Calls[i])
	}
	snap.Touched = touchedAddresses(in.Transactions, snap.Results)
	snap.BalanceChanges = Summarize(snap)
	return snap, nil
}

func toCallResult(id common.Hash, r simCallResult) CallResult {
	out := CallResult{
		Identifier: id,
		Status:     r.Status,
		GasUsed:    r.GasUsed,
		ReturnData: r.ReturnData,
		Logs:       r.Logs,
	}
	if out.ReturnData == nil {
		out.ReturnData = hexutil.Bytes{}
	}
	if out.Logs == nil {
		out.Logs = []Log{}
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return out
}

// touchedAddresses lists, in first-seen order, every address a pending batch may have
// changed the balance of.
func touchedAddresses(txs []Transaction, results []CallResult) []common.Address {
	seen := map[common.Address]bool{}
	out := []common.Address{}
	add := func(a common.Address) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for i, tx := range txs {
		add(tx.From)
		if tx.To != nil {
			add(*tx.To)
		}
		if i >= len(results) {
			continue
		}
		for _, l := range results[i].Logs {
			if isTransferLog(l) {
				add(common.BytesToAddress(l.Topics[1].Bytes()))
				add(common.BytesToAddress(l.Topics[2].Bytes()))
			}
		}
	}
	return out
}
