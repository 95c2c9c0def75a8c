package simulation

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
)

const transferGas = 21000

var reverter = common.HexToAddress("0x000000000000000000000000000000000000dead")

// fakeChain executes eth_simulateV1 batches as plain value transfers over an in-memory
// balance table. Calls to reverter revert with Error("nope").
type fakeChain struct {
	mu        sync.Mutex
	head      *types.Header
	balances  map[common.Address]*big.Int
	nonces    map[common.Address]uint64
	code      map[common.Address][]byte
	simErr    error
	simulates int
	lastReq   simulateRequest
}

func newFakeChain(number uint64) *fakeChain {
	return &fakeChain{
		head:     fakeHeader(number),
		balances: map[common.Address]*big.Int{},
		nonces:   map[common.Address]uint64{},
		code:     map[common.Address][]byte{},
	}
}

func fakeHeader(number uint64) *types.Header {
	return &types.Header{
		Number:   new(big.Int).SetUint64(number),
		Time:     1_700_000_000 + number*12,
		GasLimit: 30_000_000,
		BaseFee:  big.NewInt(7),
	}
}

func (f *fakeChain) setHead(number uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head = fakeHeader(number)
}

func (f *fakeChain) SimulateV1(_ context.Context, payload any, tag rpctypes.BlockTag) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulates++
	if f.simErr != nil {
		return nil, f.simErr
	}
	req, ok := payload.(simulateRequest)
	if !ok {
		return nil, errors.New("unexpected payload")
	}
	f.lastReq = req

	balances := map[common.Address]*big.Int{}
	for a, b := range f.balances {
		balances[a] = new(big.Int).Set(b)
	}
	balanceOf := func(a common.Address) *big.Int {
		if b, ok := balances[a]; ok {
			return b
		}
		return new(big.Int)
	}

	bsc := req.BlockStateCalls[0]
	block := simBlock{
		Number:    bsc.BlockOverrides.Number,
		Hash:      crypto.Keccak256Hash([]byte(tag.String()), big.NewInt(int64(len(bsc.Calls))).Bytes()),
		Timestamp: bsc.BlockOverrides.Time,
	}
	for _, call := range bsc.Calls {
		var res simCallResult
		switch {
		case call.To != nil && *call.To == helperAddress:
			target := common.BytesToAddress(call.Input)
			helper := bsc.StateOverrides[helperAddress].Code
			res.Status = 1
			if bytes.Equal(helper, balanceReaderCode) {
				res.ReturnData = common.LeftPadBytes(balanceOf(target).Bytes(), 32)
			} else {
				res.ReturnData = f.code[target]
			}
		case call.To != nil && *call.To == reverter:
			data := append(common.FromHex("0x08c379a0"), mustPackString("nope")...)
			res.ReturnData = data
			res.Error = &CallError{Code: rpctypes.CodeExecutionError, Message: "execution reverted", Data: hexutil.Encode(data)}
		default:
			value := new(big.Int)
			if call.Value != nil {
				value = call.Value.ToInt()
			}
			res.GasUsed = transferGas
			if balanceOf(call.From).Cmp(value) < 0 {
				res.Error = &CallError{Code: -32000, Message: "insufficient funds for transfer"}
				break
			}
			res.Status = 1
			if value.Sign() > 0 && call.To != nil {
				balances[call.From] = new(big.Int).Sub(balanceOf(call.From), value)
				balances[*call.To] = new(big.Int).Add(balanceOf(*call.To), value)
				res.Logs = []Log{{
					Address: EtherToken,
					Topics:  []common.Hash{transferTopic, common.BytesToHash(call.From.Bytes()), common.BytesToHash(call.To.Bytes())},
					Data:    common.LeftPadBytes(value.Bytes(), 32),
				}}
			}
		}
		if res.Logs == nil {
			res.Logs = []Log{}
		}
		block.GasUsed += res.GasUsed
		block.Calls = append(block.Calls, res)
	}
	return json.Marshal([]simBlock{block})
}

func mustPackString(s string) []byte {
	strType, err := abi.NewType("string", "", nil)
	if err != nil {
		panic(err)
	}
	out, err := abi.Arguments{{Type: strType}}.Pack(s)
	if err != nil {
		panic(err)
	}
	return out
}

func (f *fakeChain) LatestHeader(context.Context) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head.Number.Uint64(), nil
}

func (f *fakeChain) BalanceAt(_ context.Context, addr common.Address, _ rpctypes.BlockTag) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) NonceAt(_ context.Context, addr common.Address, _ rpctypes.BlockTag) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[addr], nil
}

func (f *fakeChain) CodeAt(_ context.Context, addr common.Address, _ rpctypes.BlockTag) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[addr], nil
}

func (f *fakeChain) CallContract(context.Context, rpctypes.TransactionArgs, rpctypes.BlockTag) ([]byte, error) {
	return []byte{0xc0}, nil
}

func (f *fakeChain) EstimateGas(context.Context, rpctypes.TransactionArgs) (uint64, error) {
	return 50_000, nil
}

func (f *fakeChain) BlockByNumberRaw(_ context.Context, tag rpctypes.BlockTag, _ bool) (json.RawMessage, error) {
	return json.RawMessage(`{"number":"` + tag.String() + `","source":"chain"}`), nil
}

func (f *fakeChain) BlockByHashRaw(context.Context, common.Hash, bool) (json.RawMessage, error) {
	return json.RawMessage(`{"source":"chain"}`), nil
}

func (f *fakeChain) TransactionReceiptRaw(context.Context, common.Hash) (json.RawMessage, error) {
	return json.RawMessage(`null`), nil
}

func (f *fakeChain) TransactionByHashRaw(context.Context, common.Hash) (json.RawMessage, error) {
	return json.RawMessage(`null`), nil
}

func (f *fakeChain) source() ChainSource {
	return func() (Chain, error) { return f, nil }
}
