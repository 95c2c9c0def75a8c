// Package simulation keeps the speculative chain state: pending transactions and signed
// messages replayed on top of the latest real block through eth_simulateV1.
package simulation

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
	"github.com/quantumauth-io/quantum-interceptor/internal/shared"
)

// DefaultCallFrom is used for eth_call and eth_estimateGas requests that name no sender.
var DefaultCallFrom = common.HexToAddress("0x1111111111111111111111111111111111111111")

// IdentifierFor derives the transaction identifier pages see as the transaction hash.
func IdentifierFor(uid bus.UniqueRequestIdentifier) common.Hash {
	return crypto.Keccak256Hash([]byte(uid.String()))
}

type Transaction struct {
	Identifier              common.Hash                 `json:"identifier"`
	UniqueRequestIdentifier bus.UniqueRequestIdentifier `json:"uniqueRequestIdentifier"`
	Website                 shared.Website              `json:"website"`
	Created                 time.Time                   `json:"created"`

	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Value                hexutil.Big     `json:"value"`
	Input                hexutil.Bytes   `json:"input"`
	Gas                  hexutil.Uint64  `json:"gas,omitempty"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	ChainID              hexutil.Uint64  `json:"chainId"`
	// Raw marks a transaction that arrived already signed through eth_sendRawTransaction.
	Raw bool `json:"raw,omitempty"`
}

func (t Transaction) ValueInt() *big.Int { return t.Value.ToInt() }

type SignedMessage struct {
	Identifier              common.Hash                 `json:"identifier"`
	UniqueRequestIdentifier bus.UniqueRequestIdentifier `json:"uniqueRequestIdentifier"`
	Website                 shared.Website              `json:"website"`
	Created                 time.Time                   `json:"created"`
	Method                  string                      `json:"method"`
	Params                  json.RawMessage             `json:"params"`
	Signer                  common.Address              `json:"signer"`
}

// Baseline is the real block the pending state is applied on top of.
type Baseline struct {
	Number    uint64       `json:"number"`
	Hash      common.Hash  `json:"hash"`
	Timestamp uint64       `json:"timestamp"`
	BaseFee   *hexutil.Big `json:"baseFeePerGas,omitempty"`
	GasLimit  uint64       `json:"gasLimit"`
}

func BaselineFromHeader(h *types.Header) Baseline {
	b := Baseline{
		Number:    h.Number.Uint64(),
		Hash:      h.Hash(),
		Timestamp: h.Time,
		GasLimit:  h.GasLimit,
	}
	if h.BaseFee != nil {
		b.BaseFee = (*hexutil.Big)(new(big.Int).Set(h.BaseFee))
	}
	return b
}

// Input is everything a simulation is a function of.
type Input struct {
	ChainID      uint64          `json:"chainId"`
	Baseline     Baseline        `json:"baseline"`
	Transactions []Transaction   `json:"transactions"`
	Messages     []SignedMessage `json:"messages"`
}

func (in Input) clone() Input {
	out := in
	out.Transactions = append(make([]Transaction, 0, len(in.Transactions)), in.Transactions...)
	out.Messages = append(make([]SignedMessage, 0, len(in.Messages)), in.Messages...)
	return out
}

type Log struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`
}

type CallError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// CallResult is the outcome of one pending transaction, in insertion order.
type CallResult struct {
	Identifier common.Hash    `json:"identifier"`
	Status     hexutil.Uint64 `json:"status"`
	GasUsed    hexutil.Uint64 `json:"gasUsed"`
	ReturnData hexutil.Bytes  `json:"returnData"`
	Logs       []Log          `json:"logs"`
	Error      *CallError     `json:"error,omitempty"`
}

func (r CallResult) Succeeded() bool { return r.Status == 1 }

// BatchFailure means the batch as a whole could not be simulated.
type BatchFailure struct {
	Message string `json:"message"`
	// Identifier is set when the failing transaction is known.
	Identifier *common.Hash `json:"identifier,omitempty"`
	// Network is set when the endpoint could not be reached.
	Network bool `json:"network,omitempty"`
}

// SyntheticBlock is the block the pending batch is simulated in.
type SyntheticBlock struct {
	Number    hexutil.Uint64 `json:"number"`
	Hash      common.Hash    `json:"hash"`
	Timestamp hexutil.Uint64 `json:"timestamp"`
	GasUsed   hexutil.Uint64 `json:"gasUsed"`
}

type BalanceChange struct {
	Address common.Address `json:"address"`
	// Token is EtherToken for native ETH.
	Token common.Address `json:"token"`
	// Delta is a signed decimal string.
	Delta string `json:"delta"`
}

// Snapshot is an immutable, fully consistent view of the simulated state.
type Snapshot struct {
	Input          Input            `json:"input"`
	Results        []CallResult     `json:"results"`
	Failure        *BatchFailure    `json:"failure,omitempty"`
	Block          *SyntheticBlock  `json:"block,omitempty"`
	Touched        []common.Address `json:"touched"`
	BalanceChanges []BalanceChange  `json:"balanceChanges"`
}

// Pending reports whether anything is simulated on top of the baseline.
func (s *Snapshot) Pending() bool {
	return s != nil && len(s.Input.Transactions) > 0
}

func (s *Snapshot) Result(id common.Hash) (Transaction, CallResult, int, bool) {
	if s == nil {
		return Transaction{}, CallResult{}, 0, false
	}
	for i, tx := range s.Input.Transactions {
		if tx.Identifier == id {
			var res CallResult
			if i < len(s.Results) {
				res = s.Results[i]
			}
			return tx, res, i, true
		}
	}
	return Transaction{}, CallResult{}, 0, false
}

func (s *Snapshot) IsTouched(addr common.Address) bool {
	if s == nil {
		return false
	}
	for _, a := range s.Touched {
		if a == addr {
			return true
		}
	}
	return false
}
