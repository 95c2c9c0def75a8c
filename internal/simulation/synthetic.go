package simulation

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var emptyBloom = "0x" + strings.Repeat("0", 512)

type rpcTransaction struct {
	BlockHash            common.Hash     `json:"blockHash"`
	BlockNumber          hexutil.Uint64  `json:"blockNumber"`
	From                 common.Address  `json:"from"`
	Gas                  hexutil.Uint64  `json:"gas"`
	GasPrice             *hexutil.Big    `json:"gasPrice"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas"`
	Hash                 common.Hash     `json:"hash"`
	Input                hexutil.Bytes   `json:"input"`
	Nonce                hexutil.Uint64  `json:"nonce"`
	To                   *common.Address `json:"to"`
	TransactionIndex     hexutil.Uint64  `json:"transactionIndex"`
	Value                hexutil.Big     `json:"value"`
	Type                 hexutil.Uint64  `json:"type"`
	ChainID              hexutil.Uint64  `json:"chainId"`
	AccessList           []any           `json:"accessList"`
	V                    hexutil.Uint64  `json:"v"`
	R                    hexutil.Uint64  `json:"r"`
	S                    hexutil.Uint64  `json:"s"`
}

type rpcLog struct {
	Address          common.Address `json:"address"`
	Topics           []common.Hash  `json:"topics"`
	Data             hexutil.Bytes  `json:"data"`
	BlockNumber      hexutil.Uint64 `json:"blockNumber"`
	TransactionHash  common.Hash    `json:"transactionHash"`
	TransactionIndex hexutil.Uint64 `json:"transactionIndex"`
	BlockHash        common.Hash    `json:"blockHash"`
	LogIndex         hexutil.Uint64 `json:"logIndex"`
	Removed          bool           `json:"removed"`
}

type rpcReceipt struct {
	TransactionHash   common.Hash     `json:"transactionHash"`
	TransactionIndex  hexutil.Uint64  `json:"transactionIndex"`
	BlockHash         common.Hash     `json:"blockHash"`
	BlockNumber       hexutil.Uint64  `json:"blockNumber"`
	From              common.Address  `json:"from"`
	To                *common.Address `json:"to"`
	CumulativeGasUsed hexutil.Uint64  `json:"cumulativeGasUsed"`
	GasUsed           hexutil.Uint64  `json:"gasUsed"`
	ContractAddress   *common.Address `json:"contractAddress"`
	Logs              []rpcLog        `json:"logs"`
	LogsBloom         string          `json:"logsBloom"`
	Status            hexutil.Uint64  `json:"status"`
	EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice"`
	Type              hexutil.Uint64  `json:"type"`
}

type rpcBlock struct {
	Number           hexutil.Uint64 `json:"number"`
	Hash             common.Hash    `json:"hash"`
	ParentHash       common.Hash    `json:"parentHash"`
	Nonce            string         `json:"nonce"`
	MixHash          common.Hash    `json:"mixHash"`
	Sha3Uncles       common.Hash    `json:"sha3Uncles"`
	LogsBloom        string         `json:"logsBloom"`
	TransactionsRoot common.Hash    `json:"transactionsRoot"`
	StateRoot        common.Hash    `json:"stateRoot"`
	ReceiptsRoot     common.Hash    `json:"receiptsRoot"`
	Miner            common.Address `json:"miner"`
	Difficulty       hexutil.Uint64 `json:"difficulty"`
	ExtraData        hexutil.Bytes  `json:"extraData"`
	Size             hexutil.Uint64 `json:"size"`
	GasLimit         hexutil.Uint64 `json:"gasLimit"`
	GasUsed          hexutil.Uint64 `json:"gasUsed"`
	Timestamp        hexutil.Uint64 `json:"timestamp"`
	BaseFeePerGas    *hexutil.Big   `json:"baseFeePerGas,omitempty"`
	Transactions     []any          `json:"transactions"`
	Uncles           []common.Hash  `json:"uncles"`
}

func effectiveGasPrice(tx Transaction, baseFee *hexutil.Big) *hexutil.Big {
	if tx.MaxFeePerGas == nil {
		if baseFee == nil {
			return (*hexutil.Big)(new(big.Int))
		}
		return baseFee
	}
	price := new(big.Int).Set(tx.MaxFeePerGas.ToInt())
	if baseFee != nil && tx.MaxPriorityFeePerGas != nil {
		withTip := new(big.Int).Add(baseFee.ToInt(), tx.MaxPriorityFeePerGas.ToInt())
		if withTip.Cmp(price) < 0 {
			price = withTip
		}
	}
	return (*hexutil.Big)(price)
}

func (s *Snapshot) syntheticTransaction(i int) rpcTransaction {
	tx := s.Input.Transactions[i]
	gas := tx.Gas
	if gas == 0 && i < len(s.Results) {
		gas = s.Results[i].GasUsed
	}
	return rpcTransaction{
		BlockHash:            s.Block.Hash,
		BlockNumber:          s.Block.Number,
		From:                 tx.From,
		Gas:                  gas,
		GasPrice:             effectiveGasPrice(tx, s.Input.Baseline.BaseFee),
		MaxFeePerGas:         tx.MaxFeePerGas,
		MaxPriorityFeePerGas: tx.MaxPriorityFeePerGas,
		Hash:                 tx.Identifier,
		Input:                tx.Input,
		Nonce:                tx.Nonce,
		To:                   tx.To,
		TransactionIndex:     hexutil.Uint64(i),
		Value:                tx.Value,
		Type:                 types.DynamicFeeTxType,
		ChainID:              hexutil.Uint64(s.Input.ChainID),
		AccessList:           []any{},
	}
}

func (s *Snapshot) syntheticReceipt(i int) rpcReceipt {
	tx := s.Input.Transactions[i]
	res := s.Results[i]
	var cumulative uint64
	var logIndex uint64
	for j := 0; j < i; j++ {
		cumulative += uint64(s.Results[j].GasUsed)
		logIndex += uint64(len(s.Results[j].Logs))
	}
	r := rpcReceipt{
		TransactionHash:   tx.Identifier,
		TransactionIndex:  hexutil.Uint64(i),
		BlockHash:         s.Block.Hash,
		BlockNumber:       s.Block.Number,
		From:              tx.From,
		To:                tx.To,
		CumulativeGasUsed: hexutil.Uint64(cumulative + uint64(res.GasUsed)),
		GasUsed:           res.GasUsed,
		Logs:              make([]rpcLog, 0, len(res.Logs)),
		LogsBloom:         emptyBloom,
		Status:            res.Status,
		EffectiveGasPrice: effectiveGasPrice(tx, s.Input.Baseline.BaseFee),
		Type:              types.DynamicFeeTxType,
	}
	if tx.To == nil {
		created := crypto.CreateAddress(tx.From, uint64(tx.Nonce))
		r.ContractAddress = &created
	}
	for k, l := range res.Logs {
		r.Logs = append(r.Logs, rpcLog{
			Address:          l.Address,
			Topics:           l.Topics,
			Data:             l.Data,
			BlockNumber:      s.Block.Number,
			TransactionHash:  tx.Identifier,
			TransactionIndex: hexutil.Uint64(i),
			BlockHash:        s.Block.Hash,
			LogIndex:         hexutil.Uint64(logIndex + uint64(k)),
		})
	}
	return r
}

func (s *Snapshot) syntheticBlock(fullTx bool) rpcBlock {
	b := rpcBlock{
		Number:           s.Block.Number,
		Hash:             s.Block.Hash,
		ParentHash:       s.Input.Baseline.Hash,
		Nonce:            "0x0000000000000000",
		Sha3Uncles:       types.EmptyUncleHash,
		LogsBloom:        emptyBloom,
		TransactionsRoot: types.EmptyTxsHash,
		ReceiptsRoot:     types.EmptyReceiptsHash,
		ExtraData:        hexutil.Bytes{},
		GasLimit:         hexutil.Uint64(s.Input.Baseline.GasLimit),
		GasUsed:          s.Block.GasUsed,
		Timestamp:        s.Block.Timestamp,
		BaseFeePerGas:    s.Input.Baseline.BaseFee,
		Transactions:     make([]any, 0, len(s.Input.Transactions)),
		Uncles:           []common.Hash{},
	}
	for i, tx := range s.Input.Transactions {
		if fullTx {
			b.Transactions = append(b.Transactions, s.syntheticTransaction(i))
		} else {
			b.Transactions = append(b.Transactions, tx.Identifier)
		}
	}
	return b
}
