package rpctypes

import (
	"bytes"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// TransactionArgs is the shape of eth_call / eth_estimateGas / eth_sendTransaction params.
type TransactionArgs struct {
	From                 *common.Address `json:"from,omitempty"`
	To                   *common.Address `json:"to,omitempty"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice             *hexutil.Big    `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big    `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big    `json:"maxPriorityFeePerGas,omitempty"`
	Value                *hexutil.Big    `json:"value,omitempty"`
	Nonce                *hexutil.Uint64 `json:"nonce,omitempty"`
	Data                 *hexutil.Bytes  `json:"data,omitempty"`
	Input                *hexutil.Bytes  `json:"input,omitempty"`
	ChainID              *hexutil.Big    `json:"chainId,omitempty"`
}

// CallData returns input, falling back to data.
func (a TransactionArgs) CallData() []byte {
	if a.Input != nil {
		return *a.Input
	}
	if a.Data != nil {
		return *a.Data
	}
	return nil
}

func (a TransactionArgs) ValueOrZero() *big.Int {
	if a.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.Value.ToInt())
}

// BlockTag is a block selector: a named tag, a number or a hash.
type BlockTag struct {
	Name   string
	Number *uint64
	Hash   *common.Hash
}

const (
	TagLatest    = "latest"
	TagPending   = "pending"
	TagEarliest  = "earliest"
	TagSafe      = "safe"
	TagFinalized = "finalized"
)

var Latest = BlockTag{Name: TagLatest}

func BlockNumberTag(n uint64) BlockTag {
	return BlockTag{Number: &n}
}

func ParseBlockTag(s string) (BlockTag, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", TagLatest:
		return Latest, nil
	case TagPending, TagEarliest, TagSafe, TagFinalized:
		return BlockTag{Name: strings.ToLower(s)}, nil
	}
	if len(s) == 66 && strings.HasPrefix(s, "0x") {
		h := common.HexToHash(s)
		return BlockTag{Hash: &h}, nil
	}
	n, err := hexutil.DecodeUint64(s)
	if err != nil {
		return BlockTag{}, errors.Wrapf(err, "invalid block tag %q", s)
	}
	return BlockTag{Number: &n}, nil
}

func (b *BlockTag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			BlockNumber *hexutil.Uint64 `json:"blockNumber"`
			BlockHash   *common.Hash    `json:"blockHash"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		switch {
		case obj.BlockHash != nil:
			*b = BlockTag{Hash: obj.BlockHash}
		case obj.BlockNumber != nil:
			*b = BlockNumberTag(uint64(*obj.BlockNumber))
		default:
			return errors.New("block selector needs blockNumber or blockHash")
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	tag, err := ParseBlockTag(s)
	if err != nil {
		return err
	}
	*b = tag
	return nil
}

func (b BlockTag) MarshalJSON() ([]byte, error) {
	if b.Hash != nil {
		return json.Marshal(map[string]common.Hash{"blockHash": *b.Hash})
	}
	return json.Marshal(b.String())
}

// String renders the tag as it goes on the wire.
func (b BlockTag) String() string {
	switch {
	case b.Hash != nil:
		return b.Hash.Hex()
	case b.Number != nil:
		return hexutil.EncodeUint64(*b.Number)
	case b.Name == "":
		return TagLatest
	default:
		return b.Name
	}
}

// IsHead reports whether the tag follows the chain head (latest or pending).
func (b BlockTag) IsHead() bool {
	return b.Hash == nil && b.Number == nil && (b.Name == "" || b.Name == TagLatest || b.Name == TagPending)
}
