package simulation

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// EtherToken is the pseudo token address traceTransfers reports native transfers under.
var EtherToken = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// isTransferLog matches ERC-20 style transfers: three topics and a single word of data.
// ERC-721 transfers carry the id as a fourth topic and are left out.
func isTransferLog(l Log) bool {
	return len(l.Topics) == 3 && l.Topics[0] == transferTopic && len(l.Data) == 32
}

type flowKey struct {
	addr  common.Address
	token common.Address
}

type flow struct {
	in, out uint256.Int
}

// Summarize nets every transfer of a snapshot per (address, token), in first-seen order.
// Gas fees are not included.
func Summarize(s *Snapshot) []BalanceChange {
	out := []BalanceChange{}
	if s == nil {
		return out
	}
	flows := map[flowKey]*flow{}
	var order []flowKey
	get := func(k flowKey) *flow {
		f, ok := flows[k]
		if !ok {
			f = &flow{}
			flows[k] = f
			order = append(order, k)
		}
		return f
	}

	for _, res := range s.Results {
		for _, l := range res.Logs {
			if !isTransferLog(l) {
				continue
			}
			from := common.BytesToAddress(l.Topics[1].Bytes())
			to := common.BytesToAddress(l.Topics[2].Bytes())
			amount := new(uint256.Int).SetBytes(l.Data)
			if amount.IsZero() || from == to {
				continue
			}
			src := get(flowKey{addr: from, token: l.Address})
			src.out.Add(&src.out, amount)
			dst := get(flowKey{addr: to, token: l.Address})
			dst.in.Add(&dst.in, amount)
		}
	}

	for _, k := range order {
		f := flows[k]
		var delta string
		switch f.in.Cmp(&f.out) {
		case 0:
			continue
		case 1:
			delta = new(uint256.Int).Sub(&f.in, &f.out).Dec()
		default:
			delta = "-" + new(uint256.Int).Sub(&f.out, &f.in).Dec()
		}
		out = append(out, BalanceChange{Address: k.addr, Token: k.token, Delta: delta})
	}
	return out
}
