package simulation

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CountFrom returns how many of txs are sent by from.
func CountFrom(txs []Transaction, from common.Address) uint64 {
	var n uint64
	for _, tx := range txs {
		if tx.From == from {
			n++
		}
	}
	return n
}

// AssignNonce gives tx the next nonce for its sender: the chain nonce plus the sender's
// already pending transactions. Raw transactions keep the nonce they were signed with.
func AssignNonce(txs []Transaction, tx Transaction, chainNonce uint64) Transaction {
	if tx.Raw {
		return tx
	}
	tx.Nonce = hexutil.Uint64(chainNonce + CountFrom(txs, tx.From))
	return tx
}

// RemoveAndRenumber drops the transaction with id and shifts every later nonce of the same
// sender down by one, keeping each sender's nonces gap free. Raw transactions shift too:
// the simulation replays them as calls, so their signed nonce is not binding. txs is not
// modified.
func RemoveAndRenumber(txs []Transaction, id common.Hash) ([]Transaction, Transaction, bool) {
	idx := -1
	for i, tx := range txs {
		if tx.Identifier == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return txs, Transaction{}, false
	}
	removed := txs[idx]
	out := make([]Transaction, 0, len(txs)-1)
	out = append(out, txs[:idx]...)
	for _, tx := range txs[idx+1:] {
		if tx.From == removed.From && tx.Nonce > 0 {
			tx.Nonce--
		}
		out = append(out, tx)
	}
	return out, removed, true
}
