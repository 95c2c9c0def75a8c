package simulation

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func txFrom(from common.Address, id byte) Transaction {
	return Transaction{Identifier: common.Hash{id}, From: from}
}

func TestAssignNonceCountsPendingFromSender(t *testing.T) {
	var txs []Transaction
	for i, from := range []common.Address{alice, bob, alice, alice} {
		txs = append(txs, AssignNonce(txs, txFrom(from, byte(i+1)), 7))
	}
	nonces := []uint64{uint64(txs[0].Nonce), uint64(txs[1].Nonce), uint64(txs[2].Nonce), uint64(txs[3].Nonce)}
	assert.Equal(t, []uint64{7, 7, 8, 9}, nonces)

	raw := txFrom(alice, 9)
	raw.Raw = true
	raw.Nonce = 42
	assert.Equal(t, uint64(42), uint64(AssignNonce(txs, raw, 7).Nonce))
}

func TestRemoveAndRenumberKeepsSenderNoncesGapFree(t *testing.T) {
	var txs []Transaction
	for i, from := range []common.Address{alice, bob, alice, bob, alice} {
		txs = append(txs, AssignNonce(txs, txFrom(from, byte(i+1)), 10))
	}

	out, removed, ok := RemoveAndRenumber(txs, common.Hash{1})
	require.True(t, ok)
	assert.Equal(t, alice, removed.From)
	require.Len(t, out, 4)

	var aliceNonces, bobNonces []uint64
	for _, tx := range out {
		if tx.From == alice {
			aliceNonces = append(aliceNonces, uint64(tx.Nonce))
		} else {
			bobNonces = append(bobNonces, uint64(tx.Nonce))
		}
	}
	assert.Equal(t, []uint64{10, 11}, aliceNonces)
	assert.Equal(t, []uint64{10, 11}, bobNonces)

	// The input is untouched.
	assert.Equal(t, uint64(11), uint64(txs[2].Nonce))

	_, _, ok = RemoveAndRenumber(out, common.Hash{0xff})
	assert.False(t, ok)
}

func TestRemoveMiddleOnlyShiftsLaterTransactions(t *testing.T) {
	var txs []Transaction
	for i := 0; i < 4; i++ {
		txs = append(txs, AssignNonce(txs, txFrom(alice, byte(i+1)), 0))
	}
	out, _, ok := RemoveAndRenumber(txs, common.Hash{3})
	require.True(t, ok)
	got := make([]uint64, 0, len(out))
	for _, tx := range out {
		got = append(got, uint64(tx.Nonce))
	}
	assert.Equal(t, []uint64{0, 1, 2}, got)
	assert.Equal(t, common.Hash{4}, out[2].Identifier)
}

func TestRemoveAndRenumberShiftsRawTransactions(t *testing.T) {
	var txs []Transaction
	txs = append(txs, AssignNonce(txs, txFrom(alice, 1), 5))
	raw := txFrom(alice, 2)
	raw.Raw = true
	raw.Nonce = 6
	txs = append(txs, AssignNonce(txs, raw, 5))
	txs = append(txs, AssignNonce(txs, txFrom(alice, 3), 5))
	require.Equal(t, uint64(7), uint64(txs[2].Nonce))

	out, _, ok := RemoveAndRenumber(txs, common.Hash{1})
	require.True(t, ok)
	got := make([]uint64, 0, len(out))
	for _, tx := range out {
		got = append(got, uint64(tx.Nonce))
	}
	assert.Equal(t, []uint64{5, 6}, got)
	assert.True(t, out[0].Raw)
}
