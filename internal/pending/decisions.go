package pending

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
	"github.com/quantumauth-io/quantum-interceptor/internal/simulation"
	"github.com/tidwall/sjson"
)

func noResponse() *rpctypes.Error { return rpctypes.UserDeniedTransaction("") }

func (q *Queue) lookup(uid bus.UniqueRequestIdentifier) (*item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(uid)
	if i < 0 {
		return nil, ErrNotFound
	}
	return q.items[i], nil
}

// take removes uid from the queue. When it was the last entry the originating tab is
// focused and the window closed; otherwise the window is refreshed.
func (q *Queue) take(ctx context.Context, uid bus.UniqueRequestIdentifier) (*item, error) {
	q.mu.Lock()
	i := q.indexLocked(uid)
	if i < 0 {
		q.mu.Unlock()
		return nil, ErrNotFound
	}
	it := q.items[i]
	q.items = append(q.items[:i:i], q.items[i+1:]...)
	empty := len(q.items) == 0
	var w Window
	if empty {
		w = q.window
		q.window = nil
	}
	q.mu.Unlock()

	if !empty {
		q.publish()
		return it, nil
	}
	if err := q.surface.FocusTab(ctx, uid.Socket); err != nil {
		log.Debug("could not focus originating tab", "socket", uid.Socket.String(), "error", err)
	}
	if w != nil {
		w.Close()
	}
	return it, nil
}

func (q *Queue) setApproval(uid bus.UniqueRequestIdentifier, from, to ApprovalStatus, fn func(*Entry)) (Entry, error) {
	q.mu.Lock()
	i := q.indexLocked(uid)
	if i < 0 {
		q.mu.Unlock()
		return Entry{}, ErrNotFound
	}
	if q.items[i].entry.ApprovalStatus != from {
		q.mu.Unlock()
		return Entry{}, ErrWrongState
	}
	e := q.items[i].entry.clone()
	e.ApprovalStatus = to
	if fn != nil {
		fn(&e)
	}
	q.items[i].entry = e
	q.mu.Unlock()
	q.publish()
	return e.clone(), nil
}

// Accept approves uid. In simulation mode the request is applied to the overlay and
// settled at once; otherwise it goes to the signer and settles on SignerReplied.
func (q *Queue) Accept(ctx context.Context, uid bus.UniqueRequestIdentifier) error {
	it, err := q.lookup(uid)
	if err != nil {
		return err
	}
	entry := it.entry.clone()
	if entry.ApprovalStatus != WaitingForUser {
		return ErrWrongState
	}

	if q.simulationMode() {
		result, err := q.applyToSimulation(ctx, entry)
		if err != nil {
			return err
		}
		if _, err := q.take(ctx, uid); err != nil {
			return err
		}
		it.result.Resolve(Resolution{Result: result})
		log.Info("request accepted into simulation", "request", uid.String(), "method", entry.Method)
		return nil
	}

	entry, err = q.setApproval(uid, WaitingForUser, WaitingForSigner, nil)
	if err != nil {
		return err
	}
	if err := q.signer.Forward(ctx, uid, entry.Method, entry.Params, false); err != nil {
		rpcErr := rpctypes.SignerRejected("failed to reach signer").WithCause(err)
		_, _ = q.setApproval(uid, WaitingForSigner, SignerError, func(e *Entry) { e.SignerError = rpcErr })
		it.result.Reject(rpcErr)
		return errors.Wrap(err, "forward to signer")
	}
	log.Info("request accepted, waiting for signer", "request", uid.String(), "method", entry.Method)
	return nil
}

func (q *Queue) applyToSimulation(ctx context.Context, entry Entry) (any, error) {
	switch entry.Kind {
	case KindTransaction:
		if entry.Transaction == nil {
			return nil, ErrNoTransaction
		}
		if _, err := q.sim.AppendTransaction(ctx, *entry.Transaction); err != nil {
			return nil, errors.Wrap(err, "append transaction to simulation")
		}
		return entry.Transaction.Identifier, nil
	case KindMessage:
		msg := simulation.SignedMessage{
			Identifier:              entry.Identifier,
			UniqueRequestIdentifier: entry.UniqueRequestIdentifier,
			Website:                 entry.Website,
			Created:                 entry.Created,
			Method:                  entry.Method,
			Params:                  entry.Params,
		}
		if entry.Message != nil {
			msg = *entry.Message
		}
		q.sim.AppendMessage(msg)
		return hexutil.Encode(placeholderSignature(entry.Identifier)), nil
	}
	return nil, errors.Newf("unknown entry kind %q", entry.Kind)
}

// Reject removes uid and settles it as a user rejection, embedding reason when given.
func (q *Queue) Reject(ctx context.Context, uid bus.UniqueRequestIdentifier, reason string) error {
	it, err := q.take(ctx, uid)
	if err != nil {
		return err
	}
	it.result.Reject(rpctypes.UserDeniedTransaction(reason))
	log.Info("request rejected by user", "request", uid.String(), "reason", reason)
	return nil
}

// ForwardAsIs removes uid and hands the original request to the signer, which answers the
// page directly.
func (q *Queue) ForwardAsIs(ctx context.Context, uid bus.UniqueRequestIdentifier) error {
	if q.simulationMode() {
		return ErrForwardInSimulation
	}
	it, err := q.lookup(uid)
	if err != nil {
		return err
	}
	if it.entry.ApprovalStatus != WaitingForUser {
		return ErrWrongState
	}
	if _, err := q.take(ctx, uid); err != nil {
		return err
	}
	if err := q.signer.Forward(ctx, uid, it.entry.Method, it.entry.Params, true); err != nil {
		it.result.Reject(rpctypes.SignerRejected("failed to reach signer").WithCause(err))
		return errors.Wrap(err, "forward to signer")
	}
	it.result.Resolve(Resolution{Forwarded: true})
	log.Info("request forwarded to signer as is", "request", uid.String())
	return nil
}

// SignerReplied settles an entry waiting for the signer. An error leaves the entry in the
// queue as SignerError; its siblings are untouched.
func (q *Queue) SignerReplied(ctx context.Context, uid bus.UniqueRequestIdentifier, result json.RawMessage, signerErr *rpctypes.Error) error {
	it, err := q.lookup(uid)
	if err != nil {
		return err
	}
	if signerErr != nil {
		if _, err := q.setApproval(uid, WaitingForSigner, SignerError, func(e *Entry) { e.SignerError = signerErr }); err != nil {
			return err
		}
		it.result.Reject(signerErr)
		log.Info("signer refused request", "request", uid.String(), "code", signerErr.Code)
		return nil
	}
	if _, err := q.setApproval(uid, WaitingForSigner, Resolved, nil); err != nil {
		return err
	}
	if _, err := q.take(ctx, uid); err != nil {
		return err
	}
	it.result.Resolve(Resolution{Result: result})
	log.Info("signer completed request", "request", uid.String())
	return nil
}

// SetGasLimit overrides the gas of a queued transaction that is still Crafting or
// Simulated. Its position and identifier are kept.
func (q *Queue) SetGasLimit(txIdentifier common.Hash, gas uint64) error {
	q.mu.Lock()
	i := -1
	for j, it := range q.items {
		if it.entry.Transaction != nil && it.entry.Transaction.Identifier == txIdentifier {
			i = j
			break
		}
	}
	if i < 0 {
		q.mu.Unlock()
		return ErrNotFound
	}
	e := q.items[i].entry.clone()
	if e.ApprovalStatus != WaitingForUser || (e.CreationStatus != Crafting && e.CreationStatus != Simulated) {
		q.mu.Unlock()
		return ErrWrongState
	}
	e.Transaction.Gas = hexutil.Uint64(gas)
	if e.Method == rpctypes.MethodEthSendTransaction {
		params, err := sjson.SetBytes(e.Params, "0.gas", hexutil.EncodeUint64(gas))
		if err != nil {
			q.mu.Unlock()
			return errors.Wrap(err, "rewrite gas parameter")
		}
		e.Params = params
	}
	q.items[i].entry = e
	q.mu.Unlock()
	q.publish()
	return nil
}

// RemoveTransaction drops a queued transaction and shifts the nonces of later queued
// transactions from the same sender down by one.
func (q *Queue) RemoveTransaction(ctx context.Context, txIdentifier common.Hash) error {
	q.mu.Lock()
	var txs []simulation.Transaction
	var uid bus.UniqueRequestIdentifier
	found := false
	for _, it := range q.items {
		if it.entry.Transaction == nil {
			continue
		}
		txs = append(txs, *it.entry.Transaction)
		if it.entry.Transaction.Identifier == txIdentifier {
			uid = it.entry.UniqueRequestIdentifier
			found = true
		}
	}
	if !found {
		q.mu.Unlock()
		return ErrNotFound
	}
	renumbered, _, _ := simulation.RemoveAndRenumber(txs, txIdentifier)
	byID := make(map[common.Hash]simulation.Transaction, len(renumbered))
	for _, tx := range renumbered {
		byID[tx.Identifier] = tx
	}
	for _, it := range q.items {
		if it.entry.Transaction == nil {
			continue
		}
		if tx, ok := byID[it.entry.Transaction.Identifier]; ok && tx.Nonce != it.entry.Transaction.Nonce {
			e := it.entry.clone()
			e.Transaction.Nonce = tx.Nonce
			it.entry = e
		}
	}
	q.mu.Unlock()

	it, err := q.take(ctx, uid)
	if err != nil {
		return err
	}
	it.result.Reject(noResponse())
	return nil
}
