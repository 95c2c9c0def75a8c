package simulation

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/chains"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
	"github.com/quantumauth-io/quantum-interceptor/internal/settings"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNotFound         = errors.New("simulated item not found")
	ErrDuplicate        = errors.New("simulated item already present")
	ErrWrongChain       = errors.New("transaction targets a different chain than the simulation")
	ErrNothingSimulated = errors.New("nothing is simulated")
)

// Chain is the part of the chain client the overlay reads through. *chains.Client
// satisfies it.
type Chain interface {
	Backend
	LatestHeader(ctx context.Context) (*types.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, addr common.Address, tag rpctypes.BlockTag) (*big.Int, error)
	NonceAt(ctx context.Context, addr common.Address, tag rpctypes.BlockTag) (uint64, error)
	CodeAt(ctx context.Context, addr common.Address, tag rpctypes.BlockTag) ([]byte, error)
	CallContract(ctx context.Context, args rpctypes.TransactionArgs, tag rpctypes.BlockTag) ([]byte, error)
	EstimateGas(ctx context.Context, args rpctypes.TransactionArgs) (uint64, error)
	BlockByNumberRaw(ctx context.Context, tag rpctypes.BlockTag, fullTx bool) (json.RawMessage, error)
	BlockByHashRaw(ctx context.Context, hash common.Hash, fullTx bool) (json.RawMessage, error)
	TransactionReceiptRaw(ctx context.Context, hash common.Hash) (json.RawMessage, error)
	TransactionByHashRaw(ctx context.Context, hash common.Hash) (json.RawMessage, error)
}

// ChainSource returns the client of the active network.
type ChainSource func() (Chain, error)

// ServiceSource adapts a chain service to a ChainSource.
func ServiceSource(svc *chains.Service) ChainSource {
	return func() (Chain, error) {
		c, err := svc.Active()
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Overlay owns the simulation state. Every mutation builds a new Input, simulates it and
// publishes the resulting snapshot whole.
type Overlay struct {
	source ChainSource

	snap  atomic.Pointer[Snapshot]
	mu    sync.Mutex
	group singleflight.Group
	feed  event.Feed
}

func NewOverlay(source ChainSource, chainID uint64) *Overlay {
	o := &Overlay{source: source}
	o.snap.Store(emptySnapshot(Input{ChainID: chainID}))
	return o
}

func emptySnapshot(in Input) *Snapshot {
	in = in.clone()
	in.Transactions = []Transaction{}
	if in.Messages == nil {
		in.Messages = []SignedMessage{}
	}
	return &Snapshot{
		Input:          in,
		Results:        []CallResult{},
		Touched:        []common.Address{},
		BalanceChanges: []BalanceChange{},
	}
}

// Snapshot returns the current state. The returned value must not be modified.
func (o *Overlay) Snapshot() *Snapshot { return o.snap.Load() }

// Subscribe delivers every published snapshot to ch. Feed sends block until ch receives,
// so subscribers must not call back into the overlay from the receiving goroutine.
func (o *Overlay) Subscribe(ch chan<- *Snapshot) event.Subscription {
	return o.feed.Subscribe(ch)
}

func (o *Overlay) publish(s *Snapshot) {
	o.snap.Store(s)
	o.feed.Send(s)
}

// rebuild simulates in on a fresh baseline. The caller holds mu.
func (o *Overlay) rebuild(ctx context.Context, chain Chain, in Input) (*Snapshot, error) {
	header, err := chain.LatestHeader(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load simulation baseline")
	}
	in.Baseline = BaselineFromHeader(header)
	return Simulate(ctx, chain, in)
}

func (o *Overlay) mutate(ctx context.Context, fn func(chain Chain, in Input) (Input, error)) (*Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	chain, err := o.source()
	if err != nil {
		return nil, err
	}
	in, err := fn(chain, o.snap.Load().Input.clone())
	if err != nil {
		return nil, err
	}
	next, err := o.rebuild(ctx, chain, in)
	if err != nil {
		return nil, err
	}
	o.publish(next)
	return next, nil
}

// AppendTransaction adds tx at the end of the batch with the sender's next nonce.
func (o *Overlay) AppendTransaction(ctx context.Context, tx Transaction) (*Snapshot, error) {
	next, err := o.mutate(ctx, func(chain Chain, in Input) (Input, error) {
		if _, _, _, ok := o.snap.Load().Result(tx.Identifier); ok {
			return in, ErrDuplicate
		}
		if uint64(tx.ChainID) != 0 && uint64(tx.ChainID) != in.ChainID {
			return in, ErrWrongChain
		}
		prepared, err := prepare(ctx, chain, in, tx)
		if err != nil {
			return in, err
		}
		in.Transactions = append(in.Transactions, prepared)
		return in, nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("transaction added to simulation", "identifier", tx.Identifier.Hex(), "pending", len(next.Input.Transactions))
	return next, nil
}

func prepare(ctx context.Context, chain Chain, in Input, tx Transaction) (Transaction, error) {
	tx.ChainID = hexutil.Uint64(in.ChainID)
	if tx.Raw {
		return tx, nil
	}
	nonce, err := chain.NonceAt(ctx, tx.From, rpctypes.Latest)
	if err != nil {
		return tx, errors.Wrap(err, "load sender nonce")
	}
	return AssignNonce(in.Transactions, tx, nonce), nil
}

// Preview simulates the current batch followed by tx without committing anything.
func (o *Overlay) Preview(ctx context.Context, tx Transaction) (*Snapshot, Transaction, error) {
	chain, err := o.source()
	if err != nil {
		return nil, tx, err
	}
	in := o.snap.Load().Input.clone()
	prepared, err := prepare(ctx, chain, in, tx)
	if err != nil {
		return nil, tx, err
	}
	in.Transactions = append(in.Transactions, prepared)
	header, err := chain.LatestHeader(ctx)
	if err != nil {
		return nil, prepared, errors.Wrap(err, "load simulation baseline")
	}
	in.Baseline = BaselineFromHeader(header)
	snap, err := Simulate(ctx, chain, in)
	return snap, prepared, err
}

// RemoveTransaction drops a simulated transaction and renumbers the later nonces of its
// sender.
func (o *Overlay) RemoveTransaction(ctx context.Context, id common.Hash) (*Snapshot, error) {
	next, err := o.mutate(ctx, func(_ Chain, in Input) (Input, error) {
		txs, _, ok := RemoveAndRenumber(in.Transactions, id)
		if !ok {
			return in, ErrNotFound
		}
		in.Transactions = txs
		return in, nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("transaction removed from simulation", "identifier", id.Hex(), "pending", len(next.Input.Transactions))
	return next, nil
}

// SetGasLimit changes the gas of one simulated transaction.
func (o *Overlay) SetGasLimit(ctx context.Context, id common.Hash, gas uint64) (*Snapshot, error) {
	return o.mutate(ctx, func(_ Chain, in Input) (Input, error) {
		for i := range in.Transactions {
			if in.Transactions[i].Identifier == id {
				in.Transactions[i].Gas = hexutil.Uint64(gas)
				return in, nil
			}
		}
		return in, ErrNotFound
	})
}

// AppendMessage records a signed message. Messages do not change state, so nothing is
// re-simulated.
func (o *Overlay) AppendMessage(msg SignedMessage) *Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur := o.snap.Load()
	next := *cur
	next.Input = cur.Input.clone()
	next.Input.Messages = append(next.Input.Messages, msg)
	o.publish(&next)
	return &next
}

func (o *Overlay) RemoveMessage(id common.Hash) (*Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur := o.snap.Load()
	next := *cur
	next.Input = cur.Input.clone()
	kept := next.Input.Messages[:0]
	found := false
	for _, m := range next.Input.Messages {
		if m.Identifier == id {
			found = true
			continue
		}
		kept = append(kept, m)
	}
	if !found {
		return nil, ErrNotFound
	}
	next.Input.Messages = kept
	o.publish(&next)
	return &next, nil
}

// Refresh re-simulates the current batch on the latest head. Concurrent calls share one
// simulation.
func (o *Overlay) Refresh(ctx context.Context) (*Snapshot, error) {
	v, err, _ := o.group.Do("refresh", func() (interface{}, error) {
		return o.mutate(ctx, func(_ Chain, in Input) (Input, error) { return in, nil })
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Reset clears every simulated transaction and message and moves the simulation to chainID.
func (o *Overlay) Reset(ctx context.Context, chainID uint64) *Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	next := emptySnapshot(Input{ChainID: chainID, Messages: []SignedMessage{}})
	if chain, err := o.source(); err == nil {
		if header, err := chain.LatestHeader(ctx); err == nil {
			next.Input.Baseline = BaselineFromHeader(header)
		}
	}
	o.publish(next)
	log.Info("simulation reset", "chainId", chainID)
	return next
}

// HeadSource publishes new chain heads. *chains.Service satisfies it.
type HeadSource interface {
	SubscribeNewHeads(ch chan<- chains.NewHead) event.Subscription
}

// ChangeSource publishes settings changes. *settings.Manager satisfies it.
type ChangeSource interface {
	Subscribe(ch chan<- settings.Change) event.Subscription
}

// Run recomputes the overlay on new heads of the simulated chain and on active address or
// network changes, until ctx ends.
func (o *Overlay) Run(ctx context.Context, heads HeadSource, changes ChangeSource) error {
	headCh := make(chan chains.NewHead, 8)
	headSub := heads.SubscribeNewHeads(headCh)
	defer headSub.Unsubscribe()

	changeCh := make(chan settings.Change, 8)
	changeSub := changes.Subscribe(changeCh)
	defer changeSub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-headSub.Err():
			return err
		case err := <-changeSub.Err():
			return err
		case head := <-headCh:
			if head.ChainID != o.Snapshot().Input.ChainID {
				continue
			}
			if _, err := o.Refresh(ctx); err != nil {
				log.Warn("simulation refresh on new head failed", "block", head.Header.Number, "error", err)
			}
		case change := <-changeCh:
			switch {
			case change.ChainChanged():
				o.Reset(ctx, change.Current.ActiveChainID)
			case change.ActiveAddressChanged(), change.ModeChanged():
				if _, err := o.Refresh(ctx); err != nil {
					log.Warn("simulation refresh on settings change failed", "error", err)
				}
			}
		}
	}
}
