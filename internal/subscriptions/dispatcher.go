// Package subscriptions serves eth_subscribe. Every new head of the active chain is pushed to
// subscribed pages, followed in simulation mode by the simulated next block.
package subscriptions

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
	"github.com/quantumauth-io/quantum-interceptor/internal/chains"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
	"github.com/quantumauth-io/quantum-interceptor/internal/simulation"
)

type Kind string

const KindNewHeads Kind = "newHeads"

const notificationMethod = "eth_subscription"

// Sender delivers envelopes to page sockets. *bus.Hub satisfies it.
type Sender interface {
	Send(ctx context.Context, s bus.Socket, env bus.Envelope) error
}

// BlockReader fetches real blocks. *chains.Client satisfies it.
type BlockReader interface {
	BlockByNumberRaw(ctx context.Context, tag rpctypes.BlockTag, fullTx bool) (json.RawMessage, error)
}

// BlockSource returns the reader of the active chain.
type BlockSource func() (BlockReader, error)

// Simulated is the part of the overlay the dispatcher reads. *simulation.Overlay satisfies it.
type Simulated interface {
	Refresh(ctx context.Context) (*simulation.Snapshot, error)
	NextBlock(fullTx bool) (json.RawMessage, bool)
}

// HeadSource publishes new chain heads. *chains.Service satisfies it.
type HeadSource interface {
	SubscribeNewHeads(ch chan<- chains.NewHead) event.Subscription
}

type notification struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

type Dispatcher struct {
	sender         Sender
	blocks         BlockSource
	sim            Simulated
	simulationMode func() bool

	mu   sync.Mutex
	subs map[bus.Socket]map[string]Kind
}

func NewDispatcher(sender Sender, blocks BlockSource, sim Simulated, simulationMode func() bool) *Dispatcher {
	return &Dispatcher{
		sender:         sender,
		blocks:         blocks,
		sim:            sim,
		simulationMode: simulationMode,
		subs:           make(map[bus.Socket]map[string]Kind),
	}
}

func newID() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "generate subscription id")
	}
	return hexutil.Encode(b), nil
}

// Subscribe registers a subscription of kind for socket and returns its id.
func (d *Dispatcher) Subscribe(socket bus.Socket, kind string) (string, error) {
	if Kind(kind) != KindNewHeads {
		return "", rpctypes.NotImplemented("Dapp requested for '" + kind + "' subscription but it's not implemented")
	}
	id, err := newID()
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subs[socket] == nil {
		d.subs[socket] = make(map[string]Kind)
	}
	d.subs[socket][id] = KindNewHeads
	log.Debug("subscription created", "socket", socket.String(), "id", id, "kind", kind)
	return id, nil
}

// Unsubscribe removes id if socket created it.
func (d *Dispatcher) Unsubscribe(socket bus.Socket, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids, ok := d.subs[socket]
	if !ok {
		return false
	}
	if _, ok := ids[id]; !ok {
		return false
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(d.subs, socket)
	}
	return true
}

// Drop forgets every subscription of socket.
func (d *Dispatcher) Drop(socket bus.Socket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subs, socket)
}

func (d *Dispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ids := range d.subs {
		n += len(ids)
	}
	return n
}

type target struct {
	socket bus.Socket
	id     string
}

func (d *Dispatcher) targets() []target {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]target, 0, len(d.subs))
	for s, ids := range d.subs {
		for id, kind := range ids {
			if kind == KindNewHeads {
				out = append(out, target{socket: s, id: id})
			}
		}
	}
	return out
}

// Run dispatches every head published by heads until ctx ends.
func (d *Dispatcher) Run(ctx context.Context, heads HeadSource) error {
	ch := make(chan chains.NewHead, 8)
	sub := heads.SubscribeNewHeads(ch)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case head := <-ch:
			d.dispatch(ctx, head)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, head chains.NewHead) {
	targets := d.targets()
	if len(targets) == 0 {
		return
	}

	reader, err := d.blocks()
	if err != nil {
		log.Debug("no chain to read new head from", "error", err)
		return
	}
	number := head.Header.Number.Uint64()
	block, err := reader.BlockByNumberRaw(ctx, rpctypes.BlockNumberTag(number), false)
	if err != nil {
		log.Warn("failed to load new head for subscribers", "block", number, "error", err)
		return
	}
	blocks := []json.RawMessage{block}

	if d.simulationMode() {
		if _, err := d.sim.Refresh(ctx); err != nil {
			log.Warn("simulation refresh for subscribers failed", "block", number, "error", err)
		} else if next, ok := d.sim.NextBlock(false); ok {
			blocks = append(blocks, next)
		}
	}

	for _, t := range targets {
		d.deliver(ctx, t, blocks)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, t target, blocks []json.RawMessage) {
	for _, block := range blocks {
		params, err := json.Marshal(notification{Subscription: t.id, Result: block})
		if err != nil {
			log.Error("failed to encode subscription notification", "error", err)
			return
		}
		err = d.sender.Send(ctx, t.socket, bus.Envelope{
			Type:         bus.EnvelopeSubscription,
			Method:       notificationMethod,
			Params:       params,
			Subscription: t.id,
		})
		if errors.Is(err, bus.ErrSocketClosed) {
			log.Debug("dropping subscriptions of closed socket", "socket", t.socket.String())
			d.Drop(t.socket)
			return
		}
		if err != nil {
			log.Debug("subscription notification failed", "socket", t.socket.String(), "error", err)
			return
		}
	}
}
