package pending

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
	"github.com/quantumauth-io/quantum-interceptor/internal/classifier"
	"github.com/quantumauth-io/quantum-interceptor/internal/future"
	"github.com/quantumauth-io/quantum-interceptor/internal/simulation"
	"golang.org/x/sync/semaphore"
)

var (
	ErrNotFound             = errors.New("pending entry not found")
	ErrWrongState           = errors.New("pending entry is not in a state that allows this")
	ErrForwardInSimulation  = errors.New("requests cannot be forwarded to the signer in simulation mode")
	ErrDuplicateRequest     = errors.New("request is already queued")
	ErrNoTransaction        = errors.New("entry has no transaction")
	ErrSurfaceUnavailable   = errors.New("confirmation surface could not be opened")
	errWindowAlreadyRetired = errors.New("window already retired")
)

// Signer carries accepted requests to the page's wallet. *bus.Hub satisfies it.
type Signer interface {
	Forward(ctx context.Context, uid bus.UniqueRequestIdentifier, method string, params json.RawMessage, replyWithSignersReply bool) error
}

// Simulator is the part of the overlay the queue drives. *simulation.Overlay satisfies it.
type Simulator interface {
	Preview(ctx context.Context, tx simulation.Transaction) (*simulation.Snapshot, simulation.Transaction, error)
	AppendTransaction(ctx context.Context, tx simulation.Transaction) (*simulation.Snapshot, error)
	AppendMessage(msg simulation.SignedMessage) *simulation.Snapshot
}

// Queue holds every request waiting for the user, in arrival order, behind at most one
// open confirmation window.
type Queue struct {
	surface        Surface
	signer         Signer
	sim            Simulator
	simulationMode func() bool

	// opening serializes acquiring the window; mu guards the fields below.
	opening *semaphore.Weighted

	mu     sync.Mutex
	items  []*item
	window Window

	// beforeAppend runs between checking the window and queueing an item. Tests only.
	beforeAppend func()
}

func NewQueue(surface Surface, signer Signer, sim Simulator, simulationMode func() bool) *Queue {
	return &Queue{
		surface:        surface,
		signer:         signer,
		sim:            sim,
		simulationMode: simulationMode,
		opening:        semaphore.NewWeighted(1),
	}
}

// EnqueueTransaction appends a transaction request, opening the confirmation window when
// none is open, then simulates it on top of the current overlay. The future settles once
// the user (and, outside simulation mode, the signer) decided.
func (q *Queue) EnqueueTransaction(ctx context.Context, entry Entry) (*future.Future[Resolution], error) {
	if entry.Transaction == nil {
		return nil, ErrNoTransaction
	}
	entry.Kind = KindTransaction
	result, err := q.enqueue(ctx, entry)
	if err != nil {
		return nil, err
	}

	q.setCreation(entry.UniqueRequestIdentifier, Simulating, nil)
	snap, tx, err := q.sim.Preview(ctx, *entry.Transaction)
	q.setCreation(entry.UniqueRequestIdentifier, simulatedStatus(snap, err), func(e *Entry) {
		e.Transaction = &tx
		e.Preview = snap
		switch {
		case err != nil:
			e.SimulationError = err.Error()
		case snap.Failure != nil:
			e.SimulationError = snap.Failure.Message
		}
	})
	return result, nil
}

func simulatedStatus(snap *simulation.Snapshot, err error) CreationStatus {
	if err != nil || snap == nil || snap.Failure != nil {
		return FailedToSimulate
	}
	return Simulated
}

// EnqueueMessage appends a signing request. Messages have nothing to simulate.
func (q *Queue) EnqueueMessage(ctx context.Context, entry Entry) (*future.Future[Resolution], error) {
	entry.Kind = KindMessage
	result, err := q.enqueue(ctx, entry)
	if err != nil {
		return nil, err
	}
	q.setCreation(entry.UniqueRequestIdentifier, Simulated, nil)
	return result, nil
}

func (q *Queue) enqueue(ctx context.Context, entry Entry) (*future.Future[Resolution], error) {
	if err := q.opening.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer q.opening.Release(1)

	if _, ok := q.Entry(entry.UniqueRequestIdentifier); ok {
		return nil, ErrDuplicateRequest
	}

	entry.CreationStatus = Crafting
	entry.ApprovalStatus = WaitingForUser
	it := &item{entry: entry.clone(), result: future.New[Resolution]()}

	// Taking the last entry drops the window without holding opening, so the item is
	// appended only while the window it was checked against is still the current one.
	for {
		// Whoever held the guard before may have opened a window already.
		w, err := q.ensureWindow(ctx)
		if err != nil {
			return nil, err
		}
		if q.beforeAppend != nil {
			q.beforeAppend()
		}
		q.mu.Lock()
		if q.window == w {
			q.items = append(q.items, it)
			q.mu.Unlock()
			break
		}
		q.mu.Unlock()
		log.Debug("confirmation surface went away while queueing, reopening", "window", w.ID())
	}

	log.Info("request queued for confirmation", "request", entry.UniqueRequestIdentifier.String(), "method", entry.Method, "kind", string(entry.Kind))
	q.publish()
	return it.result, nil
}

// ensureWindow reuses the open window or opens one, and returns it. A window the user
// closed out of band first settles everything it showed. The caller holds opening.
func (q *Queue) ensureWindow(ctx context.Context) (Window, error) {
	q.mu.Lock()
	w := q.window
	q.mu.Unlock()
	if w != nil {
		select {
		case <-w.Closed():
			_ = q.retire(w)
		default:
			return w, nil
		}
	}

	w, err := q.surface.Open(ctx)
	if err != nil {
		log.Warn("failed to open confirmation surface", "error", err)
		return nil, errors.Mark(errors.Wrap(err, "open confirmation surface"), ErrSurfaceUnavailable)
	}
	q.mu.Lock()
	q.window = w
	q.mu.Unlock()
	go q.watch(w)
	log.Debug("confirmation surface opened", "window", w.ID())
	return w, nil
}

func (q *Queue) watch(w Window) {
	<-w.Closed()
	if err := q.retire(w); err == nil {
		log.Info("confirmation surface closed by user", "window", w.ID())
	}
}

// retire drops w and, when it was still the active window, resolves every entry as no
// response.
func (q *Queue) retire(w Window) error {
	q.mu.Lock()
	if q.window != w {
		q.mu.Unlock()
		return errWindowAlreadyRetired
	}
	q.window = nil
	items := q.items
	q.items = nil
	q.mu.Unlock()

	for _, it := range items {
		it.result.Reject(noResponse())
	}
	return nil
}

// Close closes the open window, if any, without settling entries.
func (q *Queue) Close() {
	q.mu.Lock()
	w := q.window
	q.window = nil
	q.mu.Unlock()
	if w != nil {
		w.Close()
	}
}

func (q *Queue) indexLocked(uid bus.UniqueRequestIdentifier) int {
	for i, it := range q.items {
		if it.entry.UniqueRequestIdentifier == uid {
			return i
		}
	}
	return -1
}

func (q *Queue) setCreation(uid bus.UniqueRequestIdentifier, status CreationStatus, fn func(*Entry)) {
	q.mu.Lock()
	i := q.indexLocked(uid)
	if i < 0 {
		q.mu.Unlock()
		return
	}
	e := q.items[i].entry.clone()
	e.CreationStatus = status
	if fn != nil {
		fn(&e)
	}
	q.items[i].entry = e
	q.mu.Unlock()
	q.publish()
}

// SetVerdict attaches a classifier verdict to an entry.
func (q *Queue) SetVerdict(uid bus.UniqueRequestIdentifier, v classifier.Verdict) {
	q.mu.Lock()
	i := q.indexLocked(uid)
	if i >= 0 {
		e := q.items[i].entry.clone()
		e.Verdict = &v
		q.items[i].entry = e
	}
	q.mu.Unlock()
	if i >= 0 {
		q.publish()
	}
}

// Snapshot returns copies of every entry in queue order.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.entry.clone())
	}
	return out
}

// Entry returns a copy of the entry for uid.
func (q *Queue) Entry(uid bus.UniqueRequestIdentifier) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(uid)
	if i < 0 {
		return Entry{}, false
	}
	return q.items[i].entry.clone(), true
}

func (q *Queue) View() View {
	return View{Entries: q.Snapshot(), SimulationMode: q.simulationMode()}
}

// Refresh pushes the current view to the open window.
func (q *Queue) Refresh() { q.publish() }

func (q *Queue) publish() {
	q.mu.Lock()
	w := q.window
	q.mu.Unlock()
	if w != nil {
		w.Update(q.View())
	}
}

// placeholderSignature is the deterministic stand-in returned for messages accepted in
// simulation mode.
func placeholderSignature(id common.Hash) []byte {
	r := crypto.Keccak256(id.Bytes())
	s := crypto.Keccak256(r)
	return append(append(r, s...), 0x1b)
}
