package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
)

var (
	ErrSocketClosed   = errors.New("socket closed")
	ErrRequestIDReuse = errors.New("request id already used on this socket")
)

// Conn is one transport-level page connection.
type Conn interface {
	Socket() Socket
	Origin() string
	Send(ctx context.Context, env Envelope) error
	Done() <-chan struct{}
}

// Hub is the registry of live page connections.
type Hub struct {
	mu    sync.RWMutex
	conns map[Socket]Conn
	seen  map[Socket]map[uint64]struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[Socket]Conn),
		seen:  make(map[Socket]map[uint64]struct{}),
	}
}

func (h *Hub) Register(c Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.Socket()] = c
	h.seen[c.Socket()] = make(map[uint64]struct{})
	log.Debug("page socket registered", "socket", c.Socket().String(), "origin", c.Origin())
}

func (h *Hub) Unregister(s Socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, s)
	delete(h.seen, s)
	log.Debug("page socket unregistered", "socket", s.String())
}

// Claim marks uid as used. It returns ErrRequestIDReuse when the socket already sent it and
// ErrSocketClosed when the socket is unknown.
func (h *Hub) Claim(uid UniqueRequestIdentifier) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids, ok := h.seen[uid.Socket]
	if !ok {
		return ErrSocketClosed
	}
	if _, dup := ids[uid.RequestID]; dup {
		return ErrRequestIDReuse
	}
	ids[uid.RequestID] = struct{}{}
	return nil
}

func (h *Hub) Conn(s Socket) (Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[s]
	return c, ok
}

// Sockets returns the live sockets, optionally limited to one origin.
func (h *Hub) Sockets(origin string) []Socket {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Socket, 0, len(h.conns))
	for s, c := range h.conns {
		if origin != "" && c.Origin() != origin {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Send delivers env to s. A connection that has gone away is unregistered and
// ErrSocketClosed is returned.
func (h *Hub) Send(ctx context.Context, s Socket, env Envelope) error {
	c, ok := h.Conn(s)
	if !ok {
		return ErrSocketClosed
	}
	select {
	case <-c.Done():
		h.Unregister(s)
		return ErrSocketClosed
	default:
	}
	if err := c.Send(ctx, env); err != nil {
		if errors.Is(err, ErrSocketClosed) {
			h.Unregister(s)
		}
		return err
	}
	return nil
}

// Reply answers the request uid with either result or replyErr.
func (h *Hub) Reply(ctx context.Context, uid UniqueRequestIdentifier, method string, result any, replyErr error) error {
	id := uid.RequestID
	env := Envelope{Type: EnvelopeResult, RequestID: &id, Method: method}
	if replyErr != nil {
		env.Error = rpctypes.AsError(replyErr)
	} else {
		raw, err := MarshalResult(result)
		if err != nil {
			env.Error = rpctypes.Internal(err)
		} else {
			env.Result = raw
		}
	}
	return h.Send(ctx, uid.Socket, env)
}

// Forward asks the page's signer to handle method/params for uid.
func (h *Hub) Forward(ctx context.Context, uid UniqueRequestIdentifier, method string, params json.RawMessage, replyWithSignersReply bool) error {
	id := uid.RequestID
	return h.Send(ctx, uid.Socket, Envelope{
		Type:                  EnvelopeForwardToSigner,
		RequestID:             &id,
		Method:                method,
		Params:                params,
		ReplyWithSignersReply: replyWithSignersReply,
	})
}

// SignerRequest sends a daemon-initiated request to the signer behind socket s.
func (h *Hub) SignerRequest(ctx context.Context, s Socket, method string, payload any) error {
	raw, err := MarshalResult(payload)
	if err != nil {
		return err
	}
	return h.Send(ctx, s, Envelope{Type: EnvelopeSignerRequest, Method: method, Params: raw})
}

// Event pushes an EIP-1193 event to socket s.
func (h *Hub) Event(ctx context.Context, s Socket, name string, payload any) error {
	raw, err := MarshalResult(payload)
	if err != nil {
		return err
	}
	return h.Send(ctx, s, Envelope{Type: EnvelopeEvent, Method: name, Result: raw})
}

// Focus asks the bridge behind s to bring its tab to the front.
func (h *Hub) Focus(ctx context.Context, s Socket) error {
	return h.Send(ctx, s, Envelope{Type: EnvelopeFocus})
}

// Broadcast sends an event to every socket whose origin passes allow. Failures are logged.
func (h *Hub) Broadcast(ctx context.Context, allow func(origin string) bool, name string, payload any) {
	h.mu.RLock()
	targets := make([]Socket, 0, len(h.conns))
	for s, c := range h.conns {
		if allow == nil || allow(c.Origin()) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := h.Event(ctx, s, name, payload); err != nil {
			log.Debug("broadcast event dropped", "socket", s.String(), "event", name, "error", err)
		}
	}
}
