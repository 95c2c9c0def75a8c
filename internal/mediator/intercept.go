package mediator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/access"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
	"github.com/quantumauth-io/quantum-interceptor/internal/future"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
	"github.com/quantumauth-io/quantum-interceptor/internal/shared"
	"github.com/tidwall/gjson"
)

const (
	workerBacklog = 64
	// signerAccountsTimeout bounds the wait for eth_accounts_reply; an expired wait counts as
	// no accounts.
	signerAccountsTimeout = 2 * time.Minute
)

var ErrClosed = errors.New("mediator closed")

// Inbound is one decoded page message with the connection it arrived on.
type Inbound struct {
	Socket  bus.Socket
	Website shared.Website
	Message bus.PageMessage
}

type worker struct {
	in   chan Inbound
	quit chan struct{}
}

// Submit hands in to the worker of its socket, starting one if needed. Messages of one
// socket are handled in arrival order.
func (m *Mediator) Submit(ctx context.Context, in Inbound) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	w, ok := m.workers[in.Socket]
	if !ok {
		w = &worker{in: make(chan Inbound, workerBacklog), quit: make(chan struct{})}
		m.workers[in.Socket] = w
		m.wg.Add(1)
		go m.work(w)
	}
	m.mu.Unlock()

	select {
	case w.in <- in:
		return nil
	case <-w.quit:
		return bus.ErrSocketClosed
	case <-m.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mediator) work(w *worker) {
	defer m.wg.Done()
	for {
		select {
		case <-w.quit:
			return
		case <-m.ctx.Done():
			return
		case in := <-w.in:
			m.HandleIntercepted(m.ctx, in)
		}
	}
}

// Disconnect stops the worker of socket and forgets everything tied to it.
func (m *Mediator) Disconnect(socket bus.Socket) {
	m.mu.Lock()
	w, ok := m.workers[socket]
	delete(m.workers, socket)
	accounts := m.accounts[socket]
	delete(m.accounts, socket)
	switchUID, switching := m.switches[socket]
	delete(m.switches, socket)
	m.mu.Unlock()

	if ok {
		close(w.quit)
	}
	if accounts != nil {
		accounts.Resolve(nil)
	}
	if switching {
		m.Switcher.Cancel(switchUID)
	}
	m.Subscriptions.Drop(socket)
}

// Close stops every worker and waits for outstanding request goroutines.
func (m *Mediator) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

// HandleIntercepted is the page entry point: it verifies access, routes provider messages
// and sends exactly one reply for every other request.
func (m *Mediator) HandleIntercepted(ctx context.Context, in Inbound) {
	msg := in.Message
	if bus.IsProviderMethod(msg.Method) {
		if m.Gate.Verify(in.Website.Origin, nil, false) == access.InterceptorDisabled {
			log.Debug("provider message dropped, interceptor disabled for site", "origin", in.Website.Origin, "method", msg.Method)
			return
		}
		m.handleProvider(ctx, in)
		return
	}

	uid := bus.UniqueRequestIdentifier{Socket: in.Socket, RequestID: msg.RequestID}
	if err := m.Hub.Claim(uid); err != nil {
		log.Warn("page request refused", "request", uid.String(), "method", msg.Method, "error", err)
		return
	}
	log.Info("page request received", "request", uid.String(), "method", msg.Method)
	m.serve(ctx, in, uid, false)
}

// serve runs the access decision for a claimed request. It may be entered again once an
// access prompt or the signer's accounts arrive.
func (m *Mediator) serve(ctx context.Context, in Inbound, uid bus.UniqueRequestIdentifier, pulledAccounts bool) {
	msg := in.Message
	s := m.Settings.Get()
	active := s.ActiveAddress()
	verdict := m.Gate.Verify(in.Website.Origin, active, access.AsksWhenUnknown(msg.Method))
	reply := func(r Reply) { m.send(ctx, uid, msg.Method, msg.Params, r) }

	if verdict == access.InterceptorDisabled {
		reply(fail(rpctypes.InterceptorDisabled()))
		return
	}

	signerAvailable := !s.SimulationMode && !msg.UsingInterceptorWithoutSigner

	if verdict == access.HasAccess && active == nil && msg.Method == rpctypes.MethodEthRequestAccounts && !pulledAccounts {
		if !signerAvailable {
			reply(fail(rpctypes.Unauthorized()))
			return
		}
		accounts := m.requestSignerAccounts(ctx, in.Socket)
		m.spawn(func(ctx context.Context) {
			waitCtx, cancel := context.WithTimeout(ctx, signerAccountsTimeout)
			defer cancel()
			got, err := accounts.Wait(waitCtx)
			switch {
			case errors.Is(err, context.Canceled):
				return
			case errors.Is(err, context.DeadlineExceeded):
				log.Warn("signer did not share accounts in time", "socket", in.Socket.String())
				m.settleAccounts(in.Socket, nil)
			}
			if len(got) == 0 {
				m.send(ctx, uid, msg.Method, msg.Params, fail(rpctypes.Unauthorized()))
				return
			}
			m.serve(ctx, in, uid, true)
		})
		return
	}

	if verdict == access.NoAccess || active == nil {
		switch msg.Method {
		case rpctypes.MethodEthAccounts:
			reply(Result{Value: []common.Address{}})
			return
		case rpctypes.MethodEthChainID:
			reply(Result{Value: hexutil.EncodeUint64(1)})
			return
		case rpctypes.MethodNetVersion:
			reply(Result{Value: "1"})
			return
		}
	}

	switch verdict {
	case access.AskAccess:
		decision := m.Gate.RequestAccess(in.Website, active)
		m.spawn(func(ctx context.Context) {
			allowed, err := decision.Wait(ctx)
			switch {
			case errors.Is(err, context.Canceled):
				return
			case err != nil || !allowed:
				m.send(ctx, uid, msg.Method, msg.Params, fail(rpctypes.Unauthorized()))
			default:
				m.serve(ctx, in, uid, pulledAccounts)
			}
		})
		return
	case access.NoAccess:
		reply(fail(rpctypes.Unauthorized()))
		return
	}
	if active == nil {
		reply(fail(rpctypes.Unauthorized()))
		return
	}

	req, err := rpctypes.Parse(msg.Method, msg.Params)
	if err != nil {
		if errors.Is(err, rpctypes.ErrUnknownMethod) {
			if signerAvailable {
				reply(Forward{ReplyWithSigner: true})
			} else {
				reply(fail(rpctypes.NotImplemented("Method not implemented")))
			}
			return
		}
		reply(fail(rpctypes.AsError(err)))
		return
	}

	reply(m.Mediate(ctx, Call{
		Request:                 req,
		UniqueRequestIdentifier: uid,
		Website:                 in.Website,
		Settings:                s,
		ActiveAddress:           active,
		Params:                  msg.Params,
		SignerAvailable:         signerAvailable,
	}))
}

// requestSignerAccounts asks the signer behind socket for its accounts, or joins the
// request already outstanding. The future settles on eth_accounts_reply.
func (m *Mediator) requestSignerAccounts(ctx context.Context, socket bus.Socket) *future.Future[[]common.Address] {
	m.mu.Lock()
	if f, ok := m.accounts[socket]; ok {
		m.mu.Unlock()
		return f
	}
	f := future.New[[]common.Address]()
	m.accounts[socket] = f
	m.mu.Unlock()

	if err := m.Hub.SignerRequest(ctx, socket, bus.SignerRequestAccounts, nil); err != nil {
		log.Warn("failed to ask signer for accounts", "socket", socket.String(), "error", err)
		m.settleAccounts(socket, nil)
	}
	return f
}

func (m *Mediator) settleAccounts(socket bus.Socket, accounts []common.Address) {
	m.mu.Lock()
	f := m.accounts[socket]
	delete(m.accounts, socket)
	m.mu.Unlock()
	if f != nil {
		f.Resolve(accounts)
	}
}

func (m *Mediator) handleProvider(ctx context.Context, in Inbound) {
	msg := in.Message
	switch msg.Method {
	case bus.ProviderSignerReply:
		var p bus.SignerReplyParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			log.Warn("malformed signer reply", "socket", in.Socket.String(), "error", err)
			return
		}
		uid := bus.UniqueRequestIdentifier{Socket: in.Socket, RequestID: p.RequestID}
		if err := m.Queue.SignerReplied(ctx, uid, p.Result, p.Error); err != nil {
			log.Warn("signer reply for unknown request", "request", uid.String(), "error", err)
		}
	case bus.ProviderEthAccountsReply:
		accounts := parseAccounts(msg.Params)
		s := m.Settings.Get()
		if s.UseSignersAddressAsActiveAddress && len(accounts) > 0 {
			if _, err := m.Settings.SetActiveAddress(ctx, false, &accounts[0]); err != nil {
				log.Warn("failed to store signer address", "error", err)
			}
		}
		m.settleAccounts(in.Socket, accounts)
	case bus.ProviderSignerChainChanged:
		chainID, err := hexutil.DecodeUint64(gjson.GetBytes(msg.Params, "0").String())
		if err != nil {
			log.Warn("malformed signer chain id", "socket", in.Socket.String(), "error", err)
			return
		}
		if err := m.Switcher.SignerChainChanged(ctx, chainID); err != nil {
			log.Warn("failed to follow signer chain", "chainId", chainID, "error", err)
		}
	case bus.ProviderSwitchEthereumChainReply:
		var p bus.SignerReplyParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			log.Warn("malformed switch chain reply", "socket", in.Socket.String(), "error", err)
			return
		}
		m.Switcher.SignerSwitchReply(p.Error)
	case bus.ProviderConnectedToSigner:
		log.Info("page connected to signer", "socket", in.Socket.String(), "origin", in.Website.Origin)
		if !m.Settings.Get().SimulationMode {
			if err := m.Hub.SignerRequest(ctx, in.Socket, bus.SignerRequestAccounts, nil); err != nil {
				log.Debug("failed to ask new signer for accounts", "socket", in.Socket.String(), "error", err)
			}
		}
	}
}

// parseAccounts reads the address list of eth_accounts_reply, given either as the params
// array itself or as its first element.
func parseAccounts(params json.RawMessage) []common.Address {
	list := gjson.ParseBytes(params)
	if first := list.Get("0"); first.IsArray() {
		list = first
	}
	var out []common.Address
	for _, v := range list.Array() {
		if common.IsHexAddress(v.String()) {
			out = append(out, common.HexToAddress(v.String()))
		}
	}
	return out
}
