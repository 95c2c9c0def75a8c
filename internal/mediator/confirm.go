package mediator

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
	"github.com/quantumauth-io/quantum-interceptor/internal/future"
	"github.com/quantumauth-io/quantum-interceptor/internal/pending"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
	"github.com/quantumauth-io/quantum-interceptor/internal/simulation"
)

func newEntry(call Call) pending.Entry {
	uid := call.UniqueRequestIdentifier
	return pending.Entry{
		UniqueRequestIdentifier: uid,
		Identifier:              simulation.IdentifierFor(uid),
		Website:                 call.Website,
		Method:                  call.Request.Method(),
		Params:                  call.Params,
		Created:                 time.Now(),
	}
}

func (m *Mediator) sendTransaction(ctx context.Context, call Call, req rpctypes.EthSendTransaction) Reply {
	if call.ActiveAddress == nil {
		return fail(rpctypes.NoActiveAddress())
	}
	args := req.Transaction
	if args.From == nil {
		active := *call.ActiveAddress
		args.From = &active
	}
	from := *args.From

	entry := newEntry(call)
	tx := simulation.Transaction{
		Identifier:              entry.Identifier,
		UniqueRequestIdentifier: entry.UniqueRequestIdentifier,
		Website:                 entry.Website,
		Created:                 entry.Created,
		From:                    from,
		To:                      args.To,
		Value:                   hexutil.Big(*args.ValueOrZero()),
		Input:                   args.CallData(),
		MaxFeePerGas:            args.MaxFeePerGas,
		MaxPriorityFeePerGas:    args.MaxPriorityFeePerGas,
		ChainID:                 hexutil.Uint64(call.Settings.ActiveChainID),
	}
	if args.Nonce != nil {
		tx.Nonce = *args.Nonce
	}
	if args.MaxFeePerGas == nil && args.GasPrice != nil {
		tx.MaxFeePerGas = args.GasPrice
		tx.MaxPriorityFeePerGas = args.GasPrice
	}
	if args.Gas != nil {
		tx.Gas = *args.Gas
	} else {
		gas, err := m.estimate(ctx, args, call.Settings.SimulationMode)
		if err != nil {
			// The preview reports the failure in detail.
			log.Debug("gas estimate for queued transaction failed", "request", entry.UniqueRequestIdentifier.String(), "error", err)
		}
		tx.Gas = hexutil.Uint64(gas)
	}
	entry.Transaction = &tx
	return m.enqueueTransaction(ctx, entry)
}

func (m *Mediator) estimate(ctx context.Context, args rpctypes.TransactionArgs, simulationMode bool) (uint64, error) {
	if simulationMode {
		return m.Overlay.EstimateGas(ctx, args)
	}
	chain, err := m.Chain()
	if err != nil {
		return 0, err
	}
	return chain.EstimateGas(ctx, args)
}

func (m *Mediator) sendRawTransaction(ctx context.Context, call Call, req rpctypes.EthSendRawTransaction) Reply {
	var signed types.Transaction
	if err := signed.UnmarshalBinary(req.Raw); err != nil {
		return fail(rpctypes.ParseError(rpctypes.MethodEthSendRawTransaction, err))
	}
	from, err := types.Sender(types.LatestSignerForChainID(signed.ChainId()), &signed)
	if err != nil {
		return fail(rpctypes.ParseError(rpctypes.MethodEthSendRawTransaction, errors.Wrap(err, "recover sender")))
	}

	entry := newEntry(call)
	tx := simulation.Transaction{
		Identifier:              entry.Identifier,
		UniqueRequestIdentifier: entry.UniqueRequestIdentifier,
		Website:                 entry.Website,
		Created:                 entry.Created,
		From:                    from,
		To:                      signed.To(),
		Value:                   hexutil.Big(*signed.Value()),
		Input:                   signed.Data(),
		Gas:                     hexutil.Uint64(signed.Gas()),
		Nonce:                   hexutil.Uint64(signed.Nonce()),
		MaxFeePerGas:            (*hexutil.Big)(signed.GasFeeCap()),
		MaxPriorityFeePerGas:    (*hexutil.Big)(signed.GasTipCap()),
		ChainID:                 hexutil.Uint64(call.Settings.ActiveChainID),
		Raw:                     true,
	}
	entry.Transaction = &tx
	return m.enqueueTransaction(ctx, entry)
}

func (m *Mediator) enqueueTransaction(ctx context.Context, entry pending.Entry) Reply {
	uid := entry.UniqueRequestIdentifier
	result, err := m.Queue.EnqueueTransaction(ctx, entry)
	if err != nil {
		return m.enqueueFailure(entry.Method, err)
	}
	if queued, ok := m.Queue.Entry(uid); ok && queued.Preview != nil && queued.Transaction != nil && m.Classifier.Enabled() {
		snap, tx := queued.Preview, *queued.Transaction
		m.spawn(func(ctx context.Context) {
			m.Queue.SetVerdict(uid, m.Classifier.ClassifyTransaction(ctx, snap, tx))
		})
	}
	m.await(uid, entry.Method, result)
	return DoNotReply{}
}

func (m *Mediator) signMessage(ctx context.Context, call Call, req rpctypes.SignMessage) Reply {
	entry := newEntry(call)
	entry.Message = &simulation.SignedMessage{
		Identifier:              entry.Identifier,
		UniqueRequestIdentifier: entry.UniqueRequestIdentifier,
		Website:                 entry.Website,
		Created:                 entry.Created,
		Method:                  req.Name,
		Params:                  req.Params,
		Signer:                  req.Signer,
	}
	result, err := m.Queue.EnqueueMessage(ctx, entry)
	if err != nil {
		return m.enqueueFailure(entry.Method, err)
	}
	m.await(entry.UniqueRequestIdentifier, entry.Method, result)
	return DoNotReply{}
}

// enqueueFailure answers a request the queue refused. A surface that could not be opened
// counts as no response from the user.
func (m *Mediator) enqueueFailure(method string, err error) Reply {
	switch {
	case errors.Is(err, pending.ErrSurfaceUnavailable):
		return fail(rpctypes.UserDeniedTransaction(""))
	case errors.Is(err, pending.ErrDuplicateRequest):
		return fail(rpctypes.RequestPending())
	}
	return m.toFailure(method, err)
}

// await replies to uid once the queued request settles. A request forwarded as is is
// answered by the signer.
func (m *Mediator) await(uid bus.UniqueRequestIdentifier, method string, result *future.Future[pending.Resolution]) {
	m.spawn(func(ctx context.Context) {
		res, err := result.Wait(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			m.send(ctx, uid, method, nil, m.toFailure(method, err))
		case res.Forwarded:
			log.Debug("queued request forwarded to signer", "request", uid.String(), "method", method)
		default:
			m.send(ctx, uid, method, nil, Result{Value: res.Result})
		}
	})
}
