package chains

import (
	"context"
	"net"
	"net/url"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
)

// IsNetworkError reports whether err means the endpoint could not be reached, as opposed
// to the node answering with an error.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoEndpoint) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// AsRPCError folds a chain failure into the reply taxonomy.
func AsRPCError(err error) *rpctypes.Error {
	if err == nil {
		return nil
	}
	var typed *rpctypes.Error
	if errors.As(err, &typed) {
		return typed
	}
	if IsNetworkError(err) {
		return rpctypes.NotConnectedToChain(err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		out := rpctypes.NewError(rpctypes.KindNetwork, rpcErr.ErrorCode(), rpcErr.Error()).WithCause(err)
		var dataErr rpc.DataError
		if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
			out = out.WithData(dataErr.ErrorData())
		}
		return out
	}
	return rpctypes.Internal(err)
}

func asExecutionError(err error, method string) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == rpctypes.CodeExecutionError {
		var data any
		var dataErr rpc.DataError
		if errors.As(err, &dataErr) {
			data = dataErr.ErrorData()
		}
		return rpctypes.ExecutionReverted(RevertReason(data), data)
	}
	return errors.Wrap(err, method)
}

// RevertReason decodes an Error(string) payload, returning "" for anything else.
func RevertReason(data any) string {
	s, ok := data.(string)
	if !ok {
		return ""
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return ""
	}
	reason, err := abi.UnpackRevert(raw)
	if err != nil {
		return ""
	}
	return reason
}
