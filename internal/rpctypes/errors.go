package rpctypes

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Kind is the error taxonomy every failure is folded into before it reaches a page.
type Kind int

const (
	KindParse Kind = iota + 1
	KindNetwork
	KindSimulation
	KindAuthorization
	KindSigner
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindNetwork:
		return "network"
	case KindSimulation:
		return "simulation"
	case KindAuthorization:
		return "authorization"
	case KindSigner:
		return "signer"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Wallet (EIP-1193 / MetaMask) codes.
const (
	CodeUserRejectedRequest = 4001
	CodeUnauthorized        = 4100
	CodeUnsupportedMethod   = 4200
	CodeDisconnected        = 4900
	CodeUnrecognizedChain   = 4902
)

// JSON-RPC codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeExecutionError = 3

	// CodeResourceUnavailable is what wallets answer while an identical prompt is open.
	CodeResourceUnavailable = -32002
)

// Interceptor codes.
const (
	CodeNotImplemented  = 10000
	CodeNoActiveAddress = 2
	CodeUnknownError    = 123456
)

const (
	MessageNotAuthorized       = "The requested method and/or account has not been authorized by the user."
	MessageInterceptorDisabled = "The Interceptor is disabled"
	MessageNetworkBlocked      = "Network requests from this site are blocked"
	MessageNotConnectedToChain = "not connected to chain"
	MessageNoActiveAddress     = "Interceptor: No active address"
	MessageUnknownError        = "Unknown error"
	MessageUserDeniedSignature = "Interceptor Tx Signature: User denied transaction signature."
	MessageUserDeniedSwitch    = "User refused to switch chain"
	MessageRequestPending      = "A request of this kind is already pending"
)

var ErrUnknownMethod = errors.New("unknown rpc method")

// Error is the typed reply error. Code/Message/Data are what the page sees.
type Error struct {
	Kind    Kind   `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s error %d: %s: %v", e.Kind, e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s error %d: %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func NewError(kind Kind, code int, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

func (e *Error) WithData(data any) *Error {
	cp := *e
	cp.Data = data
	return &cp
}

func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.cause = err
	return &cp
}

func ParseError(method string, err error) *Error {
	return &Error{
		Kind:    KindParse,
		Code:    CodeParseError,
		Message: fmt.Sprintf("Failed to parse RPC request: %s", method),
		Data:    err.Error(),
		cause:   err,
	}
}

func UnknownMethod(method string) *Error {
	return &Error{
		Kind:    KindParse,
		Code:    CodeMethodNotFound,
		Message: fmt.Sprintf("unsupported rpc method %q", method),
		cause:   ErrUnknownMethod,
	}
}

func NotImplemented(msg string) *Error {
	return &Error{Kind: KindInternal, Code: CodeNotImplemented, Message: msg}
}

func Unauthorized() *Error {
	return &Error{Kind: KindAuthorization, Code: CodeUnauthorized, Message: MessageNotAuthorized}
}

func InterceptorDisabled() *Error {
	return &Error{Kind: KindAuthorization, Code: CodeUnauthorized, Message: MessageInterceptorDisabled}
}

// NetworkRequestsBlocked refuses a request that would reach the node on behalf of a site
// the user blocked.
func NetworkRequestsBlocked() *Error {
	return &Error{Kind: KindAuthorization, Code: CodeUnauthorized, Message: MessageNetworkBlocked}
}

func NoActiveAddress() *Error {
	return &Error{Kind: KindAuthorization, Code: CodeNoActiveAddress, Message: MessageNoActiveAddress}
}

func UserRejected(msg string) *Error {
	return &Error{Kind: KindAuthorization, Code: CodeUserRejectedRequest, Message: msg}
}

// UserDeniedTransaction builds the rejection a page sees when a confirmation is declined.
// A non-empty reason is embedded into the message.
func UserDeniedTransaction(reason string) *Error {
	if reason == "" {
		return UserRejected(MessageUserDeniedSignature)
	}
	return UserRejected(fmt.Sprintf("Interceptor Tx Signature: User denied reverting transaction: %s.", reason))
}

func SignerRejected(msg string) *Error {
	return &Error{Kind: KindSigner, Code: CodeUserRejectedRequest, Message: msg}
}

// UnrecognizedChain is what wallets answer for a wallet_switchEthereumChain to a chain they
// do not know.
func UnrecognizedChain(chainID uint64) *Error {
	return &Error{
		Kind:    KindAuthorization,
		Code:    CodeUnrecognizedChain,
		Message: fmt.Sprintf("Unrecognized chain ID %q. Try adding the chain using wallet_addEthereumChain first.", hexutil.EncodeUint64(chainID)),
	}
}

func RequestPending() *Error {
	return &Error{Kind: KindAuthorization, Code: CodeResourceUnavailable, Message: MessageRequestPending}
}

func NotConnectedToChain(err error) *Error {
	return &Error{Kind: KindNetwork, Code: CodeDisconnected, Message: MessageNotConnectedToChain, cause: err}
}

func SimulationFailed(msg string, err error) *Error {
	return &Error{Kind: KindSimulation, Code: CodeInternalError, Message: msg, cause: err}
}

func ExecutionReverted(reason string, data any) *Error {
	msg := "execution reverted"
	if reason != "" {
		msg = msg + ": " + reason
	}
	return &Error{Kind: KindSimulation, Code: CodeExecutionError, Message: msg, Data: data}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeUnknownError, Message: MessageUnknownError, cause: err}
}

// AsError extracts a typed error from err, or wraps it as an internal fault.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return Internal(err)
}

// KindOf reports the taxonomy kind of err, KindInternal for untyped errors.
func KindOf(err error) Kind {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind
	}
	return KindInternal
}
