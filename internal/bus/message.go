// Package bus carries typed envelopes between pages, the mediator and the signer, each
// correlated by a unique request identifier.
package bus

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
	"github.com/tidwall/gjson"
)

// Socket identifies one page connection. ConnectionName is minted by the daemon.
type Socket struct {
	TabID          int64  `json:"tabId"`
	ConnectionName string `json:"connectionName"`
}

func NewSocket(tabID int64) Socket {
	return Socket{TabID: tabID, ConnectionName: uuid.NewString()}
}

func (s Socket) String() string {
	return fmt.Sprintf("%d-%s", s.TabID, s.ConnectionName)
}

// UniqueRequestIdentifier correlates an inbound call with its eventual reply.
type UniqueRequestIdentifier struct {
	Socket    Socket `json:"requestSocket"`
	RequestID uint64 `json:"requestId"`
}

func (u UniqueRequestIdentifier) String() string {
	return fmt.Sprintf("%s-%d", u.Socket, u.RequestID)
}

// Provider messages are sent by the in-page bridge on behalf of the signer.
const (
	ProviderSignerReply              = "signer_reply"
	ProviderEthAccountsReply         = "eth_accounts_reply"
	ProviderSignerChainChanged       = "signer_chainChanged"
	ProviderSwitchEthereumChainReply = "wallet_switchEthereumChain_reply"
	ProviderConnectedToSigner        = "connected_to_signer"
)

func IsProviderMethod(method string) bool {
	switch method {
	case ProviderSignerReply, ProviderEthAccountsReply, ProviderSignerChainChanged,
		ProviderSwitchEthereumChainReply, ProviderConnectedToSigner:
		return true
	}
	return false
}

// PageMessage is one inbound message from a page socket.
type PageMessage struct {
	RequestID                     uint64          `json:"requestId"`
	Method                        string          `json:"method"`
	Params                        json.RawMessage `json:"params,omitempty"`
	UsingInterceptorWithoutSigner bool            `json:"usingInterceptorWithoutSigner,omitempty"`
}

// SignerReplyParams is the payload of signer_reply and wallet_switchEthereumChain_reply.
type SignerReplyParams struct {
	RequestID uint64          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *rpctypes.Error `json:"error,omitempty"`
}

// DecodeError is returned for a message that could not be decoded. RequestID is set when
// the id could still be read, so the page can be answered.
type DecodeError struct {
	RequestID *uint64
	Err       error
}

func (e *DecodeError) Error() string { return "decode page message: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// DecodePageMessage peeks at the id and method before the typed decode, so even a body
// that fails to decode can be answered by id.
func DecodePageMessage(raw []byte) (PageMessage, error) {
	if !gjson.ValidBytes(raw) {
		return PageMessage{}, &DecodeError{Err: errors.New("invalid json")}
	}
	var id *uint64
	if v := gjson.GetBytes(raw, "requestId"); v.Exists() && v.Type == gjson.Number {
		n := v.Uint()
		id = &n
	}
	method := gjson.GetBytes(raw, "method")
	if !method.Exists() || method.Type != gjson.String || method.String() == "" {
		return PageMessage{}, &DecodeError{RequestID: id, Err: errors.New("missing method")}
	}
	if id == nil && !IsProviderMethod(method.String()) {
		return PageMessage{}, &DecodeError{Err: errors.New("missing requestId")}
	}

	var msg PageMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return PageMessage{}, &DecodeError{RequestID: id, Err: err}
	}
	return msg, nil
}

// Envelope types sent down to pages.
const (
	EnvelopeResult          = "result"
	EnvelopeForwardToSigner = "forwardToSigner"
	EnvelopeSubscription    = "subscription"
	EnvelopeEvent           = "event"
	EnvelopeSignerRequest   = "signerRequest"
	EnvelopeFocus           = "focus"
)

// Events and signer requests carried in Envelope.Method.
const (
	EventAccountsChanged     = "accountsChanged"
	EventChainChanged        = "chainChanged"
	EventConnect             = "connect"
	SignerRequestSwitchChain = "request_signer_to_wallet_switchEthereumChain"
	SignerRequestAccounts    = "request_signer_to_eth_requestAccounts"
)

// Envelope is one outbound message to a page.
type Envelope struct {
	Type         string          `json:"type"`
	RequestID    *uint64         `json:"requestId,omitempty"`
	Method       string          `json:"method,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        *rpctypes.Error `json:"error,omitempty"`
	Subscription string          `json:"subscription,omitempty"`
	// ReplyWithSignersReply tells the bridge to hand the signer's answer straight to the
	// page instead of routing it back through signer_reply.
	ReplyWithSignersReply bool `json:"replyWithSignersReply,omitempty"`
}

// MarshalResult encodes v for Envelope.Result, keeping an explicit null.
func MarshalResult(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("null"), nil
		}
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal result")
	}
	return b, nil
}
