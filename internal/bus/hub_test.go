package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePageMessage(t *testing.T) {
	msg, err := DecodePageMessage([]byte(`{"requestId":7,"method":"eth_chainId","params":[]}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), msg.RequestID)
	assert.Equal(t, "eth_chainId", msg.Method)

	_, err = DecodePageMessage([]byte(`{"requestId":8,"params":[]}`))
	var decErr *DecodeError
	require.True(t, errors.As(err, &decErr))
	require.NotNil(t, decErr.RequestID)
	assert.Equal(t, uint64(8), *decErr.RequestID)

	_, err = DecodePageMessage([]byte(`{not json`))
	require.True(t, errors.As(err, &decErr))
	assert.Nil(t, decErr.RequestID)

	_, err = DecodePageMessage([]byte(`{"method":"eth_call"}`))
	assert.Error(t, err)

	msg, err = DecodePageMessage([]byte(`{"method":"signer_chainChanged","params":["0x1"]}`))
	require.NoError(t, err)
	assert.Equal(t, ProviderSignerChainChanged, msg.Method)
}

func TestClaimRejectsReuse(t *testing.T) {
	h := NewHub()
	conn := NewChanConn(NewSocket(1), "https://app.example", 4)
	h.Register(conn)

	uid := UniqueRequestIdentifier{Socket: conn.Socket(), RequestID: 1}
	require.NoError(t, h.Claim(uid))
	assert.ErrorIs(t, h.Claim(uid), ErrRequestIDReuse)

	other := UniqueRequestIdentifier{Socket: NewSocket(1), RequestID: 1}
	assert.ErrorIs(t, h.Claim(other), ErrSocketClosed)
}

func TestReplyCarriesIdentifier(t *testing.T) {
	h := NewHub()
	conn := NewChanConn(NewSocket(3), "https://app.example", 4)
	h.Register(conn)
	ctx := context.Background()

	uid := UniqueRequestIdentifier{Socket: conn.Socket(), RequestID: 42}
	require.NoError(t, h.Reply(ctx, uid, "eth_chainId", "0x1", nil))
	env := <-conn.Out()
	assert.Equal(t, EnvelopeResult, env.Type)
	assert.Equal(t, uint64(42), *env.RequestID)
	assert.JSONEq(t, `"0x1"`, string(env.Result))

	require.NoError(t, h.Reply(ctx, uid, "eth_call", nil, rpctypes.Unauthorized()))
	env = <-conn.Out()
	require.NotNil(t, env.Error)
	assert.Equal(t, rpctypes.CodeUnauthorized, env.Error.Code)

	require.NoError(t, h.Reply(ctx, uid, "wallet_switchEthereumChain", json.RawMessage(nil), nil))
	env = <-conn.Out()
	assert.Equal(t, "null", string(env.Result))
}

func TestSendToClosedSocketUnregisters(t *testing.T) {
	h := NewHub()
	conn := NewChanConn(NewSocket(5), "https://app.example", 1)
	h.Register(conn)
	conn.Close()

	err := h.Send(context.Background(), conn.Socket(), Envelope{Type: EnvelopeEvent})
	assert.ErrorIs(t, err, ErrSocketClosed)
	_, ok := h.Conn(conn.Socket())
	assert.False(t, ok)
}

func TestBroadcastFiltersByOrigin(t *testing.T) {
	h := NewHub()
	a := NewChanConn(NewSocket(1), "https://a.example", 2)
	b := NewChanConn(NewSocket(2), "https://b.example", 2)
	h.Register(a)
	h.Register(b)

	h.Broadcast(context.Background(), func(origin string) bool { return origin == "https://a.example" },
		EventChainChanged, "0x1")

	require.Len(t, a.Out(), 1)
	assert.Len(t, b.Out(), 0)
	assert.Len(t, h.Sockets("https://b.example"), 1)
}
