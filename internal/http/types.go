package http

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/quantumauth-io/quantum-interceptor/internal/access"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
	"github.com/quantumauth-io/quantum-interceptor/internal/chains"
	"github.com/quantumauth-io/quantum-interceptor/internal/chainswitch"
	"github.com/quantumauth-io/quantum-interceptor/internal/mediator"
	"github.com/quantumauth-io/quantum-interceptor/internal/networks"
	"github.com/quantumauth-io/quantum-interceptor/internal/settings"
)

type apiResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// UIMessage is one message on the /ui socket.
type UIMessage struct {
	Type     string `json:"type"`
	WindowID string `json:"windowId,omitempty"`
	Payload  any    `json:"payload,omitempty"`
}

type statusResp struct {
	OK             bool                      `json:"ok"`
	Version        string                    `json:"version"`
	SimulationMode bool                      `json:"simulationMode"`
	Chain          chains.Status             `json:"chain"`
	Pages          int                       `json:"pages"`
	UIClients      int                       `json:"uiClients"`
	Queued         int                       `json:"queued"`
	LastError      *mediator.UnexpectedError `json:"lastError,omitempty"`
}

type confirmRequest struct {
	UniqueRequestIdentifier bus.UniqueRequestIdentifier `json:"uniqueRequestIdentifier"`
	Action                  string                      `json:"action"`
	Reason                  string                      `json:"reason,omitempty"`
}

type gasLimitRequest struct {
	Identifier common.Hash `json:"identifier"`
	GasLimit   uint64      `json:"gasLimit"`
}

type identifierRequest struct {
	Identifier common.Hash `json:"identifier"`
}

type accessResp struct {
	Grants  []access.Grant  `json:"grants"`
	Prompts []access.Prompt `json:"prompts"`
}

type accessDecision struct {
	Origin  string          `json:"origin"`
	Address *common.Address `json:"address,omitempty"`
	Allow   bool            `json:"allow"`
}

type accessTarget struct {
	Origin  string          `json:"origin"`
	Address *common.Address `json:"address,omitempty"`
}

type accessFlag struct {
	Origin  string `json:"origin"`
	Enabled bool   `json:"enabled"`
}

type chainSwitchResp struct {
	Prompt *chainswitch.Prompt `json:"prompt,omitempty"`
	State  chainswitch.State   `json:"state"`
}

type chainSwitchDecision struct {
	Accept bool `json:"accept"`
}

type settingsUpdate struct {
	SimulationMode                   *bool           `json:"simulationMode,omitempty"`
	ActiveSimulationAddress          *common.Address `json:"activeSimulationAddress,omitempty"`
	ActiveSigningAddress             *common.Address `json:"activeSigningAddress,omitempty"`
	UseSignersAddressAsActiveAddress *bool           `json:"useSignersAddressAsActiveAddress,omitempty"`
}

type networksResp struct {
	Networks      []networks.RpcNetwork `json:"networks"`
	ActiveChainID uint64                `json:"activeChainId"`
	Chain         chains.Status         `json:"chain"`
}

type chainRequest struct {
	ChainID uint64 `json:"chainId"`
}

type primaryRPCRequest struct {
	ChainID uint64 `json:"chainId"`
	URL     string `json:"url"`
}

type probeRequest struct {
	URL string `json:"url"`
}

type settingsResp struct {
	settings.Settings
	ActiveAddress *common.Address `json:"activeAddress,omitempty"`
}
