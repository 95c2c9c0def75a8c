// Package networks is the registry of RPC networks the interceptor can target.
package networks

import (
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

type RPC struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

// RpcNetwork is one chain. RPCs[0] is the primary endpoint; a network without RPCs can only
// be forwarded to the signer, never simulated.
type RpcNetwork struct {
	Name     string `json:"name" yaml:"name"`
	ChainID  uint64 `json:"chainId" yaml:"chainId"`
	RPCs     []RPC  `json:"rpcs" yaml:"rpcs"`
	Explorer string `json:"explorer,omitempty" yaml:"explorer"`
}

// HTTPSRPC returns the primary endpoint, or "" when the network is forward only.
func (n RpcNetwork) HTTPSRPC() string {
	if len(n.RPCs) == 0 {
		return ""
	}
	return n.RPCs[0].URL
}

func (n RpcNetwork) Simulatable() bool { return n.HTTPSRPC() != "" }

func (n RpcNetwork) ChainIDHex() string { return hexutil.EncodeUint64(n.ChainID) }

func (n RpcNetwork) clone() RpcNetwork {
	cp := n
	cp.RPCs = append([]RPC(nil), n.RPCs...)
	return cp
}

// Probe is what a candidate endpoint reports about itself.
type Probe struct {
	URL           string `json:"rpcUrl"`
	ChainID       uint64 `json:"chainId"`
	ClientVersion string `json:"clientVersion,omitempty"`
	LatestBlock   uint64 `json:"latestBlock,omitempty"`
}

func normalizeName(s string) string {
	return strings.TrimSpace(s)
}

func normalizeRPCs(in []RPC) []RPC {
	out := make([]RPC, 0, len(in))
	seen := map[string]bool{}
	for _, r := range in {
		url := strings.TrimSpace(r.URL)
		if url == "" {
			continue
		}
		key := strings.ToLower(url)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, RPC{Name: strings.TrimSpace(r.Name), URL: url})
	}
	return out
}
