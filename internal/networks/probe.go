package networks

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

const probeTimeout = 7 * time.Second

// ProbeRPC asks a candidate endpoint for its chain id. Client version and head block are
// best effort.
func ProbeRPC(ctx context.Context, rpcURL string) (Probe, error) {
	out := Probe{URL: strings.TrimSpace(rpcURL)}
	if out.URL == "" {
		return out, errors.New("missing rpc url")
	}
	u, err := url.Parse(out.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return out, errors.New("invalid rpc url")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return out, errors.Newf("unsupported rpc url scheme: %s", u.Scheme)
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	client, err := rpc.DialContext(ctx, out.URL)
	if err != nil {
		return out, errors.Wrap(err, "dial rpc")
	}
	defer client.Close()

	var chainID hexutil.Uint64
	if err := client.CallContext(ctx, &chainID, "eth_chainId"); err != nil {
		return out, errors.Wrap(err, "eth_chainId")
	}
	out.ChainID = uint64(chainID)

	var version string
	if err := client.CallContext(ctx, &version, "web3_clientVersion"); err == nil {
		out.ClientVersion = strings.TrimSpace(version)
	}
	var head hexutil.Uint64
	if err := client.CallContext(ctx, &head, "eth_blockNumber"); err == nil {
		out.LatestBlock = uint64(head)
	}
	return out, nil
}
