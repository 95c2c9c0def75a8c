package networks

import (
	"context"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/store"
)

const storeKey = "networks"

var (
	ErrNotFound       = errors.New("network not found")
	ErrDuplicateChain = errors.New("network already exists for chain id")
	ErrDuplicateName  = errors.New("network name already exists")
	ErrRPCNotFound    = errors.New("rpc not found for network")
)

type Manager struct {
	value *store.Value[[]RpcNetwork]
}

func NewManager(backend store.Backend) *Manager {
	return &Manager{value: store.NewValue[[]RpcNetwork](backend, storeKey)}
}

// Init loads the stored registry (seeding Defaults on first run) and merges configured
// networks into it. Configured networks only fill what is missing; user edits win.
func (m *Manager) Init(ctx context.Context, configured []RpcNetwork) error {
	if err := m.value.Init(ctx, Defaults()); err != nil {
		return errors.Wrap(err, "load networks")
	}
	if len(configured) == 0 {
		return nil
	}
	_, err := m.value.Update(ctx, func(cur []RpcNetwork) ([]RpcNetwork, error) {
		return mergeConfigured(cur, configured), nil
	})
	return err
}

func mergeConfigured(cur, configured []RpcNetwork) []RpcNetwork {
	out := cloneAll(cur)
	for _, c := range configured {
		c, err := normalize(c)
		if err != nil {
			log.Warn("skipping configured network", "name", c.Name, "error", err)
			continue
		}
		idx := indexByChain(out, c.ChainID)
		if idx < 0 {
			out = append(out, c)
			continue
		}
		existing := &out[idx]
		if existing.Explorer == "" {
			existing.Explorer = c.Explorer
		}
		for _, rpc := range c.RPCs {
			existing.RPCs = normalizeRPCs(append(existing.RPCs, rpc))
		}
	}
	return out
}

func (m *Manager) List() []RpcNetwork {
	out := cloneAll(m.value.Load())
	sort.SliceStable(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

func (m *Manager) FindByChainID(chainID uint64) (RpcNetwork, bool) {
	cur := m.value.Load()
	if idx := indexByChain(cur, chainID); idx >= 0 {
		return cur[idx].clone(), true
	}
	return RpcNetwork{}, false
}

// Add registers a new network, rejecting a duplicate chain id or name.
func (m *Manager) Add(ctx context.Context, n RpcNetwork) (RpcNetwork, error) {
	n, err := normalize(n)
	if err != nil {
		return RpcNetwork{}, err
	}
	_, err = m.value.Update(ctx, func(cur []RpcNetwork) ([]RpcNetwork, error) {
		if idx := indexByChain(cur, n.ChainID); idx >= 0 {
			return nil, errors.Wrapf(ErrDuplicateChain, "%d (name: %s)", n.ChainID, cur[idx].Name)
		}
		for _, existing := range cur {
			if strings.EqualFold(existing.Name, n.Name) {
				return nil, errors.Wrapf(ErrDuplicateName, "%s", n.Name)
			}
		}
		return append(cloneAll(cur), n), nil
	})
	if err != nil {
		return RpcNetwork{}, err
	}
	log.Info("network added", "chainId", n.ChainID, "name", n.Name)
	return n, nil
}

// Remove deletes the network for chainID. Removing an unknown chain is a no-op.
func (m *Manager) Remove(ctx context.Context, chainID uint64) error {
	_, err := m.value.Update(ctx, func(cur []RpcNetwork) ([]RpcNetwork, error) {
		idx := indexByChain(cur, chainID)
		if idx < 0 {
			return cur, nil
		}
		out := cloneAll(cur)
		return append(out[:idx], out[idx+1:]...), nil
	})
	return err
}

// SetPrimary promotes url to be the endpoint used for chainID. An url not yet known for
// that chain is added.
func (m *Manager) SetPrimary(ctx context.Context, chainID uint64, url string) (RpcNetwork, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return RpcNetwork{}, errors.Wrap(ErrRPCNotFound, "empty url")
	}
	var updated RpcNetwork
	_, err := m.value.Update(ctx, func(cur []RpcNetwork) ([]RpcNetwork, error) {
		idx := indexByChain(cur, chainID)
		if idx < 0 {
			return nil, errors.Wrapf(ErrNotFound, "chain %d", chainID)
		}
		out := cloneAll(cur)
		n := &out[idx]
		primary := RPC{Name: "custom", URL: url}
		rest := make([]RPC, 0, len(n.RPCs))
		for _, r := range n.RPCs {
			if strings.EqualFold(r.URL, url) {
				primary = r
				continue
			}
			rest = append(rest, r)
		}
		n.RPCs = append([]RPC{primary}, rest...)
		updated = n.clone()
		return out, nil
	})
	if err != nil {
		return RpcNetwork{}, err
	}
	log.Info("primary rpc changed", "chainId", chainID, "rpc", url)
	return updated, nil
}

func normalize(n RpcNetwork) (RpcNetwork, error) {
	n = n.clone()
	n.Name = normalizeName(n.Name)
	n.Explorer = strings.TrimSpace(n.Explorer)
	n.RPCs = normalizeRPCs(n.RPCs)
	if n.ChainID == 0 {
		return n, errors.New("missing chain id")
	}
	if n.Name == "" {
		return n, errors.New("missing network name")
	}
	if n.Explorer == "" {
		n.Explorer = ExplorerFor(n.ChainID)
	}
	return n, nil
}

func indexByChain(list []RpcNetwork, chainID uint64) int {
	for i, n := range list {
		if n.ChainID == chainID {
			return i
		}
	}
	return -1
}

func cloneAll(in []RpcNetwork) []RpcNetwork {
	out := make([]RpcNetwork, len(in))
	for i, n := range in {
		out[i] = n.clone()
	}
	return out
}
