package interceptor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/quantumauth-io/quantum-interceptor/cmd/quantum-interceptor/config"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
	"github.com/quantumauth-io/quantum-interceptor/internal/networks"
	"github.com/quantumauth-io/quantum-interceptor/internal/settings"
	"github.com/quantumauth-io/quantum-interceptor/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const signerOnlyChain = 777001

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

// testConfig targets forward-only networks so nothing dials out.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		ClientSettings: &config.ClientSettings{
			LocalHost: "127.0.0.1",
			Port:      "0",
			DataDir:   t.TempDir(),
		},
		Chain: config.ChainConfig{DefaultChainID: signerOnlyChain},
		Networks: []config.NetworkConfig{
			{Name: "Signer only", ChainID: signerOnlyChain},
			{Name: "Other signer only", ChainID: signerOnlyChain + 1},
		},
		Simulation: config.SimulationConfig{DefaultMode: true, DefaultActiveAddress: alice.Hex()},
	}
	require.NoError(t, cfg.Normalize())
	return cfg
}

type broadcast struct {
	origins []string
	name    string
	payload any
}

type fakePages struct {
	mu      sync.Mutex
	origins []string
	sent    []broadcast
}

func (f *fakePages) Broadcast(_ context.Context, allow func(string) bool, name string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := broadcast{name: name, payload: payload}
	for _, o := range f.origins {
		if allow(o) {
			b.origins = append(b.origins, o)
		}
	}
	f.sent = append(f.sent, b)
}

func (f *fakePages) all() []broadcast {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broadcast(nil), f.sent...)
}

type fakeApprovals map[common.Address][]string

func (f fakeApprovals) ApprovedOrigins(addr *common.Address) []string { return f[*addr] }

func TestAnnounceAddressChange(t *testing.T) {
	pages := &fakePages{origins: []string{"https://a.example", "https://b.example", "https://c.example"}}
	approvals := fakeApprovals{
		alice: {"https://a.example", "https://b.example"},
		bob:   {"https://b.example"},
	}
	c := settings.Change{
		Previous: settings.Settings{SimulationMode: true, ActiveSimulationAddress: &alice, ActiveChainID: 1},
		Current:  settings.Settings{SimulationMode: true, ActiveSimulationAddress: &bob, ActiveChainID: 1},
	}

	announce(context.Background(), c, approvals, pages)

	sent := pages.all()
	require.Len(t, sent, 2)
	assert.Equal(t, bus.EventAccountsChanged, sent[0].name)
	assert.Equal(t, []string{"https://b.example"}, sent[0].origins)
	assert.Equal(t, []common.Address{bob}, sent[0].payload)

	assert.Equal(t, []string{"https://a.example"}, sent[1].origins)
	assert.Equal(t, []common.Address{}, sent[1].payload)
}

func TestAnnounceChainChange(t *testing.T) {
	pages := &fakePages{origins: []string{"https://a.example", "https://c.example"}}
	approvals := fakeApprovals{alice: {"https://a.example"}}
	c := settings.Change{
		Previous: settings.Settings{ActiveSigningAddress: &alice, ActiveChainID: 1},
		Current:  settings.Settings{ActiveSigningAddress: &alice, ActiveChainID: 10},
	}

	announce(context.Background(), c, approvals, pages)

	sent := pages.all()
	require.Len(t, sent, 1)
	assert.Equal(t, bus.EventChainChanged, sent[0].name)
	assert.Equal(t, []string{"https://a.example"}, sent[0].origins)
	assert.Equal(t, "0xa", sent[0].payload)
}

func TestAnnounceWithoutAddressReachesNobody(t *testing.T) {
	pages := &fakePages{origins: []string{"https://a.example"}}
	approvals := fakeApprovals{alice: {"https://a.example"}}
	c := settings.Change{
		Previous: settings.Settings{ActiveSigningAddress: &alice},
		Current:  settings.Settings{},
	}

	announce(context.Background(), c, approvals, pages)

	sent := pages.all()
	require.Len(t, sent, 2)
	assert.Empty(t, sent[0].origins)
	assert.Equal(t, []string{"https://a.example"}, sent[1].origins)
	assert.Equal(t, []common.Address{}, sent[1].payload)
}

func TestNewRestoresStoredState(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := New(ctx, BuildInfo{Version: "test"}, cfg)
	require.NoError(t, err)
	assert.EqualValues(t, signerOnlyChain, app.Settings.Get().ActiveChainID)
	n, ok := app.Chains.ActiveNetwork()
	require.True(t, ok)
	assert.EqualValues(t, signerOnlyChain, n.ChainID)
	require.NoError(t, app.apply(ctx, mustNetwork(t, app, signerOnlyChain+1)))
	app.Close()

	// The stored chain wins over the configured default on the next start.
	app, err = New(ctx, BuildInfo{Version: "test"}, cfg)
	require.NoError(t, err)
	defer app.Close()
	assert.EqualValues(t, signerOnlyChain+1, app.Settings.Get().ActiveChainID)
	assert.Equal(t, &alice, app.Settings.Get().ActiveAddress())
}

func mustNetwork(t *testing.T, app *App, chainID uint64) networks.RpcNetwork {
	t.Helper()
	n, ok := app.Networks.FindByChainID(chainID)
	require.True(t, ok)
	return n
}

func TestServeAnswersAndStops(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := New(ctx, BuildInfo{Version: "test"}, cfg)
	require.NoError(t, err)
	defer app.Close()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- app.Serve(ctx, listener) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 2 * time.Second}
	base := "http://" + listener.Addr().String()

	resp, err := client.Get(base + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Get(base + "/ui/networks")
	require.NoError(t, err)
	var out struct {
		Data struct {
			ActiveChainID uint64 `json:"activeChainId"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	_ = resp.Body.Close()
	assert.EqualValues(t, signerOnlyChain, out.Data.ActiveChainID)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestRunRefusesTakenPort(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig(t)
	_, port, err := net.SplitHostPort(taken.Addr().String())
	require.NoError(t, err)
	cfg.ClientSettings.Port = port

	err = Run(context.Background(), BuildInfo{}, cfg)
	assert.ErrorContains(t, err, "cannot bind")
}

func TestOpenSQLiteBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backend = config.StorageSQLite
	cfg.Storage.Path = filepath.Join(t.TempDir(), "state.db")

	backend, err := openBackend(cfg)
	require.NoError(t, err)
	defer backend.Close()

	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, "probe", []byte(`{"ok":true}`)))
	got, err := backend.Get(ctx, "probe")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(got))
	_, err = backend.Get(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSealedFileBackendNeedsSamePassphrase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Passphrase = "correct horse battery"

	backend, err := openBackend(cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, "probe", []byte(`"secret"`)))
	require.NoError(t, backend.Close())

	cfg.Storage.Passphrase = "wrong horse battery"
	backend, err = openBackend(cfg)
	require.NoError(t, err)
	defer backend.Close()
	_, err = backend.Get(ctx, "probe")
	assert.Error(t, err)
}
