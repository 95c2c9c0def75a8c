// Package interceptor wires the daemon together and runs it.
package interceptor

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/cmd/quantum-interceptor/config"
	"github.com/quantumauth-io/quantum-interceptor/internal/access"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
	"github.com/quantumauth-io/quantum-interceptor/internal/chains"
	"github.com/quantumauth-io/quantum-interceptor/internal/chainswitch"
	"github.com/quantumauth-io/quantum-interceptor/internal/classifier"
	clienthttp "github.com/quantumauth-io/quantum-interceptor/internal/http"
	"github.com/quantumauth-io/quantum-interceptor/internal/mediator"
	"github.com/quantumauth-io/quantum-interceptor/internal/networks"
	"github.com/quantumauth-io/quantum-interceptor/internal/pending"
	"github.com/quantumauth-io/quantum-interceptor/internal/settings"
	"github.com/quantumauth-io/quantum-interceptor/internal/simulation"
	"github.com/quantumauth-io/quantum-interceptor/internal/store"
	"github.com/quantumauth-io/quantum-interceptor/internal/subscriptions"
	"github.com/quantumauth-io/quantum-interceptor/internal/terminal"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// App is every component of a running interceptor.
type App struct {
	cfg *config.Config

	Backend       store.Backend
	Networks      *networks.Manager
	Settings      *settings.Manager
	Gate          *access.Gate
	Chains        *chains.Service
	Overlay       *simulation.Overlay
	Hub           *bus.Hub
	UI            *clienthttp.UI
	Terminal      *terminal.Surface // nil unless confirmations happen on the terminal
	Queue         *pending.Queue
	Switcher      *chainswitch.Coordinator
	Subscriptions *subscriptions.Dispatcher
	Mediator      *mediator.Mediator
	Server        *clienthttp.Server
}

func Run(ctx context.Context, build BuildInfo, cfg *config.Config) error {
	log.Info("quantum-interceptor",
		"version", build.Version,
		"commit", build.Commit,
		"build_date", build.BuildDate,
	)

	// Fail on a taken port before anything touches the store.
	listener, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		return errors.Wrapf(err, "cannot bind %s", cfg.ListenAddr())
	}

	app, err := New(ctx, build, cfg)
	if err != nil {
		_ = listener.Close()
		return err
	}
	defer app.Close()

	return app.Serve(ctx, listener)
}

// New builds every component. ctx bounds the background work they start.
func New(ctx context.Context, build BuildInfo, cfg *config.Config) (*App, error) {
	app := &App{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	// ---- Storage
	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	app.Backend = backend

	// ---- Networks, settings, access
	app.Networks = networks.NewManager(backend)
	if err := app.Networks.Init(ctx, cfg.RpcNetworks()); err != nil {
		return nil, err
	}
	app.Settings = settings.NewManager(backend)
	if err := app.Settings.Init(ctx, cfg.DefaultSettings()); err != nil {
		return nil, err
	}
	app.Gate = access.NewGate(backend)
	if err := app.Gate.Init(ctx); err != nil {
		return nil, err
	}

	// ---- Chain service
	app.Chains = chains.NewService(cfg.PollInterval())
	app.Chains.Start(ctx)
	active, err := app.activeNetwork(ctx)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout())
	err = app.Chains.Switch(dialCtx, active)
	cancel()
	if err != nil {
		// Reads fail with a network error until the user picks a reachable endpoint.
		log.Warn("failed to connect to the active chain", "chainId", active.ChainID, "error", err)
	}

	// ---- Simulation + page bus
	app.Overlay = simulation.NewOverlay(simulation.ServiceSource(app.Chains), active.ChainID)
	app.Hub = bus.NewHub()

	// ---- Confirmation surface
	app.UI = clienthttp.NewUI(app.Hub, cfg.UIReadyTimeout())
	var surface pending.Surface = app.UI
	if cfg.ClientSettings.TerminalConfirm {
		if terminal.StdinIsTerminal() {
			app.Terminal = terminal.NewSurface(os.Stdin, os.Stdout)
			surface = app.Terminal
		} else {
			log.Warn("terminal confirmations requested but stdin is not a terminal; using the UI")
		}
	}

	simulationMode := func() bool { return app.Settings.Get().SimulationMode }
	app.Queue = pending.NewQueue(surface, app.Hub, app.Overlay, simulationMode)
	app.Switcher = chainswitch.NewCoordinator(app.Networks, app.Hub, app.Settings, app.apply)
	app.Subscriptions = subscriptions.NewDispatcher(app.Hub, app.blockSource, app.Overlay, simulationMode)

	// ---- Classifier
	classifierClient := classifier.NewClient(cfg.ClassifierConfig())
	if classifierClient.Enabled() {
		log.Info("transaction classifier enabled", "url", cfg.Classifier.URL)
	}

	// ---- Mediator
	app.Mediator = mediator.New(mediator.Deps{
		Hub:           app.Hub,
		Gate:          app.Gate,
		Settings:      app.Settings,
		Networks:      app.Networks,
		Chain:         mediator.ServiceSource(app.Chains),
		Overlay:       app.Overlay,
		Queue:         app.Queue,
		Switcher:      app.Switcher,
		Subscriptions: app.Subscriptions,
		Classifier:    classifierClient,
	})

	// ---- HTTP server
	app.Server, err = clienthttp.NewServer(ctx, clienthttp.Config{
		AllowedUIOrigins: cfg.ClientSettings.AllowedUIOrigins,
		Version:          build.Version,
		ServeUI:          cfg.ClientSettings.ServeUI,
	}, clienthttp.Deps{
		Hub:      app.Hub,
		UI:       app.UI,
		Gate:     app.Gate,
		Settings: app.Settings,
		Networks: app.Networks,
		Mediator: app.Mediator,
		Queue:    app.Queue,
		Switcher: app.Switcher,
		Overlay:  app.Overlay,
		Chains:   app.Chains,
		Apply:    app.apply,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return app, nil
}

// Serve runs the HTTP server on listener and every background loop until ctx ends or one
// of them fails.
func (a *App) Serve(ctx context.Context, listener net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{Handler: a.Server, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error { return serveHTTP(gctx, httpServer, listener) })
	g.Go(func() error { return a.Server.Run(gctx) })
	g.Go(func() error { return a.Overlay.Run(gctx, a.Chains, a.Settings) })
	g.Go(func() error { return a.Subscriptions.Run(gctx, a.Chains) })
	g.Go(func() error { return announceSettings(gctx, a.Settings, a.Gate, a.Hub) })
	if a.Terminal != nil {
		g.Go(func() error { return a.Terminal.Run(gctx, a.Queue) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases everything New acquired. It may be called on a partly built App.
func (a *App) Close() {
	if a.Mediator != nil {
		a.Mediator.Close()
	}
	if a.Queue != nil {
		a.Queue.Close()
	}
	if a.Chains != nil {
		a.Chains.Close()
	}
	if a.Backend != nil {
		if err := a.Backend.Close(); err != nil {
			log.Error("failed to close store", "error", err)
		}
	}
}

// apply makes network the active one: the chain client first, so the settings change that
// follows resets the simulation against the new chain.
func (a *App) apply(ctx context.Context, network networks.RpcNetwork) error {
	dialCtx, cancel := context.WithTimeout(ctx, a.cfg.DialTimeout())
	defer cancel()
	if err := a.Chains.Switch(dialCtx, network); err != nil {
		return errors.Wrapf(err, "switch to chain %d", network.ChainID)
	}
	if _, err := a.Settings.SetActiveChain(ctx, network.ChainID); err != nil {
		return errors.Wrap(err, "persist active chain")
	}
	return nil
}

func (a *App) blockSource() (subscriptions.BlockReader, error) {
	c, err := a.Chains.Active()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// activeNetwork resolves the stored active chain, falling back to the configured default
// (and then mainnet) when the stored chain was removed from the registry.
func (a *App) activeNetwork(ctx context.Context) (networks.RpcNetwork, error) {
	chainID := a.Settings.Get().ActiveChainID
	if n, ok := a.Networks.FindByChainID(chainID); ok {
		return n, nil
	}
	for _, fallback := range []uint64{a.cfg.Chain.DefaultChainID, networks.ChainMainnet} {
		n, ok := a.Networks.FindByChainID(fallback)
		if !ok {
			continue
		}
		log.Warn("active chain is not registered, falling back", "chainId", chainID, "fallback", fallback)
		if _, err := a.Settings.SetActiveChain(ctx, fallback); err != nil {
			return networks.RpcNetwork{}, err
		}
		return n, nil
	}
	return networks.RpcNetwork{}, errors.Newf("no network registered for chain %d", chainID)
}

func openBackend(cfg *config.Config) (store.Backend, error) {
	path := cfg.StoragePath()
	switch cfg.Storage.Backend {
	case config.StorageSQLite:
		log.Info("opening sqlite store", "path", path)
		return store.NewSQLBackend(path)
	default:
		passphrase, err := storagePassphrase(cfg)
		if err != nil {
			return nil, err
		}
		if len(passphrase) > 0 {
			log.Info("opening sealed file store", "dir", path)
		} else {
			log.Info("opening file store", "dir", path)
		}
		return store.NewFileBackend(path, store.WithPassphrase(passphrase))
	}
}

func storagePassphrase(cfg *config.Config) ([]byte, error) {
	if cfg.Storage.Passphrase != "" {
		return []byte(cfg.Storage.Passphrase), nil
	}
	if !cfg.Storage.PromptPassphrase {
		return nil, nil
	}
	if !terminal.StdinIsTerminal() {
		return nil, errors.Newf("storage passphrase requested but stdin is not a terminal; set %s", config.PassphraseEnv)
	}
	return terminal.ReadPassphrase("Storage passphrase: ")
}
