// Package http serves the interceptor's local endpoints: the /page socket the in-page
// bridge connects to, the /ui socket and JSON routes of the confirmation UI, and the
// embedded UI itself.
package http

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/access"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
	"github.com/quantumauth-io/quantum-interceptor/internal/chains"
	"github.com/quantumauth-io/quantum-interceptor/internal/chainswitch"
	"github.com/quantumauth-io/quantum-interceptor/internal/mediator"
	"github.com/quantumauth-io/quantum-interceptor/internal/networks"
	"github.com/quantumauth-io/quantum-interceptor/internal/pending"
	"github.com/quantumauth-io/quantum-interceptor/internal/settings"
	"github.com/quantumauth-io/quantum-interceptor/internal/shared"
	"github.com/quantumauth-io/quantum-interceptor/internal/simulation"
	"github.com/rs/cors"
)

// Mediator takes page messages. *mediator.Mediator satisfies it.
type Mediator interface {
	Submit(ctx context.Context, in mediator.Inbound) error
	Disconnect(socket bus.Socket)
	LastUnexpectedError() (mediator.UnexpectedError, bool)
	ClearUnexpectedError()
}

// Queue is what the UI decides on. *pending.Queue satisfies it.
type Queue interface {
	View() pending.View
	Refresh()
	Accept(ctx context.Context, uid bus.UniqueRequestIdentifier) error
	Reject(ctx context.Context, uid bus.UniqueRequestIdentifier, reason string) error
	ForwardAsIs(ctx context.Context, uid bus.UniqueRequestIdentifier) error
	SetGasLimit(txIdentifier common.Hash, gas uint64) error
	RemoveTransaction(ctx context.Context, txIdentifier common.Hash) error
}

// Switcher is the chain switch awaiting the user. *chainswitch.Coordinator satisfies it.
type Switcher interface {
	Current() (chainswitch.Prompt, chainswitch.State, bool)
	UserDecision(ctx context.Context, accept bool) error
	SubscribePrompts(ch chan<- chainswitch.Prompt) event.Subscription
}

// Overlay is the simulation the UI inspects. *simulation.Overlay satisfies it.
type Overlay interface {
	Snapshot() *simulation.Snapshot
	Subscribe(ch chan<- *simulation.Snapshot) event.Subscription
	Refresh(ctx context.Context) (*simulation.Snapshot, error)
	Reset(ctx context.Context, chainID uint64) *simulation.Snapshot
	RemoveTransaction(ctx context.Context, id common.Hash) (*simulation.Snapshot, error)
	RemoveMessage(id common.Hash) (*simulation.Snapshot, error)
	SetGasLimit(ctx context.Context, id common.Hash, gas uint64) (*simulation.Snapshot, error)
}

// ChainStatus reports the active chain connection. *chains.Service satisfies it.
type ChainStatus interface {
	Status() chains.Status
}

type Config struct {
	AllowedUIOrigins []string
	Version          string
	// ServeUI mounts the embedded confirmation UI at /.
	ServeUI bool
}

type Deps struct {
	Hub      *bus.Hub
	UI       *UI
	Gate     *access.Gate
	Settings *settings.Manager
	Networks *networks.Manager
	Mediator Mediator
	Queue    Queue
	Switcher Switcher
	Overlay  Overlay
	Chains   ChainStatus
	// Apply makes a network the active one, the same way an accepted chain switch does.
	Apply chainswitch.Apply
	// Probe checks a candidate RPC endpoint. networks.ProbeRPC by default.
	Probe func(ctx context.Context, rpcURL string) (networks.Probe, error)
}

type Server struct {
	Deps

	ctx     context.Context
	mux     *http.ServeMux
	version string

	uiAllowedOrigins map[string]struct{}
	uiCors           *cors.Cors
	pageUpgrader     *websocket.Upgrader
	uiUpgrader       *websocket.Upgrader
}

func NewServer(ctx context.Context, cfg Config, deps Deps) (*Server, error) {
	if deps.Hub == nil || deps.UI == nil || deps.Mediator == nil || deps.Queue == nil {
		return nil, errors.New("http server needs a hub, a ui, a mediator and a queue")
	}
	if deps.Probe == nil {
		deps.Probe = networks.ProbeRPC
	}
	s := &Server{
		Deps:    deps,
		ctx:     ctx,
		mux:     http.NewServeMux(),
		version: cfg.Version,
	}

	s.uiAllowedOrigins = make(map[string]struct{}, len(cfg.AllowedUIOrigins))
	allowed := make([]string, 0, len(cfg.AllowedUIOrigins))
	for _, o := range cfg.AllowedUIOrigins {
		origin, err := shared.NormalizeOrigin(o)
		if err != nil {
			log.Warn("ignoring invalid ui origin", "origin", o, "error", err)
			continue
		}
		s.uiAllowedOrigins[origin] = struct{}{}
		allowed = append(allowed, origin)
	}
	s.uiCors = newUICors(allowed)
	s.pageUpgrader = newUpgrader(func(*http.Request) bool { return true })
	s.uiUpgrader = newUpgrader(s.uiOriginAllowed)

	s.mux.HandleFunc("/healthz", s.withLoopbackOnly(s.handleHealth))
	s.mux.Handle("/status", s.withUIGuards(requireMethod(http.MethodGet, s.handleStatus)))

	// page bridge
	s.mux.HandleFunc("/page", s.withLocalGuards(s.handlePage))

	// confirmation UI
	s.mux.HandleFunc("/ui", s.withLocalGuards(s.handleUISocket))
	s.mux.Handle("/ui/queue", s.withUIGuards(requireMethod(http.MethodGet, s.handleQueue)))
	s.mux.Handle("/ui/confirm", s.withUIGuards(requireMethod(http.MethodPost, s.handleConfirm)))
	s.mux.Handle("/ui/confirm/gas-limit", s.withUIGuards(requireMethod(http.MethodPost, s.handleConfirmGasLimit)))
	s.mux.Handle("/ui/confirm/remove", s.withUIGuards(requireMethod(http.MethodPost, s.handleConfirmRemove)))

	s.mux.Handle("/ui/access", s.withUIGuards(requireMethod(http.MethodGet, s.handleAccess)))
	s.mux.Handle("/ui/access/decide", s.withUIGuards(requireMethod(http.MethodPost, s.handleAccessDecide)))
	s.mux.Handle("/ui/access/revoke", s.withUIGuards(requireMethod(http.MethodPost, s.handleAccessRevoke)))
	s.mux.Handle("/ui/access/remove", s.withUIGuards(requireMethod(http.MethodPost, s.handleAccessRemove)))
	s.mux.Handle("/ui/access/disable", s.withUIGuards(requireMethod(http.MethodPost, s.handleAccessDisable)))
	s.mux.Handle("/ui/access/block-requests", s.withUIGuards(requireMethod(http.MethodPost, s.handleAccessBlockRequests)))

	s.mux.Handle("/ui/chain-switch", s.withUIGuards(byMethod(s.handleChainSwitch, s.handleChainSwitchDecide)))

	s.mux.Handle("/ui/settings", s.withUIGuards(byMethod(s.handleSettings, s.handleSettingsUpdate)))
	s.mux.Handle("/ui/networks", s.withUIGuards(requireMethod(http.MethodGet, s.handleNetworks)))
	s.mux.Handle("/ui/networks/active", s.withUIGuards(requireMethod(http.MethodPost, s.handleNetworkActive)))
	s.mux.Handle("/ui/networks/add", s.withUIGuards(requireMethod(http.MethodPost, s.handleNetworkAdd)))
	s.mux.Handle("/ui/networks/remove", s.withUIGuards(requireMethod(http.MethodPost, s.handleNetworkRemove)))
	s.mux.Handle("/ui/networks/primary", s.withUIGuards(requireMethod(http.MethodPost, s.handleNetworkPrimary)))
	s.mux.Handle("/ui/networks/probe", s.withUIGuards(requireMethod(http.MethodPost, s.handleNetworkProbe)))

	s.mux.Handle("/ui/simulation", s.withUIGuards(requireMethod(http.MethodGet, s.handleSimulation)))
	s.mux.Handle("/ui/simulation/refresh", s.withUIGuards(requireMethod(http.MethodPost, s.handleSimulationRefresh)))
	s.mux.Handle("/ui/simulation/reset", s.withUIGuards(requireMethod(http.MethodPost, s.handleSimulationReset)))
	s.mux.Handle("/ui/simulation/remove", s.withUIGuards(requireMethod(http.MethodPost, s.handleSimulationRemove)))
	s.mux.Handle("/ui/simulation/gas-limit", s.withUIGuards(requireMethod(http.MethodPost, s.handleSimulationGasLimit)))

	s.mux.Handle("/ui/error", s.withUIGuards(requireMethod(http.MethodGet, s.handleError)))
	s.mux.Handle("/ui/error/clear", s.withUIGuards(requireMethod(http.MethodPost, s.handleErrorClear)))

	if cfg.ServeUI {
		// attach UI LAST
		if err := s.AttachUI(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run pushes access prompts, chain switch prompts, settings and simulation changes to the
// connected UIs until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	prompts := make(chan []access.Prompt, 8)
	promptSub := s.Gate.SubscribePrompts(prompts)
	defer promptSub.Unsubscribe()

	switches := make(chan chainswitch.Prompt, 8)
	switchSub := s.Switcher.SubscribePrompts(switches)
	defer switchSub.Unsubscribe()

	changes := make(chan settings.Change, 8)
	changeSub := s.Settings.Subscribe(changes)
	defer changeSub.Unsubscribe()

	snaps := make(chan *simulation.Snapshot, 8)
	snapSub := s.Overlay.Subscribe(snaps)
	defer snapSub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-promptSub.Err():
			return err
		case err := <-switchSub.Err():
			return err
		case err := <-changeSub.Err():
			return err
		case err := <-snapSub.Err():
			return err
		case p := <-prompts:
			s.UI.Publish(UIMessage{Type: UIAccessPrompts, Payload: p})
		case p := <-switches:
			s.UI.Publish(UIMessage{Type: UIChainSwitchPrompt, Payload: p})
		case c := <-changes:
			s.UI.Publish(UIMessage{Type: UISettingsChanged, Payload: c.Current})
			if c.ModeChanged() {
				s.Queue.Refresh()
			}
		case snap := <-snaps:
			s.UI.Publish(UIMessage{Type: UISimulationUpdated, Payload: snap})
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, HTTPErrorMethodNotAllowedText, http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{JSONKeyStatus: "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	out := statusResp{
		OK:             true,
		Version:        s.version,
		SimulationMode: s.Settings.Get().SimulationMode,
		Pages:          len(s.Hub.Sockets("")),
		UIClients:      s.UI.Clients(),
		Queued:         len(s.Queue.View().Entries),
	}
	if s.Chains != nil {
		out.Chain = s.Chains.Status()
	}
	if e, ok := s.Mediator.LastUnexpectedError(); ok {
		out.LastError = &e
	}
	writeJSON(w, http.StatusOK, out)
}

// handleUISocket upgrades a confirmation UI. The UI is sent every open window and the
// prompts waiting for it.
func (s *Server) handleUISocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.uiUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("ui upgrade failed", "error", err)
		return
	}
	conn := newWSConn(ws, uiReadLimit)
	s.UI.attach(conn)
	log.Info("confirmation ui connected", "remote", r.RemoteAddr)

	if prompts := s.Gate.Pending(); len(prompts) > 0 {
		conn.offer(UIMessage{Type: UIAccessPrompts, Payload: prompts})
	}
	if s.Switcher != nil {
		if p, _, ok := s.Switcher.Current(); ok {
			conn.offer(UIMessage{Type: UIChainSwitchPrompt, Payload: p})
		}
	}

	for {
		raw, err := conn.read()
		if err != nil {
			logReadEnd("ui", err, "remote", r.RemoteAddr)
			break
		}
		if err := s.UI.handleMessage(raw); err != nil {
			log.Debug("ui message ignored", "error", err)
		}
	}

	conn.shutdown()
	s.UI.detach(conn)
	log.Info("confirmation ui disconnected", "remote", r.RemoteAddr)
}
