package http

import (
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/networks"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
	"github.com/quantumauth-io/quantum-interceptor/internal/simulation"
)

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.Queue.View())
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	uid := req.UniqueRequestIdentifier

	var err error
	switch req.Action {
	case ConfirmActionAccept:
		err = s.Queue.Accept(r.Context(), uid)
	case ConfirmActionReject:
		err = s.Queue.Reject(r.Context(), uid, req.Reason)
	case ConfirmActionForward:
		err = s.Queue.ForwardAsIs(r.Context(), uid)
	default:
		writeRPCError(w, http.StatusBadRequest, rpctypes.CodeInvalidParams, "unknown action", req.Action)
		return
	}
	if err != nil {
		log.Warn("confirmation decision failed", "request", uid.String(), "action", req.Action, "error", err)
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleConfirmGasLimit(w http.ResponseWriter, r *http.Request) {
	var req gasLimitRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.GasLimit == 0 {
		writeRPCError(w, http.StatusBadRequest, rpctypes.CodeInvalidParams, "gasLimit must be positive", nil)
		return
	}
	if err := s.Queue.SetGasLimit(req.Identifier, req.GasLimit); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleConfirmRemove(w http.ResponseWriter, r *http.Request) {
	var req identifierRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.Queue.RemoveTransaction(r.Context(), req.Identifier); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleAccess(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, accessResp{Grants: s.Gate.List(), Prompts: s.Gate.Pending()})
}

func (s *Server) handleAccessDecide(w http.ResponseWriter, r *http.Request) {
	var req accessDecision
	if !decodeJSONBody(w, r, &req) {
		return
	}
	origin, ok := requireOrigin(w, req.Origin)
	if !ok {
		return
	}
	if err := s.Gate.Decide(r.Context(), origin, req.Address, req.Allow); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleAccessRevoke(w http.ResponseWriter, r *http.Request) {
	var req accessTarget
	if !decodeJSONBody(w, r, &req) {
		return
	}
	origin, ok := requireOrigin(w, req.Origin)
	if !ok {
		return
	}
	if err := s.Gate.Revoke(r.Context(), origin, req.Address); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleAccessRemove(w http.ResponseWriter, r *http.Request) {
	var req accessTarget
	if !decodeJSONBody(w, r, &req) {
		return
	}
	origin, ok := requireOrigin(w, req.Origin)
	if !ok {
		return
	}
	if err := s.Gate.Remove(r.Context(), origin); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleAccessDisable(w http.ResponseWriter, r *http.Request) {
	var req accessFlag
	if !decodeJSONBody(w, r, &req) {
		return
	}
	origin, ok := requireOrigin(w, req.Origin)
	if !ok {
		return
	}
	if err := s.Gate.SetInterceptorDisabled(r.Context(), origin, req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleAccessBlockRequests(w http.ResponseWriter, r *http.Request) {
	var req accessFlag
	if !decodeJSONBody(w, r, &req) {
		return
	}
	origin, ok := requireOrigin(w, req.Origin)
	if !ok {
		return
	}
	if err := s.Gate.SetBlockNetworkRequests(r.Context(), origin, req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleChainSwitch(w http.ResponseWriter, _ *http.Request) {
	prompt, state, ok := s.Switcher.Current()
	out := chainSwitchResp{State: state}
	if ok {
		out.Prompt = &prompt
	}
	writeOK(w, out)
}

func (s *Server) handleChainSwitchDecide(w http.ResponseWriter, r *http.Request) {
	var req chainSwitchDecision
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if err := s.Switcher.UserDecision(r.Context(), req.Accept); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleSettings(w http.ResponseWriter, _ *http.Request) {
	cur := s.Settings.Get()
	writeOK(w, settingsResp{Settings: cur, ActiveAddress: cur.ActiveAddress()})
}

// handleSettingsUpdate applies the fields present in the body, mode first so the address
// fields land in the mode the user asked for.
func (s *Server) handleSettingsUpdate(w http.ResponseWriter, r *http.Request) {
	var req settingsUpdate
	if !decodeJSONBody(w, r, &req) {
		return
	}
	ctx := r.Context()
	if req.SimulationMode != nil {
		if _, err := s.Settings.SetSimulationMode(ctx, *req.SimulationMode); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.ActiveSimulationAddress != nil {
		if _, err := s.Settings.SetActiveAddress(ctx, true, req.ActiveSimulationAddress); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.ActiveSigningAddress != nil {
		if _, err := s.Settings.SetActiveAddress(ctx, false, req.ActiveSigningAddress); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.UseSignersAddressAsActiveAddress != nil {
		if _, err := s.Settings.SetUseSignersAddress(ctx, *req.UseSignersAddressAsActiveAddress); err != nil {
			writeError(w, err)
			return
		}
	}
	s.handleSettings(w, r)
}

func (s *Server) handleNetworks(w http.ResponseWriter, _ *http.Request) {
	out := networksResp{
		Networks:      s.Networks.List(),
		ActiveChainID: s.Settings.Get().ActiveChainID,
	}
	if s.Chains != nil {
		out.Chain = s.Chains.Status()
	}
	writeOK(w, out)
}

func (s *Server) handleNetworkActive(w http.ResponseWriter, r *http.Request) {
	var req chainRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	network, ok := s.Networks.FindByChainID(req.ChainID)
	if !ok {
		writeError(w, rpctypes.UnrecognizedChain(req.ChainID))
		return
	}
	if err := s.Apply(r.Context(), network); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, network)
}

func (s *Server) handleNetworkAdd(w http.ResponseWriter, r *http.Request) {
	var req networks.RpcNetwork
	if !decodeJSONBody(w, r, &req) {
		return
	}
	added, err := s.Networks.Add(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, added)
}

func (s *Server) handleNetworkRemove(w http.ResponseWriter, r *http.Request) {
	var req chainRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.ChainID == s.Settings.Get().ActiveChainID {
		writeRPCError(w, http.StatusConflict, rpctypes.CodeInvalidParams, "cannot remove the active network", req.ChainID)
		return
	}
	if err := s.Networks.Remove(r.Context(), req.ChainID); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleNetworkPrimary(w http.ResponseWriter, r *http.Request) {
	var req primaryRPCRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	updated, err := s.Networks.SetPrimary(r.Context(), req.ChainID, req.URL)
	if err != nil {
		writeError(w, err)
		return
	}
	if updated.ChainID == s.Settings.Get().ActiveChainID {
		if err := s.Apply(r.Context(), updated); err != nil {
			writeError(w, err)
			return
		}
	}
	writeOK(w, updated)
}

func (s *Server) handleNetworkProbe(w http.ResponseWriter, r *http.Request) {
	var req probeRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	probe, err := s.Probe(r.Context(), req.URL)
	if err != nil {
		writeRPCError(w, http.StatusBadGateway, rpctypes.CodeDisconnected, err.Error(), probe)
		return
	}
	writeOK(w, probe)
}

func (s *Server) handleSimulation(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, s.Overlay.Snapshot())
}

func (s *Server) handleSimulationRefresh(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Overlay.Refresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, snap)
}

func (s *Server) handleSimulationReset(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.Overlay.Reset(r.Context(), s.Settings.Get().ActiveChainID))
}

// handleSimulationRemove drops a simulated transaction, or a signed message when no
// transaction has that identifier.
func (s *Server) handleSimulationRemove(w http.ResponseWriter, r *http.Request) {
	var req identifierRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	snap, err := s.Overlay.RemoveTransaction(r.Context(), req.Identifier)
	if errors.Is(err, simulation.ErrNotFound) {
		snap, err = s.Overlay.RemoveMessage(req.Identifier)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, snap)
}

func (s *Server) handleSimulationGasLimit(w http.ResponseWriter, r *http.Request) {
	var req gasLimitRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.GasLimit == 0 {
		writeRPCError(w, http.StatusBadRequest, rpctypes.CodeInvalidParams, "gasLimit must be positive", nil)
		return
	}
	snap, err := s.Overlay.SetGasLimit(r.Context(), req.Identifier, req.GasLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, snap)
}

func (s *Server) handleError(w http.ResponseWriter, _ *http.Request) {
	if e, ok := s.Mediator.LastUnexpectedError(); ok {
		writeOK(w, e)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleErrorClear(w http.ResponseWriter, _ *http.Request) {
	s.Mediator.ClearUnexpectedError()
	writeOK(w, nil)
}
