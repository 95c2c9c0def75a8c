package http

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-interceptor/internal/access"
	"github.com/quantumauth-io/quantum-interceptor/internal/chainswitch"
	"github.com/quantumauth-io/quantum-interceptor/internal/networks"
	"github.com/quantumauth-io/quantum-interceptor/internal/pending"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
	"github.com/quantumauth-io/quantum-interceptor/internal/simulation"
	"github.com/quantumauth-io/quantum-interceptor/internal/store"
)

func isLoopbackRequest(r *http.Request) bool {
	ra := r.RemoteAddr

	h, _, err := net.SplitHostPort(ra)
	if err != nil {
		ip := net.ParseIP(ra)
		return ip != nil && ip.IsLoopback()
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func isSafeLocalHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, apiResponse{OK: true, Data: data})
}

func readJSONBody(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func writeRPCError(w http.ResponseWriter, status int, code int, msg string, data any) {
	writeJSON(w, status, map[string]any{
		"error": rpcErr{Code: code, Message: msg, Data: data},
	})
}

// writeError maps a domain error onto a status code. Typed errors keep their code.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pending.ErrNotFound),
		errors.Is(err, simulation.ErrNotFound),
		errors.Is(err, access.ErrUnknownWebsite),
		errors.Is(err, chainswitch.ErrNoSwitch),
		errors.Is(err, networks.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pending.ErrWrongState),
		errors.Is(err, pending.ErrForwardInSimulation),
		errors.Is(err, networks.ErrDuplicateChain),
		errors.Is(err, networks.ErrDuplicateName),
		errors.Is(err, simulation.ErrNothingSimulated):
		status = http.StatusConflict
	}

	var typed *rpctypes.Error
	if errors.As(err, &typed) {
		if status == http.StatusInternalServerError && typed.Kind != rpctypes.KindInternal {
			status = http.StatusBadRequest
		}
		writeRPCError(w, status, typed.Code, typed.Message, typed.Data)
		return
	}
	code := rpctypes.CodeInternalError
	if status != http.StatusInternalServerError {
		code = rpctypes.CodeInvalidRequest
	}
	writeRPCError(w, status, code, err.Error(), nil)
}

// parseTab reads the tab query parameter. A page that does not know its tab reports none.
func parseTab(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	tab, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid tab %q", raw)
	}
	return tab, nil
}
