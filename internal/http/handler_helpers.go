package http

import (
	"net/http"

	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
	"github.com/quantumauth-io/quantum-interceptor/internal/shared"
)

// Handler is a convenience type so we can wrap common behavior.
type Handler func(http.ResponseWriter, *http.Request)

func requireMethod(method string, next Handler) Handler {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			writeRPCError(w, http.StatusMethodNotAllowed, rpctypes.CodeMethodNotFound, HTTPErrorMethodNotAllowedText, nil)
			return
		}
		next(w, r)
	}
}

// byMethod dispatches GET and POST on one path.
func byMethod(get, post Handler) Handler {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			get(w, r)
		case http.MethodPost:
			post(w, r)
		default:
			writeRPCError(w, http.StatusMethodNotAllowed, rpctypes.CodeMethodNotFound, HTTPErrorMethodNotAllowedText, nil)
		}
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := readJSONBody(r, dst); err != nil {
		writeRPCError(w, http.StatusBadRequest, rpctypes.CodeInvalidRequest, HTTPErrorInvalidJSONText, err.Error())
		return false
	}
	return true
}

// requireOrigin normalizes origin or answers 400.
func requireOrigin(w http.ResponseWriter, origin string) (string, bool) {
	normalized, err := shared.NormalizeOrigin(origin)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, rpctypes.CodeInvalidParams, "missing/invalid origin", err.Error())
		return "", false
	}
	return normalized, true
}
