package http

import (
	"github.com/quantumauth-io/quantum-interceptor/internal/httpui"
)

// uiReservedPaths never fall through to the embedded UI.
var uiReservedPaths = []string{"/ui", "/page", "/status", "/healthz"}

// AttachUI mounts the embedded confirmation UI at /. Call it after every other route.
func (s *Server) AttachUI() error {
	ui, err := httpui.Handler(uiReservedPaths...)
	if err != nil {
		return err
	}
	s.mux.Handle("/", s.withLocalGuards(ui.ServeHTTP))
	return nil
}
