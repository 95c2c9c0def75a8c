package http

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
	"github.com/quantumauth-io/quantum-interceptor/internal/mediator"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
	"github.com/quantumauth-io/quantum-interceptor/internal/shared"
)

// pageConn is the bus.Conn of one /page websocket.
type pageConn struct {
	*wsConn
	socket bus.Socket
	origin string
}

func (p *pageConn) Socket() bus.Socket    { return p.socket }
func (p *pageConn) Origin() string        { return p.origin }
func (p *pageConn) Done() <-chan struct{} { return p.done }

func (p *pageConn) Send(ctx context.Context, env bus.Envelope) error {
	return p.send(ctx, env)
}

// handlePage upgrades a page's bridge connection. Any origin may connect; what it may see
// is decided per request by the access gate.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	origin, err := shared.NormalizeOrigin(r.Header.Get("Origin"))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, rpctypes.CodeInvalidRequest, "missing/invalid origin", err.Error())
		return
	}
	q := r.URL.Query()
	tab, err := parseTab(q.Get("tab"))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, rpctypes.CodeInvalidParams, err.Error(), nil)
		return
	}

	ws, err := s.pageUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("page upgrade failed", "origin", origin, "error", err)
		return
	}
	conn := &pageConn{wsConn: newWSConn(ws, pageReadLimit), socket: bus.NewSocket(tab), origin: origin}
	website := shared.Website{Origin: origin, Title: q.Get("title"), Icon: q.Get("icon")}

	s.Hub.Register(conn)
	log.Info("page connected", "socket", conn.socket.String(), "origin", origin)

	s.readPage(conn, website)

	conn.shutdown()
	s.Mediator.Disconnect(conn.socket)
	s.Hub.Unregister(conn.socket)
	log.Info("page disconnected", "socket", conn.socket.String(), "origin", origin)
}

func (s *Server) readPage(conn *pageConn, website shared.Website) {
	for {
		raw, err := conn.read()
		if err != nil {
			logReadEnd("page", err, "socket", conn.socket.String())
			return
		}
		msg, err := bus.DecodePageMessage(raw)
		if err != nil {
			s.rejectPageMessage(conn.socket, err)
			continue
		}
		err = s.Mediator.Submit(s.ctx, mediator.Inbound{Socket: conn.socket, Website: website, Message: msg})
		switch {
		case err == nil:
		case errors.Is(err, mediator.ErrClosed), errors.Is(err, context.Canceled):
			return
		default:
			log.Warn("page message not accepted", "socket", conn.socket.String(), "method", msg.Method, "error", err)
		}
	}
}

// rejectPageMessage answers a message that could not be decoded, when its id is known.
func (s *Server) rejectPageMessage(socket bus.Socket, err error) {
	var decodeErr *bus.DecodeError
	if !errors.As(err, &decodeErr) || decodeErr.RequestID == nil {
		log.Warn("undecodable page message dropped", "socket", socket.String(), "error", err)
		return
	}
	uid := bus.UniqueRequestIdentifier{Socket: socket, RequestID: *decodeErr.RequestID}
	if claimErr := s.Hub.Claim(uid); claimErr != nil {
		log.Warn("undecodable page message dropped", "request", uid.String(), "error", claimErr)
		return
	}
	if replyErr := s.Hub.Reply(s.ctx, uid, "", nil, rpctypes.ParseError("page message", decodeErr.Err)); replyErr != nil {
		log.Debug("failed to answer undecodable page message", "request", uid.String(), "error", replyErr)
	}
}
