package http

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
	"github.com/quantumauth-io/quantum-interceptor/internal/pending"
	"github.com/tidwall/gjson"
)

var (
	ErrUINotReady     = errors.New("no confirmation UI answered in time")
	ErrWindowClosed   = errors.New("confirmation window closed before it was ready")
	errUnknownMessage = errors.New("unknown ui message")
)

// Focuser brings a page's tab to the front. *bus.Hub satisfies it.
type Focuser interface {
	Focus(ctx context.Context, s bus.Socket) error
}

// UI is every connected confirmation UI. It is the pending.Surface of the interceptor:
// a window is open once any UI reported it ready.
type UI struct {
	focus        Focuser
	readyTimeout time.Duration

	mu      sync.Mutex
	clients map[*wsConn]struct{}
	windows map[string]*uiWindow
}

func NewUI(focus Focuser, readyTimeout time.Duration) *UI {
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	return &UI{
		focus:        focus,
		readyTimeout: readyTimeout,
		clients:      make(map[*wsConn]struct{}),
		windows:      make(map[string]*uiWindow),
	}
}

type uiWindow struct {
	id string
	ui *UI

	readyOnce sync.Once
	ready     chan struct{}
	closeOnce sync.Once
	closed    chan struct{}

	mu   sync.Mutex
	view *pending.View
}

func (w *uiWindow) ID() string              { return w.id }
func (w *uiWindow) Closed() <-chan struct{} { return w.closed }

func (w *uiWindow) Update(v pending.View) {
	w.mu.Lock()
	w.view = &v
	w.mu.Unlock()
	w.ui.Publish(UIMessage{Type: UIConfirmTransactionUpdate, WindowID: w.id, Payload: v})
}

func (w *uiWindow) Close() {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.ui.mu.Lock()
		delete(w.ui.windows, w.id)
		w.ui.mu.Unlock()
		w.ui.Publish(UIMessage{Type: UICloseConfirmTransaction, WindowID: w.id})
	})
}

func (w *uiWindow) markReady() {
	w.readyOnce.Do(func() { close(w.ready) })
}

// Open asks every UI to show a new window and waits for one to report it ready.
func (u *UI) Open(ctx context.Context) (pending.Window, error) {
	w := &uiWindow{
		id:     uuid.NewString(),
		ui:     u,
		ready:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	u.mu.Lock()
	u.windows[w.id] = w
	u.mu.Unlock()
	u.Publish(UIMessage{Type: UIOpenConfirmTransaction, WindowID: w.id})

	timer := time.NewTimer(u.readyTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-w.ready:
		return w, nil
	case <-w.closed:
		err = ErrWindowClosed
	case <-timer.C:
		err = ErrUINotReady
	case <-ctx.Done():
		err = ctx.Err()
	}
	w.Close()
	return nil, err
}

func (u *UI) FocusTab(ctx context.Context, socket bus.Socket) error {
	return u.focus.Focus(ctx, socket)
}

// Publish pushes msg to every UI. A UI that cannot keep up misses it.
func (u *UI) Publish(msg UIMessage) {
	u.mu.Lock()
	clients := make([]*wsConn, 0, len(u.clients))
	for c := range u.clients {
		clients = append(clients, c)
	}
	u.mu.Unlock()

	for _, c := range clients {
		if !c.offer(msg) {
			log.Debug("ui message dropped", "type", msg.Type, "remote", c.ws.RemoteAddr().String())
		}
	}
}

func (u *UI) Clients() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.clients)
}

// attach registers c and replays the windows it missed.
func (u *UI) attach(c *wsConn) {
	u.mu.Lock()
	u.clients[c] = struct{}{}
	windows := make([]*uiWindow, 0, len(u.windows))
	for _, w := range u.windows {
		windows = append(windows, w)
	}
	u.mu.Unlock()

	for _, w := range windows {
		c.offer(UIMessage{Type: UIOpenConfirmTransaction, WindowID: w.id})
		w.mu.Lock()
		view := w.view
		w.mu.Unlock()
		if view != nil {
			c.offer(UIMessage{Type: UIConfirmTransactionUpdate, WindowID: w.id, Payload: *view})
		}
	}
}

// detach forgets c. Once the last UI is gone every window counts as closed by the user.
func (u *UI) detach(c *wsConn) {
	u.mu.Lock()
	delete(u.clients, c)
	var orphaned []*uiWindow
	if len(u.clients) == 0 {
		for _, w := range u.windows {
			orphaned = append(orphaned, w)
		}
	}
	u.mu.Unlock()

	for _, w := range orphaned {
		log.Info("confirmation window lost its last ui", "window", w.id)
		w.Close()
	}
}

func (u *UI) window(id string) (*uiWindow, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	w, ok := u.windows[id]
	return w, ok
}

// handleMessage applies one message a UI sent.
func (u *UI) handleMessage(raw []byte) error {
	typ := gjson.GetBytes(raw, "type").String()
	id := gjson.GetBytes(raw, "windowId").String()
	switch typ {
	case UIConfirmTransactionReady:
		if w, ok := u.window(id); ok {
			w.markReady()
		}
	case UIConfirmTransactionClosed:
		if w, ok := u.window(id); ok {
			log.Info("confirmation window closed by user", "window", id)
			w.Close()
		}
	default:
		return errors.Wrapf(errUnknownMessage, "%q", typ)
	}
	return nil
}
