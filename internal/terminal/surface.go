// Package terminal is a confirmation surface for running the interceptor without a UI: the
// queue head is printed to the terminal and decisions are typed on stdin.
package terminal

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
	"github.com/quantumauth-io/quantum-interceptor/internal/pending"
	"golang.org/x/term"
)

const help = "[a]ccept  [r]eject [reason]  [f]orward as is  [g]as <limit>  [q]uit window"

// Decider applies what the user typed. *pending.Queue satisfies it.
type Decider interface {
	Accept(ctx context.Context, uid bus.UniqueRequestIdentifier) error
	Reject(ctx context.Context, uid bus.UniqueRequestIdentifier, reason string) error
	ForwardAsIs(ctx context.Context, uid bus.UniqueRequestIdentifier) error
	SetGasLimit(txIdentifier common.Hash, gas uint64) error
}

// StdinIsTerminal reports whether the process can prompt on its terminal.
func StdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

type Surface struct {
	out io.Writer
	in  io.Reader

	mu      sync.Mutex
	current *window
	view    pending.View
}

func NewSurface(in io.Reader, out io.Writer) *Surface {
	return &Surface{in: in, out: out}
}

type window struct {
	id     string
	s      *Surface
	closed chan struct{}
	once   sync.Once
}

func (w *window) ID() string              { return w.id }
func (w *window) Closed() <-chan struct{} { return w.closed }
func (w *window) Update(v pending.View)   { w.s.show(w, v) }

func (w *window) Close() {
	w.once.Do(func() {
		close(w.closed)
		w.s.mu.Lock()
		if w.s.current == w {
			w.s.current = nil
			w.s.view = pending.View{}
		}
		w.s.mu.Unlock()
	})
}

func (s *Surface) Open(context.Context) (pending.Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		return nil, errors.New("a confirmation is already shown on the terminal")
	}
	w := &window{id: uuid.NewString(), s: s, closed: make(chan struct{})}
	s.current = w
	return w, nil
}

func (s *Surface) FocusTab(_ context.Context, socket bus.Socket) error {
	s.printf("queue empty, back to tab %d\n", socket.TabID)
	return nil
}

func (s *Surface) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(s.out, format, args...)
}

func (s *Surface) show(w *window, v pending.View) {
	s.mu.Lock()
	if s.current != w {
		s.mu.Unlock()
		return
	}
	s.view = v
	s.mu.Unlock()

	head, ok := headOf(v)
	if !ok {
		return
	}
	s.printf("%s", describe(head, len(v.Entries), v.SimulationMode))
	s.printf("%s\n> ", help)
}

// headOf is the first entry still waiting for the user.
func headOf(v pending.View) (pending.Entry, bool) {
	for _, e := range v.Entries {
		if e.ApprovalStatus == pending.WaitingForUser {
			return e, true
		}
	}
	return pending.Entry{}, false
}

func (s *Surface) head() (pending.Entry, *window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return pending.Entry{}, nil, false
	}
	e, ok := headOf(s.view)
	return e, s.current, ok
}

// Run reads decisions from the terminal until ctx ends or input is exhausted.
func (s *Surface) Run(ctx context.Context, d Decider) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(s.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if err := s.handle(ctx, d, line); err != nil {
				s.printf("error: %v\n> ", err)
			}
		}
	}
}

func (s *Surface) handle(ctx context.Context, d Decider, line string) error {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	if cmd == "" {
		return nil
	}
	head, w, ok := s.head()
	if !ok {
		return errors.New("nothing is waiting for confirmation")
	}
	uid := head.UniqueRequestIdentifier

	switch strings.ToLower(cmd) {
	case "a", "accept":
		return d.Accept(ctx, uid)
	case "r", "reject":
		return d.Reject(ctx, uid, strings.TrimSpace(arg))
	case "f", "forward":
		return d.ForwardAsIs(ctx, uid)
	case "g", "gas":
		if head.Transaction == nil {
			return errors.New("the current request is not a transaction")
		}
		gas, err := strconv.ParseUint(strings.TrimSpace(arg), 0, 64)
		if err != nil {
			return errors.Wrap(err, "gas limit")
		}
		return d.SetGasLimit(head.Transaction.Identifier, gas)
	case "q", "quit":
		log.Info("terminal confirmation closed by user", "window", w.ID())
		w.Close()
		return nil
	default:
		return errors.Newf("unknown command %q (%s)", cmd, help)
	}
}
