// Package pending is the queue of transactions and messages waiting for a human decision.
package pending

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
	"github.com/quantumauth-io/quantum-interceptor/internal/classifier"
	"github.com/quantumauth-io/quantum-interceptor/internal/future"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
	"github.com/quantumauth-io/quantum-interceptor/internal/shared"
	"github.com/quantumauth-io/quantum-interceptor/internal/simulation"
)

type Kind string

const (
	KindTransaction Kind = "Transaction"
	KindMessage     Kind = "SignableMessage"
)

type CreationStatus string

const (
	Crafting         CreationStatus = "Crafting"
	Simulating       CreationStatus = "Simulating"
	Simulated        CreationStatus = "Simulated"
	FailedToSimulate CreationStatus = "FailedToSimulate"
)

type ApprovalStatus string

const (
	WaitingForUser   ApprovalStatus = "WaitingForUser"
	WaitingForSigner ApprovalStatus = "WaitingForSigner"
	Resolved         ApprovalStatus = "Resolved"
	SignerError      ApprovalStatus = "SignerError"
)

// Entry is one queued request. Method and Params are the original request as the page sent
// it; a gas override is written into Params.
type Entry struct {
	UniqueRequestIdentifier bus.UniqueRequestIdentifier `json:"uniqueRequestIdentifier"`
	Identifier              common.Hash                 `json:"identifier"`
	Kind                    Kind                        `json:"type"`
	Website                 shared.Website              `json:"website"`
	Method                  string                      `json:"method"`
	Params                  json.RawMessage             `json:"params"`
	Created                 time.Time                   `json:"created"`

	CreationStatus CreationStatus `json:"transactionOrMessageCreationStatus"`
	ApprovalStatus ApprovalStatus `json:"approvalStatus"`

	Transaction     *simulation.Transaction   `json:"transaction,omitempty"`
	Message         *simulation.SignedMessage `json:"message,omitempty"`
	Preview         *simulation.Snapshot      `json:"preview,omitempty"`
	SimulationError string                    `json:"simulationError,omitempty"`
	SignerError     *rpctypes.Error           `json:"signerError,omitempty"`
	Verdict         *classifier.Verdict       `json:"verdict,omitempty"`
}

func (e Entry) clone() Entry {
	out := e
	out.Params = append(json.RawMessage(nil), e.Params...)
	if e.Transaction != nil {
		tx := *e.Transaction
		out.Transaction = &tx
	}
	if e.Message != nil {
		msg := *e.Message
		out.Message = &msg
	}
	if e.Verdict != nil {
		v := *e.Verdict
		out.Verdict = &v
	}
	return out
}

// Resolution settles a queued request.
type Resolution struct {
	Result any
	// Forwarded means the request went to the signer as is; the signer answers the page.
	Forwarded bool
}

type item struct {
	entry  Entry
	result *future.Future[Resolution]
}

// View is what a confirmation surface renders.
type View struct {
	Entries        []Entry `json:"pendingTransactionAndSignableMessages"`
	SimulationMode bool    `json:"simulationMode"`
}

// Window is one open confirmation surface.
type Window interface {
	ID() string
	Update(View)
	Closed() <-chan struct{}
	Close()
}

// Surface opens confirmation windows and brings page tabs to the front.
type Surface interface {
	Open(ctx context.Context) (Window, error)
	FocusTab(ctx context.Context, socket bus.Socket) error
}
