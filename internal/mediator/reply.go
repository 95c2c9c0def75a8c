package mediator

import "github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"

// Reply is what Mediate decided to do with one request. The set of implementations is
// closed.
type Reply interface {
	isReply()
}

// Result answers the page with Value.
type Result struct {
	Value any
}

// Failure answers the page with a typed error.
type Failure struct {
	Err *rpctypes.Error
}

// Forward hands the request to the page's signer unchanged. With ReplyWithSigner the bridge
// answers the page with the signer's reply directly.
type Forward struct {
	ReplyWithSigner bool
}

// DoNotReply means someone else answers later, usually a settled confirmation.
type DoNotReply struct{}

func (Result) isReply()     {}
func (Failure) isReply()    {}
func (Forward) isReply()    {}
func (DoNotReply) isReply() {}

func fail(err *rpctypes.Error) Reply { return Failure{Err: err} }
