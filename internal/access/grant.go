// Package access is the per-website, per-address permission table consulted on every page
// request.
package access

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/quantumauth-io/quantum-interceptor/internal/shared"
)

// DefaultScope is the chain scope grants are recorded under.
const DefaultScope = "eip155"

type Verdict int

const (
	NoAccess Verdict = iota
	AskAccess
	HasAccess
	InterceptorDisabled
)

func (v Verdict) String() string {
	switch v {
	case NoAccess:
		return "noAccess"
	case AskAccess:
		return "askAccess"
	case HasAccess:
		return "hasAccess"
	case InterceptorDisabled:
		return "interceptorDisabled"
	default:
		return "unknown"
	}
}

func (v Verdict) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

type AddressAccess struct {
	Address common.Address `json:"address"`
	Access  bool           `json:"access"`
}

// Grant is the recorded decision for one website. Access is nil until the user decided
// on the site as a whole.
type Grant struct {
	Website              shared.Website  `json:"website"`
	Scope                string          `json:"scope"`
	Access               *bool           `json:"access,omitempty"`
	Addresses            []AddressAccess `json:"addresses"`
	InterceptorDisabled  bool            `json:"interceptorDisabled,omitempty"`
	BlockNetworkRequests bool            `json:"blockNetworkRequests,omitempty"`
}

func (g Grant) clone() Grant {
	out := g
	if g.Access != nil {
		a := *g.Access
		out.Access = &a
	}
	out.Addresses = append(make([]AddressAccess, 0, len(g.Addresses)), g.Addresses...)
	return out
}

func (g Grant) addressAccess(addr common.Address) (bool, bool) {
	for _, a := range g.Addresses {
		if a.Address == addr {
			return a.Access, true
		}
	}
	return false, false
}

func (g *Grant) setAddress(addr common.Address, allow bool) {
	for i := range g.Addresses {
		if g.Addresses[i].Address == addr {
			g.Addresses[i].Access = allow
			return
		}
	}
	g.Addresses = append(g.Addresses, AddressAccess{Address: addr, Access: allow})
}

// verdict applies the grant rules. askIfUnknown picks between AskAccess and NoAccess when
// nothing was decided yet.
func (g Grant) verdict(addr *common.Address, askIfUnknown bool) Verdict {
	undecided := NoAccess
	if askIfUnknown {
		undecided = AskAccess
	}
	if g.InterceptorDisabled {
		return InterceptorDisabled
	}
	if g.Access != nil && !*g.Access {
		return NoAccess
	}
	if addr == nil {
		if g.Access != nil {
			return HasAccess
		}
		return undecided
	}
	allowed, ok := g.addressAccess(*addr)
	if !ok {
		return undecided
	}
	if allowed {
		return HasAccess
	}
	return NoAccess
}

func cloneGrants(in []Grant) []Grant {
	out := make([]Grant, 0, len(in))
	for _, g := range in {
		out = append(out, g.clone())
	}
	return out
}

func boolPtr(b bool) *bool { return &b }
