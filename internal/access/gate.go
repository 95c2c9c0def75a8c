package access

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/future"
	"github.com/quantumauth-io/quantum-interceptor/internal/rpctypes"
	"github.com/quantumauth-io/quantum-interceptor/internal/shared"
	"github.com/quantumauth-io/quantum-interceptor/internal/store"
)

const storeKey = "access"

var ErrUnknownWebsite = errors.New("no access grant for website")

// AsksWhenUnknown reports whether method opens an access prompt for a site that was never
// decided on. Everything else is refused quietly.
func AsksWhenUnknown(method string) bool {
	switch method {
	case rpctypes.MethodEthRequestAccounts, rpctypes.MethodEthCall,
		rpctypes.MethodEthSendTransaction, rpctypes.MethodEthSendRawTransaction:
		return true
	}
	return rpctypes.IsSigningMethod(method)
}

// Prompt is one access question waiting for the user.
type Prompt struct {
	Website   shared.Website  `json:"website"`
	Address   *common.Address `json:"address,omitempty"`
	Requested time.Time       `json:"requested"`
}

type promptKey struct {
	origin  string
	addr    common.Address
	hasAddr bool
}

func keyFor(origin string, addr *common.Address) promptKey {
	if addr == nil {
		return promptKey{origin: origin}
	}
	return promptKey{origin: origin, addr: *addr, hasAddr: true}
}

type pendingPrompt struct {
	prompt Prompt
	result *future.Future[bool]
}

// Gate owns every access grant. Grants are persisted whole; prompts live in memory only.
type Gate struct {
	grants *store.Value[[]Grant]

	mu      sync.Mutex
	prompts map[promptKey]*pendingPrompt
	order   []promptKey
	feed    event.Feed
}

func NewGate(backend store.Backend) *Gate {
	return &Gate{
		grants:  store.NewValue[[]Grant](backend, storeKey),
		prompts: make(map[promptKey]*pendingPrompt),
	}
}

func (g *Gate) Init(ctx context.Context) error {
	if err := g.grants.Init(ctx, []Grant{}); err != nil {
		return errors.Wrap(err, "load access grants")
	}
	return nil
}

func (g *Gate) find(origin string) (Grant, bool) {
	for _, grant := range g.grants.Load() {
		if grant.Website.Origin == origin && grant.Scope == DefaultScope {
			return grant, true
		}
	}
	return Grant{}, false
}

// Verify classifies a request from origin acting for addr. addr is nil when no address is
// involved.
func (g *Gate) Verify(origin string, addr *common.Address, askIfUnknown bool) Verdict {
	grant, ok := g.find(origin)
	if !ok {
		if askIfUnknown {
			return AskAccess
		}
		return NoAccess
	}
	return grant.verdict(addr, askIfUnknown)
}

// BlocksNetworkRequests reports whether the site asked for its network requests to be
// refused.
func (g *Gate) BlocksNetworkRequests(origin string) bool {
	grant, ok := g.find(origin)
	return ok && grant.BlockNetworkRequests
}

// RequestAccess opens a prompt for (website, addr), or joins the one already open. The
// returned future resolves with the user's decision; there is no timeout.
func (g *Gate) RequestAccess(website shared.Website, addr *common.Address) *future.Future[bool] {
	key := keyFor(website.Origin, addr)
	g.mu.Lock()
	if p, ok := g.prompts[key]; ok {
		g.mu.Unlock()
		return p.result
	}
	p := &pendingPrompt{
		prompt: Prompt{Website: website, Address: addr, Requested: time.Now()},
		result: future.New[bool](),
	}
	g.prompts[key] = p
	g.order = append(g.order, key)
	pending := g.pendingLocked()
	g.mu.Unlock()

	log.Info("access requested", "origin", website.Origin, "address", addressField(addr))
	g.feed.Send(pending)
	return p.result
}

// Pending lists the open prompts, oldest first.
func (g *Gate) Pending() []Prompt {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pendingLocked()
}

func (g *Gate) pendingLocked() []Prompt {
	out := make([]Prompt, 0, len(g.order))
	for _, k := range g.order {
		out = append(out, g.prompts[k].prompt)
	}
	return out
}

// SubscribePrompts delivers the open prompt list whenever it changes.
func (g *Gate) SubscribePrompts(ch chan<- []Prompt) event.Subscription {
	return g.feed.Subscribe(ch)
}

// settle resolves and drops every prompt that match accepts.
func (g *Gate) settle(match func(promptKey) bool, allow bool) {
	g.mu.Lock()
	var resolved []*pendingPrompt
	kept := g.order[:0]
	for _, k := range g.order {
		if match(k) {
			resolved = append(resolved, g.prompts[k])
			delete(g.prompts, k)
			continue
		}
		kept = append(kept, k)
	}
	g.order = kept
	pending := g.pendingLocked()
	g.mu.Unlock()

	for _, p := range resolved {
		p.result.Resolve(allow)
	}
	if len(resolved) > 0 {
		g.feed.Send(pending)
	}
}

func (g *Gate) upsert(ctx context.Context, website shared.Website, fn func(*Grant)) error {
	_, err := g.grants.Update(ctx, func(cur []Grant) ([]Grant, error) {
		next := cloneGrants(cur)
		for i := range next {
			if next[i].Website.Origin == website.Origin && next[i].Scope == DefaultScope {
				fn(&next[i])
				return next, nil
			}
		}
		grant := Grant{Website: website, Scope: DefaultScope, Addresses: []AddressAccess{}}
		fn(&grant)
		return append(next, grant), nil
	})
	return err
}

func (g *Gate) websiteFor(origin string) shared.Website {
	if grant, ok := g.find(origin); ok {
		return grant.Website
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, p := range g.prompts {
		if k.origin == origin {
			return p.prompt.Website
		}
	}
	return shared.Website{Origin: origin}
}

// Decide records the user's answer for (origin, addr) and resolves the matching prompt.
// Allowing an address also allows the site. Refusing the site refuses every prompt it has
// open.
func (g *Gate) Decide(ctx context.Context, origin string, addr *common.Address, allow bool) error {
	err := g.upsert(ctx, g.websiteFor(origin), func(grant *Grant) {
		if addr == nil {
			grant.Access = boolPtr(allow)
			return
		}
		if allow {
			grant.Access = boolPtr(true)
		}
		grant.setAddress(*addr, allow)
	})
	if err != nil {
		return errors.Wrap(err, "record access decision")
	}
	log.Info("access decided", "origin", origin, "address", addressField(addr), "allow", allow)

	key := keyFor(origin, addr)
	g.settle(func(k promptKey) bool {
		return k == key || (addr == nil && !allow && k.origin == origin)
	}, allow)
	return nil
}

// Revoke withdraws access for the (origin, addr) pair only. A nil addr revokes the site.
func (g *Gate) Revoke(ctx context.Context, origin string, addr *common.Address) error {
	if _, ok := g.find(origin); !ok {
		return ErrUnknownWebsite
	}
	err := g.upsert(ctx, shared.Website{Origin: origin}, func(grant *Grant) {
		if addr == nil {
			grant.Access = boolPtr(false)
			return
		}
		grant.setAddress(*addr, false)
	})
	if err != nil {
		return errors.Wrap(err, "revoke access")
	}
	log.Info("access revoked", "origin", origin, "address", addressField(addr))
	return nil
}

func (g *Gate) SetInterceptorDisabled(ctx context.Context, origin string, disabled bool) error {
	err := g.upsert(ctx, g.websiteFor(origin), func(grant *Grant) { grant.InterceptorDisabled = disabled })
	return errors.Wrap(err, "set interceptor disabled")
}

func (g *Gate) SetBlockNetworkRequests(ctx context.Context, origin string, block bool) error {
	err := g.upsert(ctx, g.websiteFor(origin), func(grant *Grant) { grant.BlockNetworkRequests = block })
	return errors.Wrap(err, "set block network requests")
}

// List returns a copy of every grant ordered by origin.
func (g *Gate) List() []Grant {
	out := cloneGrants(g.grants.Load())
	sort.Slice(out, func(i, j int) bool { return out[i].Website.Origin < out[j].Website.Origin })
	return out
}

// Remove forgets everything decided about origin.
func (g *Gate) Remove(ctx context.Context, origin string) error {
	_, err := g.grants.Update(ctx, func(cur []Grant) ([]Grant, error) {
		next := make([]Grant, 0, len(cur))
		for _, grant := range cur {
			if grant.Website.Origin != origin {
				next = append(next, grant.clone())
			}
		}
		return next, nil
	})
	return errors.Wrap(err, "remove access grant")
}

// ApprovedOrigins lists the sites that may observe addr, in origin order.
func (g *Gate) ApprovedOrigins(addr *common.Address) []string {
	var out []string
	for _, grant := range g.List() {
		if grant.verdict(addr, false) == HasAccess {
			out = append(out, grant.Website.Origin)
		}
	}
	return out
}

func addressField(addr *common.Address) string {
	if addr == nil {
		return ""
	}
	return addr.Hex()
}
