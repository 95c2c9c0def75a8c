package interceptor

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/bus"
	"github.com/quantumauth-io/quantum-interceptor/internal/settings"
)

// ChangeSource publishes settings changes. *settings.Manager satisfies it.
type ChangeSource interface {
	Subscribe(ch chan<- settings.Change) event.Subscription
}

// Approvals lists the sites allowed to see an address. *access.Gate satisfies it.
type Approvals interface {
	ApprovedOrigins(addr *common.Address) []string
}

// Broadcaster sends provider events to pages. *bus.Hub satisfies it.
type Broadcaster interface {
	Broadcast(ctx context.Context, allow func(origin string) bool, name string, payload any)
}

// announceSettings tells connected pages about active address and chain changes until ctx
// ends.
func announceSettings(ctx context.Context, changes ChangeSource, approvals Approvals, pages Broadcaster) error {
	ch := make(chan settings.Change, 8)
	sub := changes.Subscribe(ch)
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case c := <-ch:
			announce(ctx, c, approvals, pages)
		}
	}
}

// announce sends accountsChanged to the sites that may see the new active address, and an
// empty account list to the sites that could only see the previous one. chainChanged goes
// to the sites that may see the active address.
func announce(ctx context.Context, c settings.Change, approvals Approvals, pages Broadcaster) {
	cur := c.Current.ActiveAddress()
	var approved map[string]struct{}
	if cur != nil {
		approved = toSet(approvals.ApprovedOrigins(cur))
	}

	if c.ActiveAddressChanged() {
		accounts := []common.Address{}
		if cur != nil {
			accounts = append(accounts, *cur)
		}
		log.Debug("announcing active address", "address", addressField(cur), "sites", len(approved))
		pages.Broadcast(ctx, inSet(approved), bus.EventAccountsChanged, accounts)

		if prev := c.Previous.ActiveAddress(); prev != nil {
			lost := toSet(approvals.ApprovedOrigins(prev))
			for origin := range approved {
				delete(lost, origin)
			}
			if len(lost) > 0 {
				pages.Broadcast(ctx, inSet(lost), bus.EventAccountsChanged, []common.Address{})
			}
		}
	}

	if c.ChainChanged() {
		log.Debug("announcing active chain", "chainId", c.Current.ActiveChainID, "sites", len(approved))
		pages.Broadcast(ctx, inSet(approved), bus.EventChainChanged, hexutil.EncodeUint64(c.Current.ActiveChainID))
	}
}

func toSet(origins []string) map[string]struct{} {
	out := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		out[o] = struct{}{}
	}
	return out
}

func inSet(set map[string]struct{}) func(string) bool {
	return func(origin string) bool {
		_, ok := set[origin]
		return ok
	}
}

func addressField(addr *common.Address) string {
	if addr == nil {
		return ""
	}
	return addr.Hex()
}
