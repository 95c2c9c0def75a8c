// Package settings holds the user-facing interceptor settings and announces every change.
package settings

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-interceptor/internal/store"
)

const storeKey = "settings"

type Settings struct {
	SimulationMode                   bool            `json:"simulationMode"`
	ActiveSimulationAddress          *common.Address `json:"activeSimulationAddress,omitempty"`
	ActiveSigningAddress             *common.Address `json:"activeSigningAddress,omitempty"`
	ActiveChainID                    uint64          `json:"activeChainId"`
	UseSignersAddressAsActiveAddress bool            `json:"useSignersAddressAsActiveAddress"`
}

// ActiveAddress is the address pages see: the simulation address in simulation mode,
// the signing address otherwise.
func (s Settings) ActiveAddress() *common.Address {
	if s.SimulationMode {
		return s.ActiveSimulationAddress
	}
	return s.ActiveSigningAddress
}

// Change is sent on every successful update.
type Change struct {
	Previous Settings
	Current  Settings
}

func (c Change) ActiveAddressChanged() bool {
	return !sameAddress(c.Previous.ActiveAddress(), c.Current.ActiveAddress())
}

func (c Change) ChainChanged() bool {
	return c.Previous.ActiveChainID != c.Current.ActiveChainID
}

func (c Change) ModeChanged() bool {
	return c.Previous.SimulationMode != c.Current.SimulationMode
}

type Manager struct {
	value *store.Value[Settings]
	feed  event.Feed
}

func NewManager(backend store.Backend) *Manager {
	return &Manager{value: store.NewValue[Settings](backend, storeKey)}
}

func (m *Manager) Init(ctx context.Context, defaults Settings) error {
	if err := m.value.Init(ctx, defaults); err != nil {
		return errors.Wrap(err, "load settings")
	}
	return nil
}

func (m *Manager) Get() Settings { return m.value.Load() }

// Subscribe delivers every Change to ch until the subscription is closed. Sends block
// until every subscriber has received, so ch must be drained by its own goroutine.
func (m *Manager) Subscribe(ch chan<- Change) event.Subscription {
	return m.feed.Subscribe(ch)
}

func (m *Manager) SetSimulationMode(ctx context.Context, enabled bool) (Settings, error) {
	return m.update(ctx, func(s Settings) Settings {
		s.SimulationMode = enabled
		return s
	})
}

// SetActiveAddress sets the simulation or the signing address, picked by simulationMode.
func (m *Manager) SetActiveAddress(ctx context.Context, simulationMode bool, addr *common.Address) (Settings, error) {
	return m.update(ctx, func(s Settings) Settings {
		if simulationMode {
			s.ActiveSimulationAddress = copyAddress(addr)
		} else {
			s.ActiveSigningAddress = copyAddress(addr)
		}
		return s
	})
}

func (m *Manager) SetActiveChain(ctx context.Context, chainID uint64) (Settings, error) {
	return m.update(ctx, func(s Settings) Settings {
		s.ActiveChainID = chainID
		return s
	})
}

func (m *Manager) SetUseSignersAddress(ctx context.Context, enabled bool) (Settings, error) {
	return m.update(ctx, func(s Settings) Settings {
		s.UseSignersAddressAsActiveAddress = enabled
		return s
	})
}

func (m *Manager) update(ctx context.Context, fn func(Settings) Settings) (Settings, error) {
	prev := m.value.Load()
	next, err := m.value.Update(ctx, func(cur Settings) (Settings, error) {
		prev = cur
		return fn(cur), nil
	})
	if err != nil {
		return prev, errors.Wrap(err, "update settings")
	}
	if !equal(prev, next) {
		log.Debug("settings changed", "simulationMode", next.SimulationMode, "chainId", next.ActiveChainID)
		m.feed.Send(Change{Previous: prev, Current: next})
	}
	return next, nil
}

func equal(a, b Settings) bool {
	return a.SimulationMode == b.SimulationMode &&
		a.ActiveChainID == b.ActiveChainID &&
		a.UseSignersAddressAsActiveAddress == b.UseSignersAddressAsActiveAddress &&
		sameAddress(a.ActiveSimulationAddress, b.ActiveSimulationAddress) &&
		sameAddress(a.ActiveSigningAddress, b.ActiveSigningAddress)
}

func sameAddress(a, b *common.Address) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func copyAddress(a *common.Address) *common.Address {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}
