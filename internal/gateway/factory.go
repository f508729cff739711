package gateway

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xdusongwei/httptrading/internal/broker"
	alpacabroker "github.com/xdusongwei/httptrading/internal/broker/alpaca"
	"github.com/xdusongwei/httptrading/internal/broker/simulator"
	"github.com/xdusongwei/httptrading/pkg/config"
	"github.com/xdusongwei/httptrading/pkg/exchanges/common"
)

// Constructor builds one broker instance of a registered kind.
type Constructor func(reg *broker.Registry, inst config.BrokerInstance, deps broker.Deps) (common.Broker, error)

// Factory pairs the broker registry with a constructor per kind.
type Factory struct {
	reg *broker.Registry

	mu           sync.RWMutex
	constructors map[string]Constructor
}

func NewFactory(reg *broker.Registry) *Factory {
	return &Factory{reg: reg, constructors: make(map[string]Constructor)}
}

func (f *Factory) Registry() *broker.Registry { return f.reg }

// Add registers kind with the registry and remembers how to build it.
func (f *Factory) Add(kind string, meta broker.Meta, build Constructor) error {
	if err := f.reg.Register(kind, meta); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = build
	return nil
}

// Create builds the broker described by inst.
func (f *Factory) Create(inst config.BrokerInstance, deps broker.Deps) (common.Broker, error) {
	f.mu.RLock()
	build, ok := f.constructors[inst.Kind]
	f.mu.RUnlock()
	if !ok {
		return nil, &common.ConfigError{Field: "kind", Reason: fmt.Sprintf("unknown broker kind %q (known: %v)", inst.Kind, f.Kinds())}
	}
	return build(f.reg, inst, deps)
}

// Kinds lists the kinds this factory can build, sorted.
func (f *Factory) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]string, 0, len(f.constructors))
	for k := range f.constructors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// RegisterBuiltins adds every broker implementation shipped with the gateway.
func RegisterBuiltins(f *Factory) error {
	builtins := []struct {
		kind  string
		meta  broker.Meta
		build Constructor
	}{
		{simulator.Kind, simulator.Meta, newSimulator},
		{alpacabroker.Kind, alpacabroker.Meta, newAlpaca},
	}
	for _, b := range builtins {
		if err := f.Add(b.kind, b.meta, b.build); err != nil {
			return err
		}
	}
	return nil
}

func newSimulator(reg *broker.Registry, inst config.BrokerInstance, deps broker.Deps) (common.Broker, error) {
	b, err := simulator.New(reg, inst, deps)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func newAlpaca(reg *broker.Registry, inst config.BrokerInstance, deps broker.Deps) (common.Broker, error) {
	b, err := alpacabroker.New(reg, inst, deps)
	if err != nil {
		return nil, err
	}
	return b, nil
}
