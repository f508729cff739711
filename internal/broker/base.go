package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xdusongwei/httptrading/pkg/config"
	"github.com/xdusongwei/httptrading/pkg/crypto"
	"github.com/xdusongwei/httptrading/pkg/exchanges/common"
)

// OrderUpdate is one snapshot handed to the dump collaborator.
type OrderUpdate struct {
	InstanceID string
	Broker     string
	Order      common.Order
	Time       time.Time
}

// OrderSink receives order snapshots. Implementations must not block.
type OrderSink interface {
	DumpOrder(update OrderUpdate)
}

// Deps are the shared collaborators handed to every broker instance.
type Deps struct {
	Pool             *Pool
	Sink             OrderSink
	Logger           *slog.Logger
	DumpActiveOrders bool

	// Sealer, when set, keeps credential files sealed at rest.
	Sealer *crypto.Sealer
}

// Base carries identity, auth tokens and default capability behaviour.
// Concrete brokers embed *Base and override what their venue supports.
type Base struct {
	kind       string
	meta       Meta
	instanceID string
	tokens     map[string]struct{}
	pool       *Pool
	sink       OrderSink
	logger     *slog.Logger
	dumpActive bool
	sealer     *crypto.Sealer
}

var _ common.Broker = (*Base)(nil)

// NewBase validates inst against the registry and probes the broker's
// runtime dependency once.
func NewBase(reg *Registry, inst config.BrokerInstance, deps Deps) (*Base, error) {
	if err := inst.Validate(); err != nil {
		return nil, err
	}
	meta, ok := reg.Lookup(inst.Kind)
	if !ok {
		return nil, &common.ConfigError{Field: "kind", Reason: "unknown broker kind " + inst.Kind}
	}
	if err := reg.CheckDependency(inst.Kind); err != nil {
		return nil, err
	}

	tokens := make(map[string]struct{}, len(inst.Tokens))
	for _, t := range inst.Tokens {
		tokens[t] = struct{}{}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Base{
		kind:       inst.Kind,
		meta:       meta,
		instanceID: inst.InstanceID,
		tokens:     tokens,
		pool:       deps.Pool,
		sink:       deps.Sink,
		logger:     logger.With("instance", inst.InstanceID, "broker", meta.Name),
		dumpActive: deps.DumpActiveOrders,
		sealer:     deps.Sealer,
	}, nil
}

func (b *Base) Kind() string           { return b.kind }
func (b *Base) InstanceID() string     { return b.instanceID }
func (b *Base) Name() string           { return b.meta.Name }
func (b *Base) Display() string        { return b.meta.Display }
func (b *Base) Logger() *slog.Logger   { return b.logger }
func (b *Base) DumpActiveOrders() bool { return b.dumpActive }
func (b *Base) Sealer() *crypto.Sealer { return b.sealer }

// HasToken reports whether token is one of the instance's access tokens.
func (b *Base) HasToken(token string) bool {
	if token == "" {
		return false
	}
	_, ok := b.tokens[token]
	return ok
}

// DumpOrder forwards an order snapshot to the sink, if one is configured.
func (b *Base) DumpOrder(o common.Order) {
	if b.sink == nil {
		return
	}
	b.sink.DumpOrder(OrderUpdate{
		InstanceID: b.instanceID,
		Broker:     b.meta.Name,
		Order:      o,
		Time:       time.Now(),
	})
}

// Wrap tags err with this instance's identity.
func (b *Base) Wrap(err error) error {
	if err == nil {
		return nil
	}
	var opErr *common.BrokerOperationError
	if errors.As(err, &opErr) {
		return err
	}
	return &common.BrokerOperationError{
		InstanceID: b.instanceID,
		Broker:     b.meta.Name,
		Display:    b.meta.Display,
		Err:        err,
	}
}

// Unsupported builds the error returned by capabilities a venue lacks.
func (b *Base) Unsupported(op, detail string) error {
	return &common.UnsupportedOperationError{Broker: b.meta.Name, Operation: op, Detail: detail}
}

func (b *Base) Start(context.Context) error    { return nil }
func (b *Base) Shutdown(context.Context) error { return nil }

// Ping succeeds unless a broker knows better.
func (b *Base) Ping(context.Context) (bool, error) { return true, nil }

func (b *Base) PlaceOrder(context.Context, common.PlaceOrderRequest) (string, error) {
	return "", b.Unsupported("place order", "")
}

func (b *Base) Order(context.Context, string) (common.Order, error) {
	return common.Order{}, b.Unsupported("order state", "")
}

func (b *Base) CancelOrder(context.Context, string) error {
	return b.Unsupported("cancel order", "")
}

func (b *Base) Positions(context.Context) ([]common.Position, error) {
	return nil, b.Unsupported("positions", "")
}

func (b *Base) Cash(context.Context) (common.Cash, error) {
	return common.Cash{}, b.Unsupported("cash", "")
}

func (b *Base) Quote(context.Context, common.Contract) (common.Quote, error) {
	return common.Quote{}, b.Unsupported("quote", "")
}

func (b *Base) MarketStatus(context.Context) (common.MarketStatusMap, error) {
	return nil, b.Unsupported("market status", "")
}
