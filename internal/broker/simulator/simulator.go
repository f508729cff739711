// Package simulator is an in-process paper broker. It keeps cash, positions
// and orders in memory and fills against a configurable price table.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/xdusongwei/httptrading/internal/broker"
	"github.com/xdusongwei/httptrading/pkg/config"
	"github.com/xdusongwei/httptrading/pkg/credential"
	"github.com/xdusongwei/httptrading/pkg/exchanges/common"
)

const Kind = "simulator"

var Meta = broker.Meta{Name: "simulator", Display: "Paper Trading"}

// TokenLifetime is how long a minted partner token stays valid.
const TokenLifetime = 90 * 24 * time.Hour

// Args is the broker-specific args block of a simulator instance.
type Args struct {
	Region    string             `yaml:"region"`
	Currency  string             `yaml:"currency"`
	Cash      float64            `yaml:"cash"`
	Prices    map[string]float64 `yaml:"prices"`
	Positions map[string]int64   `yaml:"positions"`

	// Partner limits in calls per minute.
	OrderRate  float64 `yaml:"order_rate"`
	QuoteRate  float64 `yaml:"quote_rate"`
	AssetRate  float64 `yaml:"asset_rate"`
	MarketRate float64 `yaml:"market_rate"`

	TokenFile        string        `yaml:"token_file"`
	AutoRefreshToken bool          `yaml:"auto_refresh_token"`
	TokenSecret      string        `yaml:"token_secret"`
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
}

func (a *Args) applyDefaults() error {
	if a.Region == "" {
		a.Region = "US"
	}
	currency, err := common.RegionCurrency(a.Region)
	if err != nil {
		return &common.ConfigError{Field: "region", Reason: "unsupported region " + a.Region}
	}
	if a.Currency == "" {
		a.Currency = currency
	}
	if a.Cash == 0 {
		a.Cash = 100000
	}
	if a.OrderRate == 0 {
		a.OrderRate = 119
	}
	if a.QuoteRate == 0 {
		a.QuoteRate = 119
	}
	if a.AssetRate == 0 {
		a.AssetRate = 59
	}
	if a.MarketRate == 0 {
		a.MarketRate = 9
	}
	if a.TokenSecret == "" {
		a.TokenSecret = "simulator"
	}
	if a.RefreshInterval == 0 {
		a.RefreshInterval = time.Hour
	}
	return nil
}

type simOrder struct {
	common.Order
	contract  common.Contract
	direction common.Direction
	orderType common.OrderType
	limit     float64
	qty       int64
}

type quoteState struct {
	preClose, open, high, low, latest float64
}

// Broker implements common.Broker against an in-memory account.
type Broker struct {
	*broker.Base

	args Args
	now  func() time.Time

	mu        sync.Mutex
	cash      float64
	quotes    map[string]*quoteState
	positions map[common.Contract]int64
	orders    map[string]*simOrder

	orderBucket  *common.LeakyBucket
	quoteBucket  *common.LeakyBucket
	assetBucket  *common.LeakyBucket
	marketBucket *common.LeakyBucket
	tokenBucket  *common.LeakyBucket

	keeper *credential.Keeper
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ common.Broker = (*Broker)(nil)

type Option func(*Broker)

// WithClock overrides the time source used for sessions and token expiry.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New builds a simulator instance from its config entry.
func New(reg *broker.Registry, inst config.BrokerInstance, deps broker.Deps, opts ...Option) (*Broker, error) {
	base, err := broker.NewBase(reg, inst, deps)
	if err != nil {
		return nil, err
	}

	var args Args
	if err := inst.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if err := args.applyDefaults(); err != nil {
		return nil, err
	}

	b := &Broker{
		Base:      base,
		args:      args,
		now:       time.Now,
		cash:      args.Cash,
		quotes:    make(map[string]*quoteState, len(args.Prices)),
		positions: make(map[common.Contract]int64, len(args.Positions)),
		orders:    make(map[string]*simOrder),
	}
	for _, opt := range opts {
		opt(b)
	}

	for symbol, price := range args.Prices {
		b.quotes[symbol] = &quoteState{preClose: price, open: price, high: price, low: price, latest: price}
	}
	for symbol, qty := range args.Positions {
		b.positions[b.contract(symbol)] = qty
	}

	buckets := []struct {
		dst  **common.LeakyBucket
		rate float64
		name string
	}{
		{&b.orderBucket, args.OrderRate, "order_rate"},
		{&b.quoteBucket, args.QuoteRate, "quote_rate"},
		{&b.assetBucket, args.AssetRate, "asset_rate"},
		{&b.marketBucket, args.MarketRate, "market_rate"},
		{&b.tokenBucket, 6, "token_rate"},
	}
	for _, bk := range buckets {
		lb, err := common.NewLeakyBucket(bk.rate)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", bk.name, err)
		}
		*bk.dst = lb
	}

	if args.TokenFile != "" {
		keeper, err := credential.Load(args.TokenFile, credential.WithNow(b.now), credential.WithLogger(base.Logger()), credential.WithSealer(base.Sealer()))
		if err != nil {
			return nil, err
		}
		b.keeper = keeper
	}
	return b, nil
}

func (b *Broker) contract(symbol string) common.Contract {
	return common.Contract{TradeType: common.TradeSecurities, Symbol: symbol, Region: b.args.Region}
}

func (b *Broker) checkContract(c common.Contract) error {
	if c.TradeType != common.TradeSecurities {
		return b.Unsupported("trade type", string(c.TradeType))
	}
	if c.Region != b.args.Region {
		return b.Unsupported("region", c.Region)
	}
	return nil
}

// Start launches the token refresher and optionally dumps open orders.
func (b *Broker) Start(ctx context.Context) error {
	if b.keeper != nil && b.args.AutoRefreshToken {
		runCtx, cancel := context.WithCancel(context.Background())
		b.cancel = cancel
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.keeper.Run(runCtx, b.args.RefreshInterval, b.refreshToken)
		}()
	}
	if b.DumpActiveOrders() {
		for _, o := range b.openOrders() {
			b.DumpOrder(o)
		}
	}
	return nil
}

func (b *Broker) Shutdown(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
	}
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping fails once the partner token has expired.
func (b *Broker) Ping(ctx context.Context) (bool, error) {
	if b.keeper != nil && b.keeper.IsExpired() {
		return false, nil
	}
	return true, nil
}

// refreshToken plays the partner side of a token rotation.
func (b *Broker) refreshToken(ctx context.Context, cur credential.Record) (credential.Record, error) {
	if err := b.tokenBucket.Wait(ctx); err != nil {
		return credential.Record{}, err
	}
	now := b.now()
	expiry := now.Add(TokenLifetime)
	claims := jwt.RegisteredClaims{
		Subject:   b.InstanceID(),
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiry),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(b.args.TokenSecret))
	if err != nil {
		return credential.Record{}, fmt.Errorf("sign token: %w", err)
	}
	b.Logger().Info("partner token rotated", "previous_expiry", cur.Expiry.Format(time.RFC3339), "expiry", expiry.Format(time.RFC3339))
	return credential.Record{Token: token, Expiry: expiry}, nil
}

// RefreshToken forces one refresh check; it reports whether a new token was stored.
func (b *Broker) RefreshToken(ctx context.Context) (bool, error) {
	if b.keeper == nil {
		return false, b.Unsupported("token refresh", "no token_file configured")
	}
	return broker.CallAsync(ctx, b.Base, func(ctx context.Context) (bool, error) {
		return b.keeper.Refresh(ctx, b.refreshToken)
	})
}

// PlaceOrder fills market and marketable limit orders immediately; other
// limit orders rest until SetPrice crosses them.
func (b *Broker) PlaceOrder(ctx context.Context, req common.PlaceOrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if err := b.checkContract(req.Contract); err != nil {
		return "", err
	}
	if req.OrderType == common.OrderTypeMarket && req.Lifecycle != common.LifecycleRTH {
		return "", b.Unsupported("place order", "market orders are only accepted for RTH")
	}

	return broker.CallAsync(ctx, b.Base, func(ctx context.Context) (string, error) {
		if err := b.orderBucket.Wait(ctx); err != nil {
			return "", err
		}

		b.mu.Lock()
		q, ok := b.quotes[req.Contract.Symbol]
		if !ok {
			b.mu.Unlock()
			return "", fmt.Errorf("no price for %s", req.Contract.Symbol)
		}
		o := &simOrder{
			Order: common.Order{
				OrderID:  uuid.NewString(),
				Currency: b.args.Currency,
				Qty:      req.Qty,
			},
			contract:  req.Contract,
			direction: req.Direction,
			orderType: req.OrderType,
			limit:     req.Price,
			qty:       req.Qty,
		}
		b.orders[o.OrderID] = o
		b.tryFillLocked(o, q.latest)
		snapshot := o.Order
		b.mu.Unlock()

		b.DumpOrder(snapshot)
		return snapshot.OrderID, nil
	})
}

// tryFillLocked fills o in full when it is marketable at price, or rejects
// it when the account cannot cover it. It reports whether o changed.
func (b *Broker) tryFillLocked(o *simOrder, price float64) bool {
	if o.IsCompleted() || o.IsPendingCancel {
		return false
	}

	fillPrice := price
	if o.orderType == common.OrderTypeLimit {
		switch {
		case o.direction == common.DirectionBuy && o.limit >= price:
			fillPrice = o.limit
		case o.direction == common.DirectionSell && o.limit <= price:
			fillPrice = o.limit
		default:
			return false
		}
	}

	notional := fillPrice * float64(o.qty)
	switch o.direction {
	case common.DirectionBuy:
		if notional > b.cash {
			o.ErrorReason = "Rejected: insufficient cash"
			return true
		}
		b.cash -= notional
		b.positions[o.contract] += o.qty
	case common.DirectionSell:
		if b.positions[o.contract] < o.qty {
			o.ErrorReason = "Rejected: insufficient position"
			return true
		}
		b.cash += notional
		b.positions[o.contract] -= o.qty
		if b.positions[o.contract] == 0 {
			delete(b.positions, o.contract)
		}
	}
	o.FilledQty = o.qty
	o.AvgPrice = fillPrice
	return true
}

// SetPrice moves the simulated market and fills resting orders it crosses.
func (b *Broker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	q, ok := b.quotes[symbol]
	if !ok {
		q = &quoteState{preClose: price, open: price, high: price, low: price}
		b.quotes[symbol] = q
	}
	q.latest = price
	q.high = max(q.high, price)
	q.low = min(q.low, price)

	var changed []common.Order
	for _, o := range b.orders {
		if o.contract.Symbol == symbol && b.tryFillLocked(o, price) {
			changed = append(changed, o.Order)
		}
	}
	b.mu.Unlock()

	for _, o := range changed {
		b.DumpOrder(o)
	}
}

func (b *Broker) Order(ctx context.Context, orderID string) (common.Order, error) {
	return broker.CallAsync(ctx, b.Base, func(ctx context.Context) (common.Order, error) {
		if err := b.orderBucket.Wait(ctx); err != nil {
			return common.Order{}, err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		o, ok := b.orders[orderID]
		if !ok {
			return common.Order{}, fmt.Errorf("%w: %s", common.ErrOrderNotFound, orderID)
		}
		return o.Order, nil
	})
}

func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := broker.CallAsync(ctx, b.Base, func(ctx context.Context) (common.Order, error) {
		if err := b.orderBucket.Wait(ctx); err != nil {
			return common.Order{}, err
		}
		b.mu.Lock()
		o, ok := b.orders[orderID]
		if !ok {
			b.mu.Unlock()
			return common.Order{}, fmt.Errorf("%w: %s", common.ErrOrderNotFound, orderID)
		}
		if !o.IsCancelable() {
			b.mu.Unlock()
			return common.Order{}, b.Unsupported("cancel order", "order "+orderID+" is not cancelable")
		}
		o.IsCanceled = true
		snapshot := o.Order
		b.mu.Unlock()

		b.DumpOrder(snapshot)
		return snapshot, nil
	})
	return err
}

func (b *Broker) openOrders() []common.Order {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []common.Order
	for _, o := range b.orders {
		if !o.IsCompleted() {
			out = append(out, o.Order)
		}
	}
	return out
}

func (b *Broker) Positions(ctx context.Context) ([]common.Position, error) {
	return broker.CallAsync(ctx, b.Base, func(ctx context.Context) ([]common.Position, error) {
		if err := b.assetBucket.Wait(ctx); err != nil {
			return nil, err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		out := make([]common.Position, 0, len(b.positions))
		for c, qty := range b.positions {
			out = append(out, common.Position{
				Broker:        b.Name(),
				BrokerDisplay: b.Display(),
				Contract:      c,
				Unit:          common.UnitShare,
				Currency:      b.args.Currency,
				Qty:           qty,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Contract.Symbol < out[j].Contract.Symbol })
		return out, nil
	})
}

func (b *Broker) Cash(ctx context.Context) (common.Cash, error) {
	return broker.CallAsync(ctx, b.Base, func(ctx context.Context) (common.Cash, error) {
		if err := b.assetBucket.Wait(ctx); err != nil {
			return common.Cash{}, err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		return common.Cash{Currency: b.args.Currency, Amount: b.cash}, nil
	})
}

func (b *Broker) Quote(ctx context.Context, c common.Contract) (common.Quote, error) {
	if err := b.checkContract(c); err != nil {
		return common.Quote{}, err
	}
	return broker.CallAsync(ctx, b.Base, func(ctx context.Context) (common.Quote, error) {
		if err := b.quoteBucket.Wait(ctx); err != nil {
			return common.Quote{}, err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		q, ok := b.quotes[c.Symbol]
		if !ok {
			return common.Quote{}, errors.New("unknown symbol " + c.Symbol)
		}
		return common.Quote{
			Contract:   c,
			Currency:   b.args.Currency,
			IsTradable: q.latest > 0,
			Latest:     q.latest,
			PreClose:   q.preClose,
			Open:       q.open,
			High:       q.high,
			Low:        q.low,
			Time:       b.now(),
		}, nil
	})
}

// MarketStatus reports the session of every securities region the
// simulator knows, derived from local exchange time.
func (b *Broker) MarketStatus(ctx context.Context) (common.MarketStatusMap, error) {
	return broker.CallAsync(ctx, b.Base, func(ctx context.Context) (common.MarketStatusMap, error) {
		if err := b.marketBucket.Wait(ctx); err != nil {
			return nil, err
		}
		now := b.now()
		out := common.MarketStatusMap{}
		for _, region := range []string{"CN", "HK", "US"} {
			loc, err := common.RegionTimezone(region)
			if err != nil {
				return nil, err
			}
			origin := sessionStatus(region, now.In(loc))
			out.Set(common.TradeSecurities, common.MarketStatus{
				Region:        region,
				OriginStatus:  origin,
				UnifiedStatus: unifiedStatus(origin),
			})
		}
		return out, nil
	})
}
