// Package alpaca adapts the Alpaca trading and market data REST APIs to
// the gateway's broker interface.
package alpaca

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/xdusongwei/httptrading/internal/broker"
	"github.com/xdusongwei/httptrading/pkg/config"
	"github.com/xdusongwei/httptrading/pkg/exchanges/common"
)

const Kind = "alpaca"

var Meta = broker.Meta{
	Name:          "alpaca",
	Display:       "Alpaca Markets",
	DetectPackage: &broker.DetectPackage{Package: "tzdata", Probe: "tz:America/New_York"},
}

const (
	paperURL = "https://paper-api.alpaca.markets"
	liveURL  = "https://api.alpaca.markets"
)

// Origin statuses reported in MarketStatus.
const (
	originOpen       = "open"
	originPreMarket  = "pre_market"
	originAfterHours = "after_hours"
	originClosed     = "closed"
)

// TradingClient is the subset of *alpaca.Client the adapter calls.
type TradingClient interface {
	GetAccount() (*alpaca.Account, error)
	GetPositions() ([]alpaca.Position, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	GetOrder(orderID string) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetClock() (*alpaca.Clock, error)
	GetAsset(symbol string) (*alpaca.Asset, error)
}

// DataClient is the subset of *marketdata.Client the adapter calls.
type DataClient interface {
	GetSnapshot(symbol string, req marketdata.GetSnapshotRequest) (*marketdata.Snapshot, error)
}

type Args struct {
	APIKey      string `yaml:"api_key"`
	APISecret   string `yaml:"api_secret"`
	Paper       bool   `yaml:"paper"`
	BaseURL     string `yaml:"base_url"`
	DataBaseURL string `yaml:"data_base_url"`
	Feed        string `yaml:"feed"`

	// Calls per minute; Alpaca allows 200 per account.
	TradeRate float64 `yaml:"trade_rate"`
	DataRate  float64 `yaml:"data_rate"`
}

// Broker implements common.Broker on top of Alpaca.
type Broker struct {
	*broker.Base

	args    Args
	trading TradingClient
	data    DataClient

	tradeBucket *common.LeakyBucket
	dataBucket  *common.LeakyBucket
}

var _ common.Broker = (*Broker)(nil)

type Option func(*Broker)

// WithClients replaces the REST clients, mostly for tests.
func WithClients(trading TradingClient, data DataClient) Option {
	return func(b *Broker) {
		b.trading = trading
		b.data = data
	}
}

func New(reg *broker.Registry, inst config.BrokerInstance, deps broker.Deps, opts ...Option) (*Broker, error) {
	base, err := broker.NewBase(reg, inst, deps)
	if err != nil {
		return nil, err
	}

	var args Args
	if err := inst.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if args.TradeRate == 0 {
		args.TradeRate = 190
	}
	if args.DataRate == 0 {
		args.DataRate = 190
	}

	b := &Broker{Base: base, args: args}
	for _, opt := range opts {
		opt(b)
	}

	if b.trading == nil || b.data == nil {
		if args.APIKey == "" || args.APISecret == "" {
			return nil, &common.ConfigError{Field: "args", Reason: "api_key and api_secret are required for " + inst.InstanceID}
		}
		baseURL := args.BaseURL
		if baseURL == "" {
			baseURL = liveURL
			if args.Paper {
				baseURL = paperURL
			}
		}
		if b.trading == nil {
			b.trading = alpaca.NewClient(alpaca.ClientOpts{
				APIKey:    args.APIKey,
				APISecret: args.APISecret,
				BaseURL:   baseURL,
			})
		}
		if b.data == nil {
			b.data = marketdata.NewClient(marketdata.ClientOpts{
				APIKey:    args.APIKey,
				APISecret: args.APISecret,
				BaseURL:   args.DataBaseURL,
			})
		}
	}

	if b.tradeBucket, err = common.NewLeakyBucket(args.TradeRate); err != nil {
		return nil, fmt.Errorf("trade_rate: %w", err)
	}
	if b.dataBucket, err = common.NewLeakyBucket(args.DataRate); err != nil {
		return nil, fmt.Errorf("data_rate: %w", err)
	}
	return b, nil
}

func (b *Broker) checkContract(c common.Contract) error {
	if c.TradeType != common.TradeSecurities {
		return b.Unsupported("trade type", string(c.TradeType))
	}
	if c.Region != "US" {
		return b.Unsupported("region", c.Region)
	}
	return nil
}

// Ping asks the trading API for its clock.
func (b *Broker) Ping(ctx context.Context) (bool, error) {
	_, err := broker.CallSync(ctx, b.Base, func() (*alpaca.Clock, error) {
		if err := b.tradeBucket.Wait(ctx); err != nil {
			return nil, err
		}
		return b.trading.GetClock()
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *Broker) PlaceOrder(ctx context.Context, req common.PlaceOrderRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if err := b.checkContract(req.Contract); err != nil {
		return "", err
	}

	order := alpaca.PlaceOrderRequest{
		Symbol: req.Contract.Symbol,
		Qty:    decimalPtr(decimal.NewFromInt(req.Qty)),
		Side:   alpaca.Buy,
	}
	if req.Direction == common.DirectionSell {
		order.Side = alpaca.Sell
	}

	switch req.TimeInForce {
	case common.TIFGTC:
		order.TimeInForce = alpaca.GTC
	default:
		order.TimeInForce = alpaca.Day
	}

	switch req.Lifecycle {
	case common.LifecycleRTH:
	case common.LifecycleETH:
		if req.OrderType != common.OrderTypeLimit {
			return "", b.Unsupported("place order", "extended hours require a limit order")
		}
		order.ExtendedHours = true
	default:
		return "", b.Unsupported("place order", "lifecycle "+string(req.Lifecycle))
	}

	switch req.OrderType {
	case common.OrderTypeLimit:
		order.Type = alpaca.Limit
		order.LimitPrice = decimalPtr(decimal.NewFromFloat(req.Price))
	default:
		order.Type = alpaca.Market
	}

	placed, err := broker.CallSync(ctx, b.Base, func() (*alpaca.Order, error) {
		if err := b.tradeBucket.Wait(ctx); err != nil {
			return nil, err
		}
		return b.trading.PlaceOrder(order)
	})
	if err != nil {
		return "", err
	}
	b.DumpOrder(convertOrder(placed))
	return placed.ID, nil
}

func (b *Broker) Order(ctx context.Context, orderID string) (common.Order, error) {
	o, err := broker.CallSync(ctx, b.Base, func() (*alpaca.Order, error) {
		if err := b.tradeBucket.Wait(ctx); err != nil {
			return nil, err
		}
		return b.trading.GetOrder(orderID)
	})
	if err != nil {
		return common.Order{}, err
	}
	return convertOrder(o), nil
}

func (b *Broker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := broker.CallSync(ctx, b.Base, func() (struct{}, error) {
		if err := b.tradeBucket.Wait(ctx); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, b.trading.CancelOrder(orderID)
	})
	return err
}

func (b *Broker) Positions(ctx context.Context) ([]common.Position, error) {
	positions, err := broker.CallSync(ctx, b.Base, func() ([]alpaca.Position, error) {
		if err := b.tradeBucket.Wait(ctx); err != nil {
			return nil, err
		}
		return b.trading.GetPositions()
	})
	if err != nil {
		return nil, err
	}

	out := make([]common.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, common.Position{
			Broker:        b.Name(),
			BrokerDisplay: b.Display(),
			Contract:      common.Contract{TradeType: common.TradeSecurities, Symbol: p.Symbol, Region: "US"},
			Unit:          common.UnitShare,
			Currency:      "USD",
			Qty:           p.Qty.IntPart(),
		})
	}
	return out, nil
}

func (b *Broker) Cash(ctx context.Context) (common.Cash, error) {
	acct, err := broker.CallSync(ctx, b.Base, func() (*alpaca.Account, error) {
		if err := b.tradeBucket.Wait(ctx); err != nil {
			return nil, err
		}
		return b.trading.GetAccount()
	})
	if err != nil {
		return common.Cash{}, err
	}
	currency := acct.Currency
	if currency == "" {
		currency = "USD"
	}
	return common.Cash{Currency: currency, Amount: acct.Cash.InexactFloat64()}, nil
}

func (b *Broker) Quote(ctx context.Context, c common.Contract) (common.Quote, error) {
	if err := b.checkContract(c); err != nil {
		return common.Quote{}, err
	}

	asset, err := broker.CallSync(ctx, b.Base, func() (*alpaca.Asset, error) {
		if err := b.tradeBucket.Wait(ctx); err != nil {
			return nil, err
		}
		return b.trading.GetAsset(c.Symbol)
	})
	if err != nil {
		return common.Quote{}, err
	}
	snap, err := broker.CallSync(ctx, b.Base, func() (*marketdata.Snapshot, error) {
		if err := b.dataBucket.Wait(ctx); err != nil {
			return nil, err
		}
		return b.data.GetSnapshot(c.Symbol, marketdata.GetSnapshotRequest{Feed: marketdata.Feed(b.args.Feed)})
	})
	if err != nil {
		return common.Quote{}, err
	}
	if snap == nil || snap.LatestTrade == nil {
		return common.Quote{}, b.Wrap(fmt.Errorf("no trade data for %s", c.Symbol))
	}

	q := common.Quote{
		Contract:   c,
		Currency:   "USD",
		IsTradable: asset.Tradable,
		Latest:     snap.LatestTrade.Price,
		Time:       snap.LatestTrade.Timestamp,
	}
	if bar := snap.DailyBar; bar != nil {
		q.Open, q.High, q.Low = bar.Open, bar.High, bar.Low
	}
	if bar := snap.PrevDailyBar; bar != nil {
		q.PreClose = bar.Close
	}
	return q, nil
}

// MarketStatus derives the US session from the exchange clock. Holidays
// only show up as closed when the clock says the next open is not today.
func (b *Broker) MarketStatus(ctx context.Context) (common.MarketStatusMap, error) {
	clock, err := broker.CallSync(ctx, b.Base, func() (*alpaca.Clock, error) {
		if err := b.tradeBucket.Wait(ctx); err != nil {
			return nil, err
		}
		return b.trading.GetClock()
	})
	if err != nil {
		return nil, err
	}
	loc, err := common.RegionTimezone("US")
	if err != nil {
		return nil, err
	}

	origin := clockStatus(clock, loc)
	out := common.MarketStatusMap{}
	out.Set(common.TradeSecurities, common.MarketStatus{
		Region:        "US",
		OriginStatus:  origin,
		UnifiedStatus: unifiedStatus(origin),
	})
	return out, nil
}

func clockStatus(clock *alpaca.Clock, loc *time.Location) string {
	if clock.IsOpen {
		return originOpen
	}
	now := clock.Timestamp.In(loc)
	minute := now.Hour()*60 + now.Minute()
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return originClosed
	}
	nextOpen := clock.NextOpen.In(loc)
	if sameDay(now, nextOpen) && minute >= 4*60 {
		return originPreMarket
	}
	if !sameDay(now, nextOpen) && minute >= 16*60 && minute < 20*60 {
		return originAfterHours
	}
	return originClosed
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func unifiedStatus(origin string) common.UnifiedStatus {
	switch origin {
	case originOpen:
		return common.StatusRTH
	case originPreMarket:
		return common.StatusPreHours
	case originAfterHours:
		return common.StatusAfterHours
	case originClosed:
		return common.StatusClosed
	}
	return common.StatusUnknown
}

// convertOrder maps an Alpaca order onto the canonical model. Terminal
// failure statuses become the error reason.
func convertOrder(o *alpaca.Order) common.Order {
	out := common.Order{
		OrderID:   o.ID,
		Currency:  "USD",
		FilledQty: o.FilledQty.IntPart(),
	}
	if o.Qty != nil {
		out.Qty = o.Qty.IntPart()
	}
	if o.FilledAvgPrice != nil {
		out.AvgPrice = o.FilledAvgPrice.InexactFloat64()
	}

	switch status := strings.ToLower(o.Status); status {
	case "canceled", "replaced":
		out.IsCanceled = true
	case "pending_cancel":
		out.IsPendingCancel = true
	case "rejected", "expired", "suspended", "stopped", "done_for_day":
		out.ErrorReason = "Order " + status
	}
	return out
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }
