package simulator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xdusongwei/httptrading/internal/broker"
	"github.com/xdusongwei/httptrading/pkg/config"
	"github.com/xdusongwei/httptrading/pkg/exchanges/common"
)

type recordingSink struct {
	mu      sync.Mutex
	updates []broker.OrderUpdate
}

func (s *recordingSink) DumpOrder(u broker.OrderUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

// Monday 2024-06-03 10:00 in New York.
var testNow = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

func fastArgs() map[string]any {
	return map[string]any{
		"cash":        10000,
		"prices":      map[string]any{"AAPL": 100.0, "MSFT": 400.0},
		"positions":   map[string]any{"MSFT": 5},
		"order_rate":  600000,
		"quote_rate":  600000,
		"asset_rate":  600000,
		"market_rate": 600000,
	}
}

func newTestBroker(t *testing.T, args map[string]any, sink broker.OrderSink, opts ...Option) *Broker {
	t.Helper()
	reg := broker.NewRegistry()
	if err := reg.Register(Kind, Meta); err != nil {
		t.Fatalf("Register: %v", err)
	}
	b, err := New(reg, config.BrokerInstance{
		Kind:       Kind,
		InstanceID: "paper_account_0001",
		Tokens:     []string{"aaaaaaaaaaaaaaaaaaaa"},
		Args:       args,
	}, broker.Deps{Sink: sink}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func aapl() common.Contract {
	return common.Contract{TradeType: common.TradeSecurities, Symbol: "AAPL", Region: "US"}
}

func TestMarketOrderFillsImmediately(t *testing.T) {
	sink := &recordingSink{}
	b := newTestBroker(t, fastArgs(), sink)
	ctx := context.Background()

	id, err := b.PlaceOrder(ctx, common.PlaceOrderRequest{
		Contract:    aapl(),
		OrderType:   common.OrderTypeMarket,
		TimeInForce: common.TIFDay,
		Lifecycle:   common.LifecycleRTH,
		Direction:   common.DirectionBuy,
		Qty:         10,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	o, err := b.Order(ctx, id)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if !o.IsFilled() || o.AvgPrice != 100 || o.IsCancelable() {
		t.Fatalf("order=%+v, expected filled at 100", o)
	}

	cash, _ := b.Cash(ctx)
	if cash.Amount != 9000 || cash.Currency != "USD" {
		t.Fatalf("cash=%+v, expected 9000 USD", cash)
	}

	positions, _ := b.Positions(ctx)
	if len(positions) != 2 || positions[0].Contract != aapl() || positions[0].Qty != 10 {
		t.Fatalf("positions=%+v", positions)
	}
	if sink.count() != 1 {
		t.Fatalf("dumps=%d, expected 1", sink.count())
	}
}

func TestLimitOrderRestsUntilCrossed(t *testing.T) {
	sink := &recordingSink{}
	b := newTestBroker(t, fastArgs(), sink)
	ctx := context.Background()

	id, err := b.PlaceOrder(ctx, common.PlaceOrderRequest{
		Contract:  aapl(),
		OrderType: common.OrderTypeLimit,
		Lifecycle: common.LifecycleETH,
		Direction: common.DirectionBuy,
		Qty:       10,
		Price:     95,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	o, _ := b.Order(ctx, id)
	if !o.IsCancelable() || o.FilledQty != 0 {
		t.Fatalf("order=%+v, expected resting", o)
	}

	b.SetPrice("AAPL", 94)
	o, _ = b.Order(ctx, id)
	if !o.IsFilled() || o.AvgPrice != 95 {
		t.Fatalf("order=%+v, expected filled at limit 95", o)
	}
	if sink.count() != 2 {
		t.Fatalf("dumps=%d, expected 2", sink.count())
	}

	q, err := b.Quote(ctx, aapl())
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.Latest != 94 || q.Low != 94 || q.High != 100 || q.PreClose != 100 {
		t.Fatalf("quote=%+v", q)
	}
}

func TestCancelOrder(t *testing.T) {
	b := newTestBroker(t, fastArgs(), nil)
	ctx := context.Background()

	id, err := b.PlaceOrder(ctx, common.PlaceOrderRequest{
		Contract: aapl(), OrderType: common.OrderTypeLimit, Lifecycle: common.LifecycleRTH,
		Direction: common.DirectionSell, Qty: 1, Price: 500,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if err := b.CancelOrder(ctx, id); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	o, _ := b.Order(ctx, id)
	if !o.IsCanceled || !o.IsCompleted() {
		t.Fatalf("order=%+v, expected canceled", o)
	}

	err = b.CancelOrder(ctx, id)
	var unsupported *common.UnsupportedOperationError
	if !errors.As(err, &unsupported) {
		t.Fatalf("second cancel err=%v, expected UnsupportedOperationError", err)
	}

	err = b.CancelOrder(ctx, "missing")
	if !errors.Is(err, common.ErrOrderNotFound) {
		t.Fatalf("err=%v, expected ErrOrderNotFound", err)
	}
	var opErr *common.BrokerOperationError
	if !errors.As(err, &opErr) || opErr.InstanceID != "paper_account_0001" {
		t.Fatalf("err=%v, expected BrokerOperationError for the instance", err)
	}
}

func TestPlaceOrderRejections(t *testing.T) {
	b := newTestBroker(t, fastArgs(), nil)
	ctx := context.Background()

	t.Run("market order outside RTH", func(t *testing.T) {
		_, err := b.PlaceOrder(ctx, common.PlaceOrderRequest{
			Contract: aapl(), OrderType: common.OrderTypeMarket, Lifecycle: common.LifecycleOvernight,
			Direction: common.DirectionBuy, Qty: 1,
		})
		var unsupported *common.UnsupportedOperationError
		if !errors.As(err, &unsupported) {
			t.Fatalf("err=%v, expected UnsupportedOperationError", err)
		}
	})

	t.Run("other region", func(t *testing.T) {
		c := aapl()
		c.Region = "HK"
		_, err := b.PlaceOrder(ctx, common.PlaceOrderRequest{
			Contract: c, OrderType: common.OrderTypeMarket, Lifecycle: common.LifecycleRTH,
			Direction: common.DirectionBuy, Qty: 1,
		})
		var unsupported *common.UnsupportedOperationError
		if !errors.As(err, &unsupported) {
			t.Fatalf("err=%v, expected UnsupportedOperationError", err)
		}
	})

	t.Run("insufficient cash", func(t *testing.T) {
		id, err := b.PlaceOrder(ctx, common.PlaceOrderRequest{
			Contract: aapl(), OrderType: common.OrderTypeMarket, Lifecycle: common.LifecycleRTH,
			Direction: common.DirectionBuy, Qty: 1000,
		})
		if err != nil {
			t.Fatalf("PlaceOrder: %v", err)
		}
		o, _ := b.Order(ctx, id)
		if o.ErrorReason == "" || !o.IsCompleted() || o.IsFilled() {
			t.Fatalf("order=%+v, expected rejection", o)
		}
	})

	t.Run("invalid qty", func(t *testing.T) {
		_, err := b.PlaceOrder(ctx, common.PlaceOrderRequest{
			Contract: aapl(), OrderType: common.OrderTypeMarket, Lifecycle: common.LifecycleRTH,
			Direction: common.DirectionBuy,
		})
		if !errors.Is(err, common.ErrInvalidOrder) {
			t.Fatalf("err=%v, expected ErrInvalidOrder", err)
		}
	})
}

func TestMarketStatus(t *testing.T) {
	now := testNow
	b := newTestBroker(t, fastArgs(), nil, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	tests := []struct {
		name   string
		at     time.Time
		region string
		want   common.UnifiedStatus
	}{
		{name: "US regular session", at: testNow, region: "US", want: common.StatusRTH},
		{name: "US pre market", at: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC), region: "US", want: common.StatusPreHours},
		{name: "US after hours", at: time.Date(2024, 6, 3, 21, 0, 0, 0, time.UTC), region: "US", want: common.StatusAfterHours},
		{name: "US overnight", at: time.Date(2024, 6, 4, 2, 0, 0, 0, time.UTC), region: "US", want: common.StatusOvernight},
		{name: "HK lunch break", at: time.Date(2024, 6, 3, 4, 30, 0, 0, time.UTC), region: "HK", want: common.StatusRest},
		{name: "CN closed at night", at: testNow, region: "CN", want: common.StatusClosed},
		{name: "weekend", at: time.Date(2024, 6, 8, 15, 0, 0, 0, time.UTC), region: "US", want: common.StatusClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now = tt.at
			m, err := b.MarketStatus(ctx)
			if err != nil {
				t.Fatalf("MarketStatus: %v", err)
			}
			got := m[common.TradeSecurities][tt.region]
			if got.UnifiedStatus != tt.want {
				t.Fatalf("%s=%+v, expected %s", tt.region, got, tt.want)
			}
		})
	}
}

func writeTokenFile(t *testing.T, expiry time.Time) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token.toml")
	content := "token = \"initial-token\"\nexpiry = " + expiry.Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
	return path
}

func TestTokenRefresh(t *testing.T) {
	path := writeTokenFile(t, testNow.Add(24*time.Hour))
	args := fastArgs()
	args["token_file"] = path
	args["token_secret"] = "s3cret"
	b := newTestBroker(t, args, nil, WithClock(func() time.Time { return testNow }))

	refreshed, err := b.RefreshToken(context.Background())
	if err != nil || !refreshed {
		t.Fatalf("RefreshToken=%v,%v, expected refresh", refreshed, err)
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(b.keeper.Token(), claims, func(*jwt.Token) (interface{}, error) {
		return []byte("s3cret"), nil
	}, jwt.WithTimeFunc(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("parse rotated token: %v", err)
	}
	if claims.Subject != "paper_account_0001" {
		t.Fatalf("Subject=%q", claims.Subject)
	}
	if !b.keeper.Expiry().Equal(testNow.Add(TokenLifetime)) {
		t.Fatalf("Expiry=%v", b.keeper.Expiry())
	}

	refreshed, err = b.RefreshToken(context.Background())
	if err != nil || refreshed {
		t.Fatalf("second RefreshToken=%v,%v, expected no-op", refreshed, err)
	}
}

func TestPingFailsAfterTokenExpiry(t *testing.T) {
	now := testNow
	path := writeTokenFile(t, testNow.Add(time.Hour))
	args := fastArgs()
	args["token_file"] = path
	b := newTestBroker(t, args, nil, WithClock(func() time.Time { return now }))

	if ok, _ := b.Ping(context.Background()); !ok {
		t.Fatalf("Ping=false before expiry")
	}
	now = testNow.Add(2 * time.Hour)
	if ok, _ := b.Ping(context.Background()); ok {
		t.Fatalf("Ping=true after expiry")
	}
}

func TestStartDumpsActiveOrders(t *testing.T) {
	sink := &recordingSink{}
	reg := broker.NewRegistry()
	_ = reg.Register(Kind, Meta)
	b, err := New(reg, config.BrokerInstance{
		Kind:       Kind,
		InstanceID: "paper_account_0001",
		Tokens:     []string{"aaaaaaaaaaaaaaaaaaaa"},
		Args:       fastArgs(),
	}, broker.Deps{Sink: sink, DumpActiveOrders: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	_, err = b.PlaceOrder(ctx, common.PlaceOrderRequest{
		Contract: aapl(), OrderType: common.OrderTypeLimit, Lifecycle: common.LifecycleRTH,
		Direction: common.DirectionBuy, Qty: 1, Price: 50,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Shutdown(ctx)

	if sink.count() != 2 {
		t.Fatalf("dumps=%d, expected 2", sink.count())
	}
}
