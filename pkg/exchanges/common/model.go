package common

import (
	"fmt"
	"time"
)

// Contract identifies a tradable instrument. Two contracts are equal when
// trade type, symbol and region all match, so it can key maps directly.
type Contract struct {
	TradeType TradeType
	Symbol    string
	Region    string
}

// Order is the canonical view of a broker order. The Is* methods derive its
// completion state; brokers only fill in the raw facts.
type Order struct {
	OrderID         string
	Currency        string
	Qty             int64
	FilledQty       int64
	AvgPrice        float64
	ErrorReason     string
	IsCanceled      bool
	IsPendingCancel bool
}

// IsFilled reports whether the filled quantity reached the order quantity.
// FilledQty above Qty is accepted and still counts as filled.
func (o Order) IsFilled() bool {
	return o.FilledQty >= o.Qty
}

// IsCompleted reports whether the order reached a terminal state.
func (o Order) IsCompleted() bool {
	return o.IsFilled() || o.IsCanceled || o.ErrorReason != ""
}

// IsCancelable reports whether a cancel request still makes sense.
func (o Order) IsCancelable() bool {
	return !o.IsCompleted() && !o.IsPendingCancel
}

type Position struct {
	Broker        string
	BrokerDisplay string
	Contract      Contract
	Unit          Unit
	Currency      string
	Qty           int64
}

type Cash struct {
	Currency string
	Amount   float64
}

// Quote is a snapshot of the latest prices for a contract.
type Quote struct {
	Contract   Contract
	Currency   string
	IsTradable bool
	Latest     float64
	PreClose   float64
	Open       float64
	High       float64
	Low        float64
	Time       time.Time
}

// MarketStatus pairs the vendor's raw session label with its unified form.
type MarketStatus struct {
	Region        string
	OriginStatus  string
	UnifiedStatus UnifiedStatus
}

// MarketStatusMap groups market status by trade type, then by region.
type MarketStatusMap map[TradeType]map[string]MarketStatus

// Set stores status under its trade type and region.
func (m MarketStatusMap) Set(tradeType TradeType, status MarketStatus) {
	regions, ok := m[tradeType]
	if !ok {
		regions = make(map[string]MarketStatus)
		m[tradeType] = regions
	}
	regions[status.Region] = status
}

// PlaceOrderRequest captures an order intent to be sent to a broker.
type PlaceOrderRequest struct {
	Contract    Contract
	OrderType   OrderType
	TimeInForce TimeInForce
	Lifecycle   Lifecycle
	Direction   Direction
	Qty         int64
	Price       float64 // required for Limit
}

// Validate checks the request shape independent of any broker.
func (r PlaceOrderRequest) Validate() error {
	if r.Contract.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidOrder)
	}
	if r.Qty <= 0 {
		return fmt.Errorf("%w: qty must be positive", ErrInvalidOrder)
	}
	if r.OrderType == OrderTypeLimit && r.Price <= 0 {
		return fmt.Errorf("%w: limit order requires a positive price", ErrInvalidOrder)
	}
	return nil
}
