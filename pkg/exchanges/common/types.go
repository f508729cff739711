package common

import "fmt"

// TradeType classifies the instrument family a contract belongs to.
type TradeType string

const (
	TradeSecurities       TradeType = "Securities"
	TradeCryptocurrencies TradeType = "Cryptocurrencies"
	TradeIndexes          TradeType = "Indexes"
	TradeCurrencies       TradeType = "Currencies"
	TradeYields           TradeType = "Yields"
)

// Unit is the quantity unit of a position.
type Unit string

const (
	UnitShare    Unit = "Share"
	UnitRoundLot Unit = "RoundLot"
	UnitSatoshi  Unit = "Satoshi"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeLimit  OrderType = "Limit"
	OrderTypeMarket OrderType = "Market"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
)

// Lifecycle selects the trading session an order may execute in.
type Lifecycle string

const (
	LifecycleRTH       Lifecycle = "RTH"       // regular trading hours
	LifecycleETH       Lifecycle = "ETH"       // pre/after hours included
	LifecycleOvernight Lifecycle = "OVERNIGHT" // overnight session
)

// Direction denotes order side.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// UnifiedStatus normalizes vendor market-session states.
type UnifiedStatus string

const (
	StatusUnknown    UnifiedStatus = "UNKNOWN"
	StatusOvernight  UnifiedStatus = "OVERNIGHT"
	StatusPreHours   UnifiedStatus = "PRE_HOURS"
	StatusRTH        UnifiedStatus = "RTH"
	StatusRest       UnifiedStatus = "REST"
	StatusAfterHours UnifiedStatus = "AFTER_HOURS"
	StatusClosed     UnifiedStatus = "CLOSED"
)

var (
	tradeTypes     = []TradeType{TradeSecurities, TradeCryptocurrencies, TradeIndexes, TradeCurrencies, TradeYields}
	units          = []Unit{UnitShare, UnitRoundLot, UnitSatoshi}
	orderTypes     = []OrderType{OrderTypeLimit, OrderTypeMarket}
	timeInForces   = []TimeInForce{TIFDay, TIFGTC}
	lifecycles     = []Lifecycle{LifecycleRTH, LifecycleETH, LifecycleOvernight}
	directions     = []Direction{DirectionBuy, DirectionSell}
	unifiedStatues = []UnifiedStatus{StatusUnknown, StatusOvernight, StatusPreHours, StatusRTH, StatusRest, StatusAfterHours, StatusClosed}
)

func parseEnum[T ~string](kind, s string, all []T) (T, error) {
	for _, v := range all {
		if string(v) == s {
			return v, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("invalid %s %q", kind, s)
}

// ParseTradeType accepts the exact enum name, e.g. "Securities".
func ParseTradeType(s string) (TradeType, error) { return parseEnum("tradeType", s, tradeTypes) }

func ParseUnit(s string) (Unit, error) { return parseEnum("unit", s, units) }

func ParseOrderType(s string) (OrderType, error) { return parseEnum("orderType", s, orderTypes) }

func ParseTimeInForce(s string) (TimeInForce, error) {
	return parseEnum("timeInForce", s, timeInForces)
}

func ParseLifecycle(s string) (Lifecycle, error) { return parseEnum("lifecycle", s, lifecycles) }

func ParseDirection(s string) (Direction, error) { return parseEnum("direction", s, directions) }

func ParseUnifiedStatus(s string) (UnifiedStatus, error) {
	return parseEnum("unifiedStatus", s, unifiedStatues)
}

// TradeTypes lists every trade type in declaration order.
func TradeTypes() []TradeType {
	return append([]TradeType(nil), tradeTypes...)
}
