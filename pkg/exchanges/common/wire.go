package common

import (
	"encoding/json"
	"strings"
)

// JSON projections. Every object carries a "type" discriminator so clients
// can decode heterogeneous payloads without knowing the route.

func (c Contract) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string    `json:"type"`
		TradeType TradeType `json:"tradeType"`
		Region    string    `json:"region"`
		Symbol    string    `json:"symbol"`
	}{"contract", c.TradeType, c.Region, c.Symbol})
}

func (p Position) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type          string   `json:"type"`
		Broker        string   `json:"broker"`
		BrokerDisplay string   `json:"brokerDisplay"`
		Contract      Contract `json:"contract"`
		Unit          Unit     `json:"unit"`
		Currency      string   `json:"currency"`
		Qty           int64    `json:"qty"`
	}{"position", p.Broker, p.BrokerDisplay, p.Contract, p.Unit, p.Currency, p.Qty})
}

func (c Cash) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type     string  `json:"type"`
		Currency string  `json:"currency"`
		Amount   float64 `json:"amount"`
	}{"cash", c.Currency, c.Amount})
}

func (s MarketStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type          string        `json:"type"`
		Region        string        `json:"region"`
		OriginStatus  string        `json:"originStatus"`
		UnifiedStatus UnifiedStatus `json:"unifiedStatus"`
	}{"marketStatus", s.Region, s.OriginStatus, s.UnifiedStatus})
}

// MarshalJSON keys trade types by their lower-case name.
func (m MarketStatusMap) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m)+1)
	out["type"] = "marketStatusMap"
	for tradeType, regions := range m {
		out[strings.ToLower(string(tradeType))] = regions
	}
	return json.Marshal(out)
}

// MarshalJSON emits the quote time as epoch milliseconds.
func (q Quote) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type       string   `json:"type"`
		Contract   Contract `json:"contract"`
		Currency   string   `json:"currency"`
		IsTradable bool     `json:"isTradable"`
		Latest     float64  `json:"latest"`
		PreClose   float64  `json:"preClose"`
		HighPrice  float64  `json:"highPrice"`
		LowPrice   float64  `json:"lowPrice"`
		OpenPrice  float64  `json:"openPrice"`
		Timestamp  int64    `json:"timestamp"`
	}{"quote", q.Contract, q.Currency, q.IsTradable, q.Latest, q.PreClose, q.High, q.Low, q.Open, q.Time.UnixMilli()})
}

func (o Order) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type         string  `json:"type"`
		OrderID      string  `json:"orderId"`
		Currency     string  `json:"currency"`
		Qty          int64   `json:"qty"`
		FilledQty    int64   `json:"filledQty"`
		AvgPrice     float64 `json:"avgPrice"`
		ErrorReason  string  `json:"errorReason"`
		IsCanceled   bool    `json:"isCanceled"`
		IsFilled     bool    `json:"isFilled"`
		IsCompleted  bool    `json:"isCompleted"`
		IsCancelable bool    `json:"isCancelable"`
	}{
		Type:         "order",
		OrderID:      o.OrderID,
		Currency:     o.Currency,
		Qty:          o.Qty,
		FilledQty:    o.FilledQty,
		AvgPrice:     o.AvgPrice,
		ErrorReason:  o.ErrorReason,
		IsCanceled:   o.IsCanceled,
		IsFilled:     o.IsFilled(),
		IsCompleted:  o.IsCompleted(),
		IsCancelable: o.IsCancelable(),
	})
}
