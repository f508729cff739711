package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xdusongwei/httptrading/internal/persistence"
	"github.com/xdusongwei/httptrading/pkg/db"
	"github.com/xdusongwei/httptrading/pkg/exchanges/common"
)

type placeOrderRequest struct {
	TradeType   string  `json:"tradeType"`
	Region      string  `json:"region"`
	Symbol      string  `json:"symbol"`
	OrderType   string  `json:"orderType"`
	TimeInForce string  `json:"timeInForce"`
	Lifecycle   string  `json:"lifecycle"`
	Direction   string  `json:"direction"`
	Qty         int64   `json:"qty"`
	Price       float64 `json:"price"`
}

type cancelOrderRequest struct {
	OrderID string `json:"orderId"`
}

type orderHistoryQuery struct {
	Limit int `form:"limit"`
}

func (q *orderHistoryQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func (r placeOrderRequest) toCommon() (common.PlaceOrderRequest, error) {
	contract, err := parseContract(r.TradeType, r.Region, r.Symbol)
	if err != nil {
		return common.PlaceOrderRequest{}, err
	}
	orderType, err := common.ParseOrderType(r.OrderType)
	if err != nil {
		return common.PlaceOrderRequest{}, fmt.Errorf("%w: %v", common.ErrInvalidOrder, err)
	}
	tif, err := common.ParseTimeInForce(r.TimeInForce)
	if err != nil {
		return common.PlaceOrderRequest{}, fmt.Errorf("%w: %v", common.ErrInvalidOrder, err)
	}
	lifecycle, err := common.ParseLifecycle(r.Lifecycle)
	if err != nil {
		return common.PlaceOrderRequest{}, fmt.Errorf("%w: %v", common.ErrInvalidOrder, err)
	}
	direction, err := common.ParseDirection(r.Direction)
	if err != nil {
		return common.PlaceOrderRequest{}, fmt.Errorf("%w: %v", common.ErrInvalidOrder, err)
	}
	req := common.PlaceOrderRequest{
		Contract:    contract,
		OrderType:   orderType,
		TimeInForce: tif,
		Lifecycle:   lifecycle,
		Direction:   direction,
		Qty:         r.Qty,
		Price:       r.Price,
	}
	return req, req.Validate()
}

func parseContract(tradeType, region, symbol string) (common.Contract, error) {
	tt, err := common.ParseTradeType(tradeType)
	if err != nil {
		return common.Contract{}, err
	}
	if region == "" || symbol == "" {
		return common.Contract{}, errors.New("region and symbol are required")
	}
	return common.Contract{TradeType: tt, Region: region, Symbol: symbol}, nil
}

func (s *Server) placeOrder(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		_ = c.Error(err)
		return
	}
	var body placeOrderRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		_ = c.Error(fmt.Errorf("invalid request body: %w", err))
		return
	}
	// Echoed back verbatim as "args".
	var args map[string]any
	_ = json.Unmarshal(raw, &args)

	req, err := body.toCommon()
	if err != nil {
		_ = c.Error(err)
		return
	}

	orderID, err := currentBroker(c).PlaceOrder(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	respondOK(c, gin.H{"orderId": orderID, "args": args})
}

func (s *Server) orderState(c *gin.Context) {
	orderID := c.Query("orderId")
	if orderID == "" {
		_ = c.Error(errors.New("orderId is required"))
		return
	}
	order, err := currentBroker(c).Order(c.Request.Context(), orderID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	respondOK(c, gin.H{"order": order})
}

func (s *Server) cancelOrder(c *gin.Context) {
	var body cancelOrderRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		_ = c.Error(fmt.Errorf("invalid request body: %w", err))
		return
	}
	if body.OrderID == "" {
		_ = c.Error(errors.New("orderId is required"))
		return
	}
	if err := currentBroker(c).CancelOrder(c.Request.Context(), body.OrderID); err != nil {
		_ = c.Error(err)
		return
	}
	respondOK(c, gin.H{"canceled": true})
}

func (s *Server) cashState(c *gin.Context) {
	cash, err := currentBroker(c).Cash(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	respondOK(c, gin.H{"cash": cash})
}

func (s *Server) positionState(c *gin.Context) {
	positions, err := currentBroker(c).Positions(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	if positions == nil {
		positions = []common.Position{}
	}
	respondOK(c, gin.H{"positions": positions})
}

func (s *Server) pingState(c *gin.Context) {
	pong, err := currentBroker(c).Ping(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	respondOK(c, gin.H{"pong": pong})
}

func (s *Server) marketState(c *gin.Context) {
	status, err := currentBroker(c).MarketStatus(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	if status == nil {
		status = common.MarketStatusMap{}
	}
	respondOK(c, gin.H{"marketStatus": status})
}

func (s *Server) marketQuote(c *gin.Context) {
	contract, err := parseContract(c.Query("tradeType"), c.Query("region"), c.Query("symbol"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	quote, err := currentBroker(c).Quote(c.Request.Context(), contract)
	if err != nil {
		_ = c.Error(err)
		return
	}
	respondOK(c, gin.H{"quote": quote})
}

// orderDumpView is the wire form of a stored order snapshot.
type orderDumpView struct {
	Type     string       `json:"type"`
	Order    common.Order `json:"order"`
	DumpedAt int64        `json:"dumpedAt"`
}

func (s *Server) orderHistory(c *gin.Context) {
	b := currentBroker(c)
	if s.DB == nil {
		_ = c.Error(&common.UnsupportedOperationError{Broker: b.Name(), Operation: "order history", Detail: "order dumps are disabled"})
		return
	}
	var q orderHistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(fmt.Errorf("invalid limit: %w", err))
		return
	}
	q.normalize()

	dumps, err := s.DB.Queries().ListOrderDumps(c.Request.Context(), b.InstanceID(), q.Limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	out := make([]orderDumpView, 0, len(dumps))
	for _, d := range dumps {
		out = append(out, dumpView(d))
	}
	respondOK(c, gin.H{"orders": out, "limit": q.Limit})
}

// exportOrderHistory streams the same dumps as orderHistory as one Parquet file.
func (s *Server) exportOrderHistory(c *gin.Context) {
	b := currentBroker(c)
	if s.DB == nil {
		_ = c.Error(&common.UnsupportedOperationError{Broker: b.Name(), Operation: "order history", Detail: "order dumps are disabled"})
		return
	}
	var q orderHistoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		_ = c.Error(fmt.Errorf("invalid limit: %w", err))
		return
	}
	q.normalize()

	dumps, err := s.DB.Queries().ListOrderDumps(c.Request.Context(), b.InstanceID(), q.Limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	var buf bytes.Buffer
	if err := persistence.WriteParquet(&buf, dumps); err != nil {
		_ = c.Error(err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-orders.parquet"`, b.InstanceID()))
	c.Data(http.StatusOK, "application/vnd.apache.parquet", buf.Bytes())
}

func dumpView(d db.OrderDump) orderDumpView {
	return orderDumpView{
		Type: "orderDump",
		Order: common.Order{
			OrderID:         d.OrderID,
			Currency:        d.Currency,
			Qty:             d.Qty,
			FilledQty:       d.FilledQty,
			AvgPrice:        d.AvgPrice,
			ErrorReason:     d.ErrorReason,
			IsCanceled:      d.IsCanceled,
			IsPendingCancel: d.IsPendingCancel,
		},
		DumpedAt: d.DumpedAt.UnixMilli(),
	}
}
