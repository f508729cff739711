package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/xdusongwei/httptrading/internal/broker"
	"github.com/xdusongwei/httptrading/internal/broker/simulator"
	"github.com/xdusongwei/httptrading/internal/events"
	"github.com/xdusongwei/httptrading/internal/gateway"
	"github.com/xdusongwei/httptrading/internal/monitor"
	"github.com/xdusongwei/httptrading/internal/persistence"
	"github.com/xdusongwei/httptrading/pkg/config"
	"github.com/xdusongwei/httptrading/pkg/db"
)

const (
	testInstance = "paper_account_0001"
	testToken    = "aaaaaaaaaaaaaaaaaaaa"
)

// Monday 2024-06-03 10:00 in New York.
var testNow = time.Date(2024, 6, 3, 14, 0, 0, 0, time.UTC)

type testEnv struct {
	ts      *httptest.Server
	api     *Server
	sim     *simulator.Broker
	writer  *persistence.BatchWriter
	metrics *monitor.SystemMetrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	bus := events.NewBus()
	writer := persistence.NewBatchWriter(database.DB, 100, time.Hour, nil)
	sink := gateway.MultiSink{persistence.NewOrderDumpWriter(writer), events.OrderPublisher{Bus: bus}}

	reg := broker.NewRegistry()
	if err := reg.Register(simulator.Kind, simulator.Meta); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sim, err := simulator.New(reg, config.BrokerInstance{
		Kind:       simulator.Kind,
		InstanceID: testInstance,
		Tokens:     []string{testToken},
		Args: map[string]any{
			"cash":        10000,
			"prices":      map[string]any{"AAPL": 100.0},
			"order_rate":  600000,
			"quote_rate":  600000,
			"asset_rate":  600000,
			"market_rate": 600000,
		},
	}, broker.Deps{Sink: sink}, simulator.WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("simulator.New: %v", err)
	}

	mgr := gateway.NewManager(gateway.DefaultConfig(), bus, nil)
	if err := mgr.Add(sim); err != nil {
		t.Fatalf("Add: %v", err)
	}

	metrics := monitor.NewSystemMetrics()
	server := NewServer(mgr, bus, database, metrics, Options{})
	ts := httptest.NewServer(server.Router)

	t.Cleanup(func() {
		ts.Close()
		_ = writer.Close()
		_ = database.Close()
	})
	return &testEnv{ts: ts, api: server, sim: sim, writer: writer, metrics: metrics}
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("HT-TOKEN", token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func rawRequest(t *testing.T, client *http.Client, method, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("HT-TOKEN", token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func (e *testEnv) url(path string) string {
	return e.ts.URL + "/api/" + testInstance + path
}

type envelope struct {
	Type          string  `json:"type"`
	InstanceID    *string `json:"instanceId"`
	Broker        *string `json:"broker"`
	BrokerDisplay *string `json:"brokerDisplay"`
	Time          string  `json:"time"`
	Ex            *string `json:"ex"`
}

func TestAuthFailuresLookLikeUnknownRoutes(t *testing.T) {
	env := newTestEnv(t)
	client := env.ts.Client()

	wantStatus, wantBody := rawRequest(t, client, http.MethodGet, env.ts.URL+"/no/such/route", "")
	if wantStatus != http.StatusNotFound {
		t.Fatalf("unknown route status=%d", wantStatus)
	}

	tests := []struct {
		name  string
		url   string
		token string
	}{
		{"missing token", env.url("/cash/state"), ""},
		{"short token", env.url("/cash/state"), "short"},
		{"15 character token", env.url("/cash/state"), testToken[:15]},
		{"long token", env.url("/cash/state"), strings.Repeat("a", 65)},
		{"wrong token", env.url("/cash/state"), "bbbbbbbbbbbbbbbbbbbb"},
		{"unknown instance", env.ts.URL + "/api/other_account_0001/cash/state", testToken},
		{"malformed instance", env.ts.URL + "/api/short/cash/state", testToken},
		{"instance with symbols", env.ts.URL + "/api/paper-account-0001/cash/state", testToken},
		{"unknown operation", env.url("/cash/history"), testToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := rawRequest(t, client, http.MethodGet, tt.url, tt.token)
			if status != wantStatus || body != wantBody {
				t.Fatalf("got %d %q, expected %d %q", status, body, wantStatus, wantBody)
			}
		})
	}

	if env.metrics.GetSnapshot().AuthFailures != 8 {
		t.Fatalf("AuthFailures=%d, expected 8", env.metrics.GetSnapshot().AuthFailures)
	}
}

func TestPlaceAndQueryOrder(t *testing.T) {
	env := newTestEnv(t)
	client := env.ts.Client()

	payload := map[string]any{
		"tradeType":   "Securities",
		"region":      "US",
		"symbol":      "AAPL",
		"orderType":   "Limit",
		"timeInForce": "DAY",
		"lifecycle":   "RTH",
		"direction":   "BUY",
		"qty":         10,
		"price":       99.5,
	}
	var placed struct {
		envelope
		OrderID string         `json:"orderId"`
		Args    map[string]any `json:"args"`
	}
	status := doJSONRequest(t, client, http.MethodPost, env.url("/order/place"), testToken, payload, &placed)
	if status != http.StatusOK {
		t.Fatalf("status=%d", status)
	}
	if placed.Type != "apiResponse" || placed.Ex != nil || placed.OrderID == "" {
		t.Fatalf("response=%+v", placed)
	}
	if *placed.InstanceID != testInstance || *placed.Broker != "simulator" || *placed.BrokerDisplay != "Paper Trading" {
		t.Fatalf("identity=%v/%v/%v", *placed.InstanceID, *placed.Broker, *placed.BrokerDisplay)
	}
	if placed.Args["symbol"] != "AAPL" || placed.Args["price"] != 99.5 {
		t.Fatalf("args=%v", placed.Args)
	}
	if _, err := time.Parse(time.RFC3339Nano, placed.Time); err != nil {
		t.Fatalf("time=%q: %v", placed.Time, err)
	}

	var state struct {
		envelope
		Order map[string]any `json:"order"`
	}
	doJSONRequest(t, client, http.MethodGet, env.url("/order/state?orderId="+placed.OrderID), testToken, nil, &state)
	if state.Order["type"] != "order" || state.Order["isCancelable"] != true || state.Order["isFilled"] != false {
		t.Fatalf("order=%v", state.Order)
	}

	var canceled struct {
		envelope
		Canceled bool `json:"canceled"`
	}
	doJSONRequest(t, client, http.MethodPost, env.url("/order/cancel"), testToken, map[string]string{"orderId": placed.OrderID}, &canceled)
	if !canceled.Canceled || canceled.Ex != nil {
		t.Fatalf("cancel=%+v", canceled)
	}

	if err := env.writer.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	var history struct {
		envelope
		Orders []struct {
			Type  string         `json:"type"`
			Order map[string]any `json:"order"`
		} `json:"orders"`
	}
	doJSONRequest(t, client, http.MethodGet, env.url("/order/history?limit=10"), testToken, nil, &history)
	if len(history.Orders) != 2 {
		t.Fatalf("history=%+v, expected place and cancel dumps", history.Orders)
	}
	if history.Orders[0].Order["isCanceled"] != true {
		t.Fatalf("newest dump=%v, expected canceled", history.Orders[0].Order)
	}

	status, body := rawRequest(t, client, http.MethodGet, env.url("/order/history/export"), testToken)
	if status != http.StatusOK {
		t.Fatalf("export status=%d", status)
	}
	records, err := persistence.ReadParquet(strings.NewReader(body), int64(len(body)))
	if err != nil {
		t.Fatalf("ReadParquet: %v", err)
	}
	if len(records) != 2 || records[0].OrderID != placed.OrderID || records[0].InstanceID != testInstance {
		t.Fatalf("records=%+v", records)
	}
}

func TestErrorsRenderEnvelope(t *testing.T) {
	env := newTestEnv(t)
	client := env.ts.Client()

	tests := []struct {
		name    string
		method  string
		path    string
		payload any
		wantEx  string
	}{
		{"unknown order", http.MethodPost, "/order/cancel", map[string]string{"orderId": "nope"}, "order not found"},
		{"missing order id", http.MethodGet, "/order/state", nil, "orderId is required"},
		{"bad enum", http.MethodPost, "/order/place", map[string]any{
			"tradeType": "Securities", "region": "US", "symbol": "AAPL", "orderType": "Stop",
			"timeInForce": "DAY", "lifecycle": "RTH", "direction": "BUY", "qty": 1,
		}, "invalid orderType"},
		{"unsupported region", http.MethodGet, "/market/quote?tradeType=Securities&region=HK&symbol=00700", nil, "does not support region"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp envelope
			status := doJSONRequest(t, client, tt.method, env.url(tt.path), testToken, tt.payload, &resp)
			if status != http.StatusOK {
				t.Fatalf("status=%d, expected 200", status)
			}
			if resp.Type != "apiResponse" || resp.Ex == nil || !strings.Contains(*resp.Ex, tt.wantEx) {
				t.Fatalf("response=%+v, expected ex containing %q", resp, tt.wantEx)
			}
			if resp.InstanceID == nil || *resp.InstanceID != testInstance {
				t.Fatalf("instanceId=%v", resp.InstanceID)
			}
		})
	}

	var resp envelope
	doJSONRequest(t, client, http.MethodPost, env.url("/order/cancel"), testToken, map[string]string{"orderId": "nope"}, &resp)
	if !strings.HasPrefix(*resp.Ex, "["+testInstance+"]simulator(Paper Trading) error:") {
		t.Fatalf("ex=%q", *resp.Ex)
	}
	if env.metrics.GetSnapshot().BrokerErrors["simulator"] == 0 {
		t.Fatalf("broker errors not counted")
	}
}

func TestEnvelopeRecoversPanics(t *testing.T) {
	env := newTestEnv(t)
	r := gin.New()
	r.GET("/api/:instance_id/boom", env.api.BrokerAuth(), env.api.Envelope(), func(c *gin.Context) {
		panic("kaboom")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/"+testInstance+"/boom", nil)
	req.Header.Set("HT-TOKEN", testToken)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, expected 200", w.Code)
	}
	var resp envelope
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Ex == nil || *resp.Ex != "kaboom" || *resp.Broker != "simulator" {
		t.Fatalf("response=%+v", resp)
	}
	if strings.Contains(w.Body.String(), "goroutine") {
		t.Fatalf("stack trace leaked: %s", w.Body.String())
	}
}

func TestAccountAndMarketRoutes(t *testing.T) {
	env := newTestEnv(t)
	client := env.ts.Client()

	var cash struct {
		envelope
		Cash map[string]any `json:"cash"`
	}
	doJSONRequest(t, client, http.MethodGet, env.url("/cash/state"), testToken, nil, &cash)
	if cash.Cash["type"] != "cash" || cash.Cash["currency"] != "USD" || cash.Cash["amount"] != 10000.0 {
		t.Fatalf("cash=%v", cash.Cash)
	}

	var positions struct {
		envelope
		Positions []any `json:"positions"`
	}
	doJSONRequest(t, client, http.MethodGet, env.url("/position/state"), testToken, nil, &positions)
	if positions.Positions == nil || len(positions.Positions) != 0 {
		t.Fatalf("positions=%v, expected empty list", positions.Positions)
	}

	var ping struct {
		envelope
		Pong bool `json:"pong"`
	}
	doJSONRequest(t, client, http.MethodGet, env.url("/ping/state"), testToken, nil, &ping)
	if !ping.Pong {
		t.Fatalf("pong=false")
	}

	var market struct {
		envelope
		MarketStatus map[string]any `json:"marketStatus"`
	}
	doJSONRequest(t, client, http.MethodGet, env.url("/market/state"), testToken, nil, &market)
	if market.MarketStatus["type"] != "marketStatusMap" {
		t.Fatalf("marketStatus=%v", market.MarketStatus)
	}
	securities, ok := market.MarketStatus["securities"].(map[string]any)
	if !ok {
		t.Fatalf("marketStatus=%v, expected securities key", market.MarketStatus)
	}
	us := securities["US"].(map[string]any)
	if us["unifiedStatus"] != "RTH" || us["originStatus"] != "TRADING" {
		t.Fatalf("US=%v", us)
	}

	var quote struct {
		envelope
		Quote map[string]any `json:"quote"`
	}
	doJSONRequest(t, client, http.MethodGet, env.url("/market/quote?tradeType=Securities&region=US&symbol=AAPL"), testToken, nil, &quote)
	if quote.Quote["latest"] != 100.0 || quote.Quote["timestamp"] != float64(testNow.UnixMilli()) {
		t.Fatalf("quote=%v", quote.Quote)
	}
}

func TestHealthAndMetricsHideInstanceIDs(t *testing.T) {
	env := newTestEnv(t)
	client := env.ts.Client()

	for _, path := range []string{"/health", "/metrics", "/metrics/prometheus"} {
		status, body := rawRequest(t, client, http.MethodGet, env.ts.URL+path, "")
		if status != http.StatusOK {
			t.Fatalf("%s status=%d", path, status)
		}
		if strings.Contains(body, testInstance) {
			t.Fatalf("%s leaks the instance id: %s", path, body)
		}
	}

	var metrics monitor.MetricsSnapshot
	doJSONRequest(t, client, http.MethodGet, env.ts.URL+"/metrics", "", nil, &metrics)
	if metrics.Instances.Total != 1 || metrics.Requests == 0 {
		t.Fatalf("metrics=%+v", metrics)
	}

	_, text := rawRequest(t, client, http.MethodGet, env.ts.URL+"/metrics/prometheus", "")
	if !strings.Contains(text, `httptrading_instances{status="total"} 1`) {
		t.Fatalf("prometheus exposition is missing the instance gauge:\n%s", text)
	}
}

func TestOrderStream(t *testing.T) {
	env := newTestEnv(t)

	header := http.Header{}
	header.Set("HT-TOKEN", testToken)
	wsURL := "ws" + strings.TrimPrefix(env.url("/order/stream"), "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v (resp=%v)", err, resp)
	}
	defer conn.Close()

	env.sim.SetPrice("AAPL", 101)
	payload := map[string]any{
		"tradeType": "Securities", "region": "US", "symbol": "AAPL", "orderType": "Market",
		"timeInForce": "DAY", "lifecycle": "RTH", "direction": "BUY", "qty": 1,
	}
	var placed struct {
		envelope
		OrderID string `json:"orderId"`
	}
	doJSONRequest(t, env.ts.Client(), http.MethodPost, env.url("/order/place"), testToken, payload, &placed)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type       string         `json:"type"`
		InstanceID string         `json:"instanceId"`
		Order      map[string]any `json:"order"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg.Type != "orderUpdate" || msg.InstanceID != testInstance || msg.Order["orderId"] != placed.OrderID {
		t.Fatalf("msg=%+v, expected update for %s", msg, placed.OrderID)
	}
	if msg.Order["isFilled"] != true {
		t.Fatalf("order=%v, expected filled", msg.Order)
	}

	_, _, err = websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("dial without token succeeded")
	}
}

func TestIPRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(1, 2)
	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatalf("burst of 2 rejected")
	}
	if l.Allow("10.0.0.1") {
		t.Fatalf("third request allowed, expected limit")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatalf("other client limited")
	}

	unlimited := NewIPRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		if !unlimited.Allow("10.0.0.1") {
			t.Fatalf("disabled limiter rejected a request")
		}
	}
}
