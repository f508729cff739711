package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xdusongwei/httptrading/internal/events"
	"github.com/xdusongwei/httptrading/internal/gateway"
	"github.com/xdusongwei/httptrading/internal/monitor"
	"github.com/xdusongwei/httptrading/pkg/db"
)

// Options tune the HTTP surface.
type Options struct {
	TokenHeader    string
	IPRateLimit    float64 // requests per second per client IP; 0 disables
	IPRateBurst    int
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Server wires HTTP endpoints around the broker instances.
type Server struct {
	Router  *gin.Engine
	Manager *gateway.Manager
	Bus     *events.Bus
	DB      *db.Database // optional; enables order history
	Metrics *monitor.SystemMetrics

	opts    Options
	limiter *IPRateLimiter
	logger  *slog.Logger
}

func NewServer(mgr *gateway.Manager, bus *events.Bus, database *db.Database, metrics *monitor.SystemMetrics, opts Options) *Server {
	if opts.TokenHeader == "" {
		opts.TokenHeader = "HT-TOKEN"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if metrics == nil {
		metrics = monitor.NewSystemMetrics()
	}

	s := &Server{
		Router:  gin.New(),
		Manager: mgr,
		Bus:     bus,
		DB:      database,
		Metrics: metrics,
		opts:    opts,
		limiter: NewIPRateLimiter(opts.IPRateLimit, opts.IPRateBurst),
		logger:  opts.Logger.With("component", "api"),
	}

	// Middleware stack (order matters!)
	s.Router.Use(gin.Recovery())
	s.Router.Use(RequestIDMiddleware())
	s.Router.Use(RequestLogger(s.logger, metrics))
	s.Router.Use(s.limiter.Middleware(metrics))
	s.Router.Use(CORSMiddleware(opts.TokenHeader))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.NoRoute(notFound)
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", s.getMetrics)
	s.Router.GET("/metrics/prometheus", gin.WrapH(promhttp.HandlerFor(monitor.NewRegistry(s.Metrics), promhttp.HandlerOpts{})))

	api := s.Router.Group("/api/:instance_id", s.BrokerAuth())
	api.GET("/order/stream", s.orderStream)

	calls := api.Group("", TimeoutMiddleware(s.opts.RequestTimeout), s.Envelope())
	{
		calls.POST("/order/place", s.placeOrder)
		calls.GET("/order/state", s.orderState)
		calls.POST("/order/cancel", s.cancelOrder)
		calls.GET("/order/history", s.orderHistory)
		calls.GET("/order/history/export", s.exportOrderHistory)
		calls.GET("/cash/state", s.cashState)
		calls.GET("/position/state", s.positionState)
		calls.GET("/ping/state", s.pingState)
		calls.GET("/market/state", s.marketState)
		calls.GET("/market/quote", s.marketQuote)
	}
}

func (s *Server) health(c *gin.Context) {
	stats := s.Manager.Stats()
	status := "ok"
	if stats.Unhealthy > 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"instances": stats.Total,
		"unhealthy": stats.Unhealthy,
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	s.Metrics.SetGatewayStats(s.Manager.Stats())
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// Handler exposes the router for http.Server.
func (s *Server) Handler() http.Handler {
	return s.Router
}
