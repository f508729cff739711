package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/xdusongwei/httptrading/internal/monitor"
	"github.com/xdusongwei/httptrading/pkg/config"
	"github.com/xdusongwei/httptrading/pkg/exchanges/common"
)

const (
	ctxRequestID = "RequestID"
	ctxBroker    = "Broker"
)

// IPRateLimiter keeps one token bucket per client IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipLimiter
	limit    rate.Limit
	burst    int
	idle     time.Duration
	swept    time.Time
}

type ipLimiter struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewIPRateLimiter allows rps requests per second per IP with the given
// burst. rps <= 0 disables limiting.
func NewIPRateLimiter(rps float64, burst int) *IPRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &IPRateLimiter{
		limiters: make(map[string]*ipLimiter),
		limit:    rate.Limit(rps),
		burst:    burst,
		idle:     5 * time.Minute,
		swept:    time.Now(),
	}
}

// Allow reports whether ip may make a request now.
func (l *IPRateLimiter) Allow(ip string) bool {
	if l.limit <= 0 {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Drop limiters of clients that went quiet.
	if now.Sub(l.swept) > l.idle {
		for k, v := range l.limiters {
			if now.Sub(v.seen) > l.idle {
				delete(l.limiters, k)
			}
		}
		l.swept = now
	}

	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = entry
	}
	entry.seen = now
	return entry.limiter.AllowN(now, 1)
}

// Middleware rejects clients over their limit with 429.
func (l *IPRateLimiter) Middleware(metrics *monitor.SystemMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !l.Allow(ip) {
			if metrics != nil {
				metrics.IncrementRateLimited()
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate limit exceeded",
				"message": "too many requests, please slow down",
			})
			return
		}
		c.Next()
	}
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware(tokenHeader string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-Request-ID, accept, origin, Cache-Control, X-Requested-With, "+tokenHeader)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RequestIDMiddleware adds unique request ID for tracking
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(ctxRequestID, requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// TimeoutMiddleware bounds the request context handed to brokers.
func TimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestLogger logs all API requests with timing and status; optionally records metrics.
func RequestLogger(logger *slog.Logger, metrics *monitor.SystemMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		latency := time.Since(start)
		if metrics != nil {
			metrics.IncrementRequests()
			metrics.APILatency.RecordDuration(latency)
		}

		logger.Info("request",
			"request_id", c.GetString(ctxRequestID),
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", latency,
			"client_ip", c.ClientIP(),
		)
	}
}

func notFound(c *gin.Context) {
	c.String(http.StatusNotFound, "404 page not found")
}

// BrokerAuth binds the request to the instance named in the path. Every
// failure, whatever its cause, is answered exactly like an unknown route.
func (s *Server) BrokerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("instance_id")
		b, err := s.resolveBroker(id, c.GetHeader(s.opts.TokenHeader))
		if err != nil {
			s.Metrics.IncrementAuthFailures()
			s.logger.Debug("route auth failed", "request_id", c.GetString(ctxRequestID), "error", err)
			notFound(c)
			c.Abort()
			return
		}

		c.Set(ctxBroker, b)
		c.Next()
		delete(c.Keys, ctxBroker)
	}
}

func (s *Server) resolveBroker(id, token string) (common.Broker, error) {
	if !config.ValidInstanceID(id) {
		return nil, &common.RouteAuthError{InstanceID: id, Reason: "malformed instance id"}
	}
	if !config.ValidToken(token) {
		return nil, &common.RouteAuthError{InstanceID: id, Reason: "missing or malformed token"}
	}
	b, ok := s.Manager.Get(id)
	if !ok {
		return nil, &common.RouteAuthError{InstanceID: id, Reason: "unknown instance"}
	}
	if !b.HasToken(token) {
		return nil, &common.RouteAuthError{InstanceID: id, Reason: "token rejected"}
	}
	return b, nil
}

// currentBroker returns the broker bound by BrokerAuth, if any.
func currentBroker(c *gin.Context) common.Broker {
	v, ok := c.Get(ctxBroker)
	if !ok {
		return nil
	}
	b, _ := v.(common.Broker)
	return b
}

// Envelope renders handler errors and panics as an apiResponse with HTTP 200.
func (s *Server) Envelope() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if p := recover(); p != nil {
				s.Metrics.IncrementPanics()
				s.logger.Error("handler panic",
					"request_id", c.GetString(ctxRequestID),
					"panic", p,
					"stack", string(debug.Stack()),
				)
				s.renderError(c, fmt.Errorf("%v", p))
			}
		}()

		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			s.renderError(c, c.Errors.Last().Err)
		}
	}
}

func (s *Server) renderError(c *gin.Context, err error) {
	s.Metrics.IncrementErrors()
	var opErr *common.BrokerOperationError
	if errors.As(err, &opErr) {
		s.Metrics.RecordBrokerError(opErr.Broker)
	}
	s.logger.Warn("request failed", "request_id", c.GetString(ctxRequestID), "error", err)
	c.JSON(http.StatusOK, apiResponse(currentBroker(c), nil, err))
	c.Abort()
}
