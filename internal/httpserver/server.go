// Package httpserver serves the read API, Prometheus metrics and the
// WebSocket subscriber endpoint.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tinytelemetry/mtd/internal/model"
	"github.com/tinytelemetry/mtd/internal/pubsub"
	"go.uber.org/zap"
)

// statser is implemented by the pubsub router.
type statser interface {
	Stats() pubsub.Stats
}

// Server provides the HTTP API.
type Server struct {
	addr    string
	api     model.ReadAPI
	subs    model.SubscriptionRegistry
	metrics http.Handler
	logger  *zap.Logger

	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	wg      sync.WaitGroup
}

// NewServer creates the server. metrics may be nil to disable /metrics.
func NewServer(addr string, api model.ReadAPI, subs model.SubscriptionRegistry, metrics http.Handler, logger *zap.Logger) *Server {
	if addr == "" {
		addr = model.DefaultAPIAddr
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		api:       api,
		subs:      subs,
		metrics:   metrics,
		logger:    logger.Named("http"),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		clients:   make(map[*wsClient]struct{}),
	}
}

// Handler builds the gin engine with every route.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.errorMiddleware())

	api := r.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/metrics", s.handleMetrics)
	api.GET("/metrics/:key", s.handleMetric)
	api.GET("/plugins", s.handlePlugins)

	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	r.GET("/ws/", s.handleWebSocket)

	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "not found")
	})
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()
	s.logger.Info("listening", zap.String("addr", listener.Addr().String()))

	go s.server.Serve(listener)
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server and disconnects WebSocket clients.
func (s *Server) Stop() error {
	s.cancel()
	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = s.server.Shutdown(ctx)
	}

	s.mu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

func (s *Server) errorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 && !c.Writer.Written() {
			writeError(c, http.StatusInternalServerError, c.Errors.Last().Error())
		}
	}
}

func writeError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "status": status})
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
		"keys":   s.api.Len(),
	}
	if st, ok := s.subs.(statser); ok {
		resp["subscribers"] = st.Stats().Subscribers
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMetrics(c *gin.Context) {
	if keys := c.Query("keys"); keys != "" {
		c.JSON(http.StatusOK, s.api.Lookup(strings.Split(keys, ",")...))
		return
	}
	c.JSON(http.StatusOK, s.api.SnapshotPrefix(c.Query("prefix")))
}

func (s *Server) handleMetric(c *gin.Context) {
	key := c.Param("key")
	v, ok := s.api.Get(key)
	if !ok {
		writeError(c, http.StatusNotFound, "unknown metric: "+key)
		return
	}
	c.JSON(http.StatusOK, gin.H{key: v})
}

func (s *Server) handlePlugins(c *gin.Context) {
	c.JSON(http.StatusOK, s.api.PluginInfo())
}
