// Package otlp receives OpenTelemetry metrics over gRPC and OTLP/HTTP.
package otlp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tinytelemetry/mtd/internal/plugin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	collmetrics "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Type is the registry name of this plugin.
const Type = "otlp"

const (
	DefaultGRPCAddr = "127.0.0.1:4317"

	contentTypeProtobuf = "application/x-protobuf"
	contentTypeJSON     = "application/json"
	maxBodySize         = 8 << 20
)

// Config holds the plugin options.
type Config struct {
	GRPCAddr        string   `mapstructure:"grpc_addr"`
	HTTPAddr        string   `mapstructure:"http_addr"`
	LabelAttributes []string `mapstructure:"label_attributes"`
	ServicePrefix   bool     `mapstructure:"service_prefix"`
}

// Plugin is an OTLP metrics receiver.
type Plugin struct {
	plugin.Base
	collmetrics.UnimplementedMetricsServiceServer

	cfg       Config
	converter Converter

	mu         sync.Mutex
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcLis    net.Listener
	ready      chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
}

func Register(reg *plugin.Registry) {
	reg.Register(Type, New)
}

func New(host plugin.Host, name string, opts plugin.Options) (plugin.Plugin, error) {
	cfg := Config{GRPCAddr: DefaultGRPCAddr}
	if err := opts.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.GRPCAddr == "" && cfg.HTTPAddr == "" {
		return nil, errors.New("otlp: grpc_addr or http_addr is required")
	}
	return &Plugin{
		Base:      plugin.NewBase(host, name, opts),
		cfg:       cfg,
		converter: Converter{LabelAttributes: cfg.LabelAttributes, ServicePrefix: cfg.ServicePrefix},
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Loop serves until ctx is done or Stop is called.
func (p *Plugin) Loop(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	p.mu.Lock()
	if p.cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", p.cfg.GRPCAddr)
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("otlp: listen grpc: %w", err)
		}
		p.grpcLis = lis
		p.grpcServer = grpc.NewServer()
		collmetrics.RegisterMetricsServiceServer(p.grpcServer, p)
		srv := p.grpcServer
		g.Go(func() error {
			if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("otlp: grpc serve: %w", err)
			}
			return nil
		})
		p.Logger.Info("grpc receiver listening", zap.String("addr", lis.Addr().String()))
	}
	if p.cfg.HTTPAddr != "" {
		lis, err := net.Listen("tcp", p.cfg.HTTPAddr)
		if err != nil {
			p.mu.Unlock()
			p.Stop()
			_ = g.Wait()
			return fmt.Errorf("otlp: listen http: %w", err)
		}
		p.httpServer = &http.Server{Handler: p.HTTPHandler(), ReadHeaderTimeout: 10 * time.Second}
		srv := p.httpServer
		g.Go(func() error {
			if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("otlp: http serve: %w", err)
			}
			return nil
		})
		p.Logger.Info("http receiver listening", zap.String("addr", lis.Addr().String()))
	}
	p.mu.Unlock()
	close(p.ready)

	g.Go(func() error {
		select {
		case <-gctx.Done():
			p.Stop()
		case <-p.done:
		}
		return nil
	})
	return g.Wait()
}

// Ready is closed once listeners are bound.
func (p *Plugin) Ready() <-chan struct{} { return p.ready }

// GRPCAddr returns the bound gRPC address.
func (p *Plugin) GRPCAddr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.grpcLis != nil {
		return p.grpcLis.Addr().String()
	}
	return p.cfg.GRPCAddr
}

// Stop shuts both servers down.
func (p *Plugin) Stop() {
	p.stopOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	grpcServer, httpServer := p.grpcServer, p.httpServer
	p.mu.Unlock()

	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}
}

// Export implements the OTLP MetricsService.
func (p *Plugin) Export(_ context.Context, req *collmetrics.ExportMetricsServiceRequest) (*collmetrics.ExportMetricsServiceResponse, error) {
	p.store(req)
	return &collmetrics.ExportMetricsServiceResponse{}, nil
}

func (p *Plugin) store(req *collmetrics.ExportMetricsServiceRequest) int {
	stored := 0
	for _, pt := range p.converter.Convert(req) {
		if err := p.Push(pt.Key, pt.Value, pt.Type); err != nil {
			p.Logger.Debug("push failed", zap.String("key", pt.Key), zap.Error(err))
			continue
		}
		stored++
	}
	return stored
}

// HTTPHandler serves POST /v1/metrics with protobuf or JSON bodies.
func (p *Plugin) HTTPHandler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/v1/metrics", p.handleHTTPExport)
	return r
}

func (p *Plugin) handleHTTPExport(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodySize))
	if err != nil {
		c.String(http.StatusBadRequest, "read body: %v", err)
		return
	}

	isJSON := strings.HasPrefix(c.ContentType(), contentTypeJSON)
	req := &collmetrics.ExportMetricsServiceRequest{}
	if isJSON {
		err = protojson.Unmarshal(body, req)
	} else {
		err = proto.Unmarshal(body, req)
	}
	if err != nil {
		c.String(http.StatusBadRequest, "decode request: %v", err)
		return
	}
	p.store(req)

	resp := &collmetrics.ExportMetricsServiceResponse{}
	if isJSON {
		out, _ := protojson.Marshal(resp)
		c.Data(http.StatusOK, contentTypeJSON, out)
		return
	}
	out, _ := proto.Marshal(resp)
	c.Data(http.StatusOK, contentTypeProtobuf, out)
}
