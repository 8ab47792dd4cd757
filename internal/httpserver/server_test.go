package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tinytelemetry/mtd/internal/metricstore"
	"github.com/tinytelemetry/mtd/internal/model"
	"github.com/tinytelemetry/mtd/internal/pubsub"
	"github.com/tinytelemetry/mtd/internal/telemetry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type readAPI struct {
	*metricstore.Store
	plugins []model.PluginInfo
}

func (r readAPI) PluginInfo() []model.PluginInfo { return r.plugins }

func newTestServer(t *testing.T) (*Server, *metricstore.Store, *pubsub.Router) {
	t.Helper()
	router := pubsub.NewRouter()
	t.Cleanup(router.Close)
	store := metricstore.New(router, nil)

	api := readAPI{Store: store, plugins: []model.PluginInfo{{Name: "nginx", Type: "nginx", Loop: true}}}
	srv := NewServer("", api, router, telemetry.New(store).Handler(), nil)
	return srv, store, router
}

func do(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var body map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("unmarshal %s: %v", path, err)
		}
	}
	return w, body
}

func TestHealthEndpoint(t *testing.T) {
	srv, store, router := newTestServer(t)
	store.Push("nginx", model.Counter, "200", 1)
	router.Subscribe("nginx.", &nopSubscriber{})

	w, body := do(t, srv.Handler(), "/api/health")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["keys"] != float64(1) {
		t.Errorf("keys = %v, want 1", body["keys"])
	}
	if body["subscribers"] != float64(1) {
		t.Errorf("subscribers = %v, want 1", body["subscribers"])
	}
}

func TestHealthEndpoint_WrongMethod(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("POST /api/health status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)
	store.Push("nginx", model.Counter, "200", 3)
	store.Push("nginx", model.Counter, "2xx", 3)
	store.Push("redis", model.Gauge, "mem", 12.5)

	tests := []struct {
		path string
		want map[string]any
	}{
		{path: "/api/metrics", want: map[string]any{"nginx.200": 3.0, "nginx.2xx": 3.0, "redis.mem": 12.5}},
		{path: "/api/metrics?prefix=nginx.", want: map[string]any{"nginx.200": 3.0, "nginx.2xx": 3.0}},
		{path: "/api/metrics?prefix=none", want: map[string]any{}},
		{path: "/api/metrics?keys=redis.mem,missing", want: map[string]any{"redis.mem": 12.5}},
	}

	for _, tt := range tests {
		w, body := do(t, srv.Handler(), tt.path)
		if w.Code != http.StatusOK {
			t.Fatalf("%s status = %d", tt.path, w.Code)
		}
		if len(body) != len(tt.want) {
			t.Fatalf("%s = %v, want %v", tt.path, body, tt.want)
		}
		for k, v := range tt.want {
			if body[k] != v {
				t.Errorf("%s[%q] = %v, want %v", tt.path, k, body[k], v)
			}
		}
	}
}

func TestMetricEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)
	store.Push("app", model.String, "version", "1.2.3")

	w, body := do(t, srv.Handler(), "/api/metrics/app.version")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["app.version"] != "1.2.3" {
		t.Errorf("body = %v", body)
	}

	w, body = do(t, srv.Handler(), "/api/metrics/app.missing")
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", w.Code)
	}
	if body["error"] == nil || body["status"] != float64(http.StatusNotFound) {
		t.Errorf("missing body = %v", body)
	}
}

func TestPluginsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/plugins", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var got []model.PluginInfo
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].Name != "nginx" || !got[0].Loop {
		t.Errorf("plugins = %+v", got)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	srv, store, _ := newTestServer(t)
	store.Push("nginx", model.Counter, "200", 7)

	w, _ := do(t, srv.Handler(), "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `mtd_metric_value{key="nginx.200"} 7`) {
		t.Errorf("exposition missing store gauge:\n%s", w.Body.String())
	}
}

func TestUnknownRoute(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w, body := do(t, srv.Handler(), "/nope")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if body["error"] != "not found" {
		t.Errorf("body = %v", body)
	}
}

func TestWebSocketSubscribe(t *testing.T) {
	srv, store, router := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Stop()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"subscribe": "nginx."}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	waitFor(t, func() bool { return len(router.Subscribers("nginx.200")) == 1 })

	store.Push("nginx", model.Counter, "200", 2)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read metric: %v", err)
	}
	if msg["nginx.200"] != 2.0 {
		t.Fatalf("metric frame = %v", msg)
	}

	if err := conn.WriteJSON(map[string]string{"hello": "x"}); err != nil {
		t.Fatalf("write bad command: %v", err)
	}
	msg = nil
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if _, ok := msg["error"]; !ok {
		t.Fatalf("expected error frame, got %v", msg)
	}

	if err := conn.WriteJSON(map[string]string{"unsubscribe": "nginx."}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	waitFor(t, func() bool { return len(router.Subscribers("nginx.200")) == 0 })
}

func TestWebSocketDisconnectUnsubscribes(t *testing.T) {
	srv, _, router := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Stop()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"subscribe": ""}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	waitFor(t, func() bool { return router.Stats().Subscribers == 1 })

	conn.Close()
	waitFor(t, func() bool { return router.Stats().Subscribers == 0 })
}

type nopSubscriber struct{}

func (*nopSubscriber) SendMetric(_ context.Context, _ string, _ any) error { return nil }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
