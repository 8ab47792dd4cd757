package socketrpc_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tinytelemetry/mtd/internal/metricstore"
	"github.com/tinytelemetry/mtd/internal/model"
	"github.com/tinytelemetry/mtd/internal/pubsub"
	"github.com/tinytelemetry/mtd/internal/socketrpc"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type readAPI struct {
	*metricstore.Store
}

func (readAPI) PluginInfo() []model.PluginInfo {
	return []model.PluginInfo{{Name: "runtime", Type: "runtime", Update: true}}
}

func startTestServer(t *testing.T) (string, *socketrpc.Server, *metricstore.Store, *pubsub.Router) {
	t.Helper()
	router := pubsub.NewRouter()
	store := metricstore.New(router, nil)

	sockPath := filepath.Join(t.TempDir(), "test.sock")
	srv := socketrpc.NewServer(sockPath, readAPI{store}, router, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		srv.Stop()
		router.Close()
	})
	return sockPath, srv, store, router
}

func TestRoundtrip(t *testing.T) {
	sockPath, _, store, _ := startTestServer(t)
	store.Push("nginx", model.Counter, "200", 4)
	store.Push("nginx", model.Counter, "2xx", 4)
	store.Push("app", model.String, "version", "1.0")

	client, err := socketrpc.Dial(sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	t.Run("Query", func(t *testing.T) {
		got, err := client.Query("nginx.200", "missing")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got["nginx.200"] != 4.0 {
			t.Fatalf("unexpected query result: %v", got)
		}
	})

	t.Run("Snapshot", func(t *testing.T) {
		got, err := client.Snapshot("nginx.")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 {
			t.Fatalf("unexpected snapshot: %v", got)
		}
	})

	t.Run("SnapshotAll", func(t *testing.T) {
		got, err := client.Snapshot("")
		if err != nil {
			t.Fatal(err)
		}
		if got["app.version"] != "1.0" || len(got) != 3 {
			t.Fatalf("unexpected snapshot: %v", got)
		}
	})

	t.Run("Plugins", func(t *testing.T) {
		got, err := client.Plugins()
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].Name != "runtime" || !got[0].Update {
			t.Fatalf("unexpected plugins: %v", got)
		}
	})

	t.Run("QueryWithoutKeys", func(t *testing.T) {
		_, err := client.Query()
		rpcErr, ok := err.(*socketrpc.RPCError)
		if !ok || rpcErr.Code != socketrpc.CodeInvalidParams {
			t.Fatalf("expected invalid params, got %v", err)
		}
	})
}

func TestSubscribeNotifications(t *testing.T) {
	sockPath, _, store, router := startTestServer(t)

	client, err := socketrpc.Dial(sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.Subscribe("nginx."); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	store.Push("redis", model.Gauge, "mem", 1)
	store.Push("nginx", model.Counter, "200", 1)

	select {
	case m := <-client.Notifications():
		if m.Key != "nginx.200" || m.Value != 1.0 {
			t.Fatalf("unexpected notification: %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
	}

	// Calls still work while notifications stream.
	if _, err := client.Query("nginx.200"); err != nil {
		t.Fatalf("query while subscribed: %v", err)
	}

	if err := client.Unsubscribe(""); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if n := len(router.Subscribers("nginx.200")); n != 0 {
		t.Fatalf("subscribers after unsubscribe = %d, want 0", n)
	}
}

func TestDisconnectUnsubscribes(t *testing.T) {
	sockPath, _, _, router := startTestServer(t)

	client, err := socketrpc.Dial(sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := client.Subscribe(""); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if router.Stats().Subscribers != 1 {
		t.Fatalf("expected 1 subscriber")
	}
	client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for router.Stats().Subscribers != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerStopClosesClients(t *testing.T) {
	sockPath, srv, _, _ := startTestServer(t)

	client, err := socketrpc.Dial(sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	srv.Stop()

	select {
	case _, ok := <-client.Notifications():
		if ok {
			t.Fatal("expected closed notification channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client not disconnected by Stop")
	}
	if _, err := client.Snapshot(""); err == nil {
		t.Fatal("expected error after server stop")
	}
}

func TestStartRejectsLiveSocket(t *testing.T) {
	sockPath, _, store, router := startTestServer(t)

	second := socketrpc.NewServer(sockPath, readAPI{store}, router, nil)
	if err := second.Start(); err == nil {
		second.Stop()
		t.Fatal("expected error when another server is listening")
	}
}
