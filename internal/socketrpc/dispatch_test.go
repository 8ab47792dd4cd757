package socketrpc

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/tinytelemetry/mtd/internal/model"
)

// stubAPI returns fixed values for dispatch unit testing.
type stubAPI struct{}

func (stubAPI) Get(key string) (any, bool) { return nil, false }
func (stubAPI) Len() int                   { return 2 }
func (stubAPI) Lookup(keys ...string) map[string]any {
	out := make(map[string]any)
	for _, k := range keys {
		if k == "a.x" {
			out[k] = 1.0
		}
	}
	return out
}
func (stubAPI) SnapshotPrefix(prefix string) map[string]any {
	return map[string]any{"a.x": 1.0, "a.y": "up"}
}
func (stubAPI) PluginInfo() []model.PluginInfo {
	return []model.PluginInfo{{Name: "a", Type: "lines", Loop: true}}
}

// stubRegistry records subscription calls.
type stubRegistry struct {
	subscribed   []string
	unsubscribed []string
	removedAll   int
}

func (r *stubRegistry) Subscribe(prefix string, _ model.Subscriber) {
	r.subscribed = append(r.subscribed, prefix)
}
func (r *stubRegistry) UnsubscribePrefix(prefix string, _ model.Subscriber) {
	r.unsubscribed = append(r.unsubscribed, prefix)
}
func (r *stubRegistry) Unsubscribe(model.Subscriber) { r.removedAll++ }

type nopSubscriber struct{}

func (*nopSubscriber) SendMetric(context.Context, string, any) error { return nil }

func newDispatchServer() (*Server, *stubRegistry) {
	reg := &stubRegistry{}
	return NewServer("", stubAPI{}, reg, nil), reg
}

func TestDispatch(t *testing.T) {
	srv, _ := newDispatchServer()

	tests := []struct {
		name     string
		method   string
		params   string
		wantCode int
		check    func(t *testing.T, result json.RawMessage)
	}{
		{
			name:   "Query",
			method: MethodQuery,
			params: `{"Keys":["a.x","a.z"]}`,
			check: func(t *testing.T, result json.RawMessage) {
				var m map[string]any
				json.Unmarshal(result, &m)
				if len(m) != 1 || m["a.x"] != 1.0 {
					t.Fatalf("unexpected result: %s", result)
				}
			},
		},
		{name: "QueryMissingParams", method: MethodQuery, wantCode: CodeInvalidParams},
		{name: "QueryEmptyKeys", method: MethodQuery, params: `{"Keys":[]}`, wantCode: CodeInvalidParams},
		{name: "QueryBadParams", method: MethodQuery, params: `{"Keys":"a.x"}`, wantCode: CodeInvalidParams},
		{
			name:   "SnapshotNullParams",
			method: MethodSnapshot,
			params: `null`,
			check: func(t *testing.T, result json.RawMessage) {
				var m map[string]any
				json.Unmarshal(result, &m)
				if m["a.y"] != "up" {
					t.Fatalf("unexpected result: %s", result)
				}
			},
		},
		{name: "SnapshotBadParams", method: MethodSnapshot, params: `[1]`, wantCode: CodeInvalidParams},
		{
			name:   "Plugins",
			method: MethodPlugins,
			check: func(t *testing.T, result json.RawMessage) {
				var got []model.PluginInfo
				json.Unmarshal(result, &got)
				if len(got) != 1 || got[0].Type != "lines" {
					t.Fatalf("unexpected result: %s", result)
				}
			},
		},
		{name: "UnknownMethod", method: "DropTables", wantCode: CodeMethodNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := srv.dispatch(Request{JSONRPC: "2.0", ID: 7, Method: tt.method, Params: json.RawMessage(tt.params)}, &nopSubscriber{})
			if resp.ID != 7 {
				t.Fatalf("response id = %d, want 7", resp.ID)
			}
			if tt.wantCode != 0 {
				if resp.Error == nil || resp.Error.Code != tt.wantCode {
					t.Fatalf("error = %+v, want code %d", resp.Error, tt.wantCode)
				}
				return
			}
			if resp.Error != nil {
				t.Fatalf("unexpected error: %v", resp.Error)
			}
			tt.check(t, resp.Result)
		})
	}
}

func TestDispatch_Subscriptions(t *testing.T) {
	srv, reg := newDispatchServer()
	sub := &nopSubscriber{}

	call := func(method, params string) Response {
		return srv.dispatch(Request{JSONRPC: "2.0", ID: 1, Method: method, Params: json.RawMessage(params)}, sub)
	}

	if resp := call(MethodSubscribe, `{"Prefix":"nginx."}`); resp.Error != nil || string(resp.Result) != "true" {
		t.Fatalf("subscribe: %+v", resp)
	}
	if resp := call(MethodSubscribe, ``); resp.Error != nil {
		t.Fatalf("subscribe all: %+v", resp.Error)
	}
	if resp := call(MethodUnsubscribe, `{"Prefix":"nginx."}`); resp.Error != nil {
		t.Fatalf("unsubscribe: %+v", resp.Error)
	}
	if resp := call(MethodUnsubscribe, `{}`); resp.Error != nil {
		t.Fatalf("unsubscribe all: %+v", resp.Error)
	}

	if len(reg.subscribed) != 2 || reg.subscribed[0] != "nginx." || reg.subscribed[1] != "" {
		t.Fatalf("subscribed = %q", reg.subscribed)
	}
	if len(reg.unsubscribed) != 1 || reg.unsubscribed[0] != "nginx." {
		t.Fatalf("unsubscribed = %q", reg.unsubscribed)
	}
	if reg.removedAll != 1 {
		t.Fatalf("removedAll = %d, want 1", reg.removedAll)
	}
}
