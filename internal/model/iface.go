package model

import "context"

// Subscriber receives published metrics. Implementations are used as map
// keys by the router and must therefore be comparable (pointer receivers).
type Subscriber interface {
	SendMetric(ctx context.Context, key string, value any) error
}

// Publisher accepts store updates for fan-out. Publish is called with the
// store lock held and must not block or call back into the store.
type Publisher interface {
	Publish(key string, value any)
}

// MetricReader provides read access to the store.
type MetricReader interface {
	Get(key string) (any, bool)
	Lookup(keys ...string) map[string]any
	SnapshotPrefix(prefix string) map[string]any
	Len() int
}

// SubscriptionRegistry is the subscription side of the router as seen by transports.
type SubscriptionRegistry interface {
	Subscribe(prefix string, s Subscriber)
	UnsubscribePrefix(prefix string, s Subscriber)
	Unsubscribe(s Subscriber)
}

// PluginInfo describes a loaded plugin instance.
type PluginInfo struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Loop   bool   `json:"loop"`
	Update bool   `json:"update"`
}

// PluginLister lists loaded plugins.
type PluginLister interface {
	PluginInfo() []PluginInfo
}

// ReadAPI is the unified read contract for read surfaces (HTTP and socket RPC).
type ReadAPI interface {
	MetricReader
	PluginLister
}
