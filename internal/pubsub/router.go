// Package pubsub fans store updates out to prefix subscribers.
package pubsub

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tinytelemetry/mtd/internal/model"
	"go.uber.org/zap"
)

// FailureFunc is called for each failed or panicking delivery.
type FailureFunc func(key string, err error)

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l.Named("pubsub")
		}
	}
}

// WithFailureHook registers fn to observe delivery failures.
func WithFailureHook(fn FailureFunc) Option {
	return func(r *Router) { r.onFailure = fn }
}

// Router maps key prefixes to subscriber sets.
type Router struct {
	mu     sync.RWMutex
	subs   map[string]map[model.Subscriber]struct{}
	closed bool

	qmu    sync.Mutex
	queues map[model.Subscriber]*queue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	logger    *zap.Logger
	onFailure FailureFunc
}

// Stats is a point-in-time view of the subscription table.
type Stats struct {
	Prefixes    int `json:"prefixes"`
	Subscribers int `json:"subscribers"`
}

// NewRouter creates an empty router.
func NewRouter(opts ...Option) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		subs:   make(map[string]map[model.Subscriber]struct{}),
		queues: make(map[model.Subscriber]*queue),
		ctx:    ctx,
		cancel: cancel,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe registers s for every key starting with prefix.
// Repeating an identical pair has no effect.
func (r *Router) Subscribe(prefix string, s model.Subscriber) {
	if s == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[prefix]
	if !ok {
		set = make(map[model.Subscriber]struct{})
		r.subs[prefix] = set
	}
	set[s] = struct{}{}
}

// UnsubscribePrefix removes the single (prefix, s) pair.
func (r *Router) UnsubscribePrefix(prefix string, s model.Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(prefix, s)
}

// Unsubscribe removes s from every prefix. Unknown subscribers are ignored.
func (r *Router) Unsubscribe(s model.Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for prefix := range r.subs {
		r.removeLocked(prefix, s)
	}
}

func (r *Router) removeLocked(prefix string, s model.Subscriber) {
	set, ok := r.subs[prefix]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.subs, prefix)
	}
}

// Subscribers returns the union of subscribers whose prefix matches key.
func (r *Router) Subscribers(key string) []model.Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matchLocked(key)
}

func (r *Router) matchLocked(key string) []model.Subscriber {
	var seen map[model.Subscriber]struct{}
	var out []model.Subscriber
	for prefix, set := range r.subs {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		for s := range set {
			if seen == nil {
				seen = make(map[model.Subscriber]struct{})
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// Publish delivers (key, value) to every matching subscriber without blocking
// the caller. Each subscriber has its own FIFO queue drained by one worker, so
// a subscriber sees its metrics in publish order.
func (r *Router) Publish(key string, value any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	for _, s := range r.matchLocked(key) {
		r.enqueue(s, model.Metric{Key: key, Value: value})
	}
}

type queue struct {
	mu      sync.Mutex
	pending []model.Metric
	running bool
}

func (r *Router) enqueue(s model.Subscriber, m model.Metric) {
	r.qmu.Lock()
	defer r.qmu.Unlock()
	q, ok := r.queues[s]
	if !ok {
		q = &queue{}
		r.queues[s] = q
	}
	q.mu.Lock()
	q.pending = append(q.pending, m)
	start := !q.running
	q.running = true
	q.mu.Unlock()
	if start {
		r.wg.Add(1)
		go r.drain(s, q)
	}
}

// drain delivers queued metrics until the queue is empty, then retires the
// queue. Retiring holds qmu so a concurrent enqueue never sees a dead queue.
func (r *Router) drain(s model.Subscriber, q *queue) {
	defer r.wg.Done()
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			r.qmu.Lock()
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.running = false
				delete(r.queues, s)
				q.mu.Unlock()
				r.qmu.Unlock()
				return
			}
			q.mu.Unlock()
			r.qmu.Unlock()
			continue
		}
		m := q.pending[0]
		q.pending[0] = model.Metric{}
		q.pending = q.pending[1:]
		q.mu.Unlock()
		r.deliver(s, m.Key, m.Value)
	}
}

func (r *Router) deliver(s model.Subscriber, key string, value any) {
	defer func() {
		if p := recover(); p != nil {
			r.fail(key, fmt.Errorf("pubsub: subscriber panic: %v", p))
		}
	}()
	if err := s.SendMetric(r.ctx, key, value); err != nil {
		r.fail(key, err)
	}
}

func (r *Router) fail(key string, err error) {
	r.logger.Debug("delivery failed", zap.String("key", key), zap.Error(err))
	if r.onFailure != nil {
		r.onFailure(key, err)
	}
}

// Stats reports the number of prefixes and distinct subscribers.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	distinct := make(map[model.Subscriber]struct{})
	for _, set := range r.subs {
		for s := range set {
			distinct[s] = struct{}{}
		}
	}
	return Stats{Prefixes: len(r.subs), Subscribers: len(distinct)}
}

// Close cancels the delivery context and waits for every queue to drain.
// Metrics still queued are handed over with the cancelled context.
// Publish after Close is a no-op.
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.cancel()
		r.wg.Wait()
	})
}
