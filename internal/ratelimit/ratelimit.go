// Package ratelimit enforces the per-caller, per-minute request budgets for
// the four HTTP endpoints: a token-bucket core with optional Pulse cluster
// coordination. The budgets are fixed rather than adaptive: API quotas are a
// contract with callers, not a provider-throughput signal to adapt to.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"
)

// Endpoint rate budgets, per authenticated caller, per minute. Locally each
// caller gets a token bucket that holds up to the budget and refills at
// budget/60 per second; this is not a strict sliding-window count, so a
// caller that empties a full bucket can keep drawing the refill within the
// same minute.
const (
	ExecuteBudgetPerMinute        = 20
	StopBudgetPerMinute           = 30
	GenerateBudgetPerMinute       = 20
	GenerateStatusBudgetPerMinute = 120
)

// clusterMap is the narrow rmap surface this package needs.
type clusterMap interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
}

type rmapClusterMap struct{ m *rmap.Map }

func (m *rmapClusterMap) Get(key string) (string, bool) { return m.m.Get(key) }

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

// Limiter enforces a fixed per-caller, per-minute budget for one endpoint.
type Limiter struct {
	endpoint  string
	perMinute int
	cluster   clusterMap

	mu      sync.Mutex
	callers map[string]*rate.Limiter
}

// New builds a process-local Limiter for one endpoint's per-minute budget.
func New(endpoint string, perMinute int) *Limiter {
	return &Limiter{endpoint: endpoint, perMinute: perMinute, callers: make(map[string]*rate.Limiter)}
}

// NewClustered builds a Limiter that additionally consults a Pulse
// replicated map so the budget is shared across a multi-process deployment
// (nil m behaves exactly like New).
func NewClustered(endpoint string, perMinute int, m *rmap.Map) *Limiter {
	l := New(endpoint, perMinute)
	if m != nil {
		l.cluster = &rmapClusterMap{m: m}
	}
	return l
}

// Allow reports whether callerID may make one more request to endpoint
// right now. The process-local token bucket is always consulted first
// (cheap, always-on protection even if cluster coordination is unavailable
// or fails); the shared cluster counter, if configured, is consulted second.
func (l *Limiter) Allow(ctx context.Context, callerID string) bool {
	if !l.localAllow(callerID) {
		return false
	}
	if l.cluster == nil {
		return true
	}
	return l.clusterAllow(ctx, callerID)
}

func (l *Limiter) localAllow(callerID string) bool {
	l.mu.Lock()
	lim, ok := l.callers[callerID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute)
		l.callers[callerID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// clusterAllow increments a shared counter keyed by endpoint, caller, and
// the current one-minute window (Unix minute), denying once the window's
// count reaches the budget. The window naturally expires by key rotation:
// no explicit TTL call is required since the next minute uses a new key.
func (l *Limiter) clusterAllow(ctx context.Context, callerID string) bool {
	window := time.Now().UTC().Truncate(time.Minute).Unix()
	key := fmt.Sprintf("ratelimit:%s:%s:%d", l.endpoint, callerID, window)

	const maxAttempts = 3
	for i := 0; i < maxAttempts; i++ {
		cur, ok := l.cluster.Get(key)
		if !ok {
			if _, err := l.cluster.SetIfNotExists(ctx, key, "1"); err != nil {
				return true // cluster unreachable: fail open, local bucket already enforced
			}
			return true
		}
		count, err := strconv.Atoi(cur)
		if err != nil {
			return true
		}
		if count >= l.perMinute {
			return false
		}
		prev, err := l.cluster.TestAndSet(ctx, key, cur, strconv.Itoa(count+1))
		if err != nil {
			return true
		}
		if prev == cur {
			return true
		}
	}
	return true
}
