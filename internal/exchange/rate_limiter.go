package exchange

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// RequestPriority classifies a call for limiter budgeting. Higher priority
// requests may consume a larger share of the per-minute weight budget, so
// order placement keeps working while background scans get squeezed first.
type RequestPriority int

const (
	PriorityLow      RequestPriority = iota // instrument refresh, analytics
	PriorityNormal                          // ticker reads
	PriorityHigh                            // account and order state reads
	PriorityCritical                        // order placement and cancels
)

func (p RequestPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// methodWeights is the per-call weight of each gateway method. History is
// the heaviest read because it pages server-side.
var methodWeights = map[string]int{
	methodGetAccountSummary: 10,
	methodCreateOrder:       15,
	methodCancelOrder:       10,
	methodGetOpenOrders:     10,
	methodGetTriggerOrders:  10,
	methodGetOrderHistory:   25,
	methodGetInstruments:    20,
	methodGetTicker:         2,
}

const defaultMethodWeight = 5

// AcquireResult reports a limiter decision without blocking the caller.
type AcquireResult struct {
	Acquired     bool
	WaitTime     time.Duration
	Reason       string
	WeightBudget int
	CurrentUsage float64
}

// RateLimiter enforces a per-minute weight budget shared by all gateway
// calls, with priority-tiered thresholds and a cooldown that opens when the
// exchange itself reports 429s.
type RateLimiter struct {
	mu sync.Mutex

	maxWeight     int
	currentWeight int
	weightResetAt time.Time

	maxRequests  int
	requestCount int

	cooldownUntil time.Time
	cooldownHits  int
}

// NewRateLimiter creates a limiter sized for the gateway's published
// per-minute budget.
func NewRateLimiter() *RateLimiter {
	now := time.Now()
	return &RateLimiter{
		maxWeight:     1200,
		maxRequests:   600,
		weightResetAt: now.Add(time.Minute),
	}
}

// TryAcquire atomically checks the budget and, if allowed, records the
// method's weight. It never blocks; callers skip or defer the work when
// denied.
func (r *RateLimiter) TryAcquire(method string, priority RequestPriority) AcquireResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.rollWindowLocked(now)

	if now.Before(r.cooldownUntil) {
		return AcquireResult{
			Acquired:     false,
			WaitTime:     time.Until(r.cooldownUntil),
			Reason:       "exchange_rate_limit_cooldown",
			CurrentUsage: 100.0,
		}
	}

	weight := methodWeight(method)
	threshold := int(float64(r.maxWeight) * thresholdFor(priority))

	if r.currentWeight+weight > threshold {
		return AcquireResult{
			Acquired:     false,
			WaitTime:     r.timeUntilResetLocked(now),
			Reason:       fmt.Sprintf("weight_limit_exceeded_for_%s_priority", priority),
			WeightBudget: threshold - r.currentWeight,
			CurrentUsage: float64(r.currentWeight) / float64(r.maxWeight) * 100,
		}
	}

	requestThreshold := int(float64(r.maxRequests) * thresholdFor(priority))
	if r.requestCount >= requestThreshold {
		return AcquireResult{
			Acquired:     false,
			WaitTime:     r.timeUntilResetLocked(now),
			Reason:       fmt.Sprintf("request_limit_exceeded_for_%s_priority", priority),
			WeightBudget: threshold - r.currentWeight,
			CurrentUsage: float64(r.currentWeight) / float64(r.maxWeight) * 100,
		}
	}

	r.currentWeight += weight
	r.requestCount++

	return AcquireResult{
		Acquired:     true,
		WeightBudget: threshold - r.currentWeight,
		CurrentUsage: float64(r.currentWeight) / float64(r.maxWeight) * 100,
	}
}

// RecordRateLimited opens a cooldown after the exchange returned 429. The
// cooldown doubles on consecutive hits and decays back after a clean
// minute.
func (r *RateLimiter) RecordRateLimited(method string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.After(r.cooldownUntil.Add(time.Minute)) {
		r.cooldownHits = 0
	}
	r.cooldownHits++

	backoff := time.Duration(1<<uint(r.cooldownHits-1)) * 5 * time.Second
	if backoff > 2*time.Minute {
		backoff = 2 * time.Minute
	}
	r.cooldownUntil = now.Add(backoff)
	log.Printf("[RATE-LIMITER] Exchange throttled %s, cooling down %v (hit %d)", method, backoff, r.cooldownHits)
}

// GetCurrentUsage returns usage statistics without modifying state.
func (r *RateLimiter) GetCurrentUsage() (currentWeight, maxWeight int, usagePercent float64, timeUntilReset time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	currentWeight = r.currentWeight
	maxWeight = r.maxWeight
	usagePercent = float64(r.currentWeight) / float64(r.maxWeight) * 100
	timeUntilReset = time.Until(r.weightResetAt)
	if timeUntilReset < 0 {
		timeUntilReset = 0
	}
	return
}

func (r *RateLimiter) rollWindowLocked(now time.Time) {
	if now.After(r.weightResetAt) {
		r.currentWeight = 0
		r.requestCount = 0
		r.weightResetAt = now.Add(time.Minute)
	}
}

func (r *RateLimiter) timeUntilResetLocked(now time.Time) time.Duration {
	wait := r.weightResetAt.Sub(now)
	if wait < 0 {
		wait = 100 * time.Millisecond
	}
	return wait
}

func thresholdFor(priority RequestPriority) float64 {
	switch priority {
	case PriorityCritical:
		return 0.95
	case PriorityHigh:
		return 0.80
	case PriorityNormal:
		return 0.60
	case PriorityLow:
		return 0.40
	default:
		return 0.50
	}
}

func methodWeight(method string) int {
	if w, ok := methodWeights[method]; ok {
		return w
	}
	return defaultMethodWeight
}
