package exchange

import (
	"strings"
	"testing"
	"time"
)

func TestLowPriorityDeniedBeforeCritical(t *testing.T) {
	r := NewRateLimiter()

	// Burn weight with low-priority history reads until the 40% threshold
	// rejects them.
	denied := false
	for i := 0; i < 100; i++ {
		res := r.TryAcquire(methodGetOrderHistory, PriorityLow)
		if !res.Acquired {
			denied = true
			if !strings.Contains(res.Reason, "LOW") {
				t.Errorf("Expected low-priority reason, got %q", res.Reason)
			}
			break
		}
	}
	if !denied {
		t.Fatal("Low priority was never throttled")
	}

	// Critical order placement still has headroom.
	res := r.TryAcquire(methodCreateOrder, PriorityCritical)
	if !res.Acquired {
		t.Errorf("Critical request should pass at low usage, reason: %s", res.Reason)
	}
}

func TestCooldownAfterExchangeThrottle(t *testing.T) {
	r := NewRateLimiter()

	r.RecordRateLimited(methodGetTicker)

	res := r.TryAcquire(methodGetTicker, PriorityCritical)
	if res.Acquired {
		t.Fatal("Expected cooldown to deny all requests")
	}
	if res.Reason != "exchange_rate_limit_cooldown" {
		t.Errorf("Unexpected reason: %q", res.Reason)
	}
	if res.WaitTime <= 0 {
		t.Errorf("Expected positive wait time, got %v", res.WaitTime)
	}
}

func TestCooldownBackoffDoubles(t *testing.T) {
	r := NewRateLimiter()

	r.RecordRateLimited(methodGetTicker)
	first := time.Until(r.cooldownUntil)
	r.RecordRateLimited(methodGetTicker)
	second := time.Until(r.cooldownUntil)

	if second <= first {
		t.Errorf("Expected backoff to grow: first %v second %v", first, second)
	}
}

func TestWeightWindowRolls(t *testing.T) {
	r := NewRateLimiter()

	for i := 0; i < 50; i++ {
		r.TryAcquire(methodGetOrderHistory, PriorityCritical)
	}
	used, _, _, _ := r.GetCurrentUsage()
	if used == 0 {
		t.Fatal("Expected weight usage to accumulate")
	}

	r.mu.Lock()
	r.weightResetAt = time.Now().Add(-time.Second)
	r.mu.Unlock()

	res := r.TryAcquire(methodGetTicker, PriorityNormal)
	if !res.Acquired {
		t.Fatalf("Expected acquire after window roll, reason: %s", res.Reason)
	}
	used, _, _, _ = r.GetCurrentUsage()
	if used != methodWeights[methodGetTicker] {
		t.Errorf("Expected window to reset to ticker weight, got %d", used)
	}
}

func TestUnknownMethodGetsDefaultWeight(t *testing.T) {
	if w := methodWeight("private/get-something-new"); w != defaultMethodWeight {
		t.Errorf("Expected default weight %d, got %d", defaultMethodWeight, w)
	}
	if w := methodWeight(methodGetOrderHistory); w != 25 {
		t.Errorf("Expected history weight 25, got %d", w)
	}
}
