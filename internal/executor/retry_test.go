package executor

import "testing"

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.MaxAttempts != 3 {
		t.Fatalf("expected 3 max attempts, got %d", p.MaxAttempts)
	}
}

func TestBackoff_CapsAtMaxDelay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 1, MaxDelay: 100}
	for attempt := 1; attempt <= 20; attempt++ {
		d := p.Backoff(attempt)
		if d > p.MaxDelay {
			t.Fatalf("attempt %d: backoff %v exceeded max delay %v", attempt, d, p.MaxDelay)
		}
		if d < 0 {
			t.Fatalf("attempt %d: backoff went negative: %v", attempt, d)
		}
	}
}

func TestBackoff_GrowsWithAttempt(t *testing.T) {
	p := RetryPolicy{BaseDelay: 10, MaxDelay: 10000}
	// Full jitter means individual samples vary, but the ceiling for each
	// attempt (BaseDelay << (attempt-1)) must grow up to the cap, and every
	// Backoff sample must stay within its attempt's ceiling.
	prevCeil := int64(p.BaseDelay)
	for attempt := 2; attempt <= 6; attempt++ {
		ceil := int64(p.BaseDelay) << uint(attempt-1)
		if ceil <= prevCeil {
			t.Fatalf("attempt %d: ceiling %d did not grow past %d", attempt, ceil, prevCeil)
		}
		if d := int64(p.Backoff(attempt)); d > ceil {
			t.Fatalf("attempt %d: backoff %d exceeded its ceiling %d", attempt, d, ceil)
		}
		prevCeil = ceil
	}
}
