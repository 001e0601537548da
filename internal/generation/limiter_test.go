package generation

import (
	"testing"
	"time"
)

func TestLimiter_BudgetPerFid(t *testing.T) {
	l := NewLimiter(3, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !l.Allow(555) {
			t.Fatalf("hit %d denied within budget", i+1)
		}
	}
	if l.Allow(555) {
		t.Fatal("fourth hit allowed over budget")
	}
	// Another fid has its own budget.
	if !l.Allow(556) {
		t.Fatal("unrelated fid throttled")
	}
}

func TestLimiter_WindowSlides(t *testing.T) {
	l := NewLimiter(2, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.Allow(555)
	l.Allow(555)
	if l.Allow(555) {
		t.Fatal("over-budget hit allowed")
	}

	now = now.Add(61 * time.Second)
	if !l.Allow(555) {
		t.Fatal("hit denied after the window passed")
	}
}

func TestLimiter_DeniedHitNotCounted(t *testing.T) {
	l := NewLimiter(1, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.Allow(555)
	for i := 0; i < 5; i++ {
		l.Allow(555)
	}
	// Denied attempts must not extend the throttle beyond the original hit.
	now = now.Add(61 * time.Second)
	if !l.Allow(555) {
		t.Fatal("denied hits extended the window")
	}
}
