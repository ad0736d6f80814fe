package hierarchy

import (
	"testing"
	"time"
)

func TestCalculateTimeoutUsesTierCeilingWithoutParent(t *testing.T) {
	cases := map[int]time.Duration{
		0: 60000 * time.Millisecond,
		1: 60000 * time.Millisecond,
		2: 30000 * time.Millisecond,
		3: 15000 * time.Millisecond,
		9: 10000 * time.Millisecond,
	}
	for depth, want := range cases {
		got := calculateTimeout(depth, TimeoutOptions{})
		if got.Timeout != want || got.Inherited {
			t.Errorf("depth %d: got %v (inherited=%v), want %v uninherited", depth, got.Timeout, got.Inherited, want)
		}
	}
}

func TestCalculateTimeoutInheritsTighterParentBudget(t *testing.T) {
	got := calculateTimeout(1, TimeoutOptions{HasParentRemaining: true, ParentRemainingTime: 10 * time.Second})
	want := time.Duration(float64(10*time.Second) * 0.9)
	if got.Timeout != want {
		t.Fatalf("expected inherited timeout %v, got %v", want, got.Timeout)
	}
	if !got.Inherited {
		t.Fatal("expected Inherited to be true")
	}
}

func TestCalculateTimeoutFloorsAtMinimum(t *testing.T) {
	got := calculateTimeout(0, TimeoutOptions{HasParentRemaining: true, ParentRemainingTime: 1 * time.Second})
	if got.Timeout != minTimeout {
		t.Fatalf("expected floor %v, got %v", minTimeout, got.Timeout)
	}
}

func TestCalculateTimeoutIgnoresLooserParentBudget(t *testing.T) {
	got := calculateTimeout(2, TimeoutOptions{HasParentRemaining: true, ParentRemainingTime: time.Minute})
	if got.Inherited || got.Timeout != 30000*time.Millisecond {
		t.Fatalf("expected tier ceiling to win over a looser parent budget, got %+v", got)
	}
}

func TestGracePeriodByDepth(t *testing.T) {
	cases := map[int]time.Duration{0: 10 * time.Second, 1: 2 * time.Second, 2: 5 * time.Second, 3: 2 * time.Second, 10: 2 * time.Second}
	for depth, want := range cases {
		if got := gracePeriod(depth); got != want {
			t.Errorf("depth %d: got %v, want %v", depth, got, want)
		}
	}
}
