package clock_test

import (
	"testing"
	"time"

	"github.com/a-essam23/livecore/pkg/clock"
)

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	var fired []string
	c.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	c.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })

	c.Advance(2 * time.Second)
	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("unexpected fire order after 2s: %v", fired)
	}
	c.Advance(time.Second)
	if len(fired) != 3 || fired[2] != "c" {
		t.Fatalf("expected c to fire at 3s, got %v", fired)
	}
	if got := c.Now(); !got.Equal(time.Unix(3, 0)) {
		t.Errorf("expected clock at 3s, got %v", got)
	}
}

func TestFakeStop(t *testing.T) {
	c := clock.NewFake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("expected Stop to report an armed timer")
	}
	if timer.Stop() {
		t.Error("second Stop should report false")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
	if c.Pending() != 0 {
		t.Errorf("expected no pending timers, got %d", c.Pending())
	}
}
