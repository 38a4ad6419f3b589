package clock

import (
	"testing"
	"time"
)

func TestLogical_NeverDecreases(t *testing.T) {
	t.Parallel()

	c := NewLogical(10)
	if c.Now() != 10 {
		t.Fatalf("start: got %d", c.Now())
	}
	if got := c.Advance(5); got != 15 {
		t.Fatalf("advance: got %d", got)
	}
	c.Set(3)
	if c.Now() != 15 {
		t.Fatalf("set into the past must be ignored, got %d", c.Now())
	}
	c.Set(40)
	if c.Now() != 40 {
		t.Fatalf("set: got %d", c.Now())
	}
}

func TestWall_ClampsBackwardsJumps(t *testing.T) {
	t.Parallel()

	ts := []time.Time{time.Unix(100, 0), time.Unix(90, 0), time.Unix(120, 0)}
	i := 0
	w := &Wall{now: func() time.Time { v := ts[i]; i++; return v }}

	want := []uint64{100, 100, 120}
	for k, exp := range want {
		if got := w.Now(); got != exp {
			t.Fatalf("call %d: got %d want %d", k, got, exp)
		}
	}
}
