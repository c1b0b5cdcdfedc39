package clock

import (
	"testing"
	"time"
)

func TestManualAdvance(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewManual(start)
	if !c.Now().Equal(start) {
		t.Fatalf("expected %v, got %v", start, c.Now())
	}
	c.Advance(90 * time.Second)
	want := start.Add(90 * time.Second)
	if !c.Now().Equal(want) {
		t.Fatalf("expected %v after advance, got %v", want, c.Now())
	}
}

func TestManualSet(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	pin := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	c.Set(pin)
	if !c.Now().Equal(pin) {
		t.Fatalf("expected %v, got %v", pin, c.Now())
	}
}

func TestRealClockMoves(t *testing.T) {
	c := Real()
	a := c.Now()
	time.Sleep(time.Millisecond)
	if !c.Now().After(a) {
		t.Fatal("real clock did not move forward")
	}
}
