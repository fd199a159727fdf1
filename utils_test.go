package mdns

import (
	"testing"
	"time"
)

func TestEarliest(t *testing.T) {
	t0 := time.Unix(1000, 0)
	t1 := t0.Add(time.Second)
	tests := []struct {
		a, b, expect time.Time
	}{
		{t0, t1, t0},
		{t1, t0, t0},
		{time.Time{}, t1, t1},
		{t0, time.Time{}, t0},
		{time.Time{}, time.Time{}, time.Time{}},
	}
	for _, tt := range tests {
		if got := earliest(tt.a, tt.b); !got.Equal(tt.expect) {
			t.Fatalf("earliest(%v, %v): expected %v, got %v", tt.a, tt.b, tt.expect, got)
		}
	}
}

func TestJobQueue(t *testing.T) {
	q := newJobQueue()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		q.push(func() { order = append(order, i) })
	}
	select {
	case <-q.signal:
	default:
		t.Fatalf("expected a signal after push")
	}
	for _, job := range q.drain() {
		job()
	}
	if len(order) != 3 || order[0] != 0 || order[2] != 2 {
		t.Fatalf("jobs ran out of order: %v", order)
	}
	if jobs := q.drain(); len(jobs) != 0 {
		t.Fatalf("expected empty queue, got %d jobs", len(jobs))
	}
}

func TestEnsureSuffix(t *testing.T) {
	if got := ensureSuffix("pc", ".local"); got != "pc.local" {
		t.Fatalf("expected pc.local, got %v", got)
	}
	if got := ensureSuffix("pc.local", ".local"); got != "pc.local" {
		t.Fatalf("expected pc.local, got %v", got)
	}
}
