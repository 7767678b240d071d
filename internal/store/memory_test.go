package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryPlacementCASInsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPlacement()

	first, err := p.CASInsertIfAbsent(ctx, "Counter", "x", "node-a")
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if first.ServerAddress != "node-a" {
		t.Fatalf("want node-a, got %s", first.ServerAddress)
	}

	second, err := p.CASInsertIfAbsent(ctx, "Counter", "x", "node-b")
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if second.ServerAddress != "node-a" {
		t.Fatalf("CAS should keep the first winner, got %s", second.ServerAddress)
	}
}

func TestMemoryPlacementRemoveConflict(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPlacement()
	if _, err := p.CASInsertIfAbsent(ctx, "Counter", "x", "node-a"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := p.Remove(ctx, "Counter", "x", "node-b"); err != ErrConflict {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	if err := p.Remove(ctx, "Counter", "x", "node-a"); err != nil {
		t.Fatalf("remove with correct owner: %v", err)
	}
	if _, err := p.Get(ctx, "Counter", "x"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound after remove, got %v", err)
	}
}

func TestMemoryMembershipFailureWindow(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryMembership()
	if err := m.Upsert(ctx, "node-a"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	now := time.Now()
	for i := 0; i < 3; i++ {
		if err := m.RecordFailure(ctx, "node-a", now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
	}

	n, err := m.CountFailuresSince(ctx, "node-a", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("want 3 failures, got %d", n)
	}

	if err := m.ClearFailures(ctx, "node-a"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	n, err = m.CountFailuresSince(ctx, "node-a", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("count after clear: %v", err)
	}
	if n != 0 {
		t.Fatalf("want 0 failures after clear, got %d", n)
	}
}

func TestMemoryStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryState()
	if _, err := s.Load(ctx, "Counter", "x", "default"); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if err := s.Save(ctx, "Counter", "x", "default", []byte("42")); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load(ctx, "Counter", "x", "default")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != "42" {
		t.Fatalf("want 42, got %s", got)
	}
}
