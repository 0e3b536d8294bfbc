package sandbox

import (
	"context"
	"errors"
	"testing"
)

func TestGuardReleasesOnceInReverseOrder(t *testing.T) {
	g := &Guard{}
	var order []int
	g.Add(func() error { order = append(order, 1); return nil })
	g.Add(func() error { order = append(order, 2); return nil })
	g.Add(func() error { order = append(order, 3); return nil })

	g.Release(context.Background())
	g.Release(context.Background())

	if len(order) != 3 {
		t.Fatalf("released %d times, want 3", len(order))
	}
	if order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("release order %v, want [3 2 1]", order)
	}
}

func TestGuardContinuesPastFailures(t *testing.T) {
	g := &Guard{}
	var released []string
	g.Add(func() error { released = append(released, "first"); return nil })
	g.Add(func() error { return errors.New("teardown failed") })
	g.Add(func() error { released = append(released, "last"); return nil })

	g.Release(context.Background())

	if len(released) != 2 {
		t.Fatalf("released %v, want both survivors", released)
	}
}
