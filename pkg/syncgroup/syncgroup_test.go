package syncgroup

import (
	"sync/atomic"
	"testing"
)

func TestSyncGroupWaitsAndRecovers(t *testing.T) {
	g := NewSyncGroup()
	var n atomic.Int32
	for i := 0; i < 5; i++ {
		g.Go("worker", func() { n.Add(1) })
	}
	g.Go("bad", func() { panic("boom") })
	g.Wait()

	if n.Load() != 5 {
		t.Fatalf("expected 5 runs, got %d", n.Load())
	}
	if len(g.Panics()) != 1 {
		t.Fatalf("expected 1 recovered panic, got %d", len(g.Panics()))
	}
	if len(g.Running()) != 0 {
		t.Fatalf("expected nothing running, got %v", g.Running())
	}

	g.Go("again", func() { n.Add(1) })
	g.Wait()
	if n.Load() != 6 {
		t.Fatalf("group should be reusable, got %d", n.Load())
	}
}
