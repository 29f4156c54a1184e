package audio

import "testing"

func TestPendingCache(t *testing.T) {
	c := NewPendingCache()

	if c.IsPending("call-1") {
		t.Fatalf("expected call-1 to not be pending before MarkPending")
	}

	c.MarkPending("call-1")
	if !c.IsPending("call-1") {
		t.Fatalf("expected call-1 to be pending after MarkPending")
	}

	c.Clear("call-1")
	if c.IsPending("call-1") {
		t.Fatalf("expected call-1 to not be pending after Clear")
	}
}

func TestPendingCacheIndependentCalls(t *testing.T) {
	c := NewPendingCache()
	c.MarkPending("call-a")

	if c.IsPending("call-b") {
		t.Fatalf("expected call-b to be unaffected by call-a's flag")
	}
}
