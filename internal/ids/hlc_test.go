package ids

import (
	"sync"
	"testing"
)

func withFixedWall(t *testing.T, wall int64) {
	t.Helper()
	prev := nowFunc
	nowFunc = func() int64 { return wall }
	t.Cleanup(func() { nowFunc = prev })
}

func TestHLCNowAdvancesWallTime(t *testing.T) {
	withFixedWall(t, 1000)
	c := NewHLC()

	ts1 := c.Now()
	if ts1.WallTime != 1000 || ts1.Logical != 0 {
		t.Fatalf("expected {1000 0}, got %+v", ts1)
	}

	ts2 := c.Now()
	if ts2.WallTime != 1000 || ts2.Logical != 1 {
		t.Fatalf("expected logical to bump within same millisecond, got %+v", ts2)
	}
}

func TestHLCNowResetsLogicalOnWallAdvance(t *testing.T) {
	withFixedWall(t, 1000)
	c := NewHLC()
	c.Now()
	c.Now()

	withFixedWall(t, 1001)
	ts := c.Now()
	if ts.WallTime != 1001 || ts.Logical != 0 {
		t.Fatalf("expected logical reset on new wall time, got %+v", ts)
	}
}

func TestHLCReceiveIsStrictlyGreater(t *testing.T) {
	withFixedWall(t, 1000)
	c := NewHLC()
	local := c.Now() // {1000, 0}

	remote := HybridTimestamp{WallTime: 1000, Logical: 5}
	received := c.Receive(remote)

	if !received.After(local) || !received.After(remote) {
		t.Fatalf("received timestamp %+v must be strictly after local %+v and remote %+v", received, local, remote)
	}
}

func TestHLCReceiveAheadRemoteWall(t *testing.T) {
	withFixedWall(t, 1000)
	c := NewHLC()
	c.Now()

	remote := HybridTimestamp{WallTime: 5000, Logical: 3}
	received := c.Receive(remote)
	if received.WallTime != 5000 || received.Logical != 4 {
		t.Fatalf("expected {5000 4}, got %+v", received)
	}
}

func TestHLCConcurrentNowMonotonic(t *testing.T) {
	withFixedWall(t, 42)
	c := NewHLC()

	var wg sync.WaitGroup
	results := make(chan HybridTimestamp, 1000)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				results <- c.Now()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[HybridTimestamp]bool{}
	for ts := range results {
		if seen[ts] {
			t.Fatalf("duplicate timestamp issued: %+v", ts)
		}
		seen[ts] = true
	}
	if len(seen) != 1000 {
		t.Fatalf("expected 1000 distinct timestamps, got %d", len(seen))
	}
}

func TestHybridTimestampCompareAndString(t *testing.T) {
	a := HybridTimestamp{WallTime: 100, Logical: 1}
	b := HybridTimestamp{WallTime: 100, Logical: 2}
	c := HybridTimestamp{WallTime: 101, Logical: 0}

	if !a.Before(b) || !b.Before(c) || !c.After(a) {
		t.Fatalf("expected a < b < c, got a=%+v b=%+v c=%+v", a, b, c)
	}

	s := a.String()
	parsed, err := ParseHybridTimestamp(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !parsed.Equal(a) {
		t.Fatalf("round trip mismatch: %+v != %+v", parsed, a)
	}
}

func TestNewHLCWithState(t *testing.T) {
	withFixedWall(t, 50)
	c := NewHLCWithState(HybridTimestamp{WallTime: 1000, Logical: 9})
	ts := c.Now()
	if ts.WallTime != 1000 || ts.Logical != 10 {
		t.Fatalf("expected restored clock to continue from {1000 9}, got %+v", ts)
	}
}
