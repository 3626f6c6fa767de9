package ids

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HybridTimestamp pairs a wall-clock millisecond reading with a logical
// counter, so that concurrent events on one peer still get a total order and
// clocks across peers stay close to real time. Replaces a pure Lamport
// counter: the wall component lets two peers compare timestamps without a
// prior causal exchange, the logical component breaks ties within the same
// millisecond.
type HybridTimestamp struct {
	WallTime int64  // unix milliseconds
	Logical  uint32 // tie-breaker within the same millisecond
}

// Compare returns -1, 0 or 1 ordering h before, equal to, or after other.
func (h HybridTimestamp) Compare(other HybridTimestamp) int {
	if h.WallTime != other.WallTime {
		if h.WallTime < other.WallTime {
			return -1
		}
		return 1
	}
	if h.Logical != other.Logical {
		if h.Logical < other.Logical {
			return -1
		}
		return 1
	}
	return 0
}

func (h HybridTimestamp) Before(other HybridTimestamp) bool { return h.Compare(other) < 0 }
func (h HybridTimestamp) After(other HybridTimestamp) bool  { return h.Compare(other) > 0 }
func (h HybridTimestamp) Equal(other HybridTimestamp) bool  { return h.Compare(other) == 0 }

func (h HybridTimestamp) String() string {
	return fmt.Sprintf("%d.%d", h.WallTime, h.Logical)
}

// ParseHybridTimestamp parses the "wallTime.logical" form produced by String.
func ParseHybridTimestamp(s string) (HybridTimestamp, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return HybridTimestamp{}, fmt.Errorf("parse hybrid timestamp %q: expected wall.logical", s)
	}
	wall, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return HybridTimestamp{}, fmt.Errorf("parse hybrid timestamp %q: %w", s, err)
	}
	logical, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return HybridTimestamp{}, fmt.Errorf("parse hybrid timestamp %q: %w", s, err)
	}
	return HybridTimestamp{WallTime: wall, Logical: uint32(logical)}, nil
}

// nowFunc is overridable in tests; production code always uses time.Now.
var nowFunc = func() int64 { return time.Now().UnixMilli() }

// HLC is a mutex-guarded hybrid logical clock generator, one per replica.
type HLC struct {
	mu   sync.Mutex
	last HybridTimestamp
}

// NewHLC creates a clock starting at the current wall time.
func NewHLC() *HLC {
	return &HLC{last: HybridTimestamp{WallTime: nowFunc()}}
}

// NewHLCWithState restores a clock from persisted state, e.g. the log
// store's max timestamp on startup.
func NewHLCWithState(last HybridTimestamp) *HLC {
	return &HLC{last: last}
}

// Now generates a new timestamp for a local event. If the wall clock has
// advanced past the last recorded timestamp, the logical counter resets to
// zero; otherwise it advances to stay strictly greater than the last value,
// guarding against clock stalls or going backwards.
func (c *HLC) Now() HybridTimestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := nowFunc()
	if wall > c.last.WallTime {
		c.last = HybridTimestamp{WallTime: wall, Logical: 0}
	} else {
		c.last = HybridTimestamp{WallTime: c.last.WallTime, Logical: c.last.Logical + 1}
	}
	return c.last
}

// Receive merges a remote timestamp into the clock, as required when
// accepting an event from another peer, and returns a timestamp guaranteed
// to be strictly greater than both the local and remote inputs.
func (c *HLC) Receive(remote HybridTimestamp) HybridTimestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := nowFunc()
	maxWall := wall
	if c.last.WallTime > maxWall {
		maxWall = c.last.WallTime
	}
	if remote.WallTime > maxWall {
		maxWall = remote.WallTime
	}

	var logical uint32
	switch maxWall {
	case c.last.WallTime, remote.WallTime:
		logical = maxLogicalAt(maxWall, c.last, remote) + 1
	default:
		logical = 0
	}

	c.last = HybridTimestamp{WallTime: maxWall, Logical: logical}
	return c.last
}

// maxLogicalAt returns the larger logical counter among a and b, counting
// only whichever of them sits at wallTime (the other contributes 0).
func maxLogicalAt(wallTime int64, a, b HybridTimestamp) uint32 {
	var la, lb uint32
	if a.WallTime == wallTime {
		la = a.Logical
	}
	if b.WallTime == wallTime {
		lb = b.Logical
	}
	if la > lb {
		return la
	}
	return lb
}

// Peek returns the last timestamp issued without advancing the clock.
func (c *HLC) Peek() HybridTimestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
