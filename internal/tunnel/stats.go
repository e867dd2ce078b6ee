package tunnel

import (
	"sync/atomic"
	"time"
)

// Stats accumulates byte and packet counters for one session. All
// fields are updated with sync/atomic and safe to read concurrently
// with a running session, matching netLayer's own traffic counters
// (int64 fields mutated through atomic.Add* rather than a mutex).
type Stats struct {
	StartedAt time.Time

	bytesUp     int64
	bytesDown   int64
	packetsUp   int64
	packetsDown int64
}

func (s *Stats) addUp(n int)   { atomic.AddInt64(&s.bytesUp, int64(n)); atomic.AddInt64(&s.packetsUp, 1) }
func (s *Stats) addDown(n int) {
	atomic.AddInt64(&s.bytesDown, int64(n))
	atomic.AddInt64(&s.packetsDown, 1)
}

// BytesUp returns the number of payload bytes forwarded client->target so far.
func (s *Stats) BytesUp() int64 { return atomic.LoadInt64(&s.bytesUp) }

// BytesDown returns the number of payload bytes forwarded target->client so far.
func (s *Stats) BytesDown() int64 { return atomic.LoadInt64(&s.bytesDown) }

// PacketsUp returns the number of upstream WebSocket chunks relayed.
func (s *Stats) PacketsUp() int64 { return atomic.LoadInt64(&s.packetsUp) }

// PacketsDown returns the number of downstream chunks relayed.
func (s *Stats) PacketsDown() int64 { return atomic.LoadInt64(&s.packetsDown) }
