package engine

import (
	"sync/atomic"
	"time"
)

// Clock supplies wall time for session timestamps, nonce expiry and
// garbage collection. Tests substitute a fake.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// sequence is a monotonic logical clock stamping observer events so
// consumers can order them without comparing wall times.
//
// Thread-safety: sequence is safe for concurrent use (atomic operations).
type sequence struct {
	seq atomic.Int64
}

// Next returns the next sequence number. Calls are linearizable.
func (s *sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last number handed out.
func (s *sequence) Current() int64 {
	return s.seq.Load()
}
