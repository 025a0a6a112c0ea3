package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// CorrelationStrategy produces unique request identifiers so
// asynchronous responses can be matched to their originating request
// even when several calls to the same peer are in flight. NextID must
// be safe for concurrent use.
type CorrelationStrategy interface {
	NextID() string
}

// UUIDCorrelation is the default strategy: random version 4 UUIDs.
type UUIDCorrelation struct{}

func (UUIDCorrelation) NextID() string {
	return uuid.NewString()
}

// SequenceCorrelation issues node-prefixed counters. Deterministic,
// meant for tests and traces where readable ids help.
type SequenceCorrelation struct {
	Prefix string

	next uint64
}

func (s *SequenceCorrelation) NextID() string {
	return fmt.Sprintf("%s-%d", s.Prefix, atomic.AddUint64(&s.next, 1))
}

// TimerStrategy schedules the periodic callback that drives election
// timeouts and heartbeats. Schedule returns a cancel function; after
// cancel returns, fn is no longer running and never will again.
type TimerStrategy interface {
	Schedule(every time.Duration, fn func(now time.Time)) (cancel func())
}

// TickerTimer is the default strategy, a plain time.Ticker loop.
type TickerTimer struct{}

func (TickerTimer) Schedule(every time.Duration, fn func(now time.Time)) func() {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				fn(now)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
