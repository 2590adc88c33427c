package fill

import "context"

// ProgressSink consumes progress fractions in (0,1].
type ProgressSink func(fraction float64)

// ChanSink forwards fractions to ch and drops them when ch is full.
func ChanSink(ch chan<- float64) ProgressSink {
	return func(f float64) {
		select {
		case ch <- f:
		default:
		}
	}
}

// Drive runs r to completion on the calling goroutine.
func Drive(ctx context.Context, r *Run, sink ProgressSink) (Result, error) {
	for r.Next(ctx) {
		if sink != nil {
			sink(r.Progress())
		}
	}
	return r.Result()
}
