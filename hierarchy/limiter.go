package hierarchy

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter bounds the requests in flight against the remote service and,
// optionally, their rate. A slot is held for one attempt only, never for a
// whole branch, so nested fan-out cannot starve itself.
type Limiter struct {
	slots chan struct{}
	rate  *rate.Limiter
}

// NewLimiter creates a limiter allowing concurrency simultaneous requests
// and perMinute requests per minute. Zero or negative values disable the
// respective bound.
func NewLimiter(concurrency, perMinute int) *Limiter {
	l := &Limiter{}
	if concurrency > 0 {
		l.slots = make(chan struct{}, concurrency)
	}
	if perMinute > 0 {
		burst := perMinute / 10
		if burst < 1 {
			burst = 1
		}
		l.rate = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)
	}
	return l
}

// Acquire blocks until a request may be issued. The returned release must
// be called once the request settled.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	if l.rate != nil {
		if err := l.rate.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if l.slots == nil {
		return func() {}, nil
	}
	select {
	case l.slots <- struct{}{}:
		return func() { <-l.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
