package engine

import (
	"context"
	"io"
	"math"

	"golang.org/x/time/rate"
)

// Throttle caps the combined byte rate of every worker in a run. A nil
// Throttle imposes no limit.
type Throttle struct {
	lim *rate.Limiter
}

// NewThrottle returns a limiter for bytesPerSec, or nil when it is not positive.
func NewThrottle(bytesPerSec int64) *Throttle {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := int(min(bytesPerSec, math.MaxInt32))
	return &Throttle{lim: rate.NewLimiter(rate.Limit(bytesPerSec), burst)}
}

// WaitN blocks until n bytes may pass. Requests above the burst are split.
func (t *Throttle) WaitN(ctx context.Context, n int) error {
	if t == nil {
		return nil
	}
	burst := t.lim.Burst()
	for n > 0 {
		k := min(n, burst)
		if err := t.lim.WaitN(ctx, k); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

// Reader paces reads from r.
func (t *Throttle) Reader(ctx context.Context, r io.Reader) io.Reader {
	if t == nil {
		return r
	}
	return &throttledReader{ctx: ctx, r: r, t: t}
}

type throttledReader struct {
	ctx context.Context
	r   io.Reader
	t   *Throttle
}

func (tr *throttledReader) Read(p []byte) (int, error) {
	n, err := tr.r.Read(p)
	if n > 0 {
		if werr := tr.t.WaitN(tr.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
