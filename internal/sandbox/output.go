package sandbox

import (
	"bytes"
	"context"
	"sync"
)

// OutputFunc receives program output as it is produced. It sees exactly the
// bytes kept in the result, in order, and must not block.
type OutputFunc func(chunk string)

type outputKey struct{}

// WithOutput returns a context whose runs report output to fn while they
// execute.
func WithOutput(ctx context.Context, fn OutputFunc) context.Context {
	return context.WithValue(ctx, outputKey{}, fn)
}

func outputFrom(ctx context.Context) OutputFunc {
	fn, _ := ctx.Value(outputKey{}).(OutputFunc)
	return fn
}

// cappedBuffer keeps at most limit bytes and records whether anything was
// dropped. Writes never fail so a chatty program keeps running. A limit of
// zero keeps everything.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
	observe   OutputFunc
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

// observed attaches the OutputFunc carried by ctx, if any.
func (b *cappedBuffer) observed(ctx context.Context) *cappedBuffer {
	b.observe = outputFrom(ctx)
	return b
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if b.limit > 0 {
		remaining := b.limit - b.buf.Len()
		if remaining <= 0 {
			if n > 0 {
				b.truncated = true
			}
			return n, nil
		}
		if len(p) > remaining {
			p = p[:remaining]
			b.truncated = true
		}
	}
	b.buf.Write(p)
	if b.observe != nil && len(p) > 0 {
		b.observe(string(p))
	}
	return n, nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
