package stream

import (
	"context"
	"sync"
)

// Sink receives one formatted frame per flushed batch, in flush order.
type Sink interface {
	Deliver(ctx context.Context, frame string) error
}

// SinkFunc is an awaited sink. The manager waits for it to return and
// propagates any error it reports.
type SinkFunc func(ctx context.Context, frame string) error

func (f SinkFunc) Deliver(ctx context.Context, frame string) error { return f(ctx, frame) }

// NotifyFunc is a fire-and-forget sink. It is still called synchronously so
// frames keep their order, but it has no way to fail the stream.
type NotifyFunc func(frame string)

func (f NotifyFunc) Deliver(_ context.Context, frame string) error {
	f(frame)
	return nil
}

// Recorder is a Sink that keeps every frame it receives.
type Recorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *Recorder) Deliver(_ context.Context, frame string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return nil
}

// Frames returns a copy of the frames received so far.
func (r *Recorder) Frames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	copy(out, r.frames)
	return out
}
