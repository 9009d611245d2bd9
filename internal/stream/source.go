package stream

import (
	"context"
	"io"
	"sync"
)

// Source is a finite, ordered, single-pass sequence of text fragments.
// Next blocks until the next fragment is available and returns io.EOF once
// the sequence is exhausted.
type Source interface {
	Next(ctx context.Context) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (string, error)

func (f SourceFunc) Next(ctx context.Context) (string, error) { return f(ctx) }

// Fragment is one item on a channel-backed source. A non-nil Err ends the
// sequence with that error.
type Fragment struct {
	Text string
	Err  error
}

type sliceSource struct {
	mu    sync.Mutex
	items []string
	next  int
}

// SliceSource yields the given fragments in order.
func SliceSource(items []string) Source {
	return &sliceSource{items: items}
}

func (s *sliceSource) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.items) {
		return "", io.EOF
	}
	item := s.items[s.next]
	s.next++
	return item, nil
}

type chanSource struct {
	ch <-chan Fragment
}

// ChanSource reads fragments from ch until it is closed.
func ChanSource(ch <-chan Fragment) Source {
	return &chanSource{ch: ch}
}

func (s *chanSource) Next(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case f, ok := <-s.ch:
		if !ok {
			return "", io.EOF
		}
		if f.Err != nil {
			return "", f.Err
		}
		return f.Text, nil
	}
}

// Producer pushes fragments through emit. emit fails once the consumer is gone.
type Producer func(ctx context.Context, emit func(text string) error) error

// ProducerSource is the pull side of a running Producer.
type ProducerSource struct {
	chanSource
	cancel context.CancelFunc
}

// FromProducer starts produce in its own goroutine and exposes its output as
// a Source. The channel is unbuffered so the producer never runs ahead of the
// consumer. Close (or cancelling ctx) stops the producer.
func FromProducer(ctx context.Context, produce Producer) *ProducerSource {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Fragment)
	go func() {
		defer close(ch)
		err := produce(ctx, func(text string) error {
			select {
			case ch <- Fragment{Text: text}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err == nil {
			return
		}
		select {
		case ch <- Fragment{Err: err}:
		case <-ctx.Done():
		}
	}()
	return &ProducerSource{chanSource: chanSource{ch: ch}, cancel: cancel}
}

func (s *ProducerSource) Close() error {
	s.cancel()
	return nil
}
