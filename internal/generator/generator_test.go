package generator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/streamrelay/internal/stream"
)

type errGenerator struct{ err error }

func (g errGenerator) Stream(context.Context, Request, DeltaHandler) (Response, error) {
	return Response{}, g.err
}

type partialGenerator struct{}

func (partialGenerator) Stream(_ context.Context, _ Request, onDelta DeltaHandler) (Response, error) {
	if onDelta != nil {
		_ = onDelta("half")
	}
	return Response{Text: "half"}, errors.New("dropped")
}

type countingGenerator struct {
	text  string
	calls int
}

func (g *countingGenerator) Stream(_ context.Context, _ Request, onDelta DeltaHandler) (Response, error) {
	g.calls++
	if onDelta != nil {
		if err := onDelta(g.text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: g.text}, nil
}

func TestNewAutoUsesMockWithoutUpstream(t *testing.T) {
	g, err := New(Config{Mode: "auto"})
	require.NoError(t, err)
	assert.Equal(t, "mock", Name(g))

	resp, err := g.Stream(context.Background(), Request{Prompt: "hello"}, nil)
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "I heard you: hello")
}

func TestNewAutoChainsUpstreams(t *testing.T) {
	g, err := New(Config{Mode: "auto", WSURL: "ws://a", HTTPURL: "http://b"})
	require.NoError(t, err)
	assert.Equal(t, "ws+http", Name(g))
}

func TestNewRejectsIncompleteModes(t *testing.T) {
	_, err := New(Config{Mode: "http"})
	require.Error(t, err)
	_, err = New(Config{Mode: "ws"})
	require.Error(t, err)
	_, err = New(Config{Mode: "grpc"})
	require.Error(t, err)
}

func TestMockGeneratorSplitsWords(t *testing.T) {
	var deltas []string
	resp, err := NewMockGenerator(0).Stream(context.Background(), Request{
		Prompt:  "good morning",
		Context: []string{"coffee"},
	}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "I heard you: good morning\nI also remember: coffee", resp.Text)
	assert.Equal(t, []string{"I ", "heard ", "you: ", "good ", "morning\n", "I ", "also ", "remember: ", "coffee"}, deltas)
}

func TestMockGeneratorFailAfter(t *testing.T) {
	g := NewMockGenerator(0)
	g.FailAfter = 2
	resp, err := g.Stream(context.Background(), Request{Prompt: "x"}, nil)
	require.ErrorIs(t, err, ErrMockFailure)
	assert.Equal(t, "I heard ", resp.Text)
}

func TestMockGeneratorHonoursCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := NewMockGenerator(time.Hour)
	done := make(chan error, 1)
	go func() {
		_, err := g.Stream(ctx, Request{Prompt: "a b c"}, nil)
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatalf("mock generator ignored cancellation")
	}
}

func TestFallbackGeneratorUsesSecondary(t *testing.T) {
	fb := &countingGenerator{text: "fallback"}
	resp, err := NewFallbackGenerator(errGenerator{err: errors.New("down")}, fb).Stream(context.Background(), Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Text)
	assert.Equal(t, 1, fb.calls)
}

func TestFallbackGeneratorSkipsSecondaryOnCancel(t *testing.T) {
	fb := &countingGenerator{text: "fallback"}
	_, err := NewFallbackGenerator(errGenerator{err: context.Canceled}, fb).Stream(context.Background(), Request{}, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, fb.calls)
}

func TestFallbackGeneratorSkipsSecondaryAfterDelta(t *testing.T) {
	fb := &countingGenerator{text: "fallback"}
	_, err := NewFallbackGenerator(partialGenerator{}, fb).Stream(context.Background(), Request{}, nil)
	require.EqualError(t, err, "dropped")
	assert.Equal(t, 0, fb.calls)
}

func TestSourceFeedsStreamManager(t *testing.T) {
	g := NewMockGenerator(0)
	g.FailAfter = 3
	src := Source(context.Background(), g, Request{Prompt: "a b c d"})
	defer src.Close()

	var got []string
	for {
		frag, err := src.Next(context.Background())
		if errors.Is(err, io.EOF) {
			t.Fatalf("expected mock failure before EOF")
		}
		if err != nil {
			require.ErrorIs(t, err, ErrMockFailure)
			break
		}
		got = append(got, frag)
	}
	assert.Equal(t, []string{"I ", "heard ", "you: "}, got)

	var _ stream.Source = src
}
