package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/streamrelay/internal/generator"
	"github.com/antoniostano/streamrelay/internal/observability"
	"github.com/antoniostano/streamrelay/internal/session"
	"github.com/antoniostano/streamrelay/internal/stream"
	"github.com/antoniostano/streamrelay/internal/transcript"
)

type fixture struct {
	svc      *Service
	store    *transcript.InMemoryStore
	registry *session.Manager
	metrics  *observability.Metrics
}

func newFixture(t *testing.T, gen generator.Generator, buffer int) fixture {
	t.Helper()
	store := transcript.NewInMemoryStore(16)
	registry := session.NewManager(time.Minute)
	metrics := observability.NewMetrics("relay_test")
	svc, err := New(Config{
		Generator:  gen,
		Registry:   registry,
		Store:      store,
		Metrics:    metrics,
		BufferSize: buffer,
		RedactPII:  true,
	})
	require.NoError(t, err)
	return fixture{svc: svc, store: store, registry: registry, metrics: metrics}
}

func TestRelayBatchesAndPersists(t *testing.T) {
	f := newFixture(t, generator.NewMockGenerator(0), 2)
	rec := &stream.Recorder{}

	var started session.Stream
	res, err := f.svc.Relay(context.Background(), Request{
		UserID:  "u1",
		Prompt:  "hello world",
		Format:  stream.FormatRaw,
		OnStart: func(s session.Stream) { started = s },
	}, rec)
	require.NoError(t, err)

	assert.Equal(t, "I heard you: hello world", res.Response)
	assert.Equal(t, 5, res.Fragments)
	assert.Equal(t, 3, res.Batches)
	assert.False(t, res.Errored)
	assert.Equal(t, []string{"I heard ", "you: hello ", "world"}, rec.Frames())
	assert.Equal(t, started.ID, res.StreamID)
	assert.Equal(t, 0, f.registry.ActiveCount())

	saved, err := f.store.Get(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.StreamID, saved.RequestID)
	assert.Equal(t, "u1", saved.UserID)
	assert.Equal(t, 3, saved.Batches)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Streams.WithLabelValues("raw", "complete")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ActiveStreams))
}

func TestRelayGeneratorFailureIsInBand(t *testing.T) {
	mock := generator.NewMockGenerator(0)
	mock.FailAfter = 2
	f := newFixture(t, mock, 1)
	rec := &stream.Recorder{}

	res, err := f.svc.Relay(context.Background(), Request{Prompt: "hello", Format: stream.FormatSSE}, rec)
	require.NoError(t, err)
	assert.True(t, res.Errored)
	assert.Equal(t, "I heard \n\nError: "+generator.ErrMockFailure.Error(), res.Response)

	frames := rec.Frames()
	require.Len(t, frames, 3)
	assert.True(t, strings.HasPrefix(frames[2], "event: error\n"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.GeneratorErrors.WithLabelValues("mock")))

	saved, err := f.store.Get(context.Background(), res.ID)
	require.NoError(t, err)
	assert.True(t, saved.Errored)
}

func TestRelayRedactsTranscript(t *testing.T) {
	f := newFixture(t, generator.NewMockGenerator(0), 4)

	res, err := f.svc.Relay(context.Background(), Request{Prompt: "mail sam@example.com"}, nil)
	require.NoError(t, err)
	assert.Contains(t, res.Response, "sam@example.com")

	saved, err := f.store.Get(context.Background(), res.ID)
	require.NoError(t, err)
	assert.True(t, saved.PIIRedacted)
	assert.NotContains(t, saved.Prompt, "sam@example.com")
	assert.NotContains(t, saved.Response, "sam@example.com")
}

func TestRelayRejectsBlockedPrompt(t *testing.T) {
	f := newFixture(t, generator.NewMockGenerator(0), 1)

	_, err := f.svc.Relay(context.Background(), Request{Prompt: "  "}, nil)
	require.ErrorIs(t, err, ErrPromptRejected)

	_, err = f.svc.Relay(context.Background(), Request{Prompt: "hi", BufferSize: MaxBufferSize + 1}, nil)
	require.ErrorIs(t, err, ErrBufferSize)
}

func TestRelayCancelFromRegistry(t *testing.T) {
	f := newFixture(t, generator.NewMockGenerator(50*time.Millisecond), 1)

	idCh := make(chan string, 1)
	first := make(chan struct{})
	var once bool
	sink := stream.SinkFunc(func(context.Context, string) error {
		if !once {
			once = true
			close(first)
		}
		return nil
	})

	done := make(chan struct{})
	var res Result
	var err error
	go func() {
		defer close(done)
		res, err = f.svc.Relay(context.Background(), Request{
			Prompt:  "one two three four five six",
			OnStart: func(s session.Stream) { idCh <- s.ID },
		}, sink)
	}()

	id := <-idCh
	<-first
	_, cancelErr := f.registry.Cancel(id)
	require.NoError(t, cancelErr)
	<-done

	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, res.Canceled)
	assert.Empty(t, res.ID)

	recent, recentErr := f.store.Recent(context.Background(), "", 10)
	require.NoError(t, recentErr)
	assert.Empty(t, recent)
}

func TestRelaySinkFailurePropagates(t *testing.T) {
	f := newFixture(t, generator.NewMockGenerator(0), 1)
	boom := errors.New("client gone")

	res, err := f.svc.Relay(context.Background(), Request{Prompt: "hello"}, stream.SinkFunc(func(context.Context, string) error {
		return boom
	}))
	require.ErrorIs(t, err, boom)
	assert.True(t, res.Errored)
	assert.Equal(t, 1, res.Batches)
}

func TestNewRequiresGeneratorAndRegistry(t *testing.T) {
	_, err := New(Config{Registry: session.NewManager(time.Minute)})
	require.Error(t, err)
	_, err = New(Config{Generator: generator.NewMockGenerator(0)})
	require.Error(t, err)
}
