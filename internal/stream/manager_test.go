package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingSource(items []string, err error) Source {
	i := 0
	return SourceFunc(func(ctx context.Context) (string, error) {
		if i < len(items) {
			i++
			return items[i-1], nil
		}
		return "", err
	})
}

func TestNewManagerRejectsZeroBuffer(t *testing.T) {
	_, err := NewManager(0, nil, nil)
	require.ErrorIs(t, err, ErrInvalidBufferSize)
}

func TestCollectBatchesRaw(t *testing.T) {
	m, err := NewManager(2, nil, nil)
	require.NoError(t, err)

	rec := &Recorder{}
	out, err := m.Collect(context.Background(), SliceSource([]string{"a", "b", "c", "d", "e"}), rec)
	require.NoError(t, err)
	assert.Equal(t, "abcde", out)
	assert.Equal(t, []string{"ab", "cd", "e"}, rec.Frames())
}

func TestCollectExactMultipleHasNoTrailingFlush(t *testing.T) {
	m, err := NewManager(3, nil, nil)
	require.NoError(t, err)

	rec := &Recorder{}
	res, err := m.Run(context.Background(), SliceSource([]string{"1", "2", "3", "4", "5", "6"}), rec, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"123", "456"}, rec.Frames())
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 6, res.Fragments)
	assert.Equal(t, OutcomeComplete, res.Outcome)
}

func TestBufferSizeOneDeliversEachFragment(t *testing.T) {
	m, err := NewManager(1, nil, nil)
	require.NoError(t, err)

	in := []string{"x", "", "y z", "\n"}
	rec := &Recorder{}
	out, err := m.Collect(context.Background(), SliceSource(in), rec)
	require.NoError(t, err)
	assert.Equal(t, in, rec.Frames())
	assert.Equal(t, "xy z\n", out)
}

func TestBatchingProperties(t *testing.T) {
	for n := 0; n <= 12; n++ {
		for b := 1; b <= 5; b++ {
			t.Run(fmt.Sprintf("n=%d/b=%d", n, b), func(t *testing.T) {
				in := make([]string, n)
				for i := range in {
					in[i] = fmt.Sprintf("<%d>", i)
				}
				m, err := NewManager(b, nil, nil)
				require.NoError(t, err)

				var sizes []int
				var delivered strings.Builder
				sink := SinkFunc(func(_ context.Context, frame string) error {
					sizes = append(sizes, strings.Count(frame, "<"))
					delivered.WriteString(frame)
					return nil
				})
				out, err := m.Collect(context.Background(), SliceSource(in), sink)
				require.NoError(t, err)

				want := strings.Join(in, "")
				assert.Equal(t, want, out)
				assert.Equal(t, want, delivered.String())
				for i, size := range sizes {
					if i < len(sizes)-1 {
						assert.Equal(t, b, size)
						continue
					}
					last := n % b
					if last == 0 {
						last = b
					}
					assert.Equal(t, last, size)
				}
				assert.Equal(t, (n+b-1)/b, len(sizes))
			})
		}
	}
}

func TestSourceErrorDeliversErrorFrame(t *testing.T) {
	m, err := NewManager(5, nil, nil)
	require.NoError(t, err)

	rec := &Recorder{}
	res, err := m.Run(context.Background(), failingSource([]string{"x", "y"}, errors.New("boom")), rec, Options{})
	require.NoError(t, err)
	assert.Equal(t, "xy\n\nError: boom", res.Text)
	assert.Equal(t, OutcomeSourceError, res.Outcome)
	require.Len(t, rec.Frames(), 1)
	assert.Contains(t, rec.Frames()[0], "boom")
}

func TestSourceErrorUsesErrorLabelForWireFormats(t *testing.T) {
	m, err := NewManager(5, nil, nil)
	require.NoError(t, err)

	rec := &Recorder{}
	out, err := m.Stream(context.Background(), failingSource([]string{"x"}, errors.New("boom")), rec, Options{Format: FormatSSE})
	require.NoError(t, err)
	assert.Equal(t, "x\n\nError: boom", out)
	require.Len(t, rec.Frames(), 1)
	assert.True(t, strings.HasPrefix(rec.Frames()[0], "event: error\ndata: "))

	rec = &Recorder{}
	_, err = m.Stream(context.Background(), failingSource(nil, errors.New("boom")), rec, Options{Format: FormatWebSocket})
	require.NoError(t, err)
	require.Len(t, rec.Frames(), 1)
	var env map[string]string
	require.NoError(t, jsoniter.UnmarshalFromString(rec.Frames()[0], &env))
	assert.Equal(t, "error", env["type"])
	assert.Equal(t, "\n\nError: boom", env["data"])
}

func TestSourceErrorAfterFlushKeepsEarlierBatches(t *testing.T) {
	m, err := NewManager(2, nil, nil)
	require.NoError(t, err)

	rec := &Recorder{}
	out, err := m.Collect(context.Background(), failingSource([]string{"a", "b", "c"}, errors.New("lost upstream")), rec)
	require.NoError(t, err)
	assert.Equal(t, "abc\n\nError: lost upstream", out)
	assert.Equal(t, []string{"ab", "\n\nError: lost upstream"}, rec.Frames())
}

func TestSourceErrorWithoutSink(t *testing.T) {
	m, err := NewManager(2, nil, nil)
	require.NoError(t, err)

	out, err := m.Collect(context.Background(), failingSource([]string{"a"}, errors.New("boom")), nil)
	require.NoError(t, err)
	assert.Equal(t, "a\n\nError: boom", out)
}

func TestSinkErrorPropagates(t *testing.T) {
	m, err := NewManager(2, nil, nil)
	require.NoError(t, err)

	broken := errors.New("connection reset")
	calls := 0
	sink := SinkFunc(func(context.Context, string) error {
		calls++
		return broken
	})
	pulled := 0
	src := SourceFunc(func(context.Context) (string, error) {
		pulled++
		if pulled > 10 {
			return "", io.EOF
		}
		return "f", nil
	})

	res, err := m.Run(context.Background(), src, sink, Options{})
	require.ErrorIs(t, err, broken)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 2, pulled)
	assert.Equal(t, "ff", res.Text)
	assert.Equal(t, OutcomeSinkError, res.Outcome)
}

func TestSinkErrorOnFinalFlushPropagates(t *testing.T) {
	m, err := NewManager(4, nil, nil)
	require.NoError(t, err)

	broken := errors.New("closed")
	res, err := m.Run(context.Background(), SliceSource([]string{"a", "b"}), SinkFunc(func(context.Context, string) error {
		return broken
	}), Options{})
	require.ErrorIs(t, err, broken)
	assert.Equal(t, "ab", res.Text)
	assert.Equal(t, OutcomeSinkError, res.Outcome)
}

func TestNotifySinkReceivesFramesInOrder(t *testing.T) {
	m, err := NewManager(2, nil, nil)
	require.NoError(t, err)

	var got []string
	out, err := m.Stream(context.Background(), SliceSource([]string{"he", "llo", " wo", "rld"}), NotifyFunc(func(frame string) {
		got = append(got, frame)
	}), Options{Format: FormatWebSocket, Label: "chunk"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
	assert.Equal(t, []string{
		`{"type":"chunk","data":"hello"}`,
		`{"type":"chunk","data":" world"}`,
	}, got)
}

func TestCancellationDiscardsPendingBuffer(t *testing.T) {
	m, err := NewManager(3, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan Fragment)
	rec := &Recorder{}

	done := make(chan struct{})
	var (
		res    Result
		runErr error
	)
	go func() {
		defer close(done)
		res, runErr = m.Run(ctx, ChanSource(ch), rec, Options{})
	}()

	for _, f := range []string{"a", "b", "c", "d"} {
		ch <- Fragment{Text: f}
	}
	cancel()
	<-done

	require.ErrorIs(t, runErr, context.Canceled)
	assert.Equal(t, OutcomeCanceled, res.Outcome)
	assert.Equal(t, "abcd", res.Text)
	assert.Equal(t, []string{"abc"}, rec.Frames())
}

func TestRunRejectsUnknownFormat(t *testing.T) {
	m, err := NewManager(1, nil, nil)
	require.NoError(t, err)

	_, err = m.Run(context.Background(), SliceSource([]string{"a"}), nil, Options{Format: "xml"})
	require.Error(t, err)
}

type recordingObserver struct {
	mu       sync.Mutex
	batches  []int
	outcomes []Outcome
}

func (o *recordingObserver) BatchFlushed(_ Format, fragments int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, fragments)
}

func (o *recordingObserver) StreamFinished(_ Format, outcome Outcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func TestObserverSeesBatchesAndOutcome(t *testing.T) {
	obs := &recordingObserver{}
	m, err := NewManager(2, nil, obs)
	require.NoError(t, err)

	_, err = m.Collect(context.Background(), SliceSource([]string{"a", "b", "c"}), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, obs.batches)
	assert.Equal(t, []Outcome{OutcomeComplete}, obs.outcomes)
}

func TestConcurrentInvocationsAreIndependent(t *testing.T) {
	m, err := NewManager(3, nil, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := make([]string, 10)
			for j := range in {
				in[j] = fmt.Sprintf("%d.%d;", i, j)
			}
			out, err := m.Collect(context.Background(), SliceSource(in), nil)
			assert.NoError(t, err)
			assert.Equal(t, strings.Join(in, ""), out)
		}(i)
	}
	wg.Wait()
}
