package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrInvalidBufferSize = errors.New("stream buffer size must be at least 1")

// Outcome is the terminal state of one invocation.
type Outcome string

const (
	OutcomeComplete    Outcome = "complete"
	OutcomeSourceError Outcome = "source_error"
	OutcomeSinkError   Outcome = "sink_error"
	OutcomeCanceled    Outcome = "canceled"
)

// Observer is notified about flushed batches and finished invocations.
type Observer interface {
	BatchFlushed(format Format, fragments int)
	StreamFinished(format Format, outcome Outcome, elapsed time.Duration)
}

// Options select the wire format for one invocation. Label overrides the SSE
// event name or the websocket message type.
type Options struct {
	Format Format
	Label  string
}

// Result describes one finished invocation.
type Result struct {
	// Text is every consumed fragment in order, followed by the error
	// message when the source failed.
	Text      string
	Batches   int
	Fragments int
	Outcome   Outcome
	SourceErr error
}

// Manager drains fragment sources into fixed-size batches. The buffer size is
// its only configuration; every invocation keeps its own buffer, so one
// Manager can serve concurrent streams.
type Manager struct {
	bufferSize int
	log        logrus.FieldLogger
	observer   Observer
}

// NewManager builds a manager flushing every bufferSize fragments. logger and
// observer may be nil.
func NewManager(bufferSize int, logger logrus.FieldLogger, observer Observer) (*Manager, error) {
	if bufferSize < 1 {
		return nil, ErrInvalidBufferSize
	}
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &Manager{
		bufferSize: bufferSize,
		log:        logger,
		observer:   observer,
	}, nil
}

func (m *Manager) BufferSize() int { return m.bufferSize }

// Collect drains src delivering unformatted batches to sink.
func (m *Manager) Collect(ctx context.Context, src Source, sink Sink) (string, error) {
	return m.Stream(ctx, src, sink, Options{Format: FormatRaw})
}

// Stream drains src and returns the complete response text. See Run.
func (m *Manager) Stream(ctx context.Context, src Source, sink Sink, opts Options) (string, error) {
	res, err := m.Run(ctx, src, sink, opts)
	return res.Text, err
}

// Run drains src, delivering each formatted batch to sink (which may be nil).
//
// A source failure is not returned as an error: consumption stops, an error
// frame is delivered and the message is appended to Result.Text. Sink errors
// and formatting errors stop the stream and are returned. Cancelling ctx
// discards the pending buffer without a final flush and returns ctx.Err().
func (m *Manager) Run(ctx context.Context, src Source, sink Sink, opts Options) (Result, error) {
	if opts.Format == "" {
		opts.Format = FormatRaw
	}
	if _, err := ParseFormat(string(opts.Format)); err != nil {
		return Result{}, err
	}

	inv := &invocation{
		m:       m,
		sink:    sink,
		opts:    opts,
		pending: make([]string, 0, m.bufferSize),
		started: time.Now(),
		log: m.log.WithFields(logrus.Fields{
			"format":      string(opts.Format),
			"buffer_size": m.bufferSize,
		}),
	}
	return inv.run(ctx, src)
}

type invocation struct {
	m       *Manager
	sink    Sink
	opts    Options
	log     logrus.FieldLogger
	started time.Time

	pending []string
	full    strings.Builder
	res     Result
}

func (inv *invocation) run(ctx context.Context, src Source) (Result, error) {
	for {
		frag, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				inv.log.WithField("discarded", len(inv.pending)).Debug("stream canceled")
				inv.pending = nil
				return inv.finish(OutcomeCanceled), ctxErr
			}
			return inv.fail(ctx, err)
		}

		inv.pending = append(inv.pending, frag)
		inv.full.WriteString(frag)
		inv.res.Fragments++
		if len(inv.pending) >= inv.m.bufferSize {
			if err := inv.flush(ctx); err != nil {
				return inv.finish(OutcomeSinkError), err
			}
		}
	}

	if len(inv.pending) > 0 {
		if err := inv.flush(ctx); err != nil {
			return inv.finish(OutcomeSinkError), err
		}
	}
	res := inv.finish(OutcomeComplete)
	inv.log.WithFields(logrus.Fields{
		"batches":   res.Batches,
		"fragments": res.Fragments,
	}).Debug("stream complete")
	return res, nil
}

func (inv *invocation) flush(ctx context.Context) error {
	batch := strings.Join(inv.pending, "")
	n := len(inv.pending)
	inv.pending = inv.pending[:0]
	inv.res.Batches++
	if inv.m.observer != nil {
		inv.m.observer.BatchFlushed(inv.opts.Format, n)
	}
	if err := inv.deliver(ctx, batch, inv.opts.Label); err != nil {
		return fmt.Errorf("deliver batch %d: %w", inv.res.Batches, err)
	}
	return nil
}

func (inv *invocation) fail(ctx context.Context, srcErr error) (Result, error) {
	msg := "\n\nError: " + srcErr.Error()
	inv.log.WithError(srcErr).WithField("fragments", inv.res.Fragments).Error("stream source failed")

	inv.pending = nil
	inv.full.WriteString(msg)
	inv.res.SourceErr = srcErr
	if err := inv.deliver(ctx, msg, ErrorLabel); err != nil {
		return inv.finish(OutcomeSinkError), fmt.Errorf("deliver error frame: %w", err)
	}
	return inv.finish(OutcomeSourceError), nil
}

func (inv *invocation) deliver(ctx context.Context, text, label string) error {
	if inv.sink == nil {
		return nil
	}
	frame, err := inv.opts.Format.Apply(text, label)
	if err != nil {
		return err
	}
	return inv.sink.Deliver(ctx, frame)
}

func (inv *invocation) finish(outcome Outcome) Result {
	inv.res.Outcome = outcome
	inv.res.Text = inv.full.String()
	if inv.m.observer != nil {
		inv.m.observer.StreamFinished(inv.opts.Format, outcome, time.Since(inv.started))
	}
	return inv.res
}
