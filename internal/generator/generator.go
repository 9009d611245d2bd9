package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"github.com/antoniostano/streamrelay/internal/reliability"
	"github.com/antoniostano/streamrelay/internal/stream"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Request is the normalized generation request sent upstream.
type Request struct {
	RequestID string   `json:"request_id"`
	UserID    string   `json:"user_id"`
	Prompt    string   `json:"prompt"`
	Context   []string `json:"context,omitempty"`
}

// Response is the final text after all deltas were streamed.
type Response struct {
	Text string `json:"text"`
}

// DeltaHandler receives streaming text fragments in order.
type DeltaHandler func(delta string) error

// Generator produces the text for a request as a sequence of deltas.
type Generator interface {
	Stream(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error)
}

// Config controls generator construction.
type Config struct {
	Mode       string
	HTTPURL    string
	HTTPStrict bool
	WSURL      string
	CLIPath    string
	CLIArgs    []string
	MockDelay  time.Duration
	Retries    int
	Logger     logrus.FieldLogger
}

func New(cfg Config) (Generator, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	retry := reliability.Policy{
		Retries: cfg.Retries,
		Base:    200 * time.Millisecond,
		Cap:     2 * time.Second,
	}

	switch mode {
	case "auto":
		return newAutoGenerator(cfg, retry), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("generator HTTP url is required for http mode")
		}
		return NewHTTPGenerator(cfg.HTTPURL, cfg.HTTPStrict, retry, cfg.Logger), nil
	case "ws":
		if strings.TrimSpace(cfg.WSURL) == "" {
			return nil, errors.New("generator websocket url is required for ws mode")
		}
		return NewWSGenerator(cfg.WSURL, cfg.Logger), nil
	case "cli":
		if strings.TrimSpace(cfg.CLIPath) == "" {
			return nil, errors.New("generator cli path is required for cli mode")
		}
		return NewCLIGenerator(cfg.CLIPath, cfg.CLIArgs, cfg.Logger), nil
	case "mock":
		return NewMockGenerator(cfg.MockDelay), nil
	default:
		return nil, fmt.Errorf("unsupported generator mode %q", cfg.Mode)
	}
}

// newAutoGenerator prefers the websocket upstream, then HTTP, and keeps the
// next configured option as a fallback. With nothing configured it runs the mock.
func newAutoGenerator(cfg Config, retry reliability.Policy) Generator {
	var chain []Generator
	if strings.TrimSpace(cfg.WSURL) != "" {
		chain = append(chain, NewWSGenerator(cfg.WSURL, cfg.Logger))
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		chain = append(chain, NewHTTPGenerator(cfg.HTTPURL, cfg.HTTPStrict, retry, cfg.Logger))
	}
	switch len(chain) {
	case 0:
		return NewMockGenerator(cfg.MockDelay)
	case 1:
		return chain[0]
	default:
		return NewFallbackGenerator(chain[0], chain[1])
	}
}

// Name describes g for logs and health output.
func Name(g Generator) string {
	switch v := g.(type) {
	case *HTTPGenerator:
		return "http"
	case *WSGenerator:
		return "ws"
	case *MockGenerator:
		return "mock"
	case *CLIGenerator:
		return "cli"
	case *FallbackGenerator:
		return Name(v.primary) + "+" + Name(v.secondary)
	default:
		return fmt.Sprintf("%T", g)
	}
}

func orDiscard(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger != nil {
		return logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Source runs g for req and exposes its deltas as a pull-based stream source.
// Close the returned source (or cancel ctx) to stop the upstream call early.
func Source(ctx context.Context, g Generator, req Request) *stream.ProducerSource {
	return stream.FromProducer(ctx, func(ctx context.Context, emit func(string) error) error {
		_, err := g.Stream(ctx, req, DeltaHandler(emit))
		return err
	})
}
