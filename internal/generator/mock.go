package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrMockFailure = errors.New("mock generator failure")

// MockGenerator provides deterministic local replies when no upstream is configured.
type MockGenerator struct {
	delay time.Duration
	// FailAfter > 0 makes the generator fail after that many deltas.
	FailAfter int
}

func NewMockGenerator(delay time.Duration) *MockGenerator {
	return &MockGenerator{delay: delay}
}

func (g *MockGenerator) Stream(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	var out strings.Builder
	for i, word := range splitWords(buildMockReply(req)) {
		if g.FailAfter > 0 && i >= g.FailAfter {
			return Response{Text: out.String()}, ErrMockFailure
		}
		if g.delay > 0 && i > 0 {
			timer := time.NewTimer(g.delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Response{Text: out.String()}, ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return Response{Text: out.String()}, err
		}
		out.WriteString(word)
		if onDelta != nil {
			if err := onDelta(word); err != nil {
				return Response{Text: out.String()}, err
			}
		}
	}
	return Response{Text: out.String()}, nil
}

func buildMockReply(req Request) string {
	base := strings.TrimSpace(req.Prompt)
	if base == "" {
		base = "I am listening."
	}

	if len(req.Context) == 0 {
		return fmt.Sprintf("I heard you: %s", base)
	}

	last := strings.TrimSpace(req.Context[len(req.Context)-1])
	if last == "" {
		return fmt.Sprintf("I heard you: %s", base)
	}

	return fmt.Sprintf("I heard you: %s\nI also remember: %s", base, last)
}

// splitWords cuts s after every space or newline, keeping the separators so
// the pieces concatenate back to s.
func splitWords(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == ' ' || r == '\n' {
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
