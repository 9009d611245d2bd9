package generator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// CLIGenerator runs a local command per request. The prompt is written to the
// command's stdin and every stdout line becomes a delta; lines holding a JSON
// object contribute their text field instead.
type CLIGenerator struct {
	binaryPath string
	args       []string
	log        logrus.FieldLogger
}

func NewCLIGenerator(binaryPath string, args []string, logger logrus.FieldLogger) *CLIGenerator {
	return &CLIGenerator{
		binaryPath: strings.TrimSpace(binaryPath),
		args:       append([]string(nil), args...),
		log:        orDiscard(logger).WithField("generator", "cli"),
	}
}

func (g *CLIGenerator) Stream(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, g.binaryPath, g.args...)
	cmd.Stdin = strings.NewReader(buildCLIPrompt(req))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// Grandchildren can keep stderr open after the command is killed.
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Response{}, fmt.Errorf("cli stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Response{}, fmt.Errorf("cli start: %w", err)
	}

	var out strings.Builder
	deltaErr := g.readLines(stdout, &out, onDelta)
	if deltaErr != nil {
		cancel()
	}
	waitErr := cmd.Wait()

	switch {
	case deltaErr != nil:
		return Response{Text: out.String()}, deltaErr
	case ctx.Err() != nil:
		// exec.CommandContext may surface "signal: killed" instead of the cancellation.
		return Response{Text: out.String()}, ctx.Err()
	case waitErr != nil:
		errText := strings.TrimSpace(stderr.String())
		if errText != "" {
			return Response{Text: out.String()}, fmt.Errorf("cli failed: %w: %s", waitErr, errText)
		}
		return Response{Text: out.String()}, fmt.Errorf("cli failed: %w", waitErr)
	}
	return Response{Text: out.String()}, nil
}

func (g *CLIGenerator) readLines(r io.Reader, out *strings.Builder, onDelta DeltaHandler) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			if delta := cliDelta(line); delta != "" {
				out.WriteString(delta)
				if onDelta != nil {
					if derr := onDelta(delta); derr != nil {
						return derr
					}
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			g.log.WithError(err).Debug("cli stdout read failed")
			return nil
		}
	}
}

func cliDelta(line string) string {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return line
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		return extractText(obj)
	}
	if text, ok := repairedText(trimmed); ok {
		return text
	}
	return line
}

func buildCLIPrompt(req Request) string {
	input := strings.TrimSpace(req.Prompt)
	if len(req.Context) == 0 {
		return input
	}

	var b strings.Builder
	b.WriteString("Relevant conversation context:\n")
	for _, line := range req.Context {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("User message:\n")
	b.WriteString(input)
	return b.String()
}
