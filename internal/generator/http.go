package generator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/sirupsen/logrus"

	"github.com/antoniostano/streamrelay/internal/reliability"
)

// HTTPGenerator forwards requests to a text-generation HTTP endpoint that
// answers with SSE, NDJSON, or a single JSON/text body.
type HTTPGenerator struct {
	url    string
	strict bool
	retry  reliability.Policy
	client *http.Client
	log    logrus.FieldLogger
}

func NewHTTPGenerator(url string, strict bool, retry reliability.Policy, logger logrus.FieldLogger) *HTTPGenerator {
	return &HTTPGenerator{
		url:    strings.TrimSpace(url),
		strict: strict,
		retry:  retry,
		// No client timeout: long generations are bounded by the request context.
		client: &http.Client{},
		log:    orDiscard(logger).WithField("generator", "http"),
	}
}

func (g *HTTPGenerator) Stream(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	var res *http.Response
	err = reliability.Do(ctx, g.retry, func(attempt int) error {
		if attempt > 0 {
			g.log.WithField("attempt", attempt).Warn("retrying generator request")
		}
		r, err := g.send(ctx, payload)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		return g.consumeSSE(res.Body, onDelta)
	case strings.Contains(ct, "application/x-ndjson"):
		return g.consumeNDJSON(res.Body, onDelta)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	var obj map[string]any
	text := ""
	if err := json.Unmarshal(body, &obj); err != nil {
		text = strings.TrimSpace(string(body))
	} else {
		text = extractText(obj)
	}
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text}, nil
}

func (g *HTTPGenerator) send(ctx context.Context, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return nil, reliability.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")

	res, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, &reliability.StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return res, nil
}

var errStreamDone = errors.New("stream done")

func (g *HTTPGenerator) consumeSSE(body io.Reader, onDelta DeltaHandler) (Response, error) {
	return g.consumeLines(body, onDelta, func(line string) (string, bool, error) {
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") || strings.HasPrefix(line, "id:") {
			return "", false, nil
		}
		if !strings.HasPrefix(line, "data:") {
			return "", false, nil
		}
		data := strings.TrimPrefix(line, "data:")
		data = strings.TrimPrefix(data, " ")
		return g.decodePayload(data)
	})
}

func (g *HTTPGenerator) consumeNDJSON(body io.Reader, onDelta DeltaHandler) (Response, error) {
	return g.consumeLines(body, onDelta, func(line string) (string, bool, error) {
		if strings.TrimSpace(line) == "" {
			return "", false, nil
		}
		return g.decodePayload(line)
	})
}

// decodePayload turns one stream payload into a delta. Non-JSON payloads are
// passed through verbatim unless the generator is strict.
func (g *HTTPGenerator) decodePayload(data string) (string, bool, error) {
	if data == "" {
		return "", false, nil
	}
	trimmed := strings.TrimSpace(data)
	if trimmed == "[DONE]" {
		return "", false, errStreamDone
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		if g.strict {
			return "", false, fmt.Errorf("invalid stream payload: %w", err)
		}
		if delta, ok := repairedText(trimmed); ok {
			return delta, true, nil
		}
		return data, data != "", nil
	}
	delta := extractText(obj)
	return delta, delta != "", nil
}

func (g *HTTPGenerator) consumeLines(body io.Reader, onDelta DeltaHandler, parse func(line string) (string, bool, error)) (Response, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		delta, ok, err := parse(line)
		if errors.Is(err, errStreamDone) {
			break
		}
		if err != nil {
			return Response{Text: out.String()}, err
		}
		if !ok {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return Response{Text: out.String()}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Response{Text: out.String()}, fmt.Errorf("stream read: %w", err)
	}
	return Response{Text: out.String()}, nil
}

// repairedText salvages the text of a truncated or sloppy JSON object emitted
// by a lenient upstream. It reports false unless the repaired object carries
// a non-empty text field, so callers can fall back to the raw payload.
func repairedText(payload string) (string, bool) {
	if !strings.HasPrefix(payload, "{") {
		return "", false
	}
	fixed, err := jsonrepair.JSONRepair(payload)
	if err != nil {
		return "", false
	}
	var obj map[string]any
	if err := json.UnmarshalFromString(fixed, &obj); err != nil {
		return "", false
	}
	text := extractText(obj)
	return text, text != ""
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "message", "content"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	// OpenAI-style chat completion chunks.
	if choices, ok := obj["choices"].([]any); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			for _, k := range []string{"delta", "message"} {
				if m, ok := choice[k].(map[string]any); ok {
					if s, ok := m["content"].(string); ok {
						return s
					}
				}
			}
			if s, ok := choice["text"].(string); ok {
				return s
			}
		}
	}
	return ""
}
