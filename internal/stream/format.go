package stream

import (
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Format selects how a batch is rendered before it reaches the sink.
type Format string

const (
	FormatRaw       Format = "raw"
	FormatSSE       Format = "sse"
	FormatWebSocket Format = "websocket"
)

const (
	DefaultEventName   = "message"
	DefaultMessageType = "text"
	ErrorLabel         = "error"
)

// frameJSON keeps '<', '>' and '&' literal so frames decode back to the exact batch text.
var frameJSON = jsoniter.Config{
	EscapeHTML:             false,
	ValidateJsonRawMessage: true,
}.Froze()

// ParseFormat maps a user supplied name onto a Format. Empty input means raw.
func ParseFormat(v string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "raw", "text", "plain":
		return FormatRaw, nil
	case "sse", "event-stream":
		return FormatSSE, nil
	case "websocket", "ws":
		return FormatWebSocket, nil
	default:
		return "", fmt.Errorf("unsupported stream format %q", v)
	}
}

// Apply renders text for the format. An empty label picks the format default.
func (f Format) Apply(text, label string) (string, error) {
	switch f {
	case FormatSSE:
		if label == "" {
			label = DefaultEventName
		}
		return FormatSSEFrame(text, label)
	case FormatWebSocket:
		if label == "" {
			label = DefaultMessageType
		}
		return FormatWebSocketFrame(text, label)
	case FormatRaw, "":
		return FormatRawFrame(text), nil
	default:
		return "", fmt.Errorf("unsupported stream format %q", string(f))
	}
}

// FormatSSEFrame renders "event: <name>\ndata: <json text>\n\n".
func FormatSSEFrame(text, eventName string) (string, error) {
	data, err := frameJSON.MarshalToString(text)
	if err != nil {
		return "", fmt.Errorf("encode sse data: %w", err)
	}
	return "event: " + eventName + "\ndata: " + data + "\n\n", nil
}

type websocketEnvelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// FormatWebSocketFrame renders {"type": messageType, "data": text}.
func FormatWebSocketFrame(text, messageType string) (string, error) {
	out, err := frameJSON.MarshalToString(websocketEnvelope{Type: messageType, Data: text})
	if err != nil {
		return "", fmt.Errorf("encode websocket envelope: %w", err)
	}
	return out, nil
}

func FormatRawFrame(text string) string { return text }
