package protocol

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// MessageType identifies websocket payload variants on /v1/generate/ws.
type MessageType string

const (
	TypeGenerate MessageType = "generate"
	TypeCancel   MessageType = "cancel"

	// Outbound envelope types. TypeText and TypeError match the labels the
	// stream manager puts on websocket frames.
	TypeText  MessageType = "text"
	TypeError MessageType = "error"
	TypeDone  MessageType = "done"
)

var ErrUnsupportedType = errors.New("unsupported message type")

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

type Envelope struct {
	Type MessageType `json:"type"`
}

type Generate struct {
	Type    MessageType `json:"type"`
	Prompt  string      `json:"prompt"`
	UserID  string      `json:"user_id,omitempty"`
	Context []string    `json:"context,omitempty"`
	// BufferSize overrides the server default for this request when > 0.
	BufferSize int `json:"buffer_size,omitempty"`
}

type Cancel struct {
	Type     MessageType `json:"type"`
	StreamID string      `json:"stream_id,omitempty"`
}

// ErrorEvent reports failures that happen outside a stream, such as a
// malformed client message.
type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := wire.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeGenerate:
		var msg Generate
		if err := wire.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Prompt) == "" {
			return nil, errors.New("invalid generate: prompt is required")
		}
		if msg.BufferSize < 0 {
			return nil, errors.New("invalid generate: buffer_size must be >= 0")
		}
		return msg, nil
	case TypeCancel:
		var msg Cancel
		if err := wire.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
