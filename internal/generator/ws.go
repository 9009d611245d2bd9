package generator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const wsWriteTimeout = 3 * time.Second

// WSGenerator streams responses from a websocket upstream. The upstream
// receives one generate frame and answers with delta frames until done:
//
//	-> {"type":"generate","request_id":...,"prompt":...}
//	<- {"type":"delta","text":"..."}
//	<- {"type":"done"} | {"type":"error","message":"..."}
type WSGenerator struct {
	url    string
	dialer websocket.Dialer
	log    logrus.FieldLogger
}

type wsGenerateFrame struct {
	Type string `json:"type"`
	Request
}

type wsUpstreamFrame struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Delta   string `json:"delta,omitempty"`
	Message string `json:"message,omitempty"`
}

func NewWSGenerator(rawURL string, logger logrus.FieldLogger) *WSGenerator {
	return &WSGenerator{
		url: normalizeWSURL(rawURL),
		dialer: websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		log: orDiscard(logger).WithField("generator", "ws"),
	}
}

// normalizeWSURL maps http(s) urls onto ws(s) so either form can be configured.
func normalizeWSURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}

func (g *WSGenerator) Stream(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	conn, resp, err := g.dialer.DialContext(ctx, g.url, nil)
	if err != nil {
		if resp != nil {
			return Response{}, fmt.Errorf("generator websocket dial failed (%s): %w", resp.Status, err)
		}
		return Response{}, fmt.Errorf("generator websocket dial failed: %w", err)
	}
	defer conn.Close()

	// Unblock ReadJSON when the caller goes away.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(wsGenerateFrame{Type: "generate", Request: req}); err != nil {
		return Response{}, fmt.Errorf("generator websocket write: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	var out strings.Builder
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Response{Text: out.String()}, ctxErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return Response{Text: out.String()}, nil
			}
			return Response{Text: out.String()}, fmt.Errorf("generator websocket read: %w", err)
		}

		var frame wsUpstreamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.log.WithError(err).Debug("skipping unparseable upstream frame")
			continue
		}
		switch frame.Type {
		case "delta", "text":
			delta := frame.Text
			if delta == "" {
				delta = frame.Delta
			}
			if delta == "" {
				continue
			}
			out.WriteString(delta)
			if onDelta != nil {
				if err := onDelta(delta); err != nil {
					return Response{Text: out.String()}, err
				}
			}
		case "done":
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return Response{Text: out.String()}, nil
		case "error":
			msg := strings.TrimSpace(frame.Message)
			if msg == "" {
				msg = "upstream generator error"
			}
			return Response{Text: out.String()}, errors.New(msg)
		}
	}
}
