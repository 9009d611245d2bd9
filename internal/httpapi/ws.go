package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/streamrelay/internal/protocol"
	"github.com/antoniostano/streamrelay/internal/relay"
	"github.com/antoniostano/streamrelay/internal/session"
	"github.com/antoniostano/streamrelay/internal/stream"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsIdleTimeout  = 120 * time.Second
)

type wsFrame struct {
	kind    string
	payload string
}

// wsConn owns one websocket. Only the writer goroutine touches the
// connection for writes; generations hand their frames to it over out.
type wsConn struct {
	s    *Server
	conn *websocket.Conn
	ctx  context.Context
	out  chan wsFrame

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *Server) handleGenerateWS(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "relay not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &wsConn{s: s, conn: conn, ctx: ctx, out: make(chan wsFrame, 64)}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(cancel)
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			c.sendError("invalid_client_message", err.Error())
			continue
		}
		switch msg := parsed.(type) {
		case protocol.Generate:
			s.observeWS("inbound", string(protocol.TypeGenerate))
			c.startGeneration(msg)
		case protocol.Cancel:
			s.observeWS("inbound", string(protocol.TypeCancel))
			c.cancelGeneration()
		}
	}

	cancel()
	c.wg.Wait()
	<-writerDone
}

func (c *wsConn) writeLoop(cancel context.CancelFunc) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(f.payload)); err != nil {
				c.s.log.WithError(err).Debug("websocket write failed")
				cancel()
				return
			}
			c.s.observeWS("outbound", f.kind)
		}
	}
}

// push hands a frame to the writer, blocking until it is queued so a slow
// client slows the stream down instead of growing memory.
func (c *wsConn) push(ctx context.Context, f wsFrame) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case c.out <- f:
		return nil
	}
}

func (c *wsConn) sendError(code, detail string) {
	if f, ok := errorFrame(code, detail); ok {
		_ = c.push(c.ctx, f)
	}
}

func errorFrame(code, detail string) (wsFrame, bool) {
	payload, err := json.MarshalToString(protocol.ErrorEvent{
		Type:   protocol.TypeError,
		Code:   code,
		Detail: detail,
	})
	if err != nil {
		return wsFrame{}, false
	}
	return wsFrame{kind: string(protocol.TypeError), payload: payload}, true
}

// startGeneration runs one relay on its own goroutine. A connection carries at
// most one generation at a time.
func (c *wsConn) startGeneration(msg protocol.Generate) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		c.sendError("generation_in_progress", "cancel the current generation first")
		return
	}
	genCtx, cancel := context.WithCancel(c.ctx)
	c.cancel = cancel
	c.mu.Unlock()

	req := generateRequest{
		Prompt:     msg.Prompt,
		UserID:     msg.UserID,
		Context:    msg.Context,
		BufferSize: msg.BufferSize,
	}.relayRequest(stream.FormatWebSocket, string(protocol.TypeText))

	var streamID string
	req.OnStart = func(st session.Stream) { streamID = st.ID }

	sink := stream.SinkFunc(func(ctx context.Context, frame string) error {
		return c.push(ctx, wsFrame{kind: "batch", payload: frame})
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		res, err := c.s.relay.Relay(genCtx, req, sink)
		switch {
		case err == nil || errors.Is(err, context.Canceled):
			frame, ferr := stream.FormatWebSocketFrame(res.ID, doneLabel)
			if ferr != nil {
				c.finishGeneration(cancel, nil)
				return
			}
			c.finishGeneration(cancel, &wsFrame{kind: doneLabel, payload: frame})
		case errors.Is(err, relay.ErrPromptRejected) || errors.Is(err, relay.ErrBufferSize):
			f, ok := errorFrame("invalid_generate", err.Error())
			if !ok {
				c.finishGeneration(cancel, nil)
				return
			}
			c.finishGeneration(cancel, &f)
		default:
			c.s.log.WithError(err).WithField("stream_id", streamID).Warn("websocket generation failed")
			c.finishGeneration(cancel, nil)
		}
	}()
}

// finishGeneration frees the connection and queues the terminal frame under
// one lock: a generate sent after that frame is always accepted, and its
// frames are queued behind it.
func (c *wsConn) finishGeneration(cancel context.CancelFunc, last *wsFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel = nil
	cancel()
	if last != nil {
		_ = c.push(c.ctx, *last)
	}
}

func (c *wsConn) cancelGeneration() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Server) observeWS(direction, kind string) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction, kind).Inc()
	}
}
