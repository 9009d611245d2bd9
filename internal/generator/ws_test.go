package generator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWSUpstream(t *testing.T, frames []map[string]string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req wsGenerateFrame
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Type != "generate" {
			return
		}
		for _, f := range frames {
			if f["text"] == "{prompt}" {
				f = map[string]string{"type": "delta", "text": req.Prompt}
			}
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
		_, _, _ = conn.ReadMessage()
	}))
}

func TestWSGeneratorStreamsDeltas(t *testing.T) {
	ts := newWSUpstream(t, []map[string]string{
		{"type": "delta", "text": "echo: "},
		{"type": "delta", "text": "{prompt}"},
		{"type": "done"},
	})
	defer ts.Close()

	g := NewWSGenerator(ts.URL, nil)
	assert.True(t, strings.HasPrefix(g.url, "ws://"))

	var deltas []string
	resp, err := g.Stream(context.Background(), Request{Prompt: "hi"}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"echo: ", "hi"}, deltas)
	assert.Equal(t, "echo: hi", resp.Text)
}

func TestWSGeneratorUpstreamError(t *testing.T) {
	ts := newWSUpstream(t, []map[string]string{
		{"type": "delta", "text": "partial"},
		{"type": "error", "message": "model overloaded"},
	})
	defer ts.Close()

	resp, err := NewWSGenerator(ts.URL, nil).Stream(context.Background(), Request{Prompt: "hi"}, nil)
	require.EqualError(t, err, "model overloaded")
	assert.Equal(t, "partial", resp.Text)
}

func TestWSGeneratorDialFailure(t *testing.T) {
	_, err := NewWSGenerator("ws://127.0.0.1:1/none", nil).Stream(context.Background(), Request{}, nil)
	require.Error(t, err)
}
