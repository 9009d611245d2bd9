package generator

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return path
}

func TestCLIGeneratorStreamsLines(t *testing.T) {
	sh := requireShell(t)
	g := NewCLIGenerator(sh, []string{"-c", `read p; echo "one"; echo '{"text":"two"}'; echo "got: $p"`}, nil)

	var deltas []string
	resp, err := g.Stream(context.Background(), Request{Prompt: "ping"}, func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one\n", "two", "got: ping\n"}, deltas)
	assert.Equal(t, "one\ntwogot: ping\n", resp.Text)
}

func TestCLIGeneratorReportsExitFailure(t *testing.T) {
	sh := requireShell(t)
	g := NewCLIGenerator(sh, []string{"-c", `echo partial; echo broken >&2; exit 3`}, nil)

	resp, err := g.Stream(context.Background(), Request{Prompt: "x"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, "partial\n", resp.Text)
}

func TestCLIGeneratorHonoursCancellation(t *testing.T) {
	sh := requireShell(t)
	g := NewCLIGenerator(sh, []string{"-c", `echo first; exec sleep 5`}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := g.Stream(ctx, Request{Prompt: "x"}, func(string) error {
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestBuildCLIPromptIncludesContext(t *testing.T) {
	got := buildCLIPrompt(Request{Prompt: " hi ", Context: []string{"earlier", " "}})
	assert.Equal(t, "Relevant conversation context:\n- earlier\nUser message:\nhi", got)
}

func TestCLIDelta(t *testing.T) {
	assert.Equal(t, "plain line\n", cliDelta("plain line\n"))
	assert.Equal(t, "hi", cliDelta(`{"text":"hi"}`+"\n"))
	assert.Equal(t, "trunc", cliDelta(`{"delta":"trunc`))
}
