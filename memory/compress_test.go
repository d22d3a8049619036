package memory

import (
	"fmt"
	"strings"
	"testing"

	"github.com/m4xw311/datapilot/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callAndResult(n int, content string) []session.Message {
	id := fmt.Sprintf("call_%d", n)
	name := "filter_rows"
	return []session.Message{
		{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{{ID: id, Name: name, Args: map[string]interface{}{"n": n}}}},
		session.ToolResult(id, name, content),
	}
}

func longTrail(results int) []session.Message {
	msgs := []session.Message{
		session.System("base prompt"),
		session.User("question about sales"),
	}
	for i := 0; i < results; i++ {
		content := fmt.Sprintf("<tool name='filter_rows' execution_time='0.10'>{\"output_file\":\"/tmp/filtered_%d.csv\",\"rows_scanned\":100,\"rows_written\":%d,\"operation\":\"filter step %d\"}</tool>", i, i, i)
		msgs = append(msgs, callAndResult(i, content)...)
	}
	msgs = append(msgs, session.Assistant("latest reasoning"))
	return msgs
}

func TestCompressPreservesPairing(t *testing.T) {
	msgs := longTrail(10)
	out := Compress(msgs, 3, 1)

	require.NoError(t, session.ValidatePairing(out))
	assert.Less(t, len(out), len(msgs))
}

func TestCompressKeepsSystemAndUserMessages(t *testing.T) {
	msgs := longTrail(8)
	out := Compress(msgs, 2, 1)

	var systems, users int
	for _, m := range out {
		switch m.Role {
		case session.RoleSystem:
			systems++
		case session.RoleUser:
			users++
		}
	}
	// Original system message plus the digest.
	assert.Equal(t, 2, systems)
	assert.Equal(t, 1, users)
}

func TestCompressKeepsNewestResults(t *testing.T) {
	msgs := longTrail(10)
	out := Compress(msgs, 3, 2)

	var kept []string
	for _, m := range out {
		if m.IsToolResult() {
			kept = append(kept, m.ToolCallID)
		}
	}
	// Only the single newest result survives verbatim once the count exceeds
	// the keep budget; everything older lands in the digest.
	assert.Equal(t, []string{"call_9"}, kept)
}

func TestCompressDigestShape(t *testing.T) {
	msgs := longTrail(6)
	out := Compress(msgs, 3, 4)

	var digest string
	for _, m := range out {
		if m.Role == session.RoleSystem && strings.Contains(m.Content, "compression") {
			digest = m.Content
			break
		}
	}
	require.NotEmpty(t, digest, "expected a digest system message mentioning compression")

	assert.Contains(t, digest, "History compression #4")
	assert.Contains(t, digest, "filter_rows [ok]")
	assert.Contains(t, digest, "op=filter step 0")
	assert.Contains(t, digest, "/tmp/filtered_0.csv")
	assert.Contains(t, digest, "rows_written=0")
}

func TestCompressDigestFlagsFailures(t *testing.T) {
	msgs := []session.Message{
		session.User("q"),
	}
	msgs = append(msgs, callAndResult(0, "<tool name='filter_rows' status='error'>column missing</tool>")...)
	msgs = append(msgs, callAndResult(1, "<tool name='filter_rows' execution_time='0.05'>fine</tool>")...)
	msgs = append(msgs, callAndResult(2, "<tool name='filter_rows' execution_time='0.05'>fine too</tool>")...)
	msgs = append(msgs, session.Assistant("thinking"))

	out := Compress(msgs, 1, 1)
	var digest string
	for _, m := range out {
		if m.Role == session.RoleSystem {
			digest = m.Content
		}
	}
	require.NotEmpty(t, digest)
	assert.Contains(t, digest, "[error]")
	assert.Contains(t, digest, "column missing")
}

func TestCompressNoopWhenFewResults(t *testing.T) {
	msgs := longTrail(2)
	out := Compress(msgs, 3, 1)

	require.NoError(t, session.ValidatePairing(out))
	// Nothing to digest: every message survives.
	assert.Len(t, out, len(msgs))
	for _, m := range out {
		assert.NotContains(t, m.Content, "History compression")
	}
}
