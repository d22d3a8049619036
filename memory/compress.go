package memory

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/m4xw311/datapilot/session"
)

// snippetLen bounds the per-result content excerpt in the digest.
const snippetLen = 120

// Compress rewrites the message list under the retention policy:
//
//   - all system and user messages survive verbatim,
//   - the newest assistant message survives verbatim,
//   - at most keepResults tool results survive verbatim (the newest ones),
//     each dragging its issuing assistant message along so pairing holds,
//   - older tool results are digested into a single synthesized system
//     message (no tool_call_id, so no dangling pairing is created).
//
// pass is the session's compression counter, used to tag the digest. The
// input slice is not modified.
func Compress(msgs []session.Message, keepResults, pass int) []session.Message {
	if keepResults < 1 {
		keepResults = 1
	}

	var resultIdx []int
	lastAssistant := -1
	for i, m := range msgs {
		if m.IsToolResult() {
			resultIdx = append(resultIdx, i)
		}
		if m.Role == session.RoleAssistant {
			lastAssistant = i
		}
	}

	keep := make(map[int]bool)
	for i, m := range msgs {
		if m.Role == session.RoleSystem || m.Role == session.RoleUser {
			keep[i] = true
		}
	}
	if lastAssistant >= 0 {
		keep[lastAssistant] = true
	}

	var digested []int
	if len(resultIdx) <= keepResults {
		for _, i := range resultIdx {
			keep[i] = true
		}
	} else {
		cut := len(resultIdx) - 1
		keep[resultIdx[cut]] = true
		digested = resultIdx[:cut]
	}

	// Retained tool results drag their issuing assistant message along.
	for i := range msgs {
		if keep[i] && msgs[i].IsToolResult() {
			if issuer := issuerOf(msgs, i); issuer >= 0 {
				keep[issuer] = true
			}
		}
	}

	// The digest is inserted where the first dropped message was, keeping
	// the surviving prefix in place.
	insertAt := len(msgs)
	for i := range msgs {
		if !keep[i] {
			insertAt = i
			break
		}
	}

	out := make([]session.Message, 0, len(msgs))
	for i, m := range msgs {
		if i == insertAt && len(digested) > 0 {
			out = append(out, synthesizeDigest(msgs, digested, pass))
		}
		if keep[i] {
			out = append(out, m)
		}
	}
	if insertAt == len(msgs) && len(digested) > 0 {
		out = append(out, synthesizeDigest(msgs, digested, pass))
	}
	return out
}

func issuerOf(msgs []session.Message, resultIdx int) int {
	id := msgs[resultIdx].ToolCallID
	for i := resultIdx - 1; i >= 0; i-- {
		for _, tc := range msgs[i].ToolCalls {
			if tc.ID == id {
				return i
			}
		}
	}
	return -1
}

var (
	pathRe    = regexp.MustCompile(`[\w./~-]+\.(?:csv|json|txt|parquet|xlsx)`)
	counterRe = regexp.MustCompile(`"(rows_\w+|groups|row_count|success_count|error_count|count)":\s*(\d+)`)
	opRe      = regexp.MustCompile(`"operation":\s*"([^"]+)"`)
	errAttrRe = regexp.MustCompile(`status='error'`)
)

// synthesizeDigest builds the single system message summarizing the dropped
// tool results. It is introduced as a system message so no dangling
// tool_call_id is created.
func synthesizeDigest(msgs []session.Message, digested []int, pass int) session.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "History compression #%d: %d earlier tool results were summarized to stay within the context budget.\n", pass, len(digested))

	for _, i := range digested {
		m := msgs[i]
		status := "ok"
		if errAttrRe.MatchString(m.Content) || strings.Contains(m.Content, "failed:") {
			status = "error"
		}

		fmt.Fprintf(&sb, "- %s [%s]", m.ToolName, status)
		if op := opRe.FindStringSubmatch(m.Content); op != nil {
			fmt.Fprintf(&sb, " op=%s", op[1])
		}
		if paths := dedupe(pathRe.FindAllString(m.Content, 3)); len(paths) > 0 {
			fmt.Fprintf(&sb, " files=%s", strings.Join(paths, ","))
		}
		for _, c := range counterRe.FindAllStringSubmatch(m.Content, 4) {
			fmt.Fprintf(&sb, " %s=%s", c[1], c[2])
		}
		fmt.Fprintf(&sb, " :: %s\n", snippet(m.Content))
	}

	return session.System(sb.String())
}

func snippet(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if len(content) > snippetLen {
		return content[:snippetLen] + "..."
	}
	return content
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
