package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/m4xw311/datapilot/rules"
	"github.com/m4xw311/datapilot/tools"
)

// Request modes.
const (
	ModeLocalFile = "local_file"
	ModeWeb       = "web"
)

// Context carries the request's attached context into the prompt builder.
type Context struct {
	Mode string
	// Data is the request's context_data object. The orchestrator attaches
	// the pre-flight profile under the "data_info" key.
	Data map[string]interface{}
	// Page is the request's page_data object (web mode).
	Page map[string]interface{}
}

// FilePath returns context_data.file_path, or "".
func (c Context) FilePath() string {
	s, _ := c.Data["file_path"].(string)
	return s
}

// DataInfo returns the attached pre-flight profile, if any.
func (c Context) DataInfo() *tools.DataInfo {
	info, _ := c.Data["data_info"].(*tools.DataInfo)
	return info
}

const pageQuoteLimit = 4000

// BuildUserPrompt merges the raw query with a structured summary of the
// attached context, and wraps it in the active rule's directive.
func BuildUserPrompt(query string, c Context, rule *rules.Rule) string {
	summary := buildContextSummary(c)

	var sb strings.Builder
	if summary != "" {
		sb.WriteString(summary)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Question: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")
	if rule != nil {
		fmt.Fprintf(&sb, "Follow the %s instructions from the system prompt when answering.", rule.Display())
	} else {
		sb.WriteString("Answer using the available tools where the context is not sufficient.")
	}
	return sb.String()
}

func buildContextSummary(c Context) string {
	if mode, _ := c.Data["mode"].(string); mode == "multi_file_analysis" {
		return multiFileSummary(c.Data)
	}
	if records, ok := c.Data["mail_records"].([]interface{}); ok {
		return mailSummary(records)
	}
	if c.Mode == ModeWeb && c.Page != nil {
		return pageSummary(c.Page)
	}
	if info := c.DataInfo(); info != nil {
		return dataInfoSummary(info)
	}
	if len(c.Data) == 0 {
		return ""
	}
	// No recognized shape: pass the raw context through.
	raw, err := json.Marshal(c.Data)
	if err != nil {
		return ""
	}
	return "Attached context:\n" + string(raw)
}

func multiFileSummary(data map[string]interface{}) string {
	files, _ := data["files"].([]interface{})
	var sb strings.Builder
	fmt.Fprintf(&sb, "The user attached %d files for combined analysis:\n", len(files))
	for i, f := range files {
		m, ok := f.(map[string]interface{})
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "%d. %v — %v rows, %v columns, platform %v\n",
			i+1, m["file_path"], m["row_count"], m["column_count"], m["platform"])
	}
	return strings.TrimRight(sb.String(), "\n")
}

func mailSummary(records []interface{}) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The user attached %d mail records:\n", len(records))
	for i, r := range records {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "%d. from %v, %v: %v\n", i+1, m["from"], m["date"], m["subject"])
	}
	return strings.TrimRight(sb.String(), "\n")
}

func pageSummary(page map[string]interface{}) string {
	url, _ := page["url"].(string)
	content, _ := page["content"].(string)
	if len(content) > pageQuoteLimit {
		content = content[:pageQuoteLimit] + "..."
	}
	return fmt.Sprintf("The user is looking at the web page %s with the following content:\n%s", url, content)
}

func dataInfoSummary(info *tools.DataInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The user attached the data file %s: %d rows, %d columns.\n",
		info.FilePath, info.RowCount, info.ColumnCount)
	fmt.Fprintf(&sb, "Columns: %s\n", strings.Join(info.Columns, ", "))
	if len(info.NumericColumns) > 0 {
		fmt.Fprintf(&sb, "Numeric columns: %s\n", strings.Join(info.NumericColumns, ", "))
	}
	if len(info.CategoricalColumns) > 0 {
		fmt.Fprintf(&sb, "Categorical columns: %s\n", strings.Join(info.CategoricalColumns, ", "))
	}
	if info.SampleRow != nil {
		sample, err := json.Marshal(info.SampleRow)
		if err == nil {
			fmt.Fprintf(&sb, "Sample row: %s\n", sample)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

const baseSystemPrompt = `You are Datapilot, an assistant that answers questions about the user's data files and web pages.
Current time: %s.

Use the available tools to inspect and transform data instead of guessing. Derived files can be referenced as @current in later tool calls. When a tool fails, adjust the arguments or pick another tool; do not repeat a failing call unchanged.`

// BuildSystemPrompt renders the planner system prompt: the base template
// filled with wall-clock time, plus the active rule's expanded template.
func BuildSystemPrompt(rule *rules.Rule, now time.Time, filePath string) string {
	prompt := fmt.Sprintf(baseSystemPrompt, now.Format("2006-01-02 15:04:05 MST"))
	if rule != nil {
		prompt += "\n\n" + rule.Expand(now, filePath)
	}
	return prompt
}

// Evaluator prompts used on planner re-entry after tool execution.
const (
	evalToolBudgetPrompt  = "The tool budget for this request is exhausted. Do not call any more tools. Produce the best possible final answer from the results already gathered."
	evalPageFetchedPrompt = "The full page content has been fetched and is in the conversation. Prefer answering from it now; call another tool only if something essential is still missing."
	evalDecidePrompt      = "Review the tool results so far and decide: call another tool if more evidence is needed, otherwise give the final answer."
)
