package tools

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// FetchWebpageToolName identifies the page-fetch tool; the planner uses it to
// recognize that a full page is already in the trail.
const FetchWebpageToolName = "fetch_webpage"

// defaultPageCharLimit bounds the extracted page text.
const defaultPageCharLimit = 8000

// WebpageTool fetches a URL and extracts its readable text.
type WebpageTool struct {
	client *http.Client
}

// NewWebpageTool creates the tool with a bounded HTTP client.
func NewWebpageTool() *WebpageTool {
	return &WebpageTool{client: &http.Client{Timeout: 30 * time.Second}}
}

// WebToolNames is the default binding for web requests, before any
// MCP-contributed tools are added.
func WebToolNames() []string {
	return []string{FetchWebpageToolName}
}

func (t *WebpageTool) Name() string { return FetchWebpageToolName }
func (t *WebpageTool) Description() string {
	return "Fetch a web page and return its title and readable text content (scripts and styles stripped, truncated)."
}
func (t *WebpageTool) Schema() Schema {
	return Schema{
		Properties: map[string]Property{
			"url":       {Type: "string", Description: "Absolute http(s) URL to fetch."},
			"max_chars": {Type: "integer", Description: "Optional cap on extracted text length."},
		},
		Required: []string{"url"},
	}
}

func (t *WebpageTool) Execute(ctx context.Context, args map[string]interface{}) Result {
	url, _ := args["url"].(string)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return Fail("fetch_webpage failed: %q is not an absolute http(s) URL", url)
	}
	limit := defaultPageCharLimit
	if v, ok := args["max_chars"].(float64); ok && v > 0 {
		limit = int(v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Fail("fetch_webpage failed: %v", err)
	}
	req.Header.Set("User-Agent", "datapilot/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return Fail("fetch_webpage failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Fail("fetch_webpage failed: %s returned status %d", url, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return Fail("fetch_webpage failed: %v", err)
	}
	doc.Find("script, style, noscript").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	text := normalizeWhitespace(doc.Find("body").Text())
	truncated := false
	if len(text) > limit {
		text = text[:limit]
		truncated = true
	}

	return OK(map[string]interface{}{
		"url":       url,
		"title":     title,
		"content":   text,
		"truncated": truncated,
	})
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
