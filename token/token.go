// Package token estimates token counts for prompt budgeting.
package token

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// fallbackCharsPerToken is the rough estimate used when the BPE encoding is
// unavailable (e.g. offline). Four characters per token is the usual rule of
// thumb for English text.
const fallbackCharsPerToken = 4

// Counter estimates token counts. The zero value is not usable; construct
// with NewCounter.
type Counter struct {
	enc *tiktoken.Tiktoken
}

var (
	defaultOnce    sync.Once
	defaultCounter *Counter
)

// Default returns a process-wide shared counter.
func Default() *Counter {
	defaultOnce.Do(func() {
		defaultCounter = NewCounter()
	})
	return defaultCounter
}

// NewCounter creates a counter backed by the cl100k_base encoding. Loading
// the encoding may require a network fetch on first use; if it fails the
// counter degrades to a character-based estimate.
func NewCounter() *Counter {
	enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
	if err != nil {
		slog.Warn("tiktoken encoding unavailable, using character estimate", "error", err)
		return &Counter{}
	}
	return &Counter{enc: enc}
}

// Count returns the estimated token count of text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc == nil {
		return (len(text) + fallbackCharsPerToken - 1) / fallbackCharsPerToken
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountAll returns the summed estimate over several strings plus a small
// per-item overhead for message framing.
func (c *Counter) CountAll(texts ...string) int {
	const perItemOverhead = 4
	total := 0
	for _, t := range texts {
		total += c.Count(t) + perItemOverhead
	}
	return total
}
