// Package transport is the minimal surface of the chat transport the
// daemon consumes: an RPC client for outbound delivery and two inbound
// watchers, a message-database poller and a websocket event stream.
package transport

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultChunkLimit is the transport's per-message character limit.
const DefaultChunkLimit = 4000

// Chunker splits long replies at natural boundaries before delivery.
// Break preference: paragraph breaks, then newlines outside code
// fences, then sentence endings, then word boundaries, then a hard cut.
type Chunker struct {
	MaxSize int
}

// NewChunker returns a chunker with the given limit, defaulting to
// DefaultChunkLimit when the limit is not positive.
func NewChunker(maxSize int) *Chunker {
	if maxSize <= 0 {
		maxSize = DefaultChunkLimit
	}
	return &Chunker{MaxSize: maxSize}
}

// Chunk splits text into pieces that fit within MaxSize.
func (c *Chunker) Chunk(text string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= c.MaxSize {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > c.MaxSize {
		breakIdx := c.findBreakPoint(remaining)
		if breakIdx <= 0 {
			breakIdx = c.MaxSize
		}
		chunk := strings.TrimRightFunc(remaining[:breakIdx], unicode.IsSpace)
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimLeftFunc(remaining[breakIdx:], unicode.IsSpace)
	}
	if remaining = strings.TrimSpace(remaining); remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// findBreakPoint picks the best position to cut the next chunk.
func (c *Chunker) findBreakPoint(text string) int {
	window := text[:c.MaxSize]

	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx
	}
	if idx := c.lastNewlineOutsideFence(window); idx > 0 {
		return idx
	}
	if idx := lastSentenceEnd(window); idx > 0 {
		return idx
	}
	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		return idx
	}
	return c.MaxSize
}

// lastNewlineOutsideFence finds the last newline that does not fall
// inside a ``` code fence, so fenced blocks stay intact when possible.
func (c *Chunker) lastNewlineOutsideFence(window string) int {
	inFence := false
	best := -1
	for i := 0; i < len(window); i++ {
		if strings.HasPrefix(window[i:], "```") {
			inFence = !inFence
			i += 2
			continue
		}
		if window[i] == '\n' && !inFence {
			best = i
		}
	}
	return best
}

func lastSentenceEnd(window string) int {
	best := -1
	for i, r := range window {
		switch r {
		case '.', '!', '?':
			next := i + 1
			if next >= len(window) || window[next] == ' ' || window[next] == '\n' {
				best = next
			}
		case '。', '！', '？':
			// Fullwidth enders break regardless of what follows.
			best = i + utf8.RuneLen(r)
		}
	}
	return best
}
