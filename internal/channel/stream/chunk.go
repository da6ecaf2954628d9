package stream

import (
	"strings"
	"unicode/utf8"
)

const closingFence = "```"

// ChunkMarkdown splits text into chunks of at most size characters on line
// boundaries. A chunk that ends inside a fenced code block gets a closing
// fence, and the next chunk reopens the block with the original fence line.
// Lines longer than size are never split, and a closing fence may overrun
// size like an injected one. Lengths count runes, including the joining
// newlines.
func ChunkMarkdown(text string, size int) []string {
	if size <= 0 || utf8.RuneCountInString(text) <= size {
		return []string{text}
	}

	var (
		chunks    []string
		cur       []string
		curLen    int
		inFence   bool
		fenceLine string
		// reopened is true while cur holds nothing but a reopening fence.
		reopened bool
	)
	flush := func() {
		if inFence {
			cur = append(cur, closingFence)
		}
		chunks = append(chunks, strings.Join(cur, "\n"))
		cur, curLen, reopened = nil, 0, false
		if inFence {
			cur = []string{fenceLine}
			curLen = utf8.RuneCountInString(fenceLine)
			reopened = true
		}
	}

	for _, line := range strings.Split(text, "\n") {
		lineLen := utf8.RuneCountInString(line)
		// A closing fence stays with its block: splitting before it would
		// leave an empty block in the next chunk.
		closesBlock := inFence && isFence(line)
		if len(cur) > 0 && !reopened && !closesBlock && curLen+1+lineLen > size {
			flush()
		}
		if len(cur) > 0 {
			curLen++
		}
		cur = append(cur, line)
		curLen += lineLen
		reopened = false

		if isFence(line) {
			if inFence {
				inFence = false
			} else {
				inFence = true
				fenceLine = strings.TrimSpace(line)
			}
		}
	}
	if len(cur) > 0 {
		chunks = append(chunks, strings.Join(cur, "\n"))
	}
	return chunks
}

func isFence(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), closingFence)
}

// truncateRunes returns the first n runes of s.
func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
