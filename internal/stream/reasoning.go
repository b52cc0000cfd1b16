package stream

import "strings"

const (
	thinkOpenTag  = "<thinking>"
	thinkCloseTag = "</thinking>"
)

// tagPhase tracks whether the extractor is currently inside a <thinking>
// block, so state survives across chunk boundaries.
type tagPhase int

const (
	phaseOutside tagPhase = iota
	phaseInside
)

// ReasoningExtractor splits a provider's raw token stream into regular
// content and "thinking" content delimited by <thinking>...</thinking>
// tags that providers may split across arbitrary chunk boundaries
// (spec.md §9 "Reasoning-tag parsing"). Feed it every raw text chunk in
// order; it returns the content/reasoning text to emit for that chunk,
// tagging fully-formed reasoning_start/delta/end boundaries as they close.
type ReasoningExtractor struct {
	phase  tagPhase
	buffer string // holds a partial tag fragment that might complete on the next chunk
}

// Piece is one emittable fragment of a chunk: either content or reasoning
// text, optionally marking the start/end of a reasoning block.
type Piece struct {
	Reasoning    bool
	Text         string
	ReasoningStart bool
	ReasoningEnd   bool
}

// Feed consumes one raw chunk of provider text and returns zero or more
// Pieces to emit as SSE events. Tag matching tolerates a tag being split
// across chunk boundaries by buffering a suffix that could be a tag prefix
// until the next chunk arrives or the stream ends (see Flush).
func (e *ReasoningExtractor) Feed(chunk string) []Piece {
	data := e.buffer + chunk
	e.buffer = ""

	var pieces []Piece
	for {
		var tag string
		openIdx := strings.Index(data, thinkOpenTag)
		closeIdx := strings.Index(data, thinkCloseTag)

		switch {
		case e.phase == phaseOutside && openIdx >= 0 && (closeIdx < 0 || openIdx < closeIdx):
			tag = thinkOpenTag
			if openIdx > 0 {
				pieces = append(pieces, Piece{Reasoning: false, Text: data[:openIdx]})
			}
			data = data[openIdx+len(tag):]
			e.phase = phaseInside
			pieces = append(pieces, Piece{Reasoning: true, ReasoningStart: true})
			continue
		case e.phase == phaseInside && closeIdx >= 0:
			tag = thinkCloseTag
			if closeIdx > 0 {
				pieces = append(pieces, Piece{Reasoning: true, Text: data[:closeIdx]})
			}
			data = data[closeIdx+len(tag):]
			e.phase = phaseOutside
			pieces = append(pieces, Piece{Reasoning: true, ReasoningEnd: true})
			continue
		}

		// No complete tag found in the remainder. Hold back a suffix that
		// could be the prefix of a split tag, emit the rest now.
		holdback := longestTagPrefixSuffix(data)
		emit := data[:len(data)-holdback]
		if emit != "" {
			pieces = append(pieces, Piece{Reasoning: e.phase == phaseInside, Text: emit})
		}
		e.buffer = data[len(data)-holdback:]
		break
	}

	return pieces
}

// Flush returns any buffered trailing fragment as a final content/reasoning
// piece (e.g. stream ended mid-buffer without the tag ever completing —
// treat the held-back text as ordinary text rather than dropping it).
func (e *ReasoningExtractor) Flush() []Piece {
	if e.buffer == "" {
		return nil
	}
	p := Piece{Reasoning: e.phase == phaseInside, Text: e.buffer}
	e.buffer = ""
	return []Piece{p}
}

// longestTagPrefixSuffix returns the length of the longest suffix of data
// that is a proper (non-empty, non-whole-match) prefix of either tag
// constant, so it can be held back in case the rest of the tag arrives in
// the next chunk.
func longestTagPrefixSuffix(data string) int {
	longest := 0
	for _, tag := range []string{thinkOpenTag, thinkCloseTag} {
		maxLen := len(tag) - 1
		if maxLen > len(data) {
			maxLen = len(data)
		}
		for l := maxLen; l > 0; l-- {
			if strings.HasSuffix(data, tag[:l]) {
				if l > longest {
					longest = l
				}
				break
			}
		}
	}
	return longest
}
