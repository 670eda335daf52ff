package services

import "unicode/utf8"

// TextChunk is one provider-sized slice of the full transcript. Start
// is the rune offset of the chunk within the original text, which is
// what chunked adapters add back onto provider-local entity offsets.
type TextChunk struct {
	Start int
	Text  string
}

// SplitTextChunks cuts text into pieces of at most maxRunes runes,
// preferring to break at the last whitespace inside the window so
// entities are not split mid-word. A chunk is only ever shorter than
// maxRunes at a chosen break or at the end of the text.
func SplitTextChunks(text string, maxRunes int) []TextChunk {
	if maxRunes <= 0 || utf8.RuneCountInString(text) <= maxRunes {
		if text == "" {
			return nil
		}
		return []TextChunk{{Start: 0, Text: text}}
	}

	runes := []rune(text)
	var chunks []TextChunk
	start := 0
	for start < len(runes) {
		end := start + maxRunes
		if end >= len(runes) {
			chunks = append(chunks, TextChunk{Start: start, Text: string(runes[start:])})
			break
		}
		cut := end
		for i := end; i > start; i-- {
			if isSpaceRune(runes[i-1]) {
				cut = i
				break
			}
		}
		// A window with no whitespace at all cuts hard at the cap.
		chunks = append(chunks, TextChunk{Start: start, Text: string(runes[start:cut])})
		start = cut
	}
	return chunks
}

func isSpaceRune(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}
