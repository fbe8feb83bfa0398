// Package memory implements Recall's chunked semantic memory store:
// free-text notes are split into overlapping sentence-respecting chunks,
// embedded via an external provider, and persisted as two table files
// (memories + chunks) with a dense in-memory embedding matrix for search.
package memory

import "strings"

// Default chunking parameters (characters).
const (
	DefaultChunkSize    = 250
	DefaultChunkOverlap = 50
)

// ChunkText splits text into overlapping chunks, respecting sentence
// boundaries. It is pure: the same input always yields the same output.
//
// Text that fits within targetSize is returned as a single chunk.
// Otherwise sentences are accumulated greedily; when the next sentence
// would overflow targetSize, the buffer is closed and the new buffer is
// seeded with the last overlap characters of the closed chunk, trimmed
// forward to a word boundary so no chunk starts mid-word.
// Never returns zero chunks.
func ChunkText(text string, targetSize, overlap int) []string {
	if len(text) <= targetSize {
		return []string{text}
	}

	var chunks []string
	current := ""

	for _, sentence := range splitSentences(text) {
		if len(current)+len(sentence) > targetSize && current != "" {
			chunks = append(chunks, strings.TrimSpace(current))

			if overlap > 0 && len(current) > overlap {
				tail := current[len(current)-overlap:]
				// Drop the leading word fragment from the overlap seed.
				if idx := strings.IndexByte(tail, ' '); idx > 0 {
					tail = tail[idx+1:]
				}
				current = tail + " " + sentence
			} else {
				current = sentence
			}
			continue
		}

		if current == "" {
			current = sentence
		} else {
			current = strings.TrimSpace(current + " " + sentence)
		}
	}

	if strings.TrimSpace(current) != "" {
		chunks = append(chunks, strings.TrimSpace(current))
	}

	// Chunking must never lose content.
	if len(chunks) == 0 {
		return []string{text}
	}
	return chunks
}

// splitSentences cuts text after terminal punctuation (or a newline)
// followed by whitespace. The separating whitespace is consumed.
func splitSentences(text string) []string {
	var sentences []string
	start := 0

	for i := 0; i < len(text); {
		if isTerminal(text[i]) {
			j := i + 1
			for j < len(text) && isSpace(text[j]) {
				j++
			}
			if j > i+1 {
				sentences = append(sentences, text[start:i+1])
				start = j
				i = j
				continue
			}
		}
		i++
	}

	if start < len(text) {
		sentences = append(sentences, text[start:])
	}
	return sentences
}

func isTerminal(c byte) bool {
	return c == '.' || c == '!' || c == '?' || c == '\n'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
