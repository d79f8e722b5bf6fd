package kb

import "strings"

const defaultChunkSize = 2000

// Chunk is one unit of indexed text.
type Chunk struct {
	Content string
	Index   int
	Total   int
}

// SplitText groups lines into chunks of at most maxSize bytes without
// splitting mid-line. A non-positive maxSize uses the default.
func SplitText(content string, maxSize int) []Chunk {
	if maxSize <= 0 {
		maxSize = defaultChunkSize
	}
	if len(content) <= maxSize {
		return []Chunk{{Content: content, Index: 0, Total: 1}}
	}

	var chunks []Chunk
	var current strings.Builder

	for _, line := range strings.Split(content, "\n") {
		lineWithNewline := line + "\n"
		if current.Len() > 0 && current.Len()+len(lineWithNewline) > maxSize {
			chunks = append(chunks, Chunk{Content: current.String(), Index: len(chunks)})
			current.Reset()
		}
		current.WriteString(lineWithNewline)
	}
	if current.Len() > 0 {
		chunks = append(chunks, Chunk{Content: current.String(), Index: len(chunks)})
	}

	for i := range chunks {
		chunks[i].Total = len(chunks)
	}
	return chunks
}
