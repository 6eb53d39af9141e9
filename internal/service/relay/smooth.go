package relay

import (
	"regexp"
	"strings"
)

var wordChunk = regexp.MustCompile(`\S+\s+`)

// Smoother re-chunks streamed text into whole words. Text after the last
// whitespace is held until more arrives or Flush is called.
type Smoother struct {
	buf strings.Builder
}

// Push adds text and returns every complete chunk now available.
func (s *Smoother) Push(text string) []string {
	s.buf.WriteString(text)
	pending := s.buf.String()

	var chunks []string
	for {
		loc := wordChunk.FindStringIndex(pending)
		if loc == nil {
			break
		}
		chunks = append(chunks, pending[:loc[1]])
		pending = pending[loc[1]:]
	}

	s.buf.Reset()
	s.buf.WriteString(pending)
	return chunks
}

// Flush returns whatever is buffered.
func (s *Smoother) Flush() string {
	rest := s.buf.String()
	s.buf.Reset()
	return rest
}
