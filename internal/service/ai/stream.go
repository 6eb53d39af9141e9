package ai

import (
	"errors"
	"io"

	"github.com/cloudwego/eino/schema"
)

// ErrStreamClosed is returned by Recv after Close.
var ErrStreamClosed = errors.New("stream closed")

// SourcesExtraKey is the schema.Message Extra key under which providers
// attach []Source citations to a chunk.
const SourcesExtraKey = "gemish_sources"

// FragmentKind tags a fragment of a streamed turn.
type FragmentKind string

const (
	FragmentText      FragmentKind = "text"
	FragmentReasoning FragmentKind = "reasoning"
	FragmentSource    FragmentKind = "source"
)

// Source is a citation the model grounded part of its answer on.
type Source struct {
	SourceType string `json:"sourceType"`
	ID         string `json:"id"`
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
}

// Fragment is one unit of a streamed turn.
type Fragment struct {
	Kind   FragmentKind
	Text   string
	Source *Source
}

// WithSources attaches citations to a provider chunk.
func WithSources(msg *schema.Message, sources []Source) *schema.Message {
	if len(sources) == 0 {
		return msg
	}
	if msg.Extra == nil {
		msg.Extra = make(map[string]any, 1)
	}
	msg.Extra[SourcesExtraKey] = sources
	return msg
}

// Meta is the completion metadata reported by the provider, if any.
type Meta struct {
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
}

// Stream is a single-pass iterator over the fragments of one generation.
// After io.EOF, an error or Close, every Recv returns the same terminal
// result.
type Stream struct {
	reader  *schema.StreamReader[*schema.Message]
	pending []Fragment
	err     error
	meta    Meta
}

// Meta returns the metadata seen so far. It is complete once Recv returned
// io.EOF.
func (s *Stream) Meta() Meta {
	meta := s.meta
	if meta.FinishReason == "" {
		meta.FinishReason = "stop"
	}
	return meta
}

// NewStream splits a model's message stream into fragments.
func NewStream(reader *schema.StreamReader[*schema.Message]) *Stream {
	return &Stream{reader: reader}
}

// Recv returns the next fragment, io.EOF when the provider finished, or the
// provider's error.
func (s *Stream) Recv() (Fragment, error) {
	for {
		if len(s.pending) > 0 {
			next := s.pending[0]
			s.pending = s.pending[1:]
			return next, nil
		}
		if s.err != nil {
			return Fragment{}, s.err
		}

		chunk, err := s.reader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.err = io.EOF
			} else {
				s.err = err
			}
			s.reader.Close()
			continue
		}
		if chunk != nil {
			s.observe(chunk.ResponseMeta)
			s.pending = append(s.pending, fragmentsOf(chunk)...)
		}
	}
}

// Close releases the provider stream. Pending fragments are discarded.
func (s *Stream) Close() {
	if s.err == nil {
		s.err = ErrStreamClosed
		s.reader.Close()
	}
	s.pending = nil
}

func (s *Stream) observe(meta *schema.ResponseMeta) {
	if meta == nil {
		return
	}
	if meta.FinishReason != "" {
		s.meta.FinishReason = meta.FinishReason
	}
	if meta.Usage != nil {
		s.meta.PromptTokens = meta.Usage.PromptTokens
		s.meta.CompletionTokens = meta.Usage.CompletionTokens
	}
}

func fragmentsOf(chunk *schema.Message) []Fragment {
	var out []Fragment
	if chunk.ReasoningContent != "" {
		out = append(out, Fragment{Kind: FragmentReasoning, Text: chunk.ReasoningContent})
	}
	if chunk.Content != "" {
		out = append(out, Fragment{Kind: FragmentText, Text: chunk.Content})
	}
	if sources, ok := chunk.Extra[SourcesExtraKey].([]Source); ok {
		for i := range sources {
			src := sources[i]
			if src.SourceType == "" {
				src.SourceType = "url"
			}
			out = append(out, Fragment{Kind: FragmentSource, Source: &src})
		}
	}
	return out
}

// NewStreamFromFragments builds a Stream replaying fragments and ending with
// end, which is io.EOF for a clean finish. Used by tests and fakes.
func NewStreamFromFragments(fragments []Fragment, end error) *Stream {
	s := &Stream{reader: schema.StreamReaderFromArray([]*schema.Message{})}
	s.reader.Close()
	s.pending = append(s.pending, fragments...)
	if end == nil {
		end = io.EOF
	}
	s.err = end
	return s
}
