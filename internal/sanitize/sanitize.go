package sanitize

import (
	"fmt"
	"html"
)

// maxPasses bounds the re-walk loop that makes the output a fixpoint.
const maxPasses = 3

// Sanitizer applies a Visitor through a Backend and never fails.
type Sanitizer struct {
	backend    Backend
	visitor    Visitor
	onFallback func(error)
}

// Option configures a Sanitizer.
type Option func(*Sanitizer)

// WithBackend swaps the document backend.
func WithBackend(b Backend) Option {
	return func(s *Sanitizer) { s.backend = b }
}

// WithVisitor swaps the allow-list policy.
func WithVisitor(v Visitor) Option {
	return func(s *Sanitizer) { s.visitor = v }
}

// WithFallbackHook is called whenever the escape fallback is used.
func WithFallbackHook(fn func(error)) Option {
	return func(s *Sanitizer) { s.onFallback = fn }
}

// New returns a Sanitizer using the x/net/html backend and DefaultPolicy
// unless overridden.
func New(opts ...Option) *Sanitizer {
	s := &Sanitizer{
		backend: NewHTMLBackend(),
		visitor: DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var std = New()

// Sanitize runs the default sanitizer.
func Sanitize(src string) string {
	return std.Sanitize(src)
}

// Sanitize returns the safe rendition of src. Any backend error or panic
// yields the HTML-escaped input instead.
func (s *Sanitizer) Sanitize(src string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			out = s.fallback(src, fmt.Errorf("sanitize panic: %v", r))
		}
	}()

	out, err := s.backend.Walk(src, s.visitor)
	if err != nil {
		return s.fallback(src, err)
	}
	for i := 1; i < maxPasses; i++ {
		next, err := s.backend.Walk(out, s.visitor)
		if err != nil {
			return s.fallback(src, err)
		}
		if next == out {
			break
		}
		out = next
	}
	return out
}

func (s *Sanitizer) fallback(src string, err error) string {
	if s.onFallback != nil {
		s.onFallback(err)
	}
	return html.EscapeString(src)
}
