package render

import (
	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
	"github.com/zhouzirui/z-clinic/backend/internal/sanitize"
	"github.com/zhouzirui/z-clinic/backend/internal/stream"
)

// Pipeline is extract -> format -> sanitize. It holds no per-message state;
// the caller threads the owned stream.Buffer through every call.
type Pipeline struct {
	extractor *Extractor
	formatter *Formatter
	sanitizer *sanitize.Sanitizer
}

// NewPipeline wires the three stages together. A nil sanitizer uses the
// package default.
func NewPipeline(trust TrustList, texts locale.Store, s *sanitize.Sanitizer) *Pipeline {
	if s == nil {
		s = sanitize.New()
	}
	return &Pipeline{
		extractor: NewExtractor(trust),
		formatter: NewFormatter(texts),
		sanitizer: s,
	}
}

// Render returns the sanitized HTML for the text accumulated in buf.
func (p *Pipeline) Render(buf *stream.Buffer, lang locale.Language, final bool) string {
	html, _ := p.RenderText(buf.Text(), lang, final)
	return html
}

// RenderText is Render over a plain string, also returning the directives.
func (p *Pipeline) RenderText(text string, lang locale.Language, final bool) (string, Directives) {
	body, directives := p.extractor.Extract(text, final)
	return p.sanitizer.Sanitize(p.formatter.Format(body, directives, lang)), directives
}

// Plain renders text that carries no directives, such as canned replies.
func (p *Pipeline) Plain(text string) string {
	return p.sanitizer.Sanitize(Markdown(text))
}
