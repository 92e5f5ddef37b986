package render

import (
	"html"
	"strings"

	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
)

// Formatter composes prose and directive blocks into one HTML fragment.
// Block order is fixed: prose, specialist, sources, call-to-action.
type Formatter struct {
	texts locale.Store
}

// NewFormatter returns a Formatter that reads block labels from texts.
func NewFormatter(texts locale.Store) *Formatter {
	return &Formatter{texts: texts}
}

// Format renders body as markdown and appends the directive blocks.
func (f *Formatter) Format(body string, d Directives, lang locale.Language) string {
	var sb strings.Builder
	sb.WriteString(Markdown(body))

	if d.Specialist != "" {
		sb.WriteString(`<div class="specialist-recommendation"><strong>`)
		sb.WriteString(html.EscapeString(f.texts.Text(lang, locale.KeySpecialistHeading)))
		sb.WriteString(`</strong> <span class="specialist-label">`)
		sb.WriteString(html.EscapeString(d.Specialist))
		sb.WriteString(`</span></div>`)
	}

	if len(d.Sources) > 0 {
		sb.WriteString(`<div class="sources"><strong>`)
		sb.WriteString(html.EscapeString(f.texts.Text(lang, locale.KeySourcesHeading)))
		sb.WriteString(`</strong><ul>`)
		for _, src := range d.Sources {
			if src.Fallback {
				sb.WriteString(`<li class="source-fallback">`)
			} else {
				sb.WriteString(`<li class="source-verified">`)
			}
			sb.WriteString(`<a href="`)
			sb.WriteString(html.EscapeString(src.URL))
			sb.WriteString(`" target="_blank" rel="noopener noreferrer">`)
			sb.WriteString(html.EscapeString(src.Name))
			sb.WriteString(`</a>`)
			if src.Fallback {
				sb.WriteString(` <small>(`)
				sb.WriteString(html.EscapeString(f.texts.Text(lang, locale.KeySearchFallback)))
				sb.WriteString(`)</small>`)
			}
			sb.WriteString(`</li>`)
		}
		sb.WriteString(`</ul></div>`)
	}

	if d.CallToAction != "" {
		sb.WriteString(`<div class="cta">`)
		sb.WriteString(inline(d.CallToAction))
		sb.WriteString(`</div>`)
	}

	return sb.String()
}
