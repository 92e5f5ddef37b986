package sanitize

import (
	"strings"
)

var defaultDropped = []string{
	"script", "style", "iframe", "frame", "frameset", "object", "embed", "applet",
	"link", "meta", "base", "noscript", "template", "form", "input", "button",
	"textarea", "select", "svg", "math",
}

var defaultAllowed = []string{
	"p", "br", "hr", "strong", "b", "em", "i", "u", "s", "small", "sup", "sub",
	"span", "div", "blockquote", "code", "pre", "ul", "ol", "li",
	"h1", "h2", "h3", "h4", "h5", "h6", "a",
	"table", "thead", "tbody", "tfoot", "tr", "th", "td", "caption",
}

var allowedAttrs = map[string]bool{
	"href":    true,
	"target":  true,
	"rel":     true,
	"class":   true,
	"style":   true,
	"colspan": true,
	"rowspan": true,
}

var allowedStyleProps = map[string]bool{
	"color":            true,
	"background-color": true,
	"font-weight":      true,
	"font-style":       true,
	"text-decoration":  true,
	"text-align":       true,
	"white-space":      true,
}

var forbiddenStyleTokens = []string{"expression(", "url(", "javascript:"}

const (
	relBlank   = "noopener noreferrer"
	relDefault = "noreferrer"
)

// Policy is the allow-list Visitor.
type Policy struct {
	dropped map[string]bool
	allowed map[string]bool
}

// DefaultPolicy returns the policy used for every chat message.
func DefaultPolicy() *Policy {
	p := &Policy{
		dropped: make(map[string]bool, len(defaultDropped)),
		allowed: make(map[string]bool, len(defaultAllowed)),
	}
	for _, tag := range defaultDropped {
		p.dropped[tag] = true
	}
	for _, tag := range defaultAllowed {
		p.allowed[tag] = true
	}
	return p
}

// Element implements Visitor.
func (p *Policy) Element(tag string, attrs []Attr) (Decision, []Attr) {
	if p.dropped[tag] {
		return Drop, nil
	}
	if !p.allowed[tag] {
		return Unwrap, nil
	}

	kept := make([]Attr, 0, len(attrs))
	seen := make(map[string]bool, len(attrs))
	for _, a := range attrs {
		if seen[a.Key] || strings.HasPrefix(a.Key, "on") || !allowedAttrs[a.Key] {
			continue
		}
		seen[a.Key] = true

		switch a.Key {
		case "href":
			if !safeHref(a.Val) {
				continue
			}
		case "style":
			style, ok := filterStyle(a.Val)
			if !ok {
				continue
			}
			a.Val = style
		case "colspan", "rowspan":
			if !isDigits(a.Val) {
				continue
			}
		}
		kept = append(kept, a)
	}

	if tag == "a" {
		kept = enforceRel(kept)
	}
	return Keep, kept
}

func safeHref(raw string) bool {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return false
	}
	if strings.HasPrefix(v, "#") {
		return true
	}
	for _, prefix := range []string{"http://", "https://", "mailto:", "tel:"} {
		if strings.HasPrefix(v, prefix) {
			return true
		}
	}
	return false
}

// filterStyle keeps presentational declarations only. A forbidden token
// anywhere voids the whole attribute.
func filterStyle(raw string) (string, bool) {
	lower := strings.ToLower(raw)
	for _, tok := range forbiddenStyleTokens {
		if strings.Contains(lower, tok) {
			return "", false
		}
	}

	var decls []string
	for _, decl := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if value == "" || !allowedStyleProps[name] {
			continue
		}
		decls = append(decls, name+": "+value)
	}
	if len(decls) == 0 {
		return "", false
	}
	return strings.Join(decls, "; "), true
}

func enforceRel(attrs []Attr) []Attr {
	blank := false
	relIdx := -1
	for i, a := range attrs {
		switch a.Key {
		case "target":
			blank = strings.EqualFold(strings.TrimSpace(a.Val), "_blank")
		case "rel":
			relIdx = i
		}
	}

	switch {
	case blank && relIdx >= 0:
		attrs[relIdx].Val = relBlank
	case blank:
		attrs = append(attrs, Attr{Key: "rel", Val: relBlank})
	case relIdx < 0:
		attrs = append(attrs, Attr{Key: "rel", Val: relDefault})
	}
	return attrs
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
