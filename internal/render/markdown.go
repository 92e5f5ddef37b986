package render

import (
	"html"
	"regexp"
	"strings"
)

var (
	headingLine = regexp.MustCompile(`^(#{1,3})\s+(.+?)\s*#*\s*$`)
	bulletLine  = regexp.MustCompile(`^\s*[-*•]\s+(.+)$`)
	orderedLine = regexp.MustCompile(`^\s*\d{1,3}[.)]\s+(.+)$`)

	boldPattern       = regexp.MustCompile(`\*\*(\S(?:.*?\S)?)\*\*`)
	italicStarPattern = regexp.MustCompile(`\*(\S(?:[^*]*?\S)?)\*`)
	italicUnderscore  = regexp.MustCompile(`(^|[^\p{L}\p{N}_])_(\S(?:[^_]*?\S)?)_($|[^\p{L}\p{N}_])`)
)

type blockKind int

const (
	blockNone blockKind = iota
	blockParagraph
	blockBullets
	blockOrdered
)

// Markdown renders the restricted markdown dialect used by model replies.
// Raw text is escaped before any inline markup is applied, so the result
// never contains markup that was not produced here.
func Markdown(src string) string {
	var (
		out   strings.Builder
		kind  blockKind
		lines []string
	)

	flush := func() {
		switch kind {
		case blockParagraph:
			out.WriteString("<p>")
			for i, l := range lines {
				if i > 0 {
					out.WriteString("<br>")
				}
				out.WriteString(inline(l))
			}
			out.WriteString("</p>")
		case blockBullets, blockOrdered:
			tag := "ul"
			if kind == blockOrdered {
				tag = "ol"
			}
			out.WriteString("<" + tag + ">")
			for _, l := range lines {
				out.WriteString("<li>" + inline(l) + "</li>")
			}
			out.WriteString("</" + tag + ">")
		}
		kind = blockNone
		lines = lines[:0]
	}

	push := func(k blockKind, text string) {
		if kind != k {
			flush()
			kind = k
		}
		lines = append(lines, text)
	}

	for _, raw := range strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n") {
		line := strings.TrimRight(raw, " \t")
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}

		if m := headingLine.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			flush()
			tag := "h3"
			if len(m[1]) > 1 {
				tag = "h4"
			}
			out.WriteString("<" + tag + ">" + inline(m[2]) + "</" + tag + ">")
			continue
		}
		if m := bulletLine.FindStringSubmatch(line); m != nil {
			push(blockBullets, m[1])
			continue
		}
		if m := orderedLine.FindStringSubmatch(line); m != nil {
			push(blockOrdered, m[1])
			continue
		}
		push(blockParagraph, strings.TrimSpace(line))
	}
	flush()

	return out.String()
}

// inline escapes text and applies code, bold and italic spans. Code spans
// are left untouched by the other rules.
func inline(text string) string {
	parts := strings.Split(text, "`")
	var sb strings.Builder
	for i, part := range parts {
		code := i%2 == 1 && i < len(parts)-1
		switch {
		case code:
			sb.WriteString("<code>" + html.EscapeString(part) + "</code>")
		case i%2 == 1:
			// unmatched backtick
			sb.WriteString("`" + emphasis(html.EscapeString(part)))
		default:
			sb.WriteString(emphasis(html.EscapeString(part)))
		}
	}
	return sb.String()
}

func emphasis(escaped string) string {
	s := boldPattern.ReplaceAllString(escaped, "<strong>$1</strong>")
	s = italicStarPattern.ReplaceAllString(s, "<em>$1</em>")
	s = italicUnderscore.ReplaceAllString(s, "$1<em>$2</em>$3")
	return s
}
