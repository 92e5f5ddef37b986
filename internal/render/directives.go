// Package render turns raw model text into the final HTML of a bot message:
// directive extraction, restricted markdown, block composition and
// sanitisation.
package render

import (
	"net/url"
	"regexp"
	"strings"
)

const searchFallbackBase = "https://www.google.com/search?q="

// Source is one citation. Fallback marks a URL replaced by a web search.
type Source struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Fallback bool   `json:"verifiedOrSearchFallback"`
}

// Directives are the out-of-band instructions found in one message.
type Directives struct {
	Sources      []Source `json:"sources,omitempty"`
	Specialist   string   `json:"specialist,omitempty"`
	CallToAction string   `json:"callToAction,omitempty"`
}

// Empty reports whether no directive was found.
func (d Directives) Empty() bool {
	return len(d.Sources) == 0 && d.Specialist == "" && d.CallToAction == ""
}

type markerKind int

const (
	markerSource markerKind = iota + 1
	markerSpecialist
	markerCTA
)

// markerKeywords maps every recognised marker to its kind. SPECIALIST is the
// older name of LABEL and is still emitted by some prompts.
var markerKeywords = map[string]markerKind{
	"SOURCE":     markerSource,
	"LABEL":      markerSpecialist,
	"SPECIALIST": markerSpecialist,
	"CTA":        markerCTA,
}

var markerLine = regexp.MustCompile(`(?i)^\s*(?:[-*•]\s+)?\**\s*(SOURCE|LABEL|SPECIALIST|CTA)\s*\**\s*:\s*\**\s*(.*?)\s*\**\s*$`)

var sourceSeparator = regexp.MustCompile(`\s+[-–—]\s+`)

// DefaultTrustedDomains lists hosts whose citations are linked directly.
func DefaultTrustedDomains() []string {
	return []string{
		"who.int",
		"cdc.gov",
		"nih.gov",
		"medlineplus.gov",
		"mayoclinic.org",
		"clevelandclinic.org",
		"hopkinsmedicine.org",
		"nhs.uk",
		"webmd.com",
		"healthline.com",
		"moh.gov.sa",
		"sciencedirect.com",
	}
}

// TrustList matches hosts exactly or by dot-suffix.
type TrustList struct {
	domains []string
}

// NewTrustList returns the default domains plus extra.
func NewTrustList(extra ...string) TrustList {
	var domains []string
	seen := make(map[string]bool)
	for _, d := range append(DefaultTrustedDomains(), extra...) {
		d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		domains = append(domains, d)
	}
	return TrustList{domains: domains}
}

// Trusted reports whether raw is an http(s) URL on a trusted host.
func (t TrustList) Trusted(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return false
	}
	for _, d := range t.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// SearchFallbackURL is the deterministic substitute for an untrusted link.
func SearchFallbackURL(name string) string {
	return searchFallbackBase + url.QueryEscape(name)
}

// Extractor separates directive lines from prose.
type Extractor struct {
	trust TrustList
}

// NewExtractor returns an Extractor using trust for citation checks.
func NewExtractor(trust TrustList) *Extractor {
	return &Extractor{trust: trust}
}

// Extract returns text with every marker line removed and the directives
// those lines carried. It is deterministic and order preserving. When final
// is false, an unterminated last line that may still grow into a marker is
// withheld from the body.
func (e *Extractor) Extract(text string, final bool) (string, Directives) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	if !final && len(lines) > 0 && couldBecomeMarker(lines[len(lines)-1]) {
		lines = lines[:len(lines)-1]
	}

	var (
		body []string
		d    Directives
		seen = make(map[Source]bool)
	)
	for _, line := range lines {
		m := markerLine.FindStringSubmatch(line)
		if m == nil {
			body = append(body, line)
			continue
		}

		value := strings.TrimSpace(m[2])
		switch markerKeywords[strings.ToUpper(m[1])] {
		case markerSource:
			if src, ok := e.parseSource(value); ok && !seen[src] {
				seen[src] = true
				d.Sources = append(d.Sources, src)
			}
		case markerSpecialist:
			if d.Specialist == "" && value != "" {
				d.Specialist = value
			}
		case markerCTA:
			if d.CallToAction == "" && value != "" {
				d.CallToAction = value
			}
		}
	}

	return strings.TrimSpace(strings.Join(body, "\n")), d
}

func (e *Extractor) parseSource(value string) (Source, bool) {
	if value == "" {
		return Source{}, false
	}

	name, link := value, ""
	if locs := sourceSeparator.FindAllStringIndex(value, -1); len(locs) > 0 {
		last := locs[len(locs)-1]
		name = strings.TrimSpace(value[:last[0]])
		link = strings.TrimSpace(value[last[1]:])
	} else if strings.Contains(value, "://") {
		name, link = "", value
	}
	link = strings.Trim(link, "<>()[]")
	link = strings.TrimRight(link, ".,;")

	if name == "" {
		if u, err := url.Parse(link); err == nil && u.Hostname() != "" {
			name = u.Hostname()
		} else {
			name = link
		}
	}
	if name == "" {
		return Source{}, false
	}

	if link != "" && e.trust.Trusted(link) {
		return Source{Name: name, URL: link}, true
	}
	return Source{Name: name, URL: SearchFallbackURL(name), Fallback: true}, true
}

// couldBecomeMarker reports whether a partial line is a marker or a prefix
// of one.
func couldBecomeMarker(line string) bool {
	s := strings.TrimLeft(line, " \t")
	s = strings.TrimLeft(strings.TrimPrefix(strings.TrimPrefix(s, "-"), "•"), " \t*")
	if s == "" {
		return false
	}
	upper := strings.ToUpper(s)
	for kw := range markerKeywords {
		if strings.HasPrefix(upper, kw) || strings.HasPrefix(kw, upper) {
			return true
		}
	}
	return false
}
