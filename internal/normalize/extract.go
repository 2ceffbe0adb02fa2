package normalize

import (
	"net/url"
	"strings"
	"time"
)

// extractor pulls one field value out of a candidate. ok=false means "try the next one".
type extractor func(c candidate) (string, bool)

// timeExtractor is the date equivalent of extractor.
type timeExtractor func(c candidate) (*time.Time, bool)

var identityExtractors = []extractor{
	func(c candidate) (string, bool) { return c.id, c.id != "" },
}

var linkExtractors = []extractor{
	func(c candidate) (string, bool) { return c.plainLink, c.plainLink != "" },
	relLink("alternate", ""),
	func(c candidate) (string, bool) {
		for _, l := range c.links {
			if l.href != "" {
				return l.href, true
			}
		}
		return "", false
	},
}

// permalinkExtractors express the linkblog heuristic: an explicit related link beats a
// self link, which beats an id or guid that happens to be a URL.
var permalinkExtractors = []extractor{
	relLink("related"),
	relLink("self", "via"),
	func(c candidate) (string, bool) {
		if c.isGUID || !isAbsoluteURL(c.id) {
			return "", false
		}
		return c.id, true
	},
	func(c candidate) (string, bool) {
		if !c.isGUID || !c.guidIsPermalink || !isAbsoluteURL(c.id) {
			return "", false
		}
		return c.id, true
	},
}

var publishedExtractors = []timeExtractor{
	dateOf(func(c candidate) dateField { return c.pubDate }),
	dateOf(func(c candidate) dateField { return c.published }),
	dateOf(func(c candidate) dateField { return c.updated }),
	dateOf(func(c candidate) dateField { return c.date }),
	dateOf(func(c candidate) dateField { return c.dcDate }),
}

var updatedExtractors = []timeExtractor{
	dateOf(func(c candidate) dateField { return c.updated }),
}

var summaryExtractors = []extractor{
	nonBlank(func(c candidate) string { return c.summary }),
	nonBlank(func(c candidate) string { return c.content }),
}

var contentExtractors = []extractor{
	nonBlank(func(c candidate) string { return c.content }),
	nonBlank(func(c candidate) string { return c.summary }),
}

var authorExtractors = []extractor{
	nonBlank(func(c candidate) string { return c.authorName }),
	nonBlank(func(c candidate) string { return c.authorText }),
	nonBlank(func(c candidate) string { return c.creator }),
}

func firstOf(c candidate, extractors ...extractor) string {
	for _, fn := range extractors {
		if v, ok := fn(c); ok {
			return v
		}
	}
	return ""
}

func firstTime(c candidate, extractors ...timeExtractor) *time.Time {
	for _, fn := range extractors {
		if t, ok := fn(c); ok {
			return t
		}
	}
	return nil
}

func relLink(rels ...string) extractor {
	return func(c candidate) (string, bool) {
		for _, l := range c.links {
			if l.href == "" {
				continue
			}
			for _, rel := range rels {
				if strings.EqualFold(l.rel, rel) {
					return l.href, true
				}
			}
		}
		return "", false
	}
}

func nonBlank(get func(c candidate) string) extractor {
	return func(c candidate) (string, bool) {
		v := get(c)
		return v, strings.TrimSpace(v) != ""
	}
}

func dateOf(get func(c candidate) dateField) timeExtractor {
	return func(c candidate) (*time.Time, bool) {
		f := get(c)
		if f.parsed != nil && !f.parsed.IsZero() {
			t := f.parsed.UTC()
			return &t, true
		}
		t, ok := parseDate(f.raw)
		if !ok {
			return nil, false
		}
		return &t, true
	}
}

func isAbsoluteURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func normalizeTags(raw []string) []string {
	tags := make([]string, 0, len(raw))
	for _, t := range raw {
		if s := strings.TrimSpace(t); s != "" {
			tags = append(tags, s)
		}
	}
	return tags
}
