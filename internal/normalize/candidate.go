package normalize

import (
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed/atom"
	ext "github.com/mmcdole/gofeed/extensions"
	"github.com/mmcdole/gofeed/rss"
)

// linkRef is an href with its relation attribute.
type linkRef struct {
	href string
	rel  string
}

// dateField keeps both the raw text and gofeed's parse of a date element.
type dateField struct {
	raw    string
	parsed *time.Time
}

// candidate is one feed entry flattened into dialect-neutral fields.
type candidate struct {
	id              string
	isGUID          bool
	guidIsPermalink bool

	title     string
	plainLink string
	links     []linkRef

	pubDate   dateField
	published dateField
	updated   dateField
	date      dateField
	dcDate    dateField

	summary string
	content string

	authorName string
	authorText string
	creator    string

	tags []string
}

func rssCandidate(item *rss.Item) candidate {
	c := candidate{
		title:     strings.TrimSpace(item.Title),
		plainLink: strings.TrimSpace(item.Link),
		pubDate:   dateField{raw: item.PubDate, parsed: item.PubDateParsed},
		summary:   item.Description,
		content:   item.Content,
		// rss.Item carries the raw <author> text.
		authorText: strings.TrimSpace(item.Author),
	}
	if item.GUID != nil {
		c.id = strings.TrimSpace(item.GUID.Value)
		c.isGUID = true
		c.guidIsPermalink = !strings.EqualFold(strings.TrimSpace(item.GUID.IsPermalink), "false")
	}
	if c.content == "" {
		c.content = extensionValue(item.Extensions, "content", "encoded")
	}
	c.links = atomLinkExtensions(item.Extensions)
	c.published = dateField{raw: atomExtensionValue(item.Extensions, "published")}
	c.updated = dateField{raw: atomExtensionValue(item.Extensions, "updated")}
	c.date = dateField{raw: foreignDate(item.Extensions)}
	c.dcDate, c.creator = dublinCore(item.DublinCoreExt, item.Extensions)
	for _, cat := range item.Categories {
		if cat != nil {
			c.tags = append(c.tags, cat.Value)
		}
	}
	c.tags = append(c.tags, dublinSubjects(item.DublinCoreExt, item.Extensions)...)
	return c
}

// atomCandidate flattens an entry. Text constructs typed html or xhtml are reduced to
// plain text here, before any truncation.
func atomCandidate(entry *atom.Entry, types textTypes) candidate {
	c := candidate{
		id:        strings.TrimSpace(entry.ID),
		title:     textOf(entry.Title, isMarkup(types.title)),
		published: dateField{raw: entry.Published, parsed: entry.PublishedParsed},
		updated:   dateField{raw: entry.Updated, parsed: entry.UpdatedParsed},
		summary:   textOf(entry.Summary, isMarkup(types.summary)),
	}
	for _, l := range entry.Links {
		if l == nil {
			continue
		}
		c.links = append(c.links, linkRef{href: strings.TrimSpace(l.Href), rel: strings.TrimSpace(l.Rel)})
	}
	if entry.Content != nil {
		c.content = textOf(entry.Content.Value, isMarkup(entry.Content.Type))
	}
	for _, person := range entry.Authors {
		if person != nil && strings.TrimSpace(person.Name) != "" {
			c.authorName = strings.TrimSpace(person.Name)
			break
		}
	}
	c.date = dateField{raw: foreignDate(entry.Extensions)}
	c.dcDate, c.creator = dublinCore(nil, entry.Extensions)
	for _, cat := range entry.Categories {
		if cat == nil {
			continue
		}
		if strings.TrimSpace(cat.Term) != "" {
			c.tags = append(c.tags, cat.Term)
		} else {
			c.tags = append(c.tags, cat.Label)
		}
	}
	c.tags = append(c.tags, dublinSubjects(nil, entry.Extensions)...)
	return c
}

// atomLinkExtensions reads <atom:link> elements embedded in RSS items.
func atomLinkExtensions(exts ext.Extensions) []linkRef {
	var out []linkRef
	for _, prefix := range atomPrefixes(exts) {
		for _, e := range exts[prefix]["link"] {
			href := strings.TrimSpace(e.Attrs["href"])
			if href == "" {
				continue
			}
			out = append(out, linkRef{href: href, rel: strings.TrimSpace(e.Attrs["rel"])})
		}
	}
	return out
}

func atomExtensionValue(exts ext.Extensions, name string) string {
	for _, prefix := range atomPrefixes(exts) {
		if v := extensionValue(exts, prefix, name); v != "" {
			return v
		}
	}
	return ""
}

func atomPrefixes(exts ext.Extensions) []string {
	var out []string
	for _, prefix := range []string{"atom", "atom10", "a"} {
		if _, ok := exts[prefix]; ok {
			out = append(out, prefix)
		}
	}
	return out
}

// foreignDate finds a <date> element under any namespace other than Dublin Core.
func foreignDate(exts ext.Extensions) string {
	prefixes := make([]string, 0, len(exts))
	for prefix := range exts {
		if prefix != "dc" {
			prefixes = append(prefixes, prefix)
		}
	}
	sort.Strings(prefixes)
	for _, prefix := range prefixes {
		if v := extensionValue(exts, prefix, "date"); v != "" {
			return v
		}
	}
	return ""
}

func extensionValue(exts ext.Extensions, prefix, name string) string {
	if exts == nil {
		return ""
	}
	for _, e := range exts[prefix][name] {
		if v := strings.TrimSpace(e.Value); v != "" {
			return v
		}
	}
	return ""
}

func dublinCore(dc *ext.DublinCoreExtension, exts ext.Extensions) (dateField, string) {
	var date dateField
	var creator string
	if dc != nil {
		date.raw = firstNonEmpty(dc.Date)
		creator = firstNonEmpty(dc.Creator)
	}
	if date.raw == "" {
		date.raw = extensionValue(exts, "dc", "date")
	}
	if creator == "" {
		creator = extensionValue(exts, "dc", "creator")
	}
	return date, strings.TrimSpace(creator)
}

func dublinSubjects(dc *ext.DublinCoreExtension, exts ext.Extensions) []string {
	if dc != nil && len(dc.Subject) > 0 {
		return dc.Subject
	}
	var out []string
	if exts == nil {
		return out
	}
	for _, e := range exts["dc"]["subject"] {
		out = append(out, e.Value)
	}
	return out
}

func firstNonEmpty(values []string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
