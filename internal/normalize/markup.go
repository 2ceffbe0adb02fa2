package normalize

import (
	"bytes"
	"encoding/xml"
	"strings"

	"github.com/antchfx/xmlquery"
)

// textTypes holds the type attributes of one Atom entry's text constructs.
// gofeed decodes these elements but only keeps the type for <content>.
type textTypes struct {
	title   string
	summary string
}

// atomTypes reads the feed title type and per-entry text types from an Atom document.
// Entries come back in document order. A document xmlquery cannot read yields no types,
// and every field is then treated as plain text.
func atomTypes(body []byte) (string, []textTypes) {
	doc, err := xmlquery.ParseWithOptions(bytes.NewReader(body), xmlquery.ParserOptions{
		Decoder: &xmlquery.DecoderOptions{Strict: false, Entity: xml.HTMLEntity},
	})
	if err != nil {
		return "", nil
	}
	var titleType string
	if n := xmlquery.FindOne(doc, "/*[local-name()='feed']/*[local-name()='title']"); n != nil {
		titleType = n.SelectAttr("type")
	}
	entries := xmlquery.Find(doc, "/*[local-name()='feed']/*[local-name()='entry']")
	out := make([]textTypes, 0, len(entries))
	for _, entry := range entries {
		out = append(out, textTypes{
			title:   childType(entry, "title"),
			summary: childType(entry, "summary"),
		})
	}
	return titleType, out
}

func childType(n *xmlquery.Node, name string) string {
	if c := xmlquery.FindOne(n, "*[local-name()='"+name+"']"); c != nil {
		return c.SelectAttr("type")
	}
	return ""
}

// isMarkup reports whether a type attribute declares embedded markup:
// html, xhtml, text/html or application/xhtml+xml.
func isMarkup(typ string) bool {
	return strings.Contains(strings.ToLower(typ), "html")
}

// textOf reduces marked fields to plain text. Unmarked values are only trimmed.
func textOf(s string, markup bool) string {
	if markup {
		return plainText(s)
	}
	return strings.TrimSpace(s)
}
