// Package markup validates and repairs the tagged markup returned by the
// generation service. Validation here is structural parse validity only:
// whether the tag vocabulary makes sense is a separate concern, caught (if
// at all) by the quality gate's word-count comparison.
package markup

import (
	"encoding/xml"
	"io"
	"regexp"
	"strings"
)

// codeBlockRe strips markdown code fences the model sometimes wraps its
// output in.
var codeBlockRe = regexp.MustCompile("(?s)```(?:xml|html)?\\s*\\n?(.*?)\\n?```")

// CleanResponse normalizes a raw model response into candidate markup:
// code fences removed, surrounding whitespace trimmed.
func CleanResponse(raw string) string {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	return strings.TrimSpace(raw)
}

// CheckWellFormed reports whether s parses as structurally valid markup.
// Page markup has no single mandated root element, so the content is
// wrapped in a synthetic root before parsing. Common named entities are
// tolerated; mismatched or unclosed tags are not.
func CheckWellFormed(s string) error {
	dec := xml.NewDecoder(strings.NewReader("<folio-check>" + s + "</folio-check>"))
	dec.Entity = xml.HTMLEntity
	for {
		_, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

var tagRe = regexp.MustCompile(`<[^>]*>`)

// StripTags returns the visible-text rendering of markup: tag syntax
// removed, character data preserved. Falls back to a regex strip when the
// markup does not tokenize, so the quality gate can still diff malformed
// output for diagnostics.
func StripTags(s string) string {
	dec := xml.NewDecoder(strings.NewReader("<folio-check>" + s + "</folio-check>"))
	dec.Entity = xml.HTMLEntity

	var b strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return strings.TrimSpace(b.String())
		}
		if err != nil {
			return strings.TrimSpace(tagRe.ReplaceAllString(s, " "))
		}
		if cd, ok := tok.(xml.CharData); ok {
			b.Write(cd)
		}
	}
}
