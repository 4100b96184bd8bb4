// Lexigate is a multi-tenant HTML translation pipeline.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package segment parses HTML documents into an ordered, deduplicated
// sequence of translatable text fragments.
package segment

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"lexigate/internal/hasher"
	"lexigate/pkg/translate"
)

// blockTags are elements whose recursive text content is emitted as one
// segment.
var blockTags = map[atom.Atom]bool{
	atom.P:          true,
	atom.H1:         true,
	atom.H2:         true,
	atom.H3:         true,
	atom.H4:         true,
	atom.H5:         true,
	atom.H6:         true,
	atom.Li:         true,
	atom.Blockquote: true,
	atom.Figcaption: true,
}

// translatableAttrs are attributes whose values are emitted as segments
// regardless of the element they appear on.
var translatableAttrs = map[string]bool{
	"alt":              true,
	"title":            true,
	"placeholder":      true,
	"aria-label":       true,
	"aria-description": true,
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalize collapses whitespace runs to a single space and trims.
func normalize(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// minSegmentCodePoints is the shortest candidate text kept as a segment.
const minSegmentCodePoints = 3

// Extract parses an HTML document and returns its translatable segments in
// document order, deduplicated by hash (first occurrence wins). Extract
// never errors: an empty or unparseable document yields an empty slice,
// falling back to a regex-based scan when the tokenizer cannot make
// progress at all.
func Extract(doc []byte) []translate.Segment {
	segs, ok := extractWithParser(doc)
	if !ok {
		segs = extractWithRegex(doc)
	}
	return dedup(segs)
}

func extractWithParser(doc []byte) ([]translate.Segment, bool) {
	root, err := html.Parse(strings.NewReader(string(doc)))
	if err != nil {
		return nil, false
	}

	var segs []translate.Segment
	counts := map[atom.Atom]int{}
	var walk func(n *html.Node, path string)
	walk = func(n *html.Node, path string) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style:
				return
			}

			counts[n.DataAtom]++
			locator := path
			if n.Data != "" {
				locator = joinLocator(path, n.Data, counts[n.DataAtom])
			}

			if blockTags[n.DataAtom] {
				if text := normalize(textContent(n)); len([]rune(text)) >= minSegmentCodePoints {
					segs = append(segs, translate.Segment{Hash: hasher.Hash(text), Text: text, Locator: locator})
				}
			}
			for _, attr := range n.Attr {
				if !translatableAttrs[strings.ToLower(attr.Key)] {
					continue
				}
				if text := normalize(attr.Val); len([]rune(text)) >= minSegmentCodePoints {
					segs = append(segs, translate.Segment{Hash: hasher.Hash(text), Text: text, Locator: locator + "[@" + attr.Key + "]"})
				}
			}

			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c, locator)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, path)
		}
	}
	walk(root, "")
	return segs, true
}

func joinLocator(parent, tag string, nth int) string {
	step := tag + ":nth-of-type(" + itoa(nth) + ")"
	if parent == "" {
		return step
	}
	return parent + " > " + step
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
		case html.ElementNode:
			if n.DataAtom == atom.Script || n.DataAtom == atom.Style {
				return
			}
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
		default:
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				walk(c)
			}
		}
	}
	walk(n)
	return b.String()
}

// extractWithRegex is the low-fidelity fallback used when the HTML
// tokenizer cannot parse the input at all. It satisfies the same
// normalization and dedup rules but ignores nesting and locators.
var (
	blockTagPattern = regexp.MustCompile(`(?is)<(p|h[1-6]|li|blockquote|figcaption)(?:\s[^>]*)?>(.*?)</\s*` + `(?:p|h[1-6]|li|blockquote|figcaption)\s*>`)
	attrPattern     = regexp.MustCompile(`(?i)\b(alt|title|placeholder|aria-label|aria-description)\s*=\s*"([^"]*)"`)
	tagStripPattern = regexp.MustCompile(`(?s)<[^>]*>`)
	scriptStyleTags = regexp.MustCompile(`(?is)<(script|style)\b[^>]*>.*?</\s*(script|style)\s*>`)
)

func extractWithRegex(doc []byte) []translate.Segment {
	cleaned := scriptStyleTags.ReplaceAll(doc, nil)

	var segs []translate.Segment
	for _, m := range blockTagPattern.FindAllSubmatch(cleaned, -1) {
		inner := tagStripPattern.ReplaceAll(m[2], []byte(" "))
		if text := normalize(string(inner)); len([]rune(text)) >= minSegmentCodePoints {
			segs = append(segs, translate.Segment{Hash: hasher.Hash(text), Text: text})
		}
	}
	for _, m := range attrPattern.FindAllSubmatch(cleaned, -1) {
		if text := normalize(string(m[2])); len([]rune(text)) >= minSegmentCodePoints {
			segs = append(segs, translate.Segment{Hash: hasher.Hash(text), Text: text})
		}
	}
	return segs
}

func dedup(segs []translate.Segment) []translate.Segment {
	seen := make(map[string]bool, len(segs))
	out := make([]translate.Segment, 0, len(segs))
	for _, s := range segs {
		if seen[s.Hash] {
			continue
		}
		seen[s.Hash] = true
		out = append(out, s)
	}
	return out
}
