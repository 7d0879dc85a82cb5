// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package content

import (
	"html"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	invisible = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}\x{034F}\x{2060}-\x{2064}\x{FE00}-\x{FE0F}]+`)

	scriptBlock = regexp.MustCompile(`(?is)<script\b.*?</script\s*>`)
	styleBlock  = regexp.MustCompile(`(?is)<style\b.*?</style\s*>`)
	headBlock   = regexp.MustCompile(`(?is)<head\b.*?</head\s*>`)
	anyTag      = regexp.MustCompile(`(?s)<[^>]*>`)
)

// CleanHTML converts an HTML body into a single line of readable text:
// scripts and styles removed, tags stripped, entities decoded and runs of
// whitespace collapsed to one space.
func CleanHTML(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return stripTags(body)
	}

	doc.Find("script, style, head, meta, link, noscript").Remove()

	// Keep words in adjacent cells and blocks apart once tags are gone.
	doc.Find("p, div, br, td, th, tr, li, h1, h2, h3, h4, h5, h6, table").Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml(" ")
		s.AppendHtml(" ")
	})

	return collapse(doc.Text())
}

// CleanText normalises a plain-text part the same way CleanHTML normalises
// markup. Some senders put entities in text parts too.
func CleanText(body string) string {
	return collapse(html.UnescapeString(body))
}

// stripTags is the regex path used when the document cannot be parsed.
func stripTags(body string) string {
	s := scriptBlock.ReplaceAllString(body, " ")
	s = styleBlock.ReplaceAllString(s, " ")
	s = headBlock.ReplaceAllString(s, " ")
	s = anyTag.ReplaceAllString(s, " ")
	return collapse(html.UnescapeString(s))
}

func collapse(s string) string {
	s = invisible.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}
