package intent

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var whitespace = regexp.MustCompile(`\s+`)

// PlainText strips any HTML markup the chat client sent and collapses
// whitespace.
func PlainText(input string) string {
	if !strings.ContainsAny(input, "<&") {
		return strings.TrimSpace(whitespace.ReplaceAllString(input, " "))
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(input))
	if err != nil {
		return strings.TrimSpace(whitespace.ReplaceAllString(input, " "))
	}

	doc.Find("script, style").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})
	doc.Find("br, p, div, li").Each(func(i int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})

	text := doc.Text()
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}
