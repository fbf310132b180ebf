package fetch

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// VisibleText extracts the human-visible text from HTML markup, stripping
// script, style, and other non-content elements. Text from adjacent elements
// is separated by a space so "<h1>Acme</h1><p>widgets</p>" does not collapse
// into one word.
func VisibleText(src []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(src))
	if err != nil {
		return ""
	}
	doc.Find("script, style, noscript, template, iframe").Remove()
	var parts []string
	for _, node := range doc.Nodes {
		collectText(node, &parts)
	}
	return collapseWhitespace(strings.Join(parts, " "))
}

func collectText(n *html.Node, parts *[]string) {
	if n.Type == html.TextNode {
		if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
			*parts = append(*parts, trimmed)
		}
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, parts)
	}
}

// Title returns the document title, or "" when the page has none.
func Title(src []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(src))
	if err != nil {
		return ""
	}
	return collapseWhitespace(doc.Find("title").First().Text())
}

// Links returns all hyperlink targets in the document, resolved against the
// page URL by the caller.
func Links(src []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(src))
	if err != nil {
		return nil
	}
	var out []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") ||
			strings.HasPrefix(href, "javascript:") {
			return
		}
		out = append(out, href)
	})
	return out
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
