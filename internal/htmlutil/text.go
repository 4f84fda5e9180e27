package htmlutil

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/happyhackingspace/haggle/internal/textutil"
	"golang.org/x/net/html"
)

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "section": true, "article": true,
}

// VisibleText returns the text of a selection, skipping scripts and styles
// and separating block elements by a space.
func VisibleText(sel *goquery.Selection) string {
	var parts []string
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			parts = append(parts, n.Data)
			return
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
		if n.Type == html.ElementNode && blockTags[n.Data] {
			parts = append(parts, " ")
		}
	}
	for _, n := range sel.Nodes {
		visit(n)
	}
	return textutil.NormalizeWhitespaces(strings.Join(parts, ""))
}
