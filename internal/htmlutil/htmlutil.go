// Package htmlutil extracts the text of a for-sale listing from its HTML page.
package htmlutil

import (
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/happyhackingspace/haggle/internal/textutil"
)

// Listing holds the fields of a posting that a negotiation scenario needs.
type Listing struct {
	Title       string
	Description string
	Category    string
	Price       float64 // 0 when the page shows no price
	URL         string
}

// LoadHTML parses HTML bytes into a goquery Document.
func LoadHTML(r io.Reader) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(r)
}

// LoadHTMLString parses HTML string into a goquery Document.
func LoadHTMLString(htmlStr string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
}

// ParseListing extracts the listing fields from a parsed page.
func ParseListing(doc *goquery.Document) Listing {
	return Listing{
		Title:       GetTitle(doc),
		Description: GetDescription(doc),
		Category:    GetCategory(doc),
		Price:       GetPrice(doc),
		URL:         GetCanonicalURL(doc),
	}
}

func metaContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok {
			if v = textutil.NormalizeWhitespaces(v); v != "" {
				return v
			}
		}
	}
	return ""
}

// GetTitle returns the posting title: og:title, then the first <h1>, then <title>.
func GetTitle(doc *goquery.Document) string {
	if v := metaContent(doc, `meta[property="og:title"]`); v != "" {
		return v
	}
	for _, sel := range []string{"#titletextonly", "h1", "title"} {
		if v := textutil.NormalizeWhitespaces(doc.Find(sel).First().Text()); v != "" {
			return v
		}
	}
	return ""
}

// GetDescription returns the posting body, falling back to the meta description.
func GetDescription(doc *goquery.Document) string {
	for _, sel := range []string{"#postingbody", `[itemprop="description"]`, "article"} {
		s := doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		s = s.Clone()
		s.Find(".print-information, .print-qrcode-container, script, style").Remove()
		if v := VisibleText(s); v != "" {
			return v
		}
	}
	return metaContent(doc, `meta[property="og:description"]`, `meta[name="description"]`)
}

// GetCategory returns the last breadcrumb entry, or the category meta tag.
func GetCategory(doc *goquery.Document) string {
	crumbs := doc.Find(".breadcrumbs li, .breadcrumbs a, nav.breadcrumb a")
	if crumbs.Length() > 0 {
		if v := textutil.NormalizeWhitespaces(crumbs.Last().Text()); v != "" {
			return strings.ToLower(v)
		}
	}
	return strings.ToLower(metaContent(doc, `meta[name="category"]`, `meta[property="product:category"]`))
}

// GetPrice returns the first price found in the price markup of the page.
func GetPrice(doc *goquery.Document) float64 {
	if v := metaContent(doc, `meta[property="product:price:amount"]`, `meta[itemprop="price"]`); v != "" {
		if p, ok := textutil.ParsePrice(v); ok {
			return p
		}
	}
	var price float64
	doc.Find(".price, [itemprop=price]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, tok := range textutil.Tokenize(s.Text()) {
			if p, ok := textutil.ParsePrice(tok); ok {
				price = p
				return false
			}
		}
		return true
	})
	return price
}

// GetCanonicalURL returns the canonical link of the page, or og:url.
func GetCanonicalURL(doc *goquery.Document) string {
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok && href != "" {
		return strings.TrimSpace(href)
	}
	return metaContent(doc, `meta[property="og:url"]`)
}
