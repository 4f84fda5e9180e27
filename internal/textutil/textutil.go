// Package textutil provides text processing utilities for negotiation utterances.
package textutil

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
)

// PriceMarker stands in for every price mentioned in an utterance, so the
// language model never has to spell out numbers.
const PriceMarker = "<price>"

var (
	tokenizeRe = regexp.MustCompile(`\$?\d+(?:[.,]\d+)*k?|<price>|[\p{L}\p{N}_']+|[?!.,]`)
	priceRe    = regexp.MustCompile(`^\$?(\d+(?:[.,]\d+)*)(k?)$`)
)

// Tokenize lower-cases text and splits it into word, number and punctuation
// tokens.
func Tokenize(text string) []string {
	return tokenizeRe.FindAllString(strings.ToLower(text), -1)
}

// ParsePrice parses a price token such as "$1,200", "350" or "1.5k".
func ParsePrice(tok string) (float64, bool) {
	m := priceRe.FindStringSubmatch(tok)
	if m == nil {
		return 0, false
	}
	num := m[1]
	// "1,200" groups thousands; "12.50" has cents.
	if strings.Contains(num, ",") {
		num = strings.ReplaceAll(num, ",", "")
	}
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, false
	}
	if m[2] == "k" {
		v *= 1000
	}
	return v, true
}

// ReplacePrices swaps price tokens for PriceMarker and returns the prices in
// the order they appeared.
func ReplacePrices(tokens []string) ([]string, []float64) {
	out := make([]string, len(tokens))
	var prices []float64
	for i, tok := range tokens {
		if p, ok := ParsePrice(tok); ok {
			out[i] = PriceMarker
			prices = append(prices, p)
			continue
		}
		out[i] = tok
	}
	return out, prices
}

// FillPrices replaces every PriceMarker with price.
func FillPrices(tokens []string, price float64) []string {
	out := make([]string, len(tokens))
	for i, tok := range tokens {
		if tok == PriceMarker {
			tok = FormatPrice(price)
		}
		out[i] = tok
	}
	return out
}

// FormatPrice renders a price in whole dollars: 1200 -> "$1,200".
func FormatPrice(price float64) string {
	return "$" + humanize.Comma(int64(math.Round(price)))
}

// Detokenize joins tokens into a sentence, attaching punctuation to the
// preceding word and capitalizing the first letter.
func Detokenize(tokens []string) string {
	var buf strings.Builder
	for i, tok := range tokens {
		if i > 0 && !isPunct(tok) && !strings.HasPrefix(tok, "'") {
			buf.WriteByte(' ')
		}
		buf.WriteString(tok)
	}
	s := buf.String()
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}

func isPunct(tok string) bool {
	switch tok {
	case "?", "!", ".", ",":
		return true
	}
	return false
}

var (
	newlineRe    = regexp.MustCompile(`[\n\r]`)
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
)

// NormalizeWhitespaces replaces newlines and multiple whitespace with a single space.
func NormalizeWhitespaces(text string) string {
	text = newlineRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(multiSpaceRe.ReplaceAllString(text, " "))
}

// Truncate shortens text to at most n runes on a word boundary.
func Truncate(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)[:n]
	cut := string(runes)
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut
}
