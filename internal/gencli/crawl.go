package gencli

import (
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/happyhackingspace/haggle/internal/htmlutil"
	"github.com/happyhackingspace/haggle/internal/storage"
)

func (c *CLI) newCrawlCommand() *cobra.Command {
	var (
		seedFile   string
		timeout    int
		delay      int
		userAgent  string
		maxTotal   int
		maxPerSite int
	)

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Follow links from marketplace index pages and save the listings found",
		Example: `  haggle-gen crawl --seed index-pages.jsonl
  haggle-gen crawl --seed index-pages.jsonl --max-total 1000 --max-per-site 50`,
		RunE: func(cmd *cobra.Command, args []string) error {
			seeds, err := loadSeeds(seedFile)
			if err != nil {
				return errors.Wrap(err, "load seeds")
			}
			slog.Info("Loaded index pages", "count", len(seeds))

			outputDir := filepath.Join(c.dataFolder, storage.ListingsDir)
			index, err := loadIndex(outputDir)
			if err != nil {
				return errors.Wrap(err, "load index")
			}
			opts := crawlOpts{
				userAgent:  userAgent,
				outputDir:  outputDir,
				maxPerSite: maxPerSite,
				maxTotal:   maxTotal,
				delay:      time.Duration(delay) * time.Millisecond,
			}
			total := crawl(newHTTPClient(timeout), seeds, index, opts)
			if len(index) == 0 {
				return errors.New("no listing page found")
			}
			if err := saveIndex(outputDir, index); err != nil {
				return errors.Wrap(err, "save index")
			}
			slog.Info("Crawl complete", "total", total, "index_entries", len(index))
			return nil
		},
	}

	cmd.Flags().StringVar(&seedFile, "seed", "", "Path to index page file (JSONL with url and category)")
	cmd.Flags().IntVar(&timeout, "timeout", 30, "HTTP timeout in seconds")
	cmd.Flags().IntVar(&delay, "delay", 800, "Delay between requests in ms")
	cmd.Flags().StringVar(&userAgent, "user-agent", "Mozilla/5.0 (compatible; haggle-gen/1.0)", "User-Agent header")
	cmd.Flags().IntVar(&maxTotal, "max-total", 0, "Max total listings (0=unlimited)")
	cmd.Flags().IntVar(&maxPerSite, "max-per-site", 20, "Max listings per index page")
	_ = cmd.MarkFlagRequired("seed")
	return cmd
}

type crawlOpts struct {
	userAgent  string
	outputDir  string
	maxPerSite int
	maxTotal   int
	delay      time.Duration
}

// crawl visits every index page and returns the number of listings saved.
func crawl(client httpClient, seeds []seedEntry, index map[string]indexEntry, opts crawlOpts) int {
	visited := make(map[string]bool, len(index))
	for _, e := range index {
		visited[normalizeURL(e.URL)] = true
	}
	total := 0
	for _, seed := range seeds {
		if opts.maxTotal > 0 && total >= opts.maxTotal {
			break
		}
		n, err := crawlSite(client, seed, index, visited, opts, total)
		total += n
		if err != nil {
			slog.Warn("Failed to crawl", "url", seed.URL, "error", err)
			continue
		}
		slog.Info("Finished index page", "url", seed.URL, "collected", n, "total", total)
	}
	return total
}

// crawlSite fetches an index page and the same-host pages it links to,
// saving those that parse as priced listings.
func crawlSite(client httpClient, seed seedEntry, index map[string]indexEntry, visited map[string]bool, opts crawlOpts, total int) (int, error) {
	base, err := url.Parse(seed.URL)
	if err != nil {
		return 0, err
	}
	html, status, err := fetchHTML(client, seed.URL, opts.userAgent)
	if err != nil {
		return 0, err
	}
	if status >= 400 {
		return 0, errors.Errorf("HTTP %d", status)
	}

	collected := 0
	for _, link := range extractLinks(html, base) {
		if opts.maxPerSite > 0 && collected >= opts.maxPerSite {
			break
		}
		if opts.maxTotal > 0 && total+collected >= opts.maxTotal {
			break
		}
		u, err := url.Parse(link)
		if err != nil || u.Hostname() != base.Hostname() || skipURL(u) {
			continue
		}
		normalized := normalizeURL(link)
		if visited[normalized] {
			continue
		}
		visited[normalized] = true

		if opts.delay > 0 {
			time.Sleep(opts.delay)
		}
		listing, err := fetchAndSave(client, seedEntry{URL: link, Category: seed.Category}, opts.userAgent, opts.outputDir, index)
		if err != nil {
			slog.Debug("Not a listing", "url", link, "error", err)
			continue
		}
		collected++
		slog.Debug("Collected listing", "url", link, "title", listing.Title, "price", listing.Price)
	}
	return collected, nil
}

// extractLinks extracts all <a href> links from HTML, resolving relative URLs.
func extractLinks(htmlStr string, base *url.URL) []string {
	doc, err := htmlutil.LoadHTMLString(htmlStr)
	if err != nil {
		return nil
	}

	var links []string
	seen := make(map[string]bool)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		u, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(u).String()
		if !seen[resolved] {
			seen[resolved] = true
			links = append(links, resolved)
		}
	})
	return links
}

// skipURL filters out non-page URLs (images, scripts, etc.)
func skipURL(u *url.URL) bool {
	path := strings.ToLower(u.Path)
	for _, ext := range []string{".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico", ".pdf", ".zip", ".xml", ".json", ".woff", ".woff2", ".mp4", ".webp"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

// normalizeURL strips fragment and trailing slash for dedup.
func normalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/")
}
