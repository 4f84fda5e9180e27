package gencli

import (
	"bufio"
	"crypto/md5"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/happyhackingspace/haggle/internal/htmlutil"
)

const maxPageSize = 5 << 20

// seedEntry is one line of the seed file (JSONL).
type seedEntry struct {
	URL      string `json:"url"`
	Category string `json:"category,omitempty"`
}

// indexEntry matches the listings/index.json format read by storage.Listings.
type indexEntry struct {
	URL      string `json:"url"`
	Category string `json:"category,omitempty"`
}

// httpClient is the interface used for HTTP requests (allows testing).
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

func newHTTPClient(timeoutSec int) *http.Client {
	return &http.Client{
		Timeout: time.Duration(timeoutSec) * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			return nil
		},
	}
}

func loadSeeds(path string) ([]seedEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var seeds []seedEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var s seedEntry
		if err := json.Unmarshal([]byte(line), &s); err != nil || s.URL == "" {
			slog.Warn("Skipping invalid seed line", "line", line, "error", err)
			continue
		}
		seeds = append(seeds, s)
	}
	return seeds, scanner.Err()
}

func loadIndex(dir string) (map[string]indexEntry, error) {
	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]indexEntry), nil
		}
		return nil, err
	}
	var index map[string]indexEntry
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, err
	}
	if index == nil {
		index = make(map[string]indexEntry)
	}
	return index, nil
}

func saveIndex(dir string, index map[string]indexEntry) error {
	data, err := json.MarshalIndent(index, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "index.json"), data, 0644)
}

func fetchHTML(client httpClient, rawURL, userAgent string) (string, int, error) {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}

// fetchAndSave stores a listing page and indexes it. Pages without a title
// or a price cannot become scenarios and are rejected.
func fetchAndSave(client httpClient, seed seedEntry, userAgent, outputDir string, index map[string]indexEntry) (htmlutil.Listing, error) {
	html, status, err := fetchHTML(client, seed.URL, userAgent)
	if err != nil {
		return htmlutil.Listing{}, err
	}
	if status >= 400 {
		return htmlutil.Listing{}, errors.Errorf("HTTP %d", status)
	}
	doc, err := htmlutil.LoadHTMLString(html)
	if err != nil {
		return htmlutil.Listing{}, errors.Wrap(err, "parse page")
	}
	listing := htmlutil.ParseListing(doc)
	if listing.Title == "" || listing.Price <= 0 {
		return listing, errors.New("page has no title or price")
	}

	filename, err := saveHTMLFile(html, seed.URL, outputDir)
	if err != nil {
		return listing, err
	}
	index[filename] = indexEntry{URL: seed.URL, Category: seed.Category}
	return listing, nil
}

func saveHTMLFile(html, rawURL, outputDir string) (string, error) {
	hash := fmt.Sprintf("%x", md5.Sum([]byte(rawURL)))
	filename := "html/" + hash[:12] + ".html"
	path := filepath.Join(outputDir, filename)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	return filename, os.WriteFile(path, []byte(html), 0644)
}
