package storage

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/happyhackingspace/haggle/internal/htmlutil"
)

// ListingsDir holds saved listing pages and their index.json.
const ListingsDir = "listings"

// listingEntry is one entry of listings/index.json, keyed by page path.
type listingEntry struct {
	URL      string `json:"url"`
	Category string `json:"category,omitempty"`
}

// Listings parses the saved listing pages in index order: by domain, then
// path. Pages that cannot be read or have no price are skipped.
func (s *Storage) Listings() ([]htmlutil.Listing, error) {
	dir := filepath.Join(s.Folder, ListingsDir)
	var index map[string]listingEntry
	if err := readJSON(filepath.Join(dir, "index.json"), &index); err != nil {
		return nil, err
	}

	type pathInfo struct {
		path string
		info listingEntry
	}
	sorted := make([]pathInfo, 0, len(index))
	for path, info := range index {
		sorted = append(sorted, pathInfo{path, info})
	}
	sort.Slice(sorted, func(i, j int) bool {
		di := GetDomain(sorted[i].info.URL)
		dj := GetDomain(sorted[j].info.URL)
		if di != dj {
			return di < dj
		}
		return sorted[i].path < sorted[j].path
	})

	var listings []htmlutil.Listing
	for _, pi := range sorted {
		f, err := os.Open(filepath.Join(dir, pi.path))
		if err != nil {
			slog.Warn("Cannot read listing page", "path", pi.path, "error", err)
			continue
		}
		doc, err := htmlutil.LoadHTML(f)
		f.Close()
		if err != nil {
			slog.Warn("Cannot parse listing page", "path", pi.path, "error", err)
			continue
		}
		l := htmlutil.ParseListing(doc)
		if l.URL == "" {
			l.URL = pi.info.URL
		}
		if pi.info.Category != "" {
			l.Category = pi.info.Category
		}
		if l.Price <= 0 || l.Title == "" {
			slog.Debug("Skipping listing without title or price", "path", pi.path)
			continue
		}
		listings = append(listings, l)
	}
	return listings, nil
}
