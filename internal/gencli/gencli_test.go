package gencli

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/happyhackingspace/haggle/internal/storage"
)

type fakeClient struct {
	pages    map[string]string
	requests []string
}

func (f *fakeClient) Do(req *http.Request) (*http.Response, error) {
	f.requests = append(f.requests, req.URL.String())
	body, ok := f.pages[req.URL.String()]
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
		body = "not found"
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}, nil
}

func listingPage(title string, price int) string {
	return fmt.Sprintf(`<html><head><title>%s</title>
<meta property="product:price:amount" content="%d"></head>
<body><h1>%s</h1><article>Great condition, pick up only.</article></body></html>`, title, price, title)
}

func newFakeClient() *fakeClient {
	return &fakeClient{pages: map[string]string{
		"https://a.example.com/bike":  listingPage("Road bike", 300),
		"https://b.example.org/sofa":  listingPage("Leather sofa", 450),
		"https://c.example.net/empty": "<html><head><title>No price here</title></head></html>",
	}}
}

var testSeeds = []seedEntry{
	{URL: "https://a.example.com/bike", Category: "bike"},
	{URL: "https://b.example.org/sofa", Category: "furniture"},
	{URL: "https://c.example.net/empty"},
	{URL: "https://d.example.com/missing"},
}

func TestLoadSeeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.jsonl")
	content := `# listing pages
{"url": "https://a.example.com/bike", "category": "bike"}

not json
{"category": "no url"}
{"url": "https://b.example.org/sofa"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	seeds := must.M1(loadSeeds(path))
	assert.Equal(t, []seedEntry{
		{URL: "https://a.example.com/bike", Category: "bike"},
		{URL: "https://b.example.org/sofa"},
	}, seeds)
}

func TestCollect(t *testing.T) {
	dir := filepath.Join(t.TempDir(), storage.ListingsDir)
	client := newFakeClient()

	n := must.M1(collect(client, testSeeds, dir, "test-agent", 0, 0))
	assert.Equal(t, 2, n)
	index := must.M1(loadIndex(dir))
	require.Len(t, index, 2)
	for path, e := range index {
		assert.True(t, strings.HasPrefix(path, "html/"), path)
		assert.FileExists(t, filepath.Join(dir, path))
		assert.Contains(t, []string{"bike", "furniture"}, e.Category)
	}

	// A second run skips the indexed pages.
	client.requests = nil
	n = must.M1(collect(client, testSeeds, dir, "test-agent", 0, 0))
	assert.Equal(t, 0, n)
	assert.Equal(t, []string{"https://c.example.net/empty", "https://d.example.com/missing"}, client.requests)
}

func TestCollectMax(t *testing.T) {
	dir := filepath.Join(t.TempDir(), storage.ListingsDir)
	n := must.M1(collect(newFakeClient(), testSeeds, dir, "test-agent", 1, 0))
	assert.Equal(t, 1, n)
}

func TestCollectNothing(t *testing.T) {
	dir := filepath.Join(t.TempDir(), storage.ListingsDir)
	_, err := collect(newFakeClient(), testSeeds[2:], dir, "test-agent", 0, 0)
	assert.Error(t, err)
}

func TestScenariosAndDialogues(t *testing.T) {
	folder := t.TempDir()
	must.M1(collect(newFakeClient(), testSeeds, filepath.Join(folder, storage.ListingsDir), "test-agent", 0, 0))
	store := storage.NewStorage(folder)

	scenarios := must.M1(buildScenarios(store, 1, 0))
	require.Len(t, scenarios, 2)
	for _, s := range scenarios {
		assert.Contains(t, []float64{300, 450}, s.ListPrice)
		assert.LessOrEqual(t, s.KBs[1].Bottomline, s.ListPrice)
	}
	assert.Len(t, must.M1(buildScenarios(store, 1, 1)), 1)
	require.NoError(t, store.WriteScenarios(scenarios))

	opts := dialoguesOptions{
		agents:     []string{"heuristic", "simple"},
		num:        3,
		split:      "train",
		maxTurns:   20,
		concession: 0.3,
		maxRounds:  6,
		seed:       1,
	}
	assert.Equal(t, 3, must.M1(generateDialogues(store, opts)))
	opts.appendTo = true
	opts.num = 2
	assert.Equal(t, 5, must.M1(generateDialogues(store, opts)))

	examples := must.M1(store.ReadExamples("train"))
	require.Len(t, examples, 5)
	for _, ex := range examples {
		assert.Equal(t, [2]string{"heuristic", "simple"}, ex.Agents)
		assert.NotEmpty(t, ex.Events)
	}
}

func TestGenerateDialoguesErrors(t *testing.T) {
	store := storage.NewStorage(t.TempDir())
	_, err := generateDialogues(store, dialoguesOptions{agents: []string{"heuristic"}, num: 1})
	assert.Error(t, err)
	_, err = generateDialogues(store, dialoguesOptions{agents: []string{"heuristic", "heuristic"}, num: 0})
	assert.Error(t, err)
	_, err = generateDialogues(store, dialoguesOptions{agents: []string{"heuristic", "heuristic"}, num: 1})
	assert.Error(t, err, "no scenarios")

	_, err = buildScenarios(store, 1, 0)
	assert.Error(t, err, "no listings")
}

func TestCrawl(t *testing.T) {
	client := newFakeClient()
	client.pages["https://a.example.com/bikes"] = `<html><body>
<a href="/bike">Road bike</a>
<a href="/bike#photos">Road bike photos</a>
<a href="https://a.example.com/logo.png">logo</a>
<a href="https://b.example.org/sofa">elsewhere</a>
<a href="mailto:seller@example.com">mail</a>
<a href="/missing">gone</a>
</body></html>`

	dir := filepath.Join(t.TempDir(), storage.ListingsDir)
	index := make(map[string]indexEntry)
	total := crawl(client, []seedEntry{{URL: "https://a.example.com/bikes", Category: "bike"}}, index, crawlOpts{
		userAgent: "test-agent",
		outputDir: dir,
	})
	assert.Equal(t, 1, total)
	require.Len(t, index, 1)
	for _, e := range index {
		assert.Equal(t, indexEntry{URL: "https://a.example.com/bike", Category: "bike"}, e)
	}
	assert.Equal(t, []string{
		"https://a.example.com/bikes",
		"https://a.example.com/bike",
		"https://a.example.com/missing",
	}, client.requests)
}
