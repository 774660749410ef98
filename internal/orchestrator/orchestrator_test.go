package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ndejong/schoolscan/internal/checkpoint"
	"github.com/ndejong/schoolscan/internal/config"
	"github.com/ndejong/schoolscan/internal/crawler"
	"github.com/ndejong/schoolscan/internal/directory"
	"github.com/ndejong/schoolscan/internal/results"
	"github.com/ndejong/schoolscan/internal/search"
)

type stubCrawler struct {
	mu      sync.Mutex
	results map[string]crawler.Result
	errs    map[string]error
	panics  map[string]bool
	calls   map[string]int
}

func newStubCrawler() *stubCrawler {
	return &stubCrawler{
		results: make(map[string]crawler.Result),
		errs:    make(map[string]error),
		panics:  make(map[string]bool),
		calls:   make(map[string]int),
	}
}

func (s *stubCrawler) Crawl(_ context.Context, seedURL, _ string) (crawler.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[seedURL]++
	if s.panics[seedURL] {
		panic("malformed markup blew up the parser")
	}
	if err, ok := s.errs[seedURL]; ok {
		return crawler.Result{}, err
	}
	return s.results[seedURL], nil
}

func (s *stubCrawler) callCount(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[url]
}

func sitePages(url, text string) crawler.Result {
	return crawler.Result{
		SeedURL:      url,
		Pages:        []crawler.Page{{URL: url, FinalURL: url, Text: text}},
		PagesVisited: 1,
	}
}

func testOrchestrator(t *testing.T, crawls *stubCrawler, cfg config.Config) (*Orchestrator, *results.MemoryStore, *checkpoint.File) {
	t.Helper()
	if cfg.State == "" {
		cfg.State = "NC"
	}
	if cfg.Batch.Workers == 0 {
		cfg.Batch.Workers = 2
	}
	searcher, err := search.NewSearcher([]string{"restorative justice"}, 100)
	require.NoError(t, err)

	store := results.NewMemoryStore()
	ckpt := checkpoint.NewFile(filepath.Join(t.TempDir(), "progress.json"))
	o := New(Options{
		Config:     cfg,
		Crawler:    crawls,
		Searcher:   searcher,
		Store:      store,
		Checkpoint: ckpt,
	})
	return o, store, ckpt
}

func TestRunProcessesAllSchools(t *testing.T) {
	crawls := newStubCrawler()
	crawls.results["https://lincoln.example.org"] = sitePages(
		"https://lincoln.example.org", "we practice restorative justice here")
	crawls.results["https://washington.example.org"] = sitePages(
		"https://washington.example.org", "sports schedule and lunch menu")

	schools := []directory.School{
		{Name: "Lincoln", State: "NC", URL: "https://lincoln.example.org"},
		{Name: "Washington", State: "NC", URL: "https://washington.example.org"},
		{Name: "No Site", State: "NC"},
	}

	o, store, ckpt := testOrchestrator(t, crawls, config.Config{Batch: config.BatchConfig{Resume: true}})
	summary, err := o.Run(context.Background(), schools)
	require.NoError(t, err)

	require.Equal(t, 3, summary.Processed)
	require.Equal(t, 0, summary.Skipped)
	require.Equal(t, 1, summary.Matched)
	require.Equal(t, 3, summary.Saved)
	require.Equal(t, 2, summary.Counts[results.StatusSuccess])
	require.Equal(t, 1, summary.Counts[results.StatusNoURL])

	recs := store.Records()
	require.Len(t, recs, 3)
	byName := map[string]results.Record{}
	for _, r := range recs {
		byName[r.SchoolName] = r
	}
	require.True(t, byName["Lincoln"].Matched())
	require.Equal(t, []string{"restorative justice"}, byName["Lincoln"].Terms)
	require.NotEmpty(t, byName["Lincoln"].Snippets)
	require.False(t, byName["Washington"].Matched())
	require.Equal(t, results.StatusNoURL, byName["No Site"].Status)

	snap, ok, err := ckpt.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, snap.Completed)
	require.Equal(t, 3, snap.Processed)
}

func TestRunResumeSkipsCheckpointedSchools(t *testing.T) {
	crawls := newStubCrawler()
	crawls.results["https://lincoln.example.org"] = sitePages(
		"https://lincoln.example.org", "content")

	o, _, ckpt := testOrchestrator(t, crawls, config.Config{Batch: config.BatchConfig{Resume: true}})
	require.NoError(t, ckpt.Save(checkpoint.Snapshot{
		State:            "NC",
		Processed:        1,
		ProcessedSchools: []checkpoint.SchoolRef{{Name: "Lincoln", State: "NC"}},
	}))

	summary, err := o.Run(context.Background(), []directory.School{
		{Name: "Lincoln", State: "NC", URL: "https://lincoln.example.org"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 0, summary.Processed)
	require.Zero(t, crawls.callCount("https://lincoln.example.org"))
}

func TestRunResumeSkipsSchoolsInStore(t *testing.T) {
	crawls := newStubCrawler()
	o, store, _ := testOrchestrator(t, crawls, config.Config{Batch: config.BatchConfig{Resume: true}})
	require.NoError(t, store.Save(context.Background(), results.Record{
		SchoolName: "Lincoln", State: "NC", Status: results.StatusSuccess,
	}))

	summary, err := o.Run(context.Background(), []directory.School{
		{Name: "Lincoln", State: "NC", URL: "https://lincoln.example.org"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)
	require.Zero(t, crawls.callCount("https://lincoln.example.org"))
}

func TestRunResumeSkipsSchoolsInResultsCSV(t *testing.T) {
	csvPath := filepath.Join(t.TempDir(), "results.csv")
	prior, err := results.NewCSVStore(csvPath)
	require.NoError(t, err)
	require.NoError(t, prior.Save(context.Background(), results.Record{
		SchoolName: "Lincoln", State: "NC", Status: results.StatusSuccess,
	}))
	require.NoError(t, prior.Close())

	// a fresh store handle over the same file sees the earlier run's rows
	store, err := results.NewCSVStore(csvPath)
	require.NoError(t, err)
	defer store.Close()

	crawls := newStubCrawler()
	searcher, err := search.NewSearcher([]string{"restorative justice"}, 100)
	require.NoError(t, err)
	o := New(Options{
		Config:     config.Config{State: "NC", Batch: config.BatchConfig{Workers: 2, Resume: true}},
		Crawler:    crawls,
		Searcher:   searcher,
		Store:      store,
		Checkpoint: checkpoint.NewFile(filepath.Join(t.TempDir(), "progress.json")),
	})

	summary, err := o.Run(context.Background(), []directory.School{
		{Name: "Lincoln", State: "NC", URL: "https://lincoln.example.org"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Skipped)
	require.Zero(t, crawls.callCount("https://lincoln.example.org"))
}

func TestRunCheckpointKeepsIdentitiesFromPriorRuns(t *testing.T) {
	crawls := newStubCrawler()
	crawls.results["https://beta.example.org"] = sitePages(
		"https://beta.example.org", "content")

	o, _, ckpt := testOrchestrator(t, crawls, config.Config{Batch: config.BatchConfig{Resume: true}})
	require.NoError(t, ckpt.Save(checkpoint.Snapshot{
		State:            "NC",
		Processed:        1,
		ProcessedSchools: []checkpoint.SchoolRef{{Name: "Alpha", State: "NC"}},
	}))

	_, err := o.Run(context.Background(), []directory.School{
		{Name: "Alpha", State: "NC", URL: "https://alpha.example.org"},
		{Name: "Beta", State: "NC", URL: "https://beta.example.org"},
	})
	require.NoError(t, err)

	snap, ok, err := ckpt.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, snap.Processed)
	ids := snap.Identities()
	require.Contains(t, ids, "alpha|NC")
	require.Contains(t, ids, "beta|NC")
}

func TestRunNoResumeReprocessesEverything(t *testing.T) {
	crawls := newStubCrawler()
	crawls.results["https://lincoln.example.org"] = sitePages(
		"https://lincoln.example.org", "content")

	o, _, ckpt := testOrchestrator(t, crawls, config.Config{Batch: config.BatchConfig{Resume: false}})
	require.NoError(t, ckpt.Save(checkpoint.Snapshot{
		ProcessedSchools: []checkpoint.SchoolRef{{Name: "Lincoln", State: "NC"}},
	}))

	summary, err := o.Run(context.Background(), []directory.School{
		{Name: "Lincoln", State: "NC", URL: "https://lincoln.example.org"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Processed)
	require.Equal(t, 1, crawls.callCount("https://lincoln.example.org"))
}

func TestRunDistrictCrawledOncePerDistrict(t *testing.T) {
	crawls := newStubCrawler()
	crawls.results["https://lincoln.example.org"] = sitePages(
		"https://lincoln.example.org", "school content")
	crawls.results["https://jefferson.example.org"] = sitePages(
		"https://jefferson.example.org", "school content")
	crawls.results["https://district.example.org"] = sitePages(
		"https://district.example.org", "the district restorative justice policy")

	schools := []directory.School{
		{Name: "Lincoln", State: "NC", URL: "https://lincoln.example.org",
			DistrictName: "Metro", DistrictURL: "https://district.example.org"},
		{Name: "Jefferson", State: "NC", URL: "https://jefferson.example.org",
			DistrictName: "Metro", DistrictURL: "https://district.example.org"},
	}

	o, store, _ := testOrchestrator(t, crawls, config.Config{})
	summary, err := o.Run(context.Background(), schools)
	require.NoError(t, err)

	require.Equal(t, 1, crawls.callCount("https://district.example.org"))
	require.Equal(t, 2, summary.Matched)

	for _, rec := range store.Records() {
		require.True(t, rec.Matched(), rec.SchoolName)
		require.Contains(t, rec.MatchedPages, "https://district.example.org")
		// school pages + the shared district page
		require.Equal(t, 2, rec.PagesScanned)

		// the hit came from the district side, and the record says so
		require.Empty(t, rec.SchoolTerms)
		require.Equal(t, []string{"restorative justice"}, rec.DistrictTerms)
		require.Equal(t, 1, rec.DistrictMatchCount)
		require.Equal(t, 1, rec.DistrictPagesWithTerms)
		require.Len(t, rec.Snippets, 1)
		require.Contains(t, rec.Snippets[0], "@ https://district.example.org (district)")
	}
}

func TestRunSharedSchoolSiteCrawledOnce(t *testing.T) {
	crawls := newStubCrawler()
	crawls.results["https://campus.example.org"] = sitePages(
		"https://campus.example.org", "restorative justice across our campus")

	schools := []directory.School{
		{Name: "Campus Elementary", State: "NC", URL: "https://campus.example.org"},
		{Name: "Campus Middle", State: "NC", URL: "https://campus.example.org"},
	}

	o, store, _ := testOrchestrator(t, crawls, config.Config{})
	summary, err := o.Run(context.Background(), schools)
	require.NoError(t, err)

	require.Equal(t, 1, crawls.callCount("https://campus.example.org"))
	require.Equal(t, 2, summary.Matched)
	require.Len(t, store.Records(), 2)
}

func TestRunDistrictOnlySchool(t *testing.T) {
	crawls := newStubCrawler()
	crawls.results["https://district.example.org"] = sitePages(
		"https://district.example.org", "restorative justice policy")

	o, store, _ := testOrchestrator(t, crawls, config.Config{})
	summary, err := o.Run(context.Background(), []directory.School{
		{Name: "Lincoln", State: "NC", DistrictURL: "https://district.example.org"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Matched)
	require.Equal(t, results.StatusSuccess, store.Records()[0].Status)
}

func TestRunScrapeFailed(t *testing.T) {
	crawls := newStubCrawler()
	crawls.errs["https://dead.example.org"] = errors.New("connection refused")

	o, store, _ := testOrchestrator(t, crawls, config.Config{})
	summary, err := o.Run(context.Background(), []directory.School{
		{Name: "Dead", State: "NC", URL: "https://dead.example.org"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Counts[results.StatusScrapeFailed])
	require.Equal(t, results.StatusScrapeFailed, store.Records()[0].Status)
}

func TestRunPanickingTaskYieldsErrorRecord(t *testing.T) {
	crawls := newStubCrawler()
	crawls.panics["https://cursed.example.org"] = true
	crawls.results["https://fine.example.org"] = sitePages(
		"https://fine.example.org", "ordinary content")

	o, store, _ := testOrchestrator(t, crawls, config.Config{})
	summary, err := o.Run(context.Background(), []directory.School{
		{Name: "Cursed", State: "NC", URL: "https://cursed.example.org"},
		{Name: "Fine", State: "NC", URL: "https://fine.example.org"},
	})
	require.NoError(t, err)

	require.Equal(t, 2, summary.Processed)
	require.Equal(t, 1, summary.Counts[results.StatusError])
	require.Equal(t, 1, summary.Counts[results.StatusSuccess])

	byName := map[string]results.Record{}
	for _, r := range store.Records() {
		byName[r.SchoolName] = r
	}
	require.Equal(t, results.StatusError, byName["Cursed"].Status)
	require.Equal(t, results.StatusSuccess, byName["Fine"].Status)
}

func TestRunSkipsSameSeedDistrict(t *testing.T) {
	crawls := newStubCrawler()
	crawls.results["https://lincoln.example.org"] = sitePages(
		"https://lincoln.example.org", "content")

	o, _, _ := testOrchestrator(t, crawls, config.Config{})
	_, err := o.Run(context.Background(), []directory.School{
		{Name: "Lincoln", State: "NC",
			URL:         "https://lincoln.example.org",
			DistrictURL: "https://lincoln.example.org/"},
	})
	require.NoError(t, err)
	require.Equal(t, 1, crawls.callCount("https://lincoln.example.org"))
	require.Zero(t, crawls.callCount("https://lincoln.example.org/"))
}

func TestSummaryRender(t *testing.T) {
	s := Summary{
		RunID: "run-1", State: "NC", Total: 10, Skipped: 2,
		Processed: 8, Matched: 3, Saved: 8,
		Counts: map[results.Status]int{
			results.StatusSuccess: 6,
			results.StatusNoURL:   2,
		},
	}
	var buf bytes.Buffer
	s.Render(&buf)
	out := buf.String()
	require.Contains(t, out, "run-1")
	require.Contains(t, out, "processed")
	require.Contains(t, out, "success")
}
