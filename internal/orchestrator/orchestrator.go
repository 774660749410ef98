// Package orchestrator runs the batch: it fans roster schools out to a
// worker pool, crawls each school and its district, searches the pages, and
// records one result per school with checkpointed resume.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ndejong/schoolscan/internal/checkpoint"
	"github.com/ndejong/schoolscan/internal/config"
	"github.com/ndejong/schoolscan/internal/crawler"
	"github.com/ndejong/schoolscan/internal/directory"
	"github.com/ndejong/schoolscan/internal/results"
	"github.com/ndejong/schoolscan/internal/search"
	"github.com/ndejong/schoolscan/internal/summarize"
	"github.com/ndejong/schoolscan/internal/telemetry"
)

// SiteCrawler walks one site from its seed.
type SiteCrawler interface {
	Crawl(ctx context.Context, seedURL, siteID string) (crawler.Result, error)
}

const progressLogEvery = 10

// Orchestrator coordinates one batch run.
type Orchestrator struct {
	cfg        config.Config
	crawler    SiteCrawler
	searcher   *search.Searcher
	store      results.Store
	ckpt       *checkpoint.File
	summarizer summarize.Summarizer
	metrics    *telemetry.Metrics
	log        *zap.Logger
	runID      string

	// progress state, guarded separately from the store's own locking
	mu        sync.Mutex
	prior     []checkpoint.SchoolRef
	processed []checkpoint.SchoolRef
	counts    map[results.Status]int
	matched   int
	saved     int

	cmu    sync.Mutex
	crawls map[string]*crawlEntry
}

// Options assembles an Orchestrator.
type Options struct {
	Config     config.Config
	Crawler    SiteCrawler
	Searcher   *search.Searcher
	Store      results.Store
	Checkpoint *checkpoint.File
	Summarizer summarize.Summarizer
	Metrics    *telemetry.Metrics
	Log        *zap.Logger
}

// New builds an orchestrator. Summarizer, Metrics, and Log may be nil.
func New(opts Options) *Orchestrator {
	if opts.Summarizer == nil {
		opts.Summarizer = summarize.Noop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNop()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Orchestrator{
		cfg:        opts.Config,
		crawler:    opts.Crawler,
		searcher:   opts.Searcher,
		store:      opts.Store,
		ckpt:       opts.Checkpoint,
		summarizer: opts.Summarizer,
		metrics:    opts.Metrics,
		log:        opts.Log,
		runID:      uuid.NewString(),
		counts:     make(map[results.Status]int),
		crawls:     make(map[string]*crawlEntry),
	}
}

// RunID returns this run's identifier.
func (o *Orchestrator) RunID() string { return o.runID }

// Run processes the roster. Schools already present in the checkpoint or
// the results file are skipped when resume is on. A canceled context stops
// dispatch, lets in-flight schools finish, and still writes a final
// checkpoint.
func (o *Orchestrator) Run(ctx context.Context, schools []directory.School) (Summary, error) {
	started := time.Now()

	done, err := o.resumeSet(ctx)
	if err != nil {
		return Summary{}, err
	}

	var pending []directory.School
	for _, s := range schools {
		if _, ok := done[s.Identity()]; ok {
			continue
		}
		pending = append(pending, s)
	}
	skipped := len(schools) - len(pending)
	o.log.Info("starting batch",
		zap.String("run_id", o.runID),
		zap.String("state", o.cfg.State),
		zap.Int("schools", len(pending)),
		zap.Int("resumed_past", skipped),
		zap.Int("workers", o.cfg.Batch.Workers))

	tasks := make(chan directory.School)
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Batch.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for school := range tasks {
				o.runOne(ctx, workerID, school, len(pending))
			}
		}(i)
	}

dispatch:
	for _, school := range pending {
		select {
		case tasks <- school:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(tasks)
	wg.Wait()

	o.mu.Lock()
	completed := len(o.processed) == len(pending) && ctx.Err() == nil
	summary := Summary{
		RunID:     o.runID,
		State:     o.cfg.State,
		Total:     len(schools),
		Skipped:   skipped,
		Processed: len(o.processed),
		Matched:   o.matched,
		Saved:     o.saved,
		Counts:    make(map[results.Status]int, len(o.counts)),
		Elapsed:   time.Since(started),
	}
	for k, v := range o.counts {
		summary.Counts[k] = v
	}
	o.mu.Unlock()

	if err := o.saveCheckpoint(completed); err != nil {
		o.log.Error("final checkpoint write failed", zap.Error(err))
	}
	if summary.Saved != summary.Processed {
		o.log.Warn("result count diverges from processed count",
			zap.Int("processed", summary.Processed),
			zap.Int("saved", summary.Saved))
	}
	return summary, ctx.Err()
}

// resumeSet unions identities from the checkpoint and the result store. The
// checkpoint's identities are also carried forward into every snapshot this
// run writes, so the file keeps growing across resumed runs.
func (o *Orchestrator) resumeSet(ctx context.Context) (map[string]struct{}, error) {
	done := make(map[string]struct{})
	if !o.cfg.Batch.Resume {
		return done, nil
	}
	if o.ckpt != nil {
		snap, ok, err := o.ckpt.Load()
		if err != nil {
			return nil, err
		}
		if ok {
			o.prior = snap.ProcessedSchools
			for id := range snap.Identities() {
				done[id] = struct{}{}
			}
		}
	}
	if o.store != nil {
		ids, err := o.store.ListProcessedIdentities(ctx)
		if err != nil {
			return nil, err
		}
		for id := range ids {
			done[id] = struct{}{}
		}
	}
	return done, nil
}

func (o *Orchestrator) runOne(ctx context.Context, workerID int, school directory.School, pending int) {
	log := o.log.With(
		zap.Int("worker", workerID),
		zap.String("school", school.Name),
		zap.String("state", school.State))

	rec := o.processSchool(ctx, school, log)
	o.metrics.SitesCompleted.WithLabelValues(string(rec.Status)).Inc()

	saved := true
	if err := o.store.Save(ctx, rec); err != nil {
		saved = false
		log.Error("result save failed", zap.Error(err))
	}

	o.mu.Lock()
	o.processed = append(o.processed, checkpoint.SchoolRef{Name: school.Name, State: school.State})
	o.counts[rec.Status]++
	if rec.Matched() {
		o.matched++
	}
	if saved {
		o.saved++
	}
	doneCount := len(o.processed)
	o.mu.Unlock()

	if err := o.saveCheckpoint(false); err != nil {
		log.Error("checkpoint write failed", zap.Error(err))
	}
	if doneCount%progressLogEvery == 0 {
		o.log.Info("batch progress",
			zap.Int("done", doneCount),
			zap.Int("of", pending))
	}
}

func (o *Orchestrator) saveCheckpoint(completed bool) error {
	if o.ckpt == nil {
		return nil
	}
	o.mu.Lock()
	refs := make([]checkpoint.SchoolRef, 0, len(o.prior)+len(o.processed))
	refs = append(refs, o.prior...)
	refs = append(refs, o.processed...)
	snap := checkpoint.Snapshot{
		RunID:            o.runID,
		State:            o.cfg.State,
		Processed:        len(refs),
		ProcessedSchools: refs,
		Completed:        completed,
	}
	o.mu.Unlock()
	return o.ckpt.Save(snap)
}

// processSchool crawls the school site and its district site, searches both,
// and builds the result record. A panic anywhere in the task is converted to
// a status-error record so one bad site cannot take down the batch.
func (o *Orchestrator) processSchool(ctx context.Context, school directory.School, log *zap.Logger) (rec results.Record) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("school task panicked",
				zap.Any("panic", r), zap.Stack("stack"))
			rec.Status = results.StatusError
			rec.ScannedAt = time.Now().UTC()
		}
	}()

	rec = results.Record{
		RunID:        o.runID,
		SchoolName:   school.Name,
		State:        school.State,
		City:         school.City,
		SchoolURL:    school.URL,
		DistrictName: school.DistrictName,
		DistrictURL:  school.DistrictURL,
		ScannedAt:    time.Now().UTC(),
	}
	if !school.HasURL() {
		rec.Status = results.StatusNoURL
		log.Debug("school has no site to scan")
		return rec
	}

	builder := search.NewAggregateBuilder()
	pagesScanned := 0
	crawlsTried := 0
	crawlsFailed := 0

	if school.URL != "" {
		crawlsTried++
		entry := o.siteResult(ctx, school.URL)
		if entry.err != nil {
			crawlsFailed++
			log.Warn("school crawl failed", zap.String("url", school.URL), zap.Error(entry.err))
		} else {
			pagesScanned += entry.pagesVisited
			builder.AddSchool(entry.matches...)
			if entry.pageErrors > 0 {
				log.Debug("school crawl finished with page errors",
					zap.Int("pages", entry.pagesVisited),
					zap.Int("errors", entry.pageErrors))
			}
		}
	}

	if school.DistrictURL != "" && !sameSeed(school.URL, school.DistrictURL) {
		crawlsTried++
		entry := o.siteResult(ctx, school.DistrictURL)
		if entry.err != nil {
			crawlsFailed++
			log.Warn("district crawl failed",
				zap.String("url", school.DistrictURL), zap.Error(entry.err))
		} else {
			pagesScanned += entry.pagesVisited
			builder.AddDistrict(entry.matches...)
		}
	}

	rec.PagesScanned = pagesScanned
	if pagesScanned == 0 {
		if crawlsTried > 0 && crawlsFailed == crawlsTried {
			rec.Status = results.StatusScrapeFailed
		} else {
			rec.Status = results.StatusError
		}
		return rec
	}

	agg := builder.Build()
	rec.Status = results.StatusSuccess
	rec.Terms = agg.Combined.Terms
	rec.MatchCount = agg.Combined.Occurrences
	rec.MatchedPages = agg.Combined.PageURLs
	rec.PagesWithTerms = agg.Combined.PagesWithTerms
	rec.SchoolTerms = agg.School.Terms
	rec.SchoolPages = agg.School.PageURLs
	rec.SchoolMatchCount = agg.School.Occurrences
	rec.SchoolPagesWithTerms = agg.School.PagesWithTerms
	rec.DistrictTerms = agg.District.Terms
	rec.DistrictPages = agg.District.PageURLs
	rec.DistrictMatchCount = agg.District.Occurrences
	rec.DistrictPagesWithTerms = agg.District.PagesWithTerms
	for _, sn := range agg.Snippets {
		rec.Snippets = append(rec.Snippets, sn.String())
	}
	o.metrics.TermMatches.Add(float64(rec.MatchCount))

	if rec.Matched() {
		summary, err := o.summarizer.Summarize(ctx, school.Name, school.DistrictName, rec.Snippets)
		if err != nil {
			log.Warn("summary generation failed", zap.Error(err))
		} else {
			rec.Summary = summary
		}
	}
	return rec
}

// crawlEntry memoizes one crawl-and-search by canonical seed URL, so every
// school sharing a district site (or a website, for co-located schools)
// shares the work.
type crawlEntry struct {
	once         sync.Once
	matches      []search.PageMatches
	pagesVisited int
	pageErrors   int
	err          error
}

func (o *Orchestrator) siteResult(ctx context.Context, seedURL string) *crawlEntry {
	key := seedURL
	if canonical, err := crawler.Canonicalize(seedURL); err == nil {
		key = canonical
	}

	o.cmu.Lock()
	entry, ok := o.crawls[key]
	if !ok {
		entry = &crawlEntry{}
		o.crawls[key] = entry
	}
	o.cmu.Unlock()

	entry.once.Do(func() {
		result, err := o.crawler.Crawl(ctx, seedURL, key)
		if err != nil {
			entry.err = err
			return
		}
		entry.pagesVisited = result.PagesVisited
		entry.pageErrors = len(result.Errors)
		entry.matches = o.searcher.SearchPages(result.Pages)
	})
	return entry
}

func sameSeed(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	ca, err1 := crawler.Canonicalize(a)
	cb, err2 := crawler.Canonicalize(b)
	if err1 != nil || err2 != nil {
		return a == b
	}
	return ca == cb
}
