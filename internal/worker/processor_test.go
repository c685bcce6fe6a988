package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"catalog-migrator/internal/catalog"
	"catalog-migrator/internal/config"
	"catalog-migrator/internal/extract"
	"catalog-migrator/internal/fetch"
	"catalog-migrator/internal/lock"
	"catalog-migrator/internal/models"
	"catalog-migrator/internal/progress"
	"catalog-migrator/internal/queue"
)

type fakeExtractor struct {
	mu    sync.Mutex
	errs  map[string]error
	calls []string
}

func (f *fakeExtractor) Extract(_ context.Context, kind models.SourceKind, link string) (*extract.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, link)
	if err := f.errs[link]; err != nil {
		return nil, err
	}
	name := link[strings.LastIndex(link, "/")+1:]
	return &extract.Outcome{Product: &models.NormalizedProduct{
		Name:         name,
		SKU:          strings.ToUpper(name),
		RegularPrice: "10.00",
		Categories:   []string{"Shoes"},
		SourceURL:    link,
	}}, nil
}

type fakeCatalog struct {
	mu        sync.Mutex
	skus      map[string]int64
	nextID    int64
	upsertErr error
	partial   bool
}

func (f *fakeCatalog) EnsureTerms(_ context.Context, _ catalog.TermKind, names []string) ([]catalog.TermRef, error) {
	var out []catalog.TermRef
	for i, n := range names {
		out = append(out, catalog.TermRef{ID: int64(i + 1), Name: n})
	}
	return out, nil
}

func (f *fakeCatalog) Upsert(_ context.Context, p *models.NormalizedProduct, _ catalog.Terms) (catalog.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return catalog.UpsertResult{}, f.upsertErr
	}
	res := catalog.UpsertResult{Name: p.Name}
	if id, ok := f.skus[p.SKU]; ok {
		res.ID, res.Updated = id, true
	} else {
		f.nextID++
		f.skus[p.SKU] = f.nextID
		res.ID = f.nextID
	}
	if f.partial {
		res.Variations, res.VariationErrors = 1, 1
	}
	return res, nil
}

type harness struct {
	queue    *queue.RedisQueue
	store    *progress.MemoryStore
	reporter *progress.Reporter
	ex       *fakeExtractor
	cat      *fakeCatalog
	proc     *Processor
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		queue: queue.NewRedisQueue(client, config.Config{}),
		store: progress.NewMemoryStore(),
		ex:    &fakeExtractor{errs: map[string]error{}},
		cat:   &fakeCatalog{skus: map[string]int64{}},
	}
	h.reporter = progress.NewReporter(h.store, nil)
	h.proc = NewProcessor(opts, h.queue, h.ex, h.cat, nil, lock.NewClaimer(client, time.Second), h.reporter, nil)
	return h
}

func (h *harness) enqueue(t *testing.T, requestID string, priority models.Priority, links ...string) {
	t.Helper()
	var msgs []queue.Message
	for _, link := range links {
		m, err := queue.JobMessage(models.DiscoveryJob{RequestID: requestID, UserID: "u1", SourceKind: models.SourceSelfHosted, Priority: priority, Link: link})
		if err != nil {
			t.Fatalf("JobMessage: %v", err)
		}
		msgs = append(msgs, m)
	}
	if _, err := h.queue.EnqueueBatch(context.Background(), queue.Name(models.SourceSelfHosted, priority), msgs); err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}
}

func (h *harness) counts(t *testing.T, requestID string) models.ResultCounts {
	t.Helper()
	c, err := h.reporter.ResultCounts(context.Background(), "u1", requestID)
	if err != nil {
		t.Fatalf("ResultCounts: %v", err)
	}
	return c
}

func selfhostedOnly() Options {
	return Options{Sources: []models.SourceKind{models.SourceSelfHosted}, BatchSize: 5}
}

func TestDrainImportsAndUpdates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, selfhostedOnly())
	h.enqueue(t, "r1", models.PriorityNormal, "https://shop.example/product/boot", "https://shop.example/product/sandal")

	sum, err := h.proc.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sum.Processed != 2 || sum.Succeeded != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if c := h.counts(t, "r1"); c.Success != 2 || c.Processed != 2 {
		t.Fatalf("unexpected counts %+v", c)
	}

	// Re-importing the same SKU reports an update rather than a second create.
	h.enqueue(t, "r2", models.PriorityNormal, "https://shop.example/product/boot")
	if _, err := h.proc.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if c := h.counts(t, "r2"); c.Update != 1 || c.Success != 0 {
		t.Fatalf("expected one update, got %+v", c)
	}

	size, err := h.queue.QueueSize(ctx, queue.Name(models.SourceSelfHosted, models.PriorityNormal))
	if err != nil {
		t.Fatalf("QueueSize: %v", err)
	}
	if size.Total != 0 {
		t.Fatalf("queue should be empty, got %+v", size)
	}

	logs, err := h.reporter.ListLogs(ctx, "u1", "r2", 50)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	var done bool
	for _, l := range logs {
		if strings.Contains(l.Message, "have been processed") {
			done = true
		}
	}
	if !done {
		t.Fatalf("expected completion log, got %+v", logs)
	}
}

func TestDrainPartialWhenVariationsFail(t *testing.T) {
	h := newHarness(t, selfhostedOnly())
	h.cat.partial = true
	h.enqueue(t, "r1", models.PriorityNormal, "https://shop.example/product/tee")

	if _, err := h.proc.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if c := h.counts(t, "r1"); c.Partial != 1 {
		t.Fatalf("expected partial result, got %+v", c)
	}
}

func TestDrainFailureClassification(t *testing.T) {
	tests := []struct {
		name        string
		extractErr  error
		upsertErr   error
		wantFailed  int
		wantRetried int
		wantErrors  int
		wantLeft    int64
	}{
		{
			name:       "extraction error is recorded and archived",
			extractErr: &extract.ExtractionError{URL: "x", Reason: "no product data"},
			wantFailed: 1, wantErrors: 1,
		},
		{
			name:        "fetch error stays in flight",
			extractErr:  &fetch.FetchError{Kind: fetch.KindHTTP, URL: "x", Status: 503},
			wantRetried: 1, wantLeft: 1,
		},
		{
			name:        "catalog outage stays in flight",
			upsertErr:   &catalog.APIError{Method: "POST", Path: "products", Status: 503},
			wantRetried: 1, wantLeft: 1,
		},
		{
			name:       "catalog rejection is recorded",
			upsertErr:  &catalog.APIError{Method: "POST", Path: "products", Status: 400, Code: "invalid_param"},
			wantFailed: 1, wantErrors: 1,
		},
		{
			name:       "unexpected error is recorded",
			upsertErr:  errors.New("boom"),
			wantFailed: 1, wantErrors: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, selfhostedOnly())
			link := "https://shop.example/product/hat"
			if tt.extractErr != nil {
				h.ex.errs[link] = tt.extractErr
			}
			h.cat.upsertErr = tt.upsertErr
			h.enqueue(t, "r1", models.PriorityNormal, link)

			sum, err := h.proc.Drain(ctx)
			if err != nil {
				t.Fatalf("Drain: %v", err)
			}
			if sum.Failed != tt.wantFailed || sum.Retried != tt.wantRetried {
				t.Fatalf("unexpected summary %+v", sum)
			}
			if c := h.counts(t, "r1"); c.Error != tt.wantErrors {
				t.Fatalf("expected %d error results, got %+v", tt.wantErrors, c)
			}
			pending, err := h.queue.PendingFor(ctx, "r1")
			if err != nil {
				t.Fatalf("PendingFor: %v", err)
			}
			if pending != tt.wantLeft {
				t.Fatalf("expected %d pending, got %d", tt.wantLeft, pending)
			}
		})
	}
}

func TestDrainDropsCancelledRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, selfhostedOnly())
	h.enqueue(t, "r1", models.PriorityNormal, "https://shop.example/product/a", "https://shop.example/product/b")
	if err := h.queue.MarkCancelled(ctx, "r1"); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}

	sum, err := h.proc.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sum.Dropped != 2 || sum.Succeeded != 0 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if len(h.ex.calls) != 0 {
		t.Fatalf("cancelled links should not be extracted: %v", h.ex.calls)
	}
	if c := h.counts(t, "r1"); c.Processed != 0 {
		t.Fatalf("cancelled request should have no results, got %+v", c)
	}
}

func TestDrainReadsHighPriorityFirst(t *testing.T) {
	h := newHarness(t, selfhostedOnly())
	h.enqueue(t, "crawl", models.PriorityNormal, "https://shop.example/product/n1", "https://shop.example/product/n2")
	h.enqueue(t, "single", models.PriorityHigh, "https://shop.example/product/h1")

	if _, err := h.proc.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(h.ex.calls) != 3 || h.ex.calls[0] != "https://shop.example/product/h1" {
		t.Fatalf("high priority link should be first, got %v", h.ex.calls)
	}
}

func TestDrainStopsAtMaxJobs(t *testing.T) {
	opts := selfhostedOnly()
	opts.MaxJobs = 2
	h := newHarness(t, opts)
	h.enqueue(t, "r1", models.PriorityNormal,
		"https://shop.example/product/a", "https://shop.example/product/b", "https://shop.example/product/c")

	sum, err := h.proc.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sum.Processed != 2 {
		t.Fatalf("expected 2 processed, got %+v", sum)
	}
	pending, _ := h.queue.PendingFor(context.Background(), "r1")
	if pending != 1 {
		t.Fatalf("expected one message left, got %d", pending)
	}
}

func TestDrainStopsWhenBudgetSpent(t *testing.T) {
	h := newHarness(t, selfhostedOnly())
	h.enqueue(t, "r1", models.PriorityNormal, "https://shop.example/product/a")
	start := time.Now()
	calls := 0
	h.proc.now = func() time.Time {
		calls++
		if calls == 1 {
			return start
		}
		return start.Add(time.Hour)
	}

	sum, err := h.proc.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sum.Processed != 0 {
		t.Fatalf("nothing should run past the budget, got %+v", sum)
	}
}

func TestDrainDropsUndecodableMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, selfhostedOnly())
	name := queue.Name(models.SourceSelfHosted, models.PriorityNormal)
	if _, err := h.queue.EnqueueBatch(ctx, name, []queue.Message{{CorrelationID: "r1", Body: []byte("{not json")}}); err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}

	sum, err := h.proc.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sum.Dropped != 1 {
		t.Fatalf("expected a drop, got %+v", sum)
	}
}

func TestOptionsFromConfigSkipsUnknownSources(t *testing.T) {
	opts := OptionsFromConfig(config.Config{Sources: []string{"selfhosted", "bogus", "platform"}, WorkerBatchSize: 3})
	if len(opts.Sources) != 2 || opts.Sources[1] != models.SourcePlatform || opts.BatchSize != 3 {
		t.Fatalf("unexpected options %+v", opts)
	}
}

type fakeCrawler struct {
	h     *harness
	t     *testing.T
	links []string
	err   error
	calls int
}

func (f *fakeCrawler) Crawl(_ context.Context, job models.CrawlJob) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	f.h.enqueue(f.t, job.RequestID, job.Priority, f.links...)
	return len(f.links), nil
}

func (h *harness) enqueueCrawl(t *testing.T, requestID string) {
	t.Helper()
	m, err := queue.CrawlMessage(models.CrawlJob{RequestID: requestID, UserID: "u1", SourceKind: models.SourceSelfHosted, Priority: models.PriorityNormal, SourceURL: "https://shop.example/shop"})
	if err != nil {
		t.Fatalf("CrawlMessage: %v", err)
	}
	if _, err := h.queue.EnqueueBatch(context.Background(), queue.CrawlQueue, []queue.Message{m}); err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}
}

func (h *harness) crawlSize(t *testing.T) queue.Size {
	t.Helper()
	s, err := h.queue.QueueSize(context.Background(), queue.CrawlQueue)
	if err != nil {
		t.Fatalf("QueueSize: %v", err)
	}
	return s
}

func TestDrainRunsQueuedCrawlThenItsProducts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, selfhostedOnly())
	crawler := &fakeCrawler{h: h, t: t, links: []string{"https://shop.example/product/boot", "https://shop.example/product/sandal"}}
	h.proc.WithCrawler(crawler)
	h.enqueueCrawl(t, "r1")

	sum, err := h.proc.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if crawler.calls != 1 || sum.Processed != 3 || sum.Succeeded != 3 {
		t.Fatalf("unexpected summary %+v calls=%d", sum, crawler.calls)
	}
	if c := h.counts(t, "r1"); c.Success != 2 {
		t.Fatalf("expected both discovered products imported, got %+v", c)
	}
	if s := h.crawlSize(t); s.Total != 0 {
		t.Fatalf("crawl should be archived, got %+v", s)
	}

	logs, _ := h.reporter.ListLogs(ctx, "u1", "r1", 50)
	done := 0
	for _, l := range logs {
		if strings.Contains(l.Message, "have been processed") {
			done++
		}
	}
	if done != 1 {
		t.Fatalf("completion should be announced once, after the products; got %d in %+v", done, logs)
	}
}

func TestDrainCrawlFailures(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantRetried int
		wantFailed  int
		wantTotal   int64
	}{
		{"queue unavailable", &queue.QueueError{Op: "enqueue", Queue: "selfhosted", Err: errors.New("down")}, 1, 0, 1},
		{"discovery failed", errors.New("seed unreachable"), 0, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, selfhostedOnly())
			h.proc.WithCrawler(&fakeCrawler{h: h, t: t, err: tt.err})
			h.enqueueCrawl(t, "r1")

			sum, err := h.proc.Drain(context.Background())
			if err != nil {
				t.Fatalf("Drain: %v", err)
			}
			if sum.Retried != tt.wantRetried || sum.Failed != tt.wantFailed {
				t.Fatalf("unexpected summary %+v", sum)
			}
			if s := h.crawlSize(t); s.Total != tt.wantTotal {
				t.Fatalf("crawl queue total = %d, want %d", s.Total, tt.wantTotal)
			}
		})
	}
}

func TestDrainDropsCrawlOfCancelledRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, selfhostedOnly())
	crawler := &fakeCrawler{h: h, t: t, links: []string{"https://shop.example/product/boot"}}
	h.proc.WithCrawler(crawler)
	h.enqueueCrawl(t, "r1")
	if err := h.queue.MarkCancelled(ctx, "r1"); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}

	sum, err := h.proc.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if crawler.calls != 0 || sum.Dropped != 1 {
		t.Fatalf("cancelled crawl must not run: %+v calls=%d", sum, crawler.calls)
	}
	if s := h.crawlSize(t); s.Total != 0 {
		t.Fatalf("crawl should be deleted, got %+v", s)
	}
}
