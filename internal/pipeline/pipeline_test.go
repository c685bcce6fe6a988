package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"catalog-migrator/internal/config"
	"catalog-migrator/internal/extract"
	"catalog-migrator/internal/models"
	"catalog-migrator/internal/progress"
	"catalog-migrator/internal/queue"
)

type fakeDiscoverer struct {
	links []string
	err   error
	cap   int
	calls int
	after func()
}

func (f *fakeDiscoverer) Discover(_ context.Context, _ models.SourceKind, _ string, cap int) ([]string, error) {
	f.calls++
	f.cap = cap
	if f.after != nil {
		f.after()
	}
	return f.links, f.err
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(_ context.Context, _ models.SourceKind, link string) (*extract.Outcome, error) {
	if strings.Contains(link, "broken") {
		return nil, &extract.ExtractionError{URL: link, Reason: "no product data"}
	}
	return &extract.Outcome{Product: &models.NormalizedProduct{
		Name:            "Boot",
		SourceURL:       link,
		Images:          []string{"https://cdn.example/a.jpg", "https://cdn.example/b.jpg"},
		Attributes:      []models.Attribute{{Name: "Size", Values: []string{"S", "M"}}},
		Variations:      []models.Variation{{SKU: "B-S"}, {SKU: "B-M"}},
		PriceCandidates: []string{"19.99", "24.99"},
	}, Cached: true}, nil
}

type fixture struct {
	mr       *miniredis.Miniredis
	queue    *queue.RedisQueue
	reporter *progress.Reporter
	disc     *fakeDiscoverer
	pipe     *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		mr:       mr,
		queue:    queue.NewRedisQueue(client, config.Config{}),
		reporter: progress.NewReporter(progress.NewMemoryStore(), nil),
		disc:     &fakeDiscoverer{},
	}
	f.pipe = New(f.queue, f.disc, fakeExtractor{}, f.reporter, nil, nil, nil)
	return f
}

func (f *fixture) size(t *testing.T, name string) queue.Size {
	t.Helper()
	s, err := f.queue.QueueSize(context.Background(), name)
	if err != nil {
		t.Fatalf("QueueSize: %v", err)
	}
	return s
}

func TestSubmitDeduplicatesLinks(t *testing.T) {
	f := newFixture(t)
	res, err := f.pipe.Submit(context.Background(), SubmitRequest{
		UserID:     "u1",
		SourceKind: "selfhosted",
		Mode:       models.ModeLinks,
		Links: []string{
			"https://shop.example/product/boot, https://SHOP.example/product/boot/",
			"https://shop.example/product/boot#reviews；https://shop.example/product/sandal",
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Count != 2 || res.Queue != "selfhosted" || res.RequestID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if s := f.size(t, "selfhosted"); s.Ready != 2 {
		t.Fatalf("expected 2 ready, got %+v", s)
	}
	pending, err := f.queue.PendingFor(context.Background(), res.RequestID)
	if err != nil || pending != 2 {
		t.Fatalf("expected 2 pending, got %d (%v)", pending, err)
	}
}

func TestSubmitHighPriorityQueue(t *testing.T) {
	f := newFixture(t)
	res, err := f.pipe.Submit(context.Background(), SubmitRequest{
		SourceKind: "platform",
		Links:      []string{"https://store.example/products/tee"},
		Priority:   "high",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Queue != "platform_high" {
		t.Fatalf("expected platform_high, got %s", res.Queue)
	}
	msgs, err := f.queue.Peek(context.Background(), "platform_high", 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("Peek: %v %v", msgs, err)
	}
	job, err := msgs[0].Job()
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.UserID != models.LocalUser || job.Priority != models.PriorityHigh {
		t.Fatalf("unexpected job %+v", job)
	}
}

// claimCrawl reads the single queued crawl the way a worker would.
func (f *fixture) claimCrawl(t *testing.T) models.CrawlJob {
	t.Helper()
	msgs, err := f.queue.Read(context.Background(), queue.CrawlQueue, 1, time.Minute)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("read crawl: %v %v", msgs, err)
	}
	job, err := msgs[0].Crawl()
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	return job
}

func TestSubmitQueuesSiteCrawl(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.disc.links = []string{"https://shop.example/product/a", "https://shop.example/product/b/", "https://shop.example/product/b", "https://shop.example/product/c"}
	res, err := f.pipe.Submit(ctx, SubmitRequest{
		SourceKind: "selfhosted",
		SourceURL:  "https://shop.example/shop",
		Mode:       models.ModeAll,
		Cap:        50,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.RequestID == "" || !res.Discovering || res.Count != 0 || f.disc.calls != 0 {
		t.Fatalf("submit must not crawl inline: %+v calls=%d", res, f.disc.calls)
	}
	if s := f.size(t, queue.CrawlQueue); s.Ready != 1 {
		t.Fatalf("expected one queued crawl, got %+v", s)
	}
	if pending, _ := f.queue.PendingFor(ctx, res.RequestID); pending != 1 {
		t.Fatalf("queued crawl should be pending, got %d", pending)
	}

	job := f.claimCrawl(t)
	if job.RequestID != res.RequestID || job.Cap != 50 || job.UserID != models.LocalUser {
		t.Fatalf("unexpected crawl job %+v", job)
	}
	n, err := f.pipe.Crawl(ctx, job)
	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if n != 3 || f.disc.cap != 50 {
		t.Fatalf("expected 3 links with cap 50, got %d cap=%d", n, f.disc.cap)
	}
	if s := f.size(t, "selfhosted"); s.Ready != 3 {
		t.Fatalf("expected 3 ready product jobs, got %+v", s)
	}
}

func TestCrawlFailureIsReportedOnTheLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.disc.err = errors.New("seed unreachable")
	res, err := f.pipe.Submit(ctx, SubmitRequest{SourceKind: "selfhosted", SourceURL: "https://down.example"})
	if err != nil {
		t.Fatalf("an unreachable site must not fail the submit: %v", err)
	}
	if _, err := f.pipe.Crawl(ctx, f.claimCrawl(t)); err == nil {
		t.Fatal("expected discovery error")
	}
	logs, _ := f.reporter.ListLogs(ctx, models.LocalUser, res.RequestID, 10)
	if len(logs) == 0 || logs[len(logs)-1].Level != models.LevelError {
		t.Fatalf("expected an error log, got %+v", logs)
	}
}

func TestCrawlAfterCancelQueuesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.disc.links = []string{"https://shop.example/product/a"}
	res, err := f.pipe.Submit(ctx, SubmitRequest{SourceKind: "selfhosted", SourceURL: "https://shop.example/shop"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job := f.claimCrawl(t)
	f.disc.after = func() {
		if _, err := f.pipe.Cancel(ctx, "", res.RequestID); err != nil {
			t.Errorf("Cancel: %v", err)
		}
	}
	n, err := f.pipe.Crawl(ctx, job)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing queued, got %d (%v)", n, err)
	}
	if s := f.size(t, "selfhosted"); s.Total != 0 {
		t.Fatalf("cancelled crawl must not enqueue, got %+v", s)
	}
}

func TestSubmitKeepsQueryRoutedLinksDistinct(t *testing.T) {
	f := newFixture(t)
	res, err := f.pipe.Submit(context.Background(), SubmitRequest{
		SourceKind: "selfhosted",
		Links: []string{
			"https://shop.example/index.php?route=product/product&product_id=1",
			"https://shop.example/index.php?route=product/product&product_id=2",
			"https://shop.example/index.php?product_id=2&route=product/product&utm_source=mail",
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Count != 2 {
		t.Fatalf("expected 2 distinct products, got %d", res.Count)
	}
	msgs, err := f.queue.Peek(context.Background(), "selfhosted", 2)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("Peek: %v %v", msgs, err)
	}
	job, err := msgs[0].Job()
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if job.Link != "https://shop.example/index.php?route=product/product&product_id=1" {
		t.Fatalf("queued link must be the caller's URL, got %q", job.Link)
	}
}

func TestStatsQueueEmptyIsScopedToRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.pipe.Submit(ctx, SubmitRequest{SourceKind: "selfhosted", Links: []string{"https://shop.example/product/other"}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	stats, err := f.pipe.Stats(ctx, "", "finished-request")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if !stats.QueueEmpty || stats.Pending != 0 {
		t.Fatalf("request with nothing pending should report empty, got %+v", stats)
	}
	global, err := f.pipe.Stats(ctx, "", "")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if global.QueueEmpty {
		t.Fatal("global stats should see the other import")
	}
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"unknown source", SubmitRequest{SourceKind: "ebay", Links: []string{"https://x.example/p"}}},
		{"all without url", SubmitRequest{SourceKind: "builder", Mode: models.ModeAll}},
		{"all with relative url", SubmitRequest{SourceKind: "builder", Mode: models.ModeAll, SourceURL: "/shop"}},
		{"unknown mode", SubmitRequest{SourceKind: "builder", Mode: "some", Links: []string{"https://x.example/p"}}},
		{"no usable links", SubmitRequest{SourceKind: "builder", Links: []string{" , ; not-a-url"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.pipe.Submit(context.Background(), tt.req)
			if !IsValidationError(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestSubmitQueueFailureKeepsRequestID(t *testing.T) {
	f := newFixture(t)
	f.mr.SetError("server down")
	res, err := f.pipe.Submit(context.Background(), SubmitRequest{SourceKind: "selfhosted", Links: []string{"https://shop.example/product/a"}})
	if !queue.IsQueueError(err) {
		t.Fatalf("expected queue error, got %v", err)
	}
	if res.RequestID == "" || res.Count != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCancelPurgesQueuedLinks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	keep, err := f.pipe.Submit(ctx, SubmitRequest{SourceKind: "selfhosted", Links: []string{"https://shop.example/product/other"}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res, err := f.pipe.Submit(ctx, SubmitRequest{SourceKind: "selfhosted", Links: []string{
		"https://shop.example/product/a", "https://shop.example/product/b", "https://shop.example/product/c",
	}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	removed, err := f.pipe.Cancel(ctx, "", res.RequestID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}
	if s := f.size(t, "selfhosted"); s.Total != 1 {
		t.Fatalf("only the other request should remain, got %+v", s)
	}
	if cancelled, _ := f.queue.IsCancelled(ctx, res.RequestID); !cancelled {
		t.Fatal("request should be marked cancelled")
	}
	if cancelled, _ := f.queue.IsCancelled(ctx, keep.RequestID); cancelled {
		t.Fatal("other request must not be cancelled")
	}

	stats, err := f.pipe.Stats(ctx, "", res.RequestID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 0 || !stats.QueueEmpty {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCancelRequiresRequestID(t *testing.T) {
	f := newFixture(t)
	if _, err := f.pipe.Cancel(context.Background(), "u1", " "); !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStatsWithoutRequest(t *testing.T) {
	f := newFixture(t)
	stats, err := f.pipe.Stats(context.Background(), "", "")
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if !stats.QueueEmpty || stats.Counts != nil || len(stats.Queues) != 7 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestPreviewSummarizes(t *testing.T) {
	f := newFixture(t)
	pv, err := f.pipe.Preview(context.Background(), "selfhosted", "https://shop.example/product/boot/")
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if pv.GalleryCount != 2 || pv.OptionCount != 1 || pv.VariationCount != 2 || !pv.Cached || len(pv.PriceCandidates) != 2 {
		t.Fatalf("unexpected preview %+v", pv)
	}
	if s := f.size(t, "selfhosted"); s.Total != 0 {
		t.Fatalf("preview must not enqueue, got %+v", s)
	}
}

func TestPreviewErrors(t *testing.T) {
	f := newFixture(t)
	if _, err := f.pipe.Preview(context.Background(), "selfhosted", "ftp://x"); !IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err := f.pipe.Preview(context.Background(), "selfhosted", "https://shop.example/product/broken")
	if !extract.IsExtractionError(err) {
		t.Fatalf("expected extraction error, got %v", err)
	}
}
