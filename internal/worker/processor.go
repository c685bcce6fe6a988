// Package worker drains the import queues: each claimed link is extracted, optionally has its
// images mirrored, and is synced to the catalog with its outcome recorded for the UI.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"catalog-migrator/internal/catalog"
	"catalog-migrator/internal/config"
	"catalog-migrator/internal/extract"
	"catalog-migrator/internal/fetch"
	"catalog-migrator/internal/lock"
	"catalog-migrator/internal/models"
	"catalog-migrator/internal/progress"
	"catalog-migrator/internal/queue"
	"catalog-migrator/internal/telemetry"
)

// Queue is the subset of queue.RedisQueue a worker uses.
type Queue interface {
	Read(ctx context.Context, queue string, max int, vt time.Duration) ([]queue.Message, error)
	Archive(ctx context.Context, queue, id string) (bool, error)
	Delete(ctx context.Context, queue, id string) (bool, error)
	IsCancelled(ctx context.Context, correlationID string) (bool, error)
	PendingFor(ctx context.Context, correlationID string) (int64, error)
}

// Extractor turns a link into a finalized product.
type Extractor interface {
	Extract(ctx context.Context, kind models.SourceKind, link string) (*extract.Outcome, error)
}

// Catalog is the subset of catalog.Syncer a worker uses.
type Catalog interface {
	EnsureTerms(ctx context.Context, kind catalog.TermKind, names []string) ([]catalog.TermRef, error)
	Upsert(ctx context.Context, p *models.NormalizedProduct, terms catalog.Terms) (catalog.UpsertResult, error)
}

// Mirror rewrites product images to mirrored copies.
type Mirror interface {
	MirrorProduct(ctx context.Context, p *models.NormalizedProduct) (int, int)
}

// Crawler runs discovery for a queued site crawl and enqueues the links it finds.
type Crawler interface {
	Crawl(ctx context.Context, job models.CrawlJob) (int, error)
}

// Options bounds one drain invocation.
type Options struct {
	Sources           []models.SourceKind
	BatchSize         int
	VisibilityTimeout time.Duration
	Budget            time.Duration
	MaxJobs           int
	ClaimWait         time.Duration

	// CrawlVisibility hides a claimed crawl long enough for a full discovery run.
	CrawlVisibility time.Duration
}

// OptionsFromConfig maps runtime config onto worker options. Unknown sources are skipped.
func OptionsFromConfig(cfg config.Config) Options {
	var sources []models.SourceKind
	for _, s := range cfg.Sources {
		if kind, err := models.ParseSourceKind(s); err == nil {
			sources = append(sources, kind)
		}
	}
	return Options{
		Sources:           sources,
		BatchSize:         cfg.WorkerBatchSize,
		VisibilityTimeout: cfg.VisibilityTimeout,
		CrawlVisibility:   cfg.CrawlVisibilityTimeout,
		Budget:            cfg.WorkerInvocationBudget,
		MaxJobs:           cfg.WorkerMaxJobs,
		ClaimWait:         cfg.SKUClaimTTL,
	}
}

// Summary counts what one drain did.
type Summary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
	Dropped   int `json:"dropped"`
}

// Processor drives bounded drain invocations.
type Processor struct {
	opts      Options
	queue     Queue
	extractor Extractor
	catalog   Catalog
	mirror    Mirror
	crawler   Crawler
	claimer   *lock.Claimer
	reporter  *progress.Reporter
	logger    *zap.Logger
	now       func() time.Time
}

// NewProcessor wires a processor. mirror and claimer may be nil.
func NewProcessor(opts Options, q Queue, ex Extractor, cat Catalog, mirror Mirror, claimer *lock.Claimer, reporter *progress.Reporter, logger *zap.Logger) *Processor {
	if len(opts.Sources) == 0 {
		opts.Sources = []models.SourceKind{models.SourceSelfHosted, models.SourceBuilder, models.SourcePlatform}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 2 * time.Minute
	}
	if opts.CrawlVisibility <= 0 {
		opts.CrawlVisibility = 15 * time.Minute
	}
	if opts.Budget <= 0 {
		opts.Budget = 50 * time.Second
	}
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = 200
	}
	if opts.ClaimWait <= 0 {
		opts.ClaimWait = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		opts:      opts,
		queue:     q,
		extractor: ex,
		catalog:   cat,
		mirror:    mirror,
		claimer:   claimer,
		reporter:  reporter,
		logger:    logger,
		now:       time.Now,
	}
}

// WithCrawler makes Drain also run queued site crawls, ahead of the product queues.
func (p *Processor) WithCrawler(c Crawler) *Processor {
	p.crawler = c
	return p
}

// Drain reads every queue, high priority first per source, until a pass finds nothing, the
// time budget is spent or MaxJobs messages were handled.
func (p *Processor) Drain(ctx context.Context) (Summary, error) {
	var sum Summary
	deadline := p.now().Add(p.opts.Budget)
	order := queue.ReadOrder(p.opts.Sources)
	if p.crawler != nil {
		order = append([]string{queue.CrawlQueue}, order...)
	}

	for {
		progressed := false
		for _, name := range order {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			if p.now().After(deadline) || sum.Processed >= p.opts.MaxJobs {
				return sum, nil
			}
			max := p.opts.BatchSize
			if left := p.opts.MaxJobs - sum.Processed; left < max {
				max = left
			}
			vt := p.opts.VisibilityTimeout
			if name == queue.CrawlQueue {
				max, vt = 1, p.opts.CrawlVisibility
			}
			msgs, err := p.queue.Read(ctx, name, max, vt)
			if err != nil {
				p.logger.Warn("queue read failed", zap.String("queue", name), zap.Error(err))
				continue
			}
			for _, m := range msgs {
				progressed = true
				p.handle(ctx, name, m, &sum)
			}
		}
		if !progressed {
			return sum, nil
		}
	}
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeFailed
	outcomeRetry
	outcomeDropped
)

func (p *Processor) handle(ctx context.Context, queueName string, m queue.Message, sum *Summary) {
	sum.Processed++
	log := p.logger.With(zap.String("queue", queueName), zap.String("message_id", m.ID), zap.Int("read_count", m.ReadCount))
	if queueName == queue.CrawlQueue {
		p.handleCrawl(ctx, m, sum, log)
		return
	}

	job, err := m.Job()
	if err != nil {
		log.Error("dropping undecodable message", zap.Error(err))
		p.drop(ctx, queueName, m.ID, sum)
		return
	}
	if job.UserID == "" {
		job.UserID = models.LocalUser
	}
	log = log.With(zap.String("request_id", job.RequestID), zap.String("link", job.Link))

	if cancelled, err := p.queue.IsCancelled(ctx, job.RequestID); err != nil {
		log.Warn("cancel check failed", zap.Error(err))
	} else if cancelled {
		p.drop(ctx, queueName, m.ID, sum)
		log.Info("dropped message of cancelled request")
		return
	}

	switch p.process(ctx, job, log) {
	case outcomeRetry:
		sum.Retried++
		telemetry.JobsRedelivered.Inc()
		return
	case outcomeFailed:
		sum.Failed++
	default:
		sum.Succeeded++
	}
	p.archive(ctx, queueName, m.ID, job.UserID, job.RequestID, log)
}

func (p *Processor) drop(ctx context.Context, queueName, id string, sum *Summary) {
	_, _ = p.queue.Delete(ctx, queueName, id)
	sum.Dropped++
	telemetry.JobsProcessed.WithLabelValues("dropped").Inc()
}

// archive retires a handled message and announces the end of the import once nothing of the
// request is left queued or claimed.
func (p *Processor) archive(ctx context.Context, queueName, id, userID, requestID string, log *zap.Logger) {
	if _, err := p.queue.Archive(ctx, queueName, id); err != nil {
		log.Warn("archive failed; message will be redelivered", zap.Error(err))
		return
	}
	if pending, err := p.queue.PendingFor(ctx, requestID); err == nil && pending == 0 {
		p.reporter.Logf(ctx, userID, requestID, models.LevelInfo, "All queued items for this import have been processed")
	}
}

// handleCrawl runs one site crawl. Queue failures while enqueueing the discovered links leave
// the crawl for redelivery; a failed discovery is already on the request's log and is retired.
func (p *Processor) handleCrawl(ctx context.Context, m queue.Message, sum *Summary, log *zap.Logger) {
	job, err := m.Crawl()
	if err != nil {
		log.Error("dropping undecodable crawl", zap.Error(err))
		p.drop(ctx, queue.CrawlQueue, m.ID, sum)
		return
	}
	if job.UserID == "" {
		job.UserID = models.LocalUser
	}
	log = log.With(zap.String("request_id", job.RequestID), zap.String("source_url", job.SourceURL))
	if cancelled, err := p.queue.IsCancelled(ctx, job.RequestID); err != nil {
		log.Warn("cancel check failed", zap.Error(err))
	} else if cancelled {
		p.drop(ctx, queue.CrawlQueue, m.ID, sum)
		log.Info("dropped crawl of cancelled request")
		return
	}

	n, err := p.crawler.Crawl(ctx, job)
	switch {
	case queue.IsQueueError(err):
		sum.Retried++
		telemetry.JobsRedelivered.Inc()
		log.Warn("queueing discovered links failed, leaving crawl for redelivery", zap.Error(err))
		return
	case err != nil:
		sum.Failed++
		telemetry.JobsProcessed.WithLabelValues("crawl_failed").Inc()
		log.Warn("crawl failed", zap.Error(err))
	default:
		sum.Succeeded++
		telemetry.JobsProcessed.WithLabelValues("crawled").Inc()
		log.Info("crawl finished", zap.Int("links", n))
	}
	p.archive(ctx, queue.CrawlQueue, m.ID, job.UserID, job.RequestID, log)
}

func (p *Processor) process(ctx context.Context, job models.DiscoveryJob, log *zap.Logger) outcome {
	out, err := p.extractor.Extract(ctx, job.SourceKind, job.Link)
	if err != nil {
		if fetch.IsFetchError(err) {
			p.reporter.Logf(ctx, job.UserID, job.RequestID, models.LevelWarn, "Fetching %s failed, will retry: %v", job.Link, err)
			log.Warn("fetch failed, leaving for redelivery", zap.Error(err))
			return outcomeRetry
		}
		return p.fail(ctx, job, job.Link, job.Link, err)
	}
	product := out.Product
	p.reporter.Logf(ctx, job.UserID, job.RequestID, models.LevelInfo,
		"Extracted %q: %d images, %d variations, prices %s", product.Name, len(product.Images), len(product.Variations), priceSummary(product))

	if p.mirror != nil {
		if ok, failed := p.mirror.MirrorProduct(ctx, product); failed > 0 {
			p.reporter.Logf(ctx, job.UserID, job.RequestID, models.LevelWarn, "Mirrored %d of %d images for %q; the rest keep their source URL", ok, ok+failed, product.Name)
		}
	}

	claim, err := p.claimer.Acquire(ctx, product.SKU, p.opts.ClaimWait)
	if err != nil {
		if errors.Is(err, lock.ErrBusy) {
			log.Info("sku claimed by another worker, leaving for redelivery", zap.String("sku", product.SKU))
		} else {
			log.Warn("sku claim failed, leaving for redelivery", zap.Error(err))
		}
		return outcomeRetry
	}
	defer func() {
		if err := claim.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("sku claim release failed", zap.Error(err))
		}
	}()

	var terms catalog.Terms
	if terms.Categories, err = p.catalog.EnsureTerms(ctx, catalog.Categories, product.Categories); err != nil {
		return p.syncFailed(ctx, job, product, err, log)
	}
	if terms.Tags, err = p.catalog.EnsureTerms(ctx, catalog.Tags, product.Tags); err != nil {
		return p.syncFailed(ctx, job, product, err, log)
	}

	res, err := p.catalog.Upsert(ctx, product, terms)
	if err != nil {
		return p.syncFailed(ctx, job, product, err, log)
	}

	status := models.StatusSuccess
	verb := "Imported"
	if res.Updated {
		status = models.StatusUpdate
		verb = "Updated"
	}
	message := fmt.Sprintf("catalog id %d", res.ID)
	if res.VariationErrors > 0 {
		status = models.StatusPartial
		message = fmt.Sprintf("catalog id %d; %d of %d variations failed", res.ID, res.VariationErrors, res.Variations+res.VariationErrors)
	}
	p.record(ctx, job, status, product.ItemKey(), res.Name, message)
	level := models.LevelInfo
	if status == models.StatusPartial {
		level = models.LevelWarn
	}
	p.reporter.Logf(ctx, job.UserID, job.RequestID, level, "%s %q (%s)", verb, res.Name, message)
	return outcomeDone
}

func (p *Processor) syncFailed(ctx context.Context, job models.DiscoveryJob, product *models.NormalizedProduct, err error, log *zap.Logger) outcome {
	if catalog.IsRetryable(err) {
		p.reporter.Logf(ctx, job.UserID, job.RequestID, models.LevelWarn, "Catalog unavailable for %q, will retry: %v", product.Name, err)
		log.Warn("catalog sync failed, leaving for redelivery", zap.Error(err))
		return outcomeRetry
	}
	return p.fail(ctx, job, product.ItemKey(), product.Name, err)
}

func (p *Processor) fail(ctx context.Context, job models.DiscoveryJob, itemKey, name string, err error) outcome {
	p.record(ctx, job, models.StatusError, itemKey, name, err.Error())
	p.reporter.Logf(ctx, job.UserID, job.RequestID, models.LevelError, "Failed %s: %v", job.Link, err)
	return outcomeFailed
}

func (p *Processor) record(ctx context.Context, job models.DiscoveryJob, status, itemKey, name, message string) {
	telemetry.JobsProcessed.WithLabelValues(status).Inc()
	err := p.reporter.AppendResult(ctx, models.ImportResult{
		RequestID: job.RequestID,
		UserID:    job.UserID,
		Status:    status,
		ItemKey:   itemKey,
		Name:      name,
		Message:   message,
	})
	if err != nil {
		p.logger.Error("result not recorded", zap.String("request_id", job.RequestID), zap.String("item", itemKey), zap.Error(err))
	}
}

func priceSummary(p *models.NormalizedProduct) string {
	switch {
	case p.SalePrice != "":
		return fmt.Sprintf("%s (sale %s)", p.RegularPrice, p.SalePrice)
	case p.RegularPrice != "":
		return p.RegularPrice
	case len(p.PriceCandidates) > 0:
		return "unresolved from " + strings.Join(p.PriceCandidates, ", ")
	}
	return "not found"
}
