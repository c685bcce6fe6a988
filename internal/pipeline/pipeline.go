// Package pipeline orchestrates import requests: submission, cancellation, stats and previews.
// HTTP handlers and the CLI both go through it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"catalog-migrator/internal/discover"
	"catalog-migrator/internal/extract"
	"catalog-migrator/internal/models"
	"catalog-migrator/internal/progress"
	"catalog-migrator/internal/queue"
	"catalog-migrator/internal/telemetry"
)

// Queue is the subset of queue.RedisQueue the pipeline writes to.
type Queue interface {
	queue.Sizer
	EnqueueBatch(ctx context.Context, queue string, msgs []queue.Message) ([]string, error)
	PurgeByCorrelationID(ctx context.Context, queue, correlationID string) (int, error)
	MarkCancelled(ctx context.Context, correlationID string) error
	IsCancelled(ctx context.Context, correlationID string) (bool, error)
	PendingFor(ctx context.Context, correlationID string) (int64, error)
}

// Discoverer enumerates product links on a site.
type Discoverer interface {
	Discover(ctx context.Context, kind models.SourceKind, siteURL string, cap int) ([]string, error)
}

// Extractor runs extraction for previews.
type Extractor interface {
	Extract(ctx context.Context, kind models.SourceKind, link string) (*extract.Outcome, error)
}

// ValidationError is a request the caller must fix.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// SubmitRequest starts an import. Links entries may themselves hold several delimited links.
type SubmitRequest struct {
	UserID     string
	SourceKind string
	SourceURL  string
	Links      []string
	Mode       models.ImportMode
	Cap        int
	Priority   string
}

// SubmitResult identifies the accepted import. Count is zero while a site crawl is still
// discovering links.
type SubmitResult struct {
	RequestID   string `json:"request_id"`
	Count       int    `json:"count"`
	Queue       string `json:"queue"`
	Discovering bool   `json:"discovering,omitempty"`
}

// Stats is the backlog report plus one request's progress.
type Stats struct {
	queue.BacklogReport
	QueueEmpty bool                 `json:"queue_empty"`
	RequestID  string               `json:"request_id,omitempty"`
	Pending    int64                `json:"pending"`
	Counts     *models.ResultCounts `json:"counts,omitempty"`
}

// Preview summarizes one extraction without queueing anything.
type Preview struct {
	Product         *models.NormalizedProduct `json:"product"`
	PriceCandidates []string                  `json:"price_candidates"`
	GalleryCount    int                       `json:"gallery_count"`
	OptionCount     int                       `json:"option_count"`
	VariationCount  int                       `json:"variation_count"`
	Cached          bool                      `json:"cached"`
	PayloadURL      string                    `json:"payload_url"`
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	queue      Queue
	discoverer Discoverer
	extractor  Extractor
	reporter   *progress.Reporter
	monitor    *queue.Monitor
	sources    []models.SourceKind
	logger     *zap.Logger
	newID      func() string
	now        func() time.Time
}

// New wires a pipeline. An empty sources list means every known source kind.
func New(q Queue, d Discoverer, ex Extractor, reporter *progress.Reporter, monitor *queue.Monitor, sources []models.SourceKind, logger *zap.Logger) *Pipeline {
	if len(sources) == 0 {
		sources = []models.SourceKind{models.SourceSelfHosted, models.SourceBuilder, models.SourcePlatform}
	}
	if monitor == nil {
		monitor = queue.NewMonitor(q, 0, 0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		queue:      q,
		discoverer: d,
		extractor:  ex,
		reporter:   reporter,
		monitor:    monitor,
		sources:    sources,
		logger:     logger,
		newID:      uuid.NewString,
		now:        time.Now,
	}
}

// Queues lists every queue the pipeline writes to: product queues high priority first per
// source, then the crawl queue.
func (p *Pipeline) Queues() []string {
	return append(queue.ReadOrder(p.sources), queue.CrawlQueue)
}

// Submit validates an import and queues it. Link imports enqueue one job per distinct link;
// site imports enqueue a crawl that the worker discovers, so the request id comes back before
// any page is fetched. When the enqueue fails the result still carries the request id so the
// caller can report it.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	kind, err := models.ParseSourceKind(req.SourceKind)
	if err != nil {
		return SubmitResult{}, &ValidationError{Field: "source_kind", Reason: err.Error()}
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = models.LocalUser
	}
	mode := req.Mode
	if mode == "" {
		mode = models.ModeLinks
		if len(req.Links) == 0 {
			mode = models.ModeAll
		}
	}
	priority := models.ParsePriority(req.Priority)

	switch mode {
	case models.ModeAll:
		site, ok := discover.CleanURL(req.SourceURL)
		if !ok {
			return SubmitResult{}, &ValidationError{Field: "source_url", Reason: "an absolute http(s) URL is required when mode is all"}
		}
		res := SubmitResult{RequestID: p.newID(), Queue: queue.Name(kind, priority), Discovering: true}
		m, err := queue.CrawlMessage(models.CrawlJob{
			RequestID:  res.RequestID,
			UserID:     userID,
			SourceKind: kind,
			Priority:   priority,
			SourceURL:  site,
			Cap:        req.Cap,
			EnqueuedAt: p.now().UTC(),
		})
		if err != nil {
			return res, err
		}
		if _, err := p.queue.EnqueueBatch(ctx, queue.CrawlQueue, []queue.Message{m}); err != nil {
			p.reporter.Logf(ctx, userID, res.RequestID, models.LevelError, "Queueing discovery of %s failed: %v", site, err)
			return res, err
		}
		telemetry.JobsEnqueued.WithLabelValues(queue.CrawlQueue).Inc()
		p.reporter.Logf(ctx, userID, res.RequestID, models.LevelInfo, "Discovery of %s queued", site)
		p.logger.Info("crawl submitted",
			zap.String("request_id", res.RequestID),
			zap.String("user_id", userID),
			zap.String("source_url", site),
		)
		return res, nil
	case models.ModeLinks:
		res := SubmitResult{RequestID: p.newID(), Queue: queue.Name(kind, priority)}
		links := normalizeLinks(req.Links)
		if len(links) == 0 {
			p.reporter.Logf(ctx, userID, res.RequestID, models.LevelWarn, "No product links found")
			return res, &ValidationError{Field: "product_links", Reason: "no product links found"}
		}
		res.Count, err = p.enqueueLinks(ctx, models.DiscoveryJob{
			RequestID:  res.RequestID,
			UserID:     userID,
			SourceKind: kind,
			Priority:   priority,
			SourceURL:  req.SourceURL,
		}, links)
		return res, err
	default:
		return SubmitResult{}, &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", mode)}
	}
}

// Crawl runs discovery for a queued site crawl and enqueues the links it finds. Failures are
// reported on the request's log before they are returned.
func (p *Pipeline) Crawl(ctx context.Context, job models.CrawlJob) (int, error) {
	if job.UserID == "" {
		job.UserID = models.LocalUser
	}
	p.reporter.Logf(ctx, job.UserID, job.RequestID, models.LevelInfo, "Discovering product links on %s", job.SourceURL)
	found, err := p.discoverer.Discover(ctx, job.SourceKind, job.SourceURL, job.Cap)
	if err != nil {
		p.reporter.Logf(ctx, job.UserID, job.RequestID, models.LevelError, "Discovery failed: %v", err)
		return 0, fmt.Errorf("discover %s: %w", job.SourceURL, err)
	}
	if cancelled, err := p.queue.IsCancelled(ctx, job.RequestID); err != nil {
		return 0, err
	} else if cancelled {
		p.logger.Info("crawl finished after cancellation; links not queued", zap.String("request_id", job.RequestID))
		return 0, nil
	}
	links := dedupe(found)
	if len(links) == 0 {
		p.reporter.Logf(ctx, job.UserID, job.RequestID, models.LevelWarn, "No product links found on %s", job.SourceURL)
		return 0, nil
	}
	return p.enqueueLinks(ctx, models.DiscoveryJob{
		RequestID:  job.RequestID,
		UserID:     job.UserID,
		SourceKind: job.SourceKind,
		Priority:   job.Priority,
		SourceURL:  job.SourceURL,
	}, links)
}

// enqueueLinks queues one copy of base per link on the product queue of its kind and priority.
func (p *Pipeline) enqueueLinks(ctx context.Context, base models.DiscoveryJob, links []string) (int, error) {
	name := queue.Name(base.SourceKind, base.Priority)
	base.EnqueuedAt = p.now().UTC()
	msgs := make([]queue.Message, 0, len(links))
	for _, link := range links {
		job := base
		job.Link = link
		m, err := queue.JobMessage(job)
		if err != nil {
			return 0, err
		}
		msgs = append(msgs, m)
	}
	if _, err := p.queue.EnqueueBatch(ctx, name, msgs); err != nil {
		p.reporter.Logf(ctx, base.UserID, base.RequestID, models.LevelError, "Queueing %d links failed: %v", len(msgs), err)
		return 0, err
	}
	telemetry.JobsEnqueued.WithLabelValues(name).Add(float64(len(msgs)))
	p.reporter.Logf(ctx, base.UserID, base.RequestID, models.LevelInfo, "Queued %d product links on %s", len(msgs), name)
	p.logger.Info("links queued",
		zap.String("request_id", base.RequestID),
		zap.String("user_id", base.UserID),
		zap.String("queue", name),
		zap.Int("count", len(msgs)),
	)
	return len(msgs), nil
}

// normalizeLinks splits delimited input and keeps the first occurrence of each link.
func normalizeLinks(inputs []string) []string {
	return dedupe(discover.ParseInputLinks(strings.Join(inputs, "\n")))
}

// dedupe keeps the first spelling of every dedup key and drops anything that is not an
// absolute http(s) URL.
func dedupe(raw []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range raw {
		key, ok := discover.NormalizeURL(r)
		if !ok || seen[key] {
			continue
		}
		link, _ := discover.CleanURL(r)
		seen[key] = true
		out = append(out, link)
	}
	return out
}

// Cancel marks the request cancelled and purges its queued links from every queue. Links a
// worker already claimed are dropped when their claim is checked.
func (p *Pipeline) Cancel(ctx context.Context, userID, requestID string) (int, error) {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return 0, &ValidationError{Field: "request_id", Reason: "required"}
	}
	if userID == "" {
		userID = models.LocalUser
	}
	p.reporter.Logf(ctx, userID, requestID, models.LevelWarn, "Cancellation requested")
	if err := p.queue.MarkCancelled(ctx, requestID); err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range p.Queues() {
		n, err := p.queue.PurgeByCorrelationID(ctx, name, requestID)
		removed += n
		if err != nil {
			return removed, err
		}
	}
	telemetry.JobsPurged.Add(float64(removed))
	p.reporter.Logf(ctx, userID, requestID, models.LevelWarn, "Import cancelled; removed %d queued items", removed)
	return removed, nil
}

// Stats reports backlog across all queues and, when requestID is set, that request's progress.
// QueueEmpty is global without a request id and scoped to the request with one.
func (p *Pipeline) Stats(ctx context.Context, userID, requestID string) (Stats, error) {
	report, err := p.monitor.Check(ctx, p.Queues())
	if err != nil {
		return Stats{}, err
	}
	out := Stats{BacklogReport: report, QueueEmpty: report.Empty(), RequestID: requestID}
	if report.Warn {
		p.logger.Warn("queue backlog", zap.Strings("reasons", report.Reasons))
	}
	if requestID == "" {
		return out, nil
	}
	if userID == "" {
		userID = models.LocalUser
	}
	if out.Pending, err = p.queue.PendingFor(ctx, requestID); err != nil {
		return out, err
	}
	out.QueueEmpty = out.Pending == 0
	counts, err := p.reporter.ResultCounts(ctx, userID, requestID)
	if err != nil {
		return out, err
	}
	out.Counts = &counts
	return out, nil
}

// Preview extracts one link and summarizes it. It shares the dedup cache with the worker.
func (p *Pipeline) Preview(ctx context.Context, sourceKind, link string) (Preview, error) {
	kind, err := models.ParseSourceKind(sourceKind)
	if err != nil {
		return Preview{}, &ValidationError{Field: "source_kind", Reason: err.Error()}
	}
	link, ok := discover.CleanURL(link)
	if !ok {
		return Preview{}, &ValidationError{Field: "url", Reason: "must be an absolute http(s) URL"}
	}
	out, err := p.extractor.Extract(ctx, kind, link)
	if err != nil {
		return Preview{}, err
	}
	product := out.Product
	return Preview{
		Product:         product,
		PriceCandidates: append([]string{}, product.PriceCandidates...),
		GalleryCount:    len(product.Images),
		OptionCount:     len(product.Attributes),
		VariationCount:  len(product.Variations),
		Cached:          out.Cached,
		PayloadURL:      out.PayloadURL,
	}, nil
}
