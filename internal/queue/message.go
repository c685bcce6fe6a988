package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"catalog-migrator/internal/models"
)

// Message is one queued body plus the correlation id it is purged and counted by.
type Message struct {
	ID            string
	Queue         string
	CorrelationID string
	Body          []byte
	ReadCount     int
	EnqueuedAt    time.Time
}

// Size is a queue depth snapshot.
type Size struct {
	Ready    int64 `json:"ready"`
	InFlight int64 `json:"in_flight"`
	Total    int64 `json:"total"`
}

// JobMessage wraps a discovery job with the request id as correlation id.
func JobMessage(job models.DiscoveryJob) (Message, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return Message{}, fmt.Errorf("encode job: %w", err)
	}
	return Message{CorrelationID: job.RequestID, Body: body}, nil
}

// CrawlQueue holds site crawls waiting for discovery.
const CrawlQueue = "discovery"

// CrawlMessage wraps a crawl job with the request id as correlation id, so the crawl counts
// as pending for its request until the links it finds are queued.
func CrawlMessage(job models.CrawlJob) (Message, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return Message{}, fmt.Errorf("encode crawl: %w", err)
	}
	return Message{CorrelationID: job.RequestID, Body: body}, nil
}

// Crawl decodes the body of a CrawlQueue message.
func (m Message) Crawl() (models.CrawlJob, error) {
	var job models.CrawlJob
	if err := json.Unmarshal(m.Body, &job); err != nil {
		return job, fmt.Errorf("decode crawl %s: %w", m.ID, err)
	}
	if job.RequestID == "" || job.SourceURL == "" {
		return job, fmt.Errorf("decode crawl %s: missing request id or source url", m.ID)
	}
	return job, nil
}

// Job decodes the message body.
func (m Message) Job() (models.DiscoveryJob, error) {
	var job models.DiscoveryJob
	if err := json.Unmarshal(m.Body, &job); err != nil {
		return job, fmt.Errorf("decode job %s: %w", m.ID, err)
	}
	return job, nil
}

// Name maps a source kind and priority onto its queue: "{source}" or "{source}_high".
func Name(kind models.SourceKind, priority models.Priority) string {
	if priority == models.PriorityHigh {
		return string(kind) + "_high"
	}
	return string(kind)
}

// ReadOrder lists the queues for the given sources, high priority first for each source.
func ReadOrder(sources []models.SourceKind) []string {
	out := make([]string, 0, len(sources)*2)
	for _, s := range sources {
		out = append(out, Name(s, models.PriorityHigh), Name(s, models.PriorityNormal))
	}
	return out
}
