package models

import (
	"fmt"
	"strings"
	"time"
)

// SourceKind identifies which platform a product link belongs to.
type SourceKind string

const (
	SourceSelfHosted SourceKind = "selfhosted"
	SourceBuilder    SourceKind = "builder"
	SourcePlatform   SourceKind = "platform"
)

// ParseSourceKind accepts the canonical names plus the long forms used by the UI.
func ParseSourceKind(s string) (SourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "selfhosted", "self-hosted", "self_hosted":
		return SourceSelfHosted, nil
	case "builder", "builder-hosted", "builder_hosted":
		return SourceBuilder, nil
	case "platform", "platform-hosted", "platform_hosted":
		return SourcePlatform, nil
	}
	return "", fmt.Errorf("unknown source kind %q", s)
}

// Priority partitions queues so single-product imports are not starved by site crawls.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority defaults anything unrecognised to normal.
func ParsePriority(s string) Priority {
	if strings.EqualFold(strings.TrimSpace(s), string(PriorityHigh)) {
		return PriorityHigh
	}
	return PriorityNormal
}

// LocalUser is the owner recorded for unauthenticated or local-mode imports.
const LocalUser = "local"

// DiscoveryJob is one product link waiting in the queue.
type DiscoveryJob struct {
	RequestID  string     `json:"request_id"`
	UserID     string     `json:"user_id"`
	SourceKind SourceKind `json:"source_kind"`
	Priority   Priority   `json:"priority"`
	Link       string     `json:"link"`
	SourceURL  string     `json:"source_url"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// CrawlJob is a queued site crawl. The worker runs discovery and enqueues one DiscoveryJob
// per product link it finds.
type CrawlJob struct {
	RequestID  string     `json:"request_id"`
	UserID     string     `json:"user_id"`
	SourceKind SourceKind `json:"source_kind"`
	Priority   Priority   `json:"priority"`
	SourceURL  string     `json:"source_url"`
	Cap        int        `json:"cap"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// ImportMode selects between crawling a whole site and importing given links.
type ImportMode string

const (
	ModeAll   ImportMode = "all"
	ModeLinks ImportMode = "links"
)
