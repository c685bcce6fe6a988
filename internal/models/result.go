package models

import "time"

// ResultStatus enumerates per-item import outcomes.
const (
	StatusSuccess = "success"
	StatusUpdate  = "update"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Log levels recorded for the live tail.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// ImportResult is an append-only per-item outcome.
type ImportResult struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	ItemKey   string    `json:"item_key"`
	Name      string    `json:"name"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// LogEntry is an append-only progress line.
type LogEntry struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// ResultCounts aggregates results for one request.
type ResultCounts struct {
	Success   int `json:"success_count"`
	Error     int `json:"error_count"`
	Partial   int `json:"partial_count"`
	Update    int `json:"update_count"`
	Processed int `json:"processed"`
}

// Add folds one status into the counts.
func (c *ResultCounts) Add(status string) { c.AddN(status, 1) }

// AddN folds n results of one status into the counts. Unknown statuses are ignored.
func (c *ResultCounts) AddN(status string, n int) {
	switch status {
	case StatusSuccess:
		c.Success += n
	case StatusError:
		c.Error += n
	case StatusPartial:
		c.Partial += n
	case StatusUpdate:
		c.Update += n
	default:
		return
	}
	c.Processed += n
}

// LogCursor orders log entries by (CreatedAt, ID); a zero cursor precedes every entry.
type LogCursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        int64     `json:"id"`
}

// After reports whether e sorts strictly after the cursor.
func (c LogCursor) After(e LogEntry) bool {
	if e.CreatedAt.Equal(c.CreatedAt) {
		return e.ID > c.ID
	}
	return e.CreatedAt.After(c.CreatedAt)
}

// CursorOf returns the cursor positioned at e.
func CursorOf(e LogEntry) LogCursor {
	return LogCursor{CreatedAt: e.CreatedAt, ID: e.ID}
}

// ResultPage is one page of results, newest first.
type ResultPage struct {
	Results  []ImportResult `json:"results"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	Total    int            `json:"total"`
}
