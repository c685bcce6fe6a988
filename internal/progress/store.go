// Package progress records per-request logs and results and streams them to a reconnecting
// client.
package progress

import (
	"context"
	"sort"
	"sync"
	"time"

	"catalog-migrator/internal/models"
)

// Store persists append-only logs and results. store.Store (Postgres) and MemoryStore
// implement it.
type Store interface {
	AppendLog(ctx context.Context, e models.LogEntry) (models.LogEntry, error)
	LogsAfter(ctx context.Context, userID, requestID string, cursor models.LogCursor, limit int) ([]models.LogEntry, error)
	RecentLogs(ctx context.Context, userID, requestID string, limit int) ([]models.LogEntry, error)
	AppendResult(ctx context.Context, r models.ImportResult) (models.ImportResult, error)
	ListResults(ctx context.Context, userID, requestID string, page, pageSize int) (models.ResultPage, error)
	ResultCounts(ctx context.Context, userID, requestID string) (models.ResultCounts, error)
}

// MemoryStore keeps everything in process. It backs local mode and tests.
type MemoryStore struct {
	mu      sync.Mutex
	logs    []models.LogEntry
	results []models.ImportResult
	nextID  int64
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: func() time.Time { return time.Now().UTC() }}
}

func (m *MemoryStore) AppendLog(_ context.Context, e models.LogEntry) (models.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	m.logs = append(m.logs, e)
	sort.SliceStable(m.logs, func(i, j int) bool {
		return models.CursorOf(m.logs[i]).After(m.logs[j])
	})
	return e, nil
}

func (m *MemoryStore) LogsAfter(_ context.Context, userID, requestID string, cursor models.LogCursor, limit int) ([]models.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LogEntry
	for _, e := range m.logs {
		if e.UserID != userID || e.RequestID != requestID || !cursor.After(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) RecentLogs(_ context.Context, userID, requestID string, limit int) ([]models.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.LogEntry
	for _, e := range m.logs {
		if e.UserID == userID && e.RequestID == requestID {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return append([]models.LogEntry(nil), out...), nil
}

func (m *MemoryStore) AppendResult(_ context.Context, r models.ImportResult) (models.ImportResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.now()
	}
	m.results = append(m.results, r)
	return r, nil
}

func (m *MemoryStore) ListResults(_ context.Context, userID, requestID string, page, pageSize int) (models.ResultPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := models.ResultPage{Page: page, PageSize: pageSize}
	var matched []models.ImportResult
	for i := len(m.results) - 1; i >= 0; i-- {
		r := m.results[i]
		if r.UserID == userID && (requestID == "" || r.RequestID == requestID) {
			matched = append(matched, r)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	out.Total = len(matched)
	start := (page - 1) * pageSize
	if start < len(matched) {
		end := start + pageSize
		if end > len(matched) {
			end = len(matched)
		}
		out.Results = matched[start:end]
	}
	return out, nil
}

func (m *MemoryStore) ResultCounts(_ context.Context, userID, requestID string) (models.ResultCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c models.ResultCounts
	for _, r := range m.results {
		if r.UserID == userID && r.RequestID == requestID {
			c.Add(r.Status)
		}
	}
	return c, nil
}
