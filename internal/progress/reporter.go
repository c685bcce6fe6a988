package progress

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"catalog-migrator/internal/models"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	defaultLogLimit = 200
)

// Reporter is the write and read API over a Store. Every appended log line is mirrored to
// the process logger.
type Reporter struct {
	store  Store
	logger *zap.Logger
}

func NewReporter(store Store, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{store: store, logger: logger}
}

// AppendLog records one progress line for a request.
func (r *Reporter) AppendLog(ctx context.Context, userID, requestID, level, message string) error {
	switch level {
	case models.LevelInfo, models.LevelWarn, models.LevelError:
	default:
		level = models.LevelInfo
	}
	fields := []zap.Field{zap.String("request_id", requestID), zap.String("user_id", userID)}
	switch level {
	case models.LevelError:
		r.logger.Error(message, fields...)
	case models.LevelWarn:
		r.logger.Warn(message, fields...)
	default:
		r.logger.Info(message, fields...)
	}
	if _, err := r.store.AppendLog(ctx, models.LogEntry{RequestID: requestID, UserID: userID, Level: level, Message: message}); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

// Logf is AppendLog with formatting; failures are logged, not returned.
func (r *Reporter) Logf(ctx context.Context, userID, requestID, level, format string, args ...any) {
	if err := r.AppendLog(ctx, userID, requestID, level, fmt.Sprintf(format, args...)); err != nil {
		r.logger.Warn("progress log dropped", zap.String("request_id", requestID), zap.Error(err))
	}
}

// ListLogs returns the latest limit lines in creation order.
func (r *Reporter) ListLogs(ctx context.Context, userID, requestID string, limit int) ([]models.LogEntry, error) {
	if limit <= 0 || limit > defaultLogLimit {
		limit = defaultLogLimit
	}
	return r.store.RecentLogs(ctx, userID, requestID, limit)
}

// LogsAfter returns lines strictly after cursor in creation order.
func (r *Reporter) LogsAfter(ctx context.Context, userID, requestID string, cursor models.LogCursor, limit int) ([]models.LogEntry, error) {
	if limit <= 0 || limit > defaultLogLimit {
		limit = defaultLogLimit
	}
	return r.store.LogsAfter(ctx, userID, requestID, cursor, limit)
}

// AppendResult records a per-item outcome.
func (r *Reporter) AppendResult(ctx context.Context, result models.ImportResult) error {
	if _, err := r.store.AppendResult(ctx, result); err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	return nil
}

// ListResults pages a user's results across all requests.
func (r *Reporter) ListResults(ctx context.Context, userID string, page, pageSize int) (models.ResultPage, error) {
	page, pageSize = clampPage(page, pageSize)
	return r.store.ListResults(ctx, userID, "", page, pageSize)
}

// RequestResults pages one request's results.
func (r *Reporter) RequestResults(ctx context.Context, userID, requestID string, page, pageSize int) (models.ResultPage, error) {
	page, pageSize = clampPage(page, pageSize)
	return r.store.ListResults(ctx, userID, requestID, page, pageSize)
}

func (r *Reporter) ResultCounts(ctx context.Context, userID, requestID string) (models.ResultCounts, error) {
	return r.store.ResultCounts(ctx, userID, requestID)
}

func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}
