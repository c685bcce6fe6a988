package progress

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"catalog-migrator/internal/config"
	"catalog-migrator/internal/models"
)

// Stream event names.
const (
	EventLogs    = "logs"
	EventHistory = "history"
	EventCounts  = "counts"
	EventError   = "error"
	EventPing    = "ping"
)

// Event is one named message on a progress stream.
type Event struct {
	Name string
	Data any
}

// Sink delivers events to one connected client.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// PingData tells the client whether to reconnect.
type PingData struct {
	Reconnect bool `json:"reconnect"`
}

// ErrorData carries a store failure to the client; the stream keeps going.
type ErrorData struct {
	Message string `json:"message"`
}

// StreamOptions controls poll cadence. Zero values fall back to defaults.
type StreamOptions struct {
	MinInterval   time.Duration
	MaxInterval   time.Duration
	BackoffFactor float64
	MaxLifetime   time.Duration
	HistorySize   int
	LogBatch      int
}

func StreamOptionsFromConfig(cfg config.Config) StreamOptions {
	return StreamOptions{
		MinInterval:   cfg.StreamMinInterval,
		MaxInterval:   cfg.StreamMaxInterval,
		BackoffFactor: cfg.StreamBackoffFactor,
		MaxLifetime:   cfg.StreamMaxLifetime,
		HistorySize:   cfg.StreamHistorySize,
	}
}

// Streamer polls a Reporter and pushes deltas to a Sink. It starts fast, backs off
// geometrically while nothing new is logged and ends the stream after MaxLifetime so the
// client reconnects.
type Streamer struct {
	reporter *Reporter
	opts     StreamOptions
	logger   *zap.Logger
	now      func() time.Time
	wait     func(ctx context.Context, d time.Duration) bool
}

func NewStreamer(reporter *Reporter, opts StreamOptions, logger *zap.Logger) *Streamer {
	if opts.MinInterval <= 0 {
		opts.MinInterval = 500 * time.Millisecond
	}
	if opts.MaxInterval < opts.MinInterval {
		opts.MaxInterval = 10 * opts.MinInterval
	}
	if opts.BackoffFactor < 1 {
		opts.BackoffFactor = 1.5
	}
	if opts.MaxLifetime <= 0 {
		opts.MaxLifetime = 4 * time.Minute
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 20
	}
	if opts.LogBatch <= 0 {
		opts.LogBatch = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streamer{reporter: reporter, opts: opts, logger: logger, now: time.Now, wait: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Run streams one request until the lifetime ends, ctx is cancelled or the sink fails.
// A cancelled ctx means the client went away and is not an error.
func (s *Streamer) Run(ctx context.Context, sink Sink, userID, requestID string) error {
	log := s.logger.With(zap.String("request_id", requestID), zap.String("user_id", userID))
	start := s.now()
	interval := s.opts.MinInterval
	var (
		cursor     models.LogCursor
		lastCounts models.ResultCounts
		first      = true
	)

	for {
		if s.now().Sub(start) >= s.opts.MaxLifetime {
			log.Debug("progress stream reached max lifetime")
			return s.send(ctx, sink, Event{Name: EventPing, Data: PingData{Reconnect: true}})
		}

		fresh := false
		logs, err := s.reporter.LogsAfter(ctx, userID, requestID, cursor, s.opts.LogBatch)
		if err != nil {
			if err := s.storeError(ctx, sink, log, err); err != nil {
				return err
			}
		} else if len(logs) > 0 {
			fresh = true
			cursor = models.CursorOf(logs[len(logs)-1])
			if err := s.send(ctx, sink, Event{Name: EventLogs, Data: logs}); err != nil {
				return err
			}
		}

		counts, err := s.reporter.ResultCounts(ctx, userID, requestID)
		if err != nil {
			if err := s.storeError(ctx, sink, log, err); err != nil {
				return err
			}
		} else if first || fresh || counts != lastCounts {
			history, err := s.reporter.RequestResults(ctx, userID, requestID, 1, s.opts.HistorySize)
			if err != nil {
				if err := s.storeError(ctx, sink, log, err); err != nil {
					return err
				}
			} else if err := s.send(ctx, sink, Event{Name: EventHistory, Data: history}); err != nil {
				return err
			}
			if err := s.send(ctx, sink, Event{Name: EventCounts, Data: counts}); err != nil {
				return err
			}
			lastCounts = counts
		}
		first = false

		if fresh {
			interval = s.opts.MinInterval
		} else if err := s.send(ctx, sink, Event{Name: EventPing, Data: PingData{}}); err != nil {
			return err
		}

		if !s.wait(ctx, interval) {
			return nil
		}
		if !fresh {
			interval = s.backoff(interval)
		}
	}
}

func (s *Streamer) backoff(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * s.opts.BackoffFactor)
	if next > s.opts.MaxInterval {
		next = s.opts.MaxInterval
	}
	return next
}

func (s *Streamer) storeError(ctx context.Context, sink Sink, log *zap.Logger, err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	log.Warn("progress stream poll failed", zap.Error(err))
	return s.send(ctx, sink, Event{Name: EventError, Data: ErrorData{Message: err.Error()}})
}

func (s *Streamer) send(ctx context.Context, sink Sink, ev Event) error {
	if err := ctx.Err(); err != nil {
		return nil
	}
	return sink.Send(ctx, ev)
}
