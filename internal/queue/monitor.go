package queue

import (
	"context"
	"fmt"
	"time"

	"catalog-migrator/internal/telemetry"
)

// Sizer is what Monitor needs from a queue backend.
type Sizer interface {
	QueueSize(ctx context.Context, queue string) (Size, error)
	ArchivedCount(ctx context.Context, queue string) (int64, error)
}

// QueueStats is one queue's line in a backlog report.
type QueueStats struct {
	Queue    string `json:"queue"`
	Ready    int64  `json:"ready"`
	InFlight int64  `json:"in_flight"`
	Total    int64  `json:"total"`
	Archived int64  `json:"archived"`
}

// BacklogReport is the result of one backlog check.
type BacklogReport struct {
	Warn      bool         `json:"warn"`
	Reasons   []string     `json:"reasons"`
	Queues    []QueueStats `json:"queues"`
	CheckedAt time.Time    `json:"checked_at"`
}

// Empty reports whether no queue holds ready or in-flight messages.
func (r BacklogReport) Empty() bool {
	for _, q := range r.Queues {
		if q.Total > 0 {
			return false
		}
	}
	return true
}

// Monitor warns when a queue's ready or total depth crosses a threshold.
type Monitor struct {
	sizer          Sizer
	readyThreshold int64
	totalThreshold int64
}

// NewMonitor uses 1000 for any non-positive threshold.
func NewMonitor(sizer Sizer, readyThreshold, totalThreshold int64) *Monitor {
	if readyThreshold <= 0 {
		readyThreshold = 1000
	}
	if totalThreshold <= 0 {
		totalThreshold = 1000
	}
	return &Monitor{sizer: sizer, readyThreshold: readyThreshold, totalThreshold: totalThreshold}
}

// Check sizes every queue and updates the depth gauges.
func (m *Monitor) Check(ctx context.Context, queues []string) (BacklogReport, error) {
	report := BacklogReport{CheckedAt: time.Now().UTC(), Reasons: []string{}}
	for _, name := range queues {
		size, err := m.sizer.QueueSize(ctx, name)
		if err != nil {
			return report, err
		}
		archived, err := m.sizer.ArchivedCount(ctx, name)
		if err != nil {
			return report, err
		}
		telemetry.QueueDepthGauge.WithLabelValues(name).Set(float64(size.Ready))
		telemetry.InFlightGauge.WithLabelValues(name).Set(float64(size.InFlight))
		report.Queues = append(report.Queues, QueueStats{
			Queue:    name,
			Ready:    size.Ready,
			InFlight: size.InFlight,
			Total:    size.Total,
			Archived: archived,
		})
		if size.Ready > m.readyThreshold {
			report.Reasons = append(report.Reasons, fmt.Sprintf("%s: %d ready messages exceed %d", name, size.Ready, m.readyThreshold))
		}
		if size.Total > m.totalThreshold {
			report.Reasons = append(report.Reasons, fmt.Sprintf("%s: %d total messages exceed %d", name, size.Total, m.totalThreshold))
		}
	}
	report.Warn = len(report.Reasons) > 0
	return report, nil
}
