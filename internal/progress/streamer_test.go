package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"catalog-migrator/internal/models"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	fail   error
}

func (s *recordingSink) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) named(name string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// fakeTimer advances a virtual clock on every wait and runs an optional hook per wait.
type fakeTimer struct {
	now   time.Time
	waits []time.Duration
	hook  func(n int)
}

func (f *fakeTimer) install(s *Streamer) {
	s.now = func() time.Time { return f.now }
	s.wait = func(ctx context.Context, d time.Duration) bool {
		if ctx.Err() != nil {
			return false
		}
		f.waits = append(f.waits, d)
		f.now = f.now.Add(d)
		if f.hook != nil {
			f.hook(len(f.waits))
		}
		return true
	}
}

func newTestStreamer(rep *Reporter) (*Streamer, *fakeTimer) {
	s := NewStreamer(rep, StreamOptions{
		MinInterval:   100 * time.Millisecond,
		MaxInterval:   400 * time.Millisecond,
		BackoffFactor: 2,
		MaxLifetime:   2 * time.Second,
	}, nil)
	ft := &fakeTimer{now: time.Unix(1_700_000_000, 0)}
	ft.install(s)
	return s, ft
}

func TestStreamerBacksOffAndEndsWithReconnect(t *testing.T) {
	rep := NewReporter(NewMemoryStore(), nil)
	s, ft := newTestStreamer(rep)
	sink := &recordingSink{}

	if err := s.Run(context.Background(), sink, "u1", "req-1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 400 * time.Millisecond}
	for i, d := range want {
		if ft.waits[i] != d {
			t.Fatalf("wait %d = %v, want %v (all %v)", i, ft.waits[i], d, ft.waits)
		}
	}
	last := sink.events[len(sink.events)-1]
	if last.Name != EventPing || !last.Data.(PingData).Reconnect {
		t.Fatalf("stream should end with a reconnect ping, got %+v", last)
	}
	if len(sink.named(EventCounts)) != 1 || len(sink.named(EventHistory)) != 1 {
		t.Fatalf("idle stream should send history and counts once, got %d/%d", len(sink.named(EventHistory)), len(sink.named(EventCounts)))
	}
}

func TestStreamerSendsOnlyDeltasAndResetsInterval(t *testing.T) {
	ctx := context.Background()
	rep := NewReporter(NewMemoryStore(), nil)
	if err := rep.AppendLog(ctx, "u1", "req-1", models.LevelInfo, "queued 2 links"); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = rep.AppendLog(ctx, "u2", "req-1", models.LevelInfo, "other user")

	s, ft := newTestStreamer(rep)
	ft.hook = func(n int) {
		if n == 2 {
			_ = rep.AppendLog(ctx, "u1", "req-1", models.LevelInfo, "imported Blue Mug")
			_ = rep.AppendResult(ctx, models.ImportResult{RequestID: "req-1", UserID: "u1", Status: models.StatusSuccess, ItemKey: "MUG-1"})
		}
	}
	sink := &recordingSink{}
	if err := s.Run(ctx, sink, "u1", "req-1"); err != nil {
		t.Fatalf("run: %v", err)
	}

	logEvents := sink.named(EventLogs)
	if len(logEvents) != 2 {
		t.Fatalf("expected 2 log deltas, got %d", len(logEvents))
	}
	firstBatch := logEvents[0].Data.([]models.LogEntry)
	secondBatch := logEvents[1].Data.([]models.LogEntry)
	if len(firstBatch) != 1 || firstBatch[0].Message != "queued 2 links" {
		t.Fatalf("unexpected first delta %+v", firstBatch)
	}
	if len(secondBatch) != 1 || secondBatch[0].Message != "imported Blue Mug" {
		t.Fatalf("second delta should hold only the new line, got %+v", secondBatch)
	}
	// wait 2 was about to back off; the new log resets it.
	if ft.waits[2] != 100*time.Millisecond || ft.waits[4] != 200*time.Millisecond {
		t.Fatalf("unexpected waits %v", ft.waits)
	}
	counts := sink.named(EventCounts)
	got := counts[len(counts)-1].Data.(models.ResultCounts)
	if got.Success != 1 || got.Processed != 1 {
		t.Fatalf("unexpected counts %+v", got)
	}
}

type failingStore struct {
	*MemoryStore
}

func (failingStore) LogsAfter(context.Context, string, string, models.LogCursor, int) ([]models.LogEntry, error) {
	return nil, errors.New("db down")
}

func TestStreamerReportsStoreErrors(t *testing.T) {
	rep := NewReporter(failingStore{NewMemoryStore()}, nil)
	s, _ := newTestStreamer(rep)
	sink := &recordingSink{}
	if err := s.Run(context.Background(), sink, "u1", "req-1"); err != nil {
		t.Fatalf("store failures should not end the stream: %v", err)
	}
	errs := sink.named(EventError)
	if len(errs) == 0 || errs[0].Data.(ErrorData).Message == "" {
		t.Fatalf("expected error events, got %+v", sink.events)
	}
}

func TestStreamerStopsOnSinkFailureAndCancel(t *testing.T) {
	rep := NewReporter(NewMemoryStore(), nil)
	s, _ := newTestStreamer(rep)
	boom := errors.New("client gone")
	if err := s.Run(context.Background(), &recordingSink{fail: boom}, "u1", "req-1"); !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Run(ctx, &recordingSink{}, "u1", "req-1"); err != nil {
		t.Fatalf("cancelled stream should end quietly: %v", err)
	}
}
