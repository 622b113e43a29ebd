package notify

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// captureSink records everything sent through it.
type captureSink struct {
	mu   sync.Mutex
	sent []Notification
}

func (c *captureSink) Send(_ context.Context, n Notification) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sent = append(c.sent, n)

	return &Receipt{Sent: true, Channels: map[string]bool{"test": true}}, nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.sent)
}

func TestSeverityValidity(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	for _, s := range []Severity{SeverityInfo, SeverityWarning, SeverityError, SeverityCritical} {
		if !s.IsValid() {
			t.Errorf("expected %q to be valid", s)
		}
	}

	for _, s := range []Severity{"", "fatal", "INFO"} {
		if s.IsValid() {
			t.Errorf("expected %q to be invalid", s)
		}
	}
}

func TestSeverityOrdering(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if !SeverityCritical.AtLeast(SeverityWarning) {
		t.Error("critical should rank at least warning")
	}

	if SeverityInfo.AtLeast(SeverityError) {
		t.Error("info should rank below error")
	}

	if !SeverityWarning.AtLeast(SeverityWarning) {
		t.Error("a severity ranks at least itself")
	}

	escalations := map[Severity]Severity{
		SeverityInfo:     SeverityWarning,
		SeverityWarning:  SeverityError,
		SeverityError:    SeverityCritical,
		SeverityCritical: SeverityCritical,
	}
	for from, want := range escalations {
		if got := from.Escalate(); got != want {
			t.Errorf("Escalate(%q) = %q, want %q", from, got, want)
		}
	}
}

func TestSlogNotifierSend(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var buf bytes.Buffer

	sink := NewSlogNotifier(slog.New(slog.NewTextHandler(&buf, nil)))

	receipt, err := sink.Send(context.Background(), Notification{
		Title:    "source stale",
		Message:  "no successful run in 26h",
		Severity: SeverityWarning,
		SourceID: "abc",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if !receipt.Sent || !receipt.Channels["log"] {
		t.Errorf("unexpected receipt: %+v", receipt)
	}

	out := buf.String()
	if !strings.Contains(out, "source stale") || !strings.Contains(out, "level=WARN") {
		t.Errorf("notification not logged as expected: %s", out)
	}

	// A cancelled context is an error, not a silent drop.
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := sink.Send(cancelled, Notification{Title: "x"}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestThrottledGlobalBucket(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	next := &captureSink{}
	throttled := NewThrottled(next, ThrottleConfig{GlobalPerMinute: 1, GlobalBurst: 2}, discardLogger())

	defer throttled.Close()

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		receipt, err := throttled.Send(ctx, Notification{Title: "n"})
		if err != nil || !receipt.Sent {
			t.Fatalf("send %d: receipt=%+v err=%v", i, receipt, err)
		}
	}

	receipt, err := throttled.Send(ctx, Notification{Title: "n"})
	if err != nil {
		t.Fatalf("suppression must not error: %v", err)
	}

	if receipt.Sent {
		t.Error("third send should be suppressed")
	}

	if got := next.count(); got != 2 {
		t.Errorf("next received %d notifications, want 2", got)
	}

	if got := throttled.Suppressed(); got != 1 {
		t.Errorf("Suppressed() = %d, want 1", got)
	}
}

func TestThrottledPerSourceBucket(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	next := &captureSink{}
	throttled := NewThrottled(next, ThrottleConfig{
		GlobalPerMinute: 600,
		SourcePerMinute: 1,
		SourceBurst:     1,
	}, discardLogger())

	defer throttled.Close()

	ctx := context.Background()

	first, err := throttled.Send(ctx, Notification{Title: "n", SourceID: "a"})
	if err != nil || !first.Sent {
		t.Fatalf("first send for source a: %+v %v", first, err)
	}

	second, err := throttled.Send(ctx, Notification{Title: "n", SourceID: "a"})
	if err != nil || second.Sent {
		t.Fatalf("second send for source a should be suppressed: %+v %v", second, err)
	}

	// An independent source has its own bucket.
	other, err := throttled.Send(ctx, Notification{Title: "n", SourceID: "b"})
	if err != nil || !other.Sent {
		t.Fatalf("send for source b: %+v %v", other, err)
	}

	if got := next.count(); got != 2 {
		t.Errorf("next received %d notifications, want 2", got)
	}
}

func TestThrottledSkipThrottle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	next := &captureSink{}
	throttled := NewThrottled(next, ThrottleConfig{GlobalPerMinute: 1, GlobalBurst: 1}, discardLogger())

	defer throttled.Close()

	ctx := context.Background()

	if _, err := throttled.Send(ctx, Notification{Title: "fills the bucket"}); err != nil {
		t.Fatal(err)
	}

	blocked, _ := throttled.Send(ctx, Notification{Title: "n"})
	if blocked.Sent {
		t.Fatal("bucket should be exhausted")
	}

	// Breach alerts ride over an exhausted bucket.
	urgent, err := throttled.Send(ctx, Notification{Title: "breach", Severity: SeverityCritical, SkipThrottle: true})
	if err != nil || !urgent.Sent {
		t.Errorf("skip-throttle notification dropped: %+v %v", urgent, err)
	}
}

func TestThrottledCloseIdempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	throttled := NewThrottled(&captureSink{}, DefaultThrottleConfig(), discardLogger())

	throttled.Close()
	throttled.Close()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
