package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.HistoryConfig{RetentionMode: "ephemeral"}
	hs, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })
	if err := hs.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := hs.Record(ctx, Entry{Outcome: "ok", Text: "hello"}); err != nil {
		t.Fatalf("record on ephemeral store: %v", err)
	}
	entries, err := hs.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected nothing stored, got %d", len(entries))
	}
}

func TestRecordAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "persistent"}
	hs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	ctx := context.Background()
	if err := hs.Record(ctx, Entry{SessionID: "s-1", RequestID: "r-1", Backend: "doubao", Outcome: "ok", Text: "hello", Latency: 120 * time.Millisecond}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := hs.Record(ctx, Entry{SessionID: "s-2", RequestID: "r-2", Backend: "doubao", Outcome: "vendor", Error: "Doubao API Error: 45000001"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	entries, err := hs.ListSession(ctx, "s-1", 10)
	if err != nil {
		t.Fatalf("list session: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Text != "hello" || entries[0].Latency != 120*time.Millisecond {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}

	recent, err := hs.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(recent))
	}
	if recent[0].RequestID != "r-2" {
		t.Fatalf("expected newest first, got %s", recent[0].RequestID)
	}
}

func TestPruneByDaysAndEntries(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "persistent", RetentionDays: 1, MaxEntries: 1}
	hs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })

	ctx := context.Background()
	hs.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := hs.Record(ctx, Entry{SessionID: "old", Outcome: "ok", Text: "old"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	hs.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, text := range []string{"newer", "newest"} {
		if err := hs.Record(ctx, Entry{SessionID: "new", Outcome: "ok", Text: text}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := hs.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := hs.ListSession(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected old entry pruned")
	}
	recent, err := hs.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Text != "newest" {
		t.Fatalf("expected only newest entry kept, got %+v", recent)
	}
}

func TestSessionModeStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	persistent, err := Open(ctx, config.HistoryConfig{Path: path, RetentionMode: "persistent"}, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := persistent.Record(ctx, Entry{Outcome: "ok", Text: "earlier run"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	_ = persistent.Close()

	session, err := Open(ctx, config.HistoryConfig{Path: path, RetentionMode: "session"}, newLogger())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	entries, err := session.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty history in session mode, got %d", len(entries))
	}
}

func TestRecordEnforcesRetentionWhileRunning(t *testing.T) {
	cfg := config.HistoryConfig{
		Path:          filepath.Join(t.TempDir(), "history.db"),
		RetentionMode: "persistent",
		MaxEntries:    3,
	}
	hs, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = hs.Close() })
	hs.pruneEvery = 5

	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		if err := hs.Record(ctx, Entry{Outcome: "ok", Text: "t", CreatedAt: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	entries, err := hs.Recent(ctx, 100)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected max_entries enforced without reopening, got %d", len(entries))
	}
	if !entries[0].CreatedAt.Equal(base.Add(9 * time.Second)) {
		t.Fatalf("expected newest entries kept, got %v", entries[0].CreatedAt)
	}
}
