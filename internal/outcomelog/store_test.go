package outcomelog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/closeup/capgate"
	"github.com/closeup/capgate/providers"
)

func seed(t *testing.T, w Writer) time.Time {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	entries := []Entry{
		{RequestID: "r1", Source: capgate.SourceSync, Label: "APPROVED", Valid: true, Mode: "primary", Attempts: 1, LatencyMS: 120, CreatedAt: now.Add(-3 * time.Hour)},
		{RequestID: "r2", Source: capgate.SourceQueue, Label: "REJECT_NSFW", Mode: "fallback", Attempts: 3, LatencyMS: 900, CreatedAt: now.Add(-2 * time.Hour)},
		{RequestID: "r3", Source: capgate.SourceSync, Attempts: 4, Error: "upstream unavailable", LatencyMS: 3000, CreatedAt: now.Add(-time.Hour)},
		{RequestID: "r4", Source: capgate.SourceSync, Label: "APPROVED", Valid: true, Credential: 1, Mode: "primary", Attempts: 1, CreatedAt: now},
	}
	for _, e := range entries {
		if err := w.Write(context.Background(), e); err != nil {
			t.Fatalf("write outcome: %v", err)
		}
	}
	return now
}

func exercise(t *testing.T, w Writer) {
	ctx := context.Background()
	now := seed(t, w)

	all, err := w.List(ctx, Query{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if all.Total != 4 || len(all.Data) != 4 {
		t.Fatalf("expected 4 outcomes, total=%d len=%d", all.Total, len(all.Data))
	}
	if all.Data[0].RequestID != "r4" {
		t.Fatalf("expected newest first, got %s", all.Data[0].RequestID)
	}
	if !all.Data[0].Valid || all.Data[0].Credential != 1 {
		t.Fatalf("unexpected row %+v", all.Data[0])
	}

	queued, err := w.List(ctx, Query{Source: capgate.SourceQueue})
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if queued.Total != 1 || queued.Data[0].Label != "REJECT_NSFW" {
		t.Fatalf("unexpected queued result %+v", queued)
	}

	failed, err := w.List(ctx, Query{Failed: true})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if failed.Total != 1 || failed.Data[0].Error != "upstream unavailable" {
		t.Fatalf("unexpected failed result %+v", failed)
	}

	page, err := w.List(ctx, Query{Label: "APPROVED", Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if page.Total != 2 || len(page.Data) != 1 || page.Data[0].RequestID != "r1" {
		t.Fatalf("unexpected page %+v", page)
	}

	st, err := w.Stats(ctx, time.Time{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 4 || st.Failed != 1 || st.ByLabel["APPROVED"] != 2 || st.ByLabel["REJECT_NSFW"] != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}

	recent, err := w.Stats(ctx, now.Add(-90*time.Minute))
	if err != nil {
		t.Fatalf("recent stats: %v", err)
	}
	if recent.Total != 2 {
		t.Fatalf("recent total = %d, want 2", recent.Total)
	}
}

func TestSQLiteWriter(t *testing.T) {
	w, err := NewSQLiteWriter(filepath.Join(t.TempDir(), "outcomes.db"))
	if err != nil {
		t.Fatalf("new sqlite writer: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	exercise(t, w)

	n, err := w.DeleteBefore(context.Background(), time.Now().Add(-150*time.Minute))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
}

func TestPostgresWriter(t *testing.T) {
	dsn := os.Getenv("CAPGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CAPGATE_TEST_POSTGRES_DSN not set")
	}
	w, err := NewPostgresWriter(dsn)
	if err != nil {
		t.Fatalf("new postgres writer: %v", err)
	}
	t.Cleanup(func() {
		_, _ = w.db.Exec("DROP TABLE outcomes")
		_ = w.Close()
	})
	if _, err := w.db.Exec("DELETE FROM outcomes"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	exercise(t, w)
}

func TestOpen(t *testing.T) {
	w, err := Open("", "")
	if err != nil {
		t.Fatalf("open noop: %v", err)
	}
	if _, err := w.List(context.Background(), Query{}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("noop list err = %v, want ErrDisabled", err)
	}
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFromEvent(t *testing.T) {
	ok := FromEvent(capgate.Event{
		Source:    capgate.SourceQueue,
		RequestID: "q1",
		Result: &capgate.Result{
			Classification: providers.NewClassification(providers.LabelRejectInvalid),
			Credential:     2,
			Mode:           "fallback",
			Attempts:       3,
		},
		Latency: 1500 * time.Millisecond,
	})
	if ok.Label != "REJECT_INVALID" || ok.Valid || ok.Credential != 2 || ok.Attempts != 3 || ok.LatencyMS != 1500 {
		t.Fatalf("unexpected entry %+v", ok)
	}

	failed := FromEvent(capgate.Event{
		Source: capgate.SourceSync,
		Err:    &capgate.SweepError{Called: 4, Err: errors.New("boom")},
	})
	if failed.Attempts != 4 || failed.Error == "" || failed.Label != "" {
		t.Fatalf("unexpected entry %+v", failed)
	}
}

func TestHookWritesEntry(t *testing.T) {
	w, err := NewSQLiteWriter(filepath.Join(t.TempDir(), "hook.db"))
	if err != nil {
		t.Fatalf("new sqlite writer: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	Hook(w)(context.Background(), capgate.Event{Source: capgate.SourceSync, RequestID: "h1", FinishedAt: time.Now().UTC()})
	res, err := w.List(context.Background(), Query{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if res.Total != 1 || res.Data[0].RequestID != "h1" {
		t.Fatalf("unexpected result %+v", res)
	}
}
