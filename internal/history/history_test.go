package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(context.Background(), filepath.Join(t.TempDir(), "sub", "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestRecordAndRecent(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 7, 9, 0, 0, 0, time.UTC)
	code := 1

	entries := []Entry{
		{RunID: "r1", Workflow: "complete-registration", Status: "succeeded", Email: "a@x.com", StartedAt: base, FinishedAt: base.Add(time.Minute), Duration: 60},
		{RunID: "r2", Workflow: "complete-registration", Status: "failed", Kind: "runtime", ExitCode: &code, Error: "boom", StartedAt: base, FinishedAt: base.Add(2 * time.Minute), Duration: 120},
		{RunID: "r3", Workflow: "reset-machine-id", Status: "succeeded", StartedAt: base, FinishedAt: base.Add(3 * time.Minute), Duration: 180},
	}
	for _, e := range entries {
		if err := a.Record(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	all, err := a.Recent(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].RunID != "r3" || all[2].RunID != "r1" {
		t.Fatalf("order = %v", all)
	}

	failed, err := a.Recent(ctx, "failed", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ExitCode == nil || *failed[0].ExitCode != 1 || failed[0].Kind != "runtime" {
		t.Errorf("failed = %+v", failed)
	}
	if !failed[0].FinishedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("finished_at = %s", failed[0].FinishedAt)
	}
	if all[2].ExitCode != nil {
		t.Errorf("missing exit code should stay nil, got %d", *all[2].ExitCode)
	}
}

func TestRecord_Replaces(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()
	now := time.Now()

	_ = a.Record(ctx, Entry{RunID: "r1", Workflow: "w", Status: "running", StartedAt: now, FinishedAt: now})
	_ = a.Record(ctx, Entry{RunID: "r1", Workflow: "w", Status: "succeeded", StartedAt: now, FinishedAt: now})

	got, err := a.Recent(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Status != "succeeded" {
		t.Errorf("entries = %+v", got)
	}
}
