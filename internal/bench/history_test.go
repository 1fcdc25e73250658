package bench

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := OpenHistory(filepath.Join(t.TempDir(), "bench", "history.db"))
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistoryAppendAndLatest(t *testing.T) {
	h := openTestHistory(t)

	latest, err := h.Latest()
	if err != nil {
		t.Fatalf("Latest on empty log: %v", err)
	}
	if latest != nil {
		t.Fatalf("empty log returned %+v", latest)
	}

	first := &Result{
		Aggregate:  0.5,
		Categories: []CategoryScore{{Name: "build", Score: 0.5, Passed: 1, Total: 2}},
		Tasks:      []TaskScore{{ID: "a", Category: "build", Pass: true, Weight: 1}},
	}
	if err := h.Append(first); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first.ID == "" || first.RunAt.IsZero() {
		t.Fatalf("Append did not stamp id and time: %+v", first)
	}

	second := &Result{
		RunAt:      first.RunAt.Add(time.Second),
		SourceTask: "task-9",
		Aggregate:  0.75,
		Categories: []CategoryScore{{Name: "build", Score: 0.75, Passed: 3, Total: 4}},
		Tasks:      []TaskScore{{ID: "a", Category: "build", Pass: false, Weight: 1, ExitCode: 2, Detail: "boom"}},
	}
	if err := h.Append(second); err != nil {
		t.Fatalf("Append: %v", err)
	}

	latest, err = h.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.Aggregate != 0.75 || latest.SourceTask != "task-9" {
		t.Fatalf("latest = %+v, want the second result", latest)
	}
	if diff := cmp.Diff(second.Categories, latest.Categories); diff != "" {
		t.Fatalf("category scores changed in storage (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(second.Tasks, latest.Tasks); diff != "" {
		t.Fatalf("task scores changed in storage (-want +got):\n%s", diff)
	}

	n, err := h.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}
}

func TestHistoryRecentNewestFirst(t *testing.T) {
	h := openTestHistory(t)

	base := time.Now()
	for i, agg := range []float64{0.2, 0.4, 0.6} {
		r := &Result{
			RunAt:      base.Add(time.Duration(i) * time.Minute),
			Aggregate:  agg,
			Categories: []CategoryScore{{Name: "c", Score: agg}},
			Tasks:      []TaskScore{{ID: "t", Category: "c"}},
		}
		if err := h.Append(r); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recent, err := h.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("got %d results, want 2", len(recent))
	}
	if recent[0].Aggregate != 0.6 || recent[1].Aggregate != 0.4 {
		t.Fatalf("order wrong: %v then %v", recent[0].Aggregate, recent[1].Aggregate)
	}
}
