package pipeline

import (
	"testing"

	"github.com/ptolemies/ptolemies"
	"github.com/ptolemies/ptolemies/crawl"
)

func TestSummarizeAllSucceed(t *testing.T) {
	results := []RunResult{
		{SourceID: "a", Result: crawl.Result{Counters: crawl.Counters{Fetched: 3}}},
		{SourceID: "b", Result: crawl.Result{Counters: crawl.Counters{Fetched: 5, Skipped: 1}}},
	}
	s := Summarize(results)
	if s.Total != 2 || s.Succeeded != 2 || s.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if s.Counters.Fetched != 8 || s.Counters.Skipped != 1 {
		t.Fatalf("unexpected counters: %+v", s.Counters)
	}
	if s.ExitCode() != 0 {
		t.Fatalf("expected exit code 0, got %d", s.ExitCode())
	}
}

func TestSummarizePartialFailure(t *testing.T) {
	results := []RunResult{
		{SourceID: "a", Result: crawl.Result{}},
		{SourceID: "b", Err: &ptolemies.StoreError{Op: "upsert_document"}},
	}
	s := Summarize(results)
	if s.Succeeded != 1 || s.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if s.ExitCode() != 2 {
		t.Fatalf("expected exit code 2 for partial failure, got %d", s.ExitCode())
	}
}

func TestSummarizeTotalFailure(t *testing.T) {
	results := []RunResult{
		{SourceID: "a", Err: &ptolemies.StoreError{Op: "upsert_document"}},
		{SourceID: "b", Err: &ptolemies.StoreError{Op: "upsert_chunks"}},
	}
	s := Summarize(results)
	if s.ExitCode() != 3 {
		t.Fatalf("expected exit code 3 for total failure, got %d", s.ExitCode())
	}
}

func TestSummarizeEmptyBatch(t *testing.T) {
	s := Summarize(nil)
	if s.ExitCode() != 0 {
		t.Fatalf("expected exit code 0 for an empty batch, got %d", s.ExitCode())
	}
}

func TestAbortOnStoreError(t *testing.T) {
	if AbortOnStoreError(nil) {
		t.Fatal("nil error should not abort")
	}
	if !AbortOnStoreError(&ptolemies.StoreError{Op: "upsert_document"}) {
		t.Fatal("a StoreError should abort")
	}
	if AbortOnStoreError(&ptolemies.FetchError{}) {
		t.Fatal("a FetchError should not trigger whole-crawl abort")
	}
}
