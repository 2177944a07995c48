package memory

import (
	"strings"
	"testing"
)

func TestNextSummarySummaryEntryReplacesAndTruncates(t *testing.T) {
	entry := NewEntry("c1", "u1", TypeSummary, 3, strings.Repeat("a", 1200))
	got, changed := NextSummary("previous summary", entry)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if len(got) != SummaryCap {
		t.Fatalf("len(summary) = %d, want %d", len(got), SummaryCap)
	}
	if strings.Contains(got, "previous") {
		t.Fatalf("summary kept previous content")
	}
}

func TestNextSummaryImportantEntryAppends(t *testing.T) {
	entry := NewEntry("c1", "u1", TypeFact, 7, "uses vim")
	got, changed := NextSummary("likes go", entry)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if want := "likes go\n\nImportant: uses vim"; got != want {
		t.Fatalf("summary = %q, want %q", got, want)
	}
}

func TestNextSummaryLowImportanceUnchanged(t *testing.T) {
	entry := NewEntry("c1", "u1", TypeContext, 6, "Assistant response: ok")
	got, changed := NextSummary("likes go", entry)
	if changed || got != "likes go" {
		t.Fatalf("NextSummary = (%q, %v), want (%q, false)", got, changed, "likes go")
	}
}

func TestNextSummaryAppendKeepsPrefix(t *testing.T) {
	existing := strings.Repeat("p", 990)
	entry := NewEntry("c1", "u1", TypeUserPreference, 8, "tail that overflows the cap")
	got, _ := NextSummary(existing, entry)
	if len(got) != SummaryCap {
		t.Fatalf("len(summary) = %d, want %d", len(got), SummaryCap)
	}
	if !strings.HasPrefix(got, existing) {
		t.Fatalf("summary lost its prefix")
	}
}

func TestTruncateRunesCountsCharacters(t *testing.T) {
	in := strings.Repeat("é", 5)
	if got := TruncateRunes(in, 3); got != "ééé" {
		t.Fatalf("TruncateRunes = %q, want %q", got, "ééé")
	}
	if got := TruncateRunes("abc", 10); got != "abc" {
		t.Fatalf("TruncateRunes = %q, want abc", got)
	}
	if got := TruncateRunes("abc", 0); got != "" {
		t.Fatalf("TruncateRunes = %q, want empty", got)
	}
}

func TestEntryValidate(t *testing.T) {
	ok := NewEntry("c1", "u1", TypeFact, 5, "x")
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	bad := []Entry{
		NewEntry("", "u1", TypeFact, 5, "x"),
		NewEntry("c1", "u1", EntryType("opinion"), 5, "x"),
		NewEntry("c1", "u1", TypeFact, 0, "x"),
		NewEntry("c1", "u1", TypeFact, 11, "x"),
	}
	for i, e := range bad {
		if err := e.Validate(); err == nil {
			t.Fatalf("case %d: Validate() error = nil, want error", i)
		}
	}
}

func TestNewEntryIDFormat(t *testing.T) {
	e := NewEntry("c1", "u1", TypeFact, 5, "x")
	if !strings.HasPrefix(e.ID, "mem_") {
		t.Fatalf("id = %q, want mem_ prefix", e.ID)
	}
	if parts := strings.Split(e.ID, "_"); len(parts) != 3 || len(parts[2]) != 8 {
		t.Fatalf("id = %q, want mem_<millis>_<8 hex>", e.ID)
	}
}
