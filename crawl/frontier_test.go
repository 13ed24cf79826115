package crawl

import "testing"

func TestCanonicalizeStripsFragmentAndTrailingSlash(t *testing.T) {
	got, err := Canonicalize("HTTPS://Example.com/docs/#section")
	if err != nil {
		t.Fatal(err)
	}
	want := "https://example.com/docs"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCanonicalizeSortsQueryKeys(t *testing.T) {
	a, err := Canonicalize("https://example.com/p?b=2&a=1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Canonicalize("https://example.com/p?a=1&b=2")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("expected query-key order to be normalized: %q != %q", a, b)
	}
}

func TestRegistrableDomain(t *testing.T) {
	got, err := RegistrableDomain("https://docs.example.co.uk/path")
	if err != nil {
		t.Fatal(err)
	}
	if got != "example.co.uk" {
		t.Fatalf("got %q, want %q", got, "example.co.uk")
	}
}

func TestFrontierOffersOnlySameDomain(t *testing.T) {
	fr, err := NewFrontier("https://example.com/", 3, -1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := fr.Offer("https://example.com/a", 0); err != nil {
		t.Fatal(err)
	}
	if err := fr.Offer("https://other.com/b", 0); err != nil {
		t.Fatal(err)
	}
	entries, _ := fr.Snapshot()
	for _, e := range entries {
		if e.URL == "https://other.com/b" {
			t.Fatalf("off-domain outlink should have been dropped, got %v", entries)
		}
	}
}

func TestFrontierRespectsAllowlist(t *testing.T) {
	fr, err := NewFrontier("https://example.com/", 3, -1, []string{"other.com"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := fr.Offer("https://other.com/b", 0); err != nil {
		t.Fatal(err)
	}
	found := false
	entries, _ := fr.Snapshot()
	for _, e := range entries {
		if e.URL == "https://other.com/b" {
			found = true
		}
	}
	if !found {
		t.Fatal("allowlisted off-domain outlink should have been offered")
	}
}

func TestFrontierRespectsMaxDepth(t *testing.T) {
	fr, err := NewFrontier("https://example.com/", 1, -1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	// depth 0 -> offering at depth 0 means entry depth+1 = 1, within max_depth=1.
	if err := fr.Offer("https://example.com/a", 0); err != nil {
		t.Fatal(err)
	}
	// offering from an already-depth-1 page would be depth 2, over budget.
	if err := fr.Offer("https://example.com/b", 1); err != nil {
		t.Fatal(err)
	}
	entries, _ := fr.Snapshot()
	for _, e := range entries {
		if e.URL == "https://example.com/b" {
			t.Fatalf("outlink beyond max_depth should have been dropped, got %v", entries)
		}
	}
}

func TestFrontierMaxPagesCapsNext(t *testing.T) {
	fr, err := NewFrontier("https://example.com/", 3, 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := fr.Next()
	if !ok {
		t.Fatal("expected the seed URL to be available")
	}
	fr.MarkVisited(entry.URL)
	if err := fr.Offer("https://example.com/a", 0); err != nil {
		t.Fatal(err)
	}
	if _, ok := fr.Next(); ok {
		t.Fatal("expected max_pages=1 to block further entries after the seed")
	}
}

func TestFrontierMaxPagesZeroIsNoOp(t *testing.T) {
	fr, err := NewFrontier("https://example.com/", 3, 0, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := fr.Next(); ok {
		t.Fatal("max_pages=0 should yield no entries at all")
	}
}
