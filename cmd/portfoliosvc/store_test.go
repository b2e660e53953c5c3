package main

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(context.Background(), filepath.Join(t.TempDir(), "portfolio.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreSeedsOnFirstOpen(t *testing.T) {
	store := openTestStore(t)

	all, err := store.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(all) == 0 {
		t.Fatal("store is empty after first open")
	}

	h, err := store.BySymbol(context.Background(), "TSLA")
	if err != nil {
		t.Fatalf("BySymbol: %v", err)
	}
	if h == nil {
		t.Fatal("TSLA missing from seed data")
	}
	if h.Shares != 1000 || h.AverageCost != 220.90 {
		t.Errorf("TSLA = %+v, want 1000 shares at 220.90", h)
	}
}

func TestStoreSeedIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portfolio.db")
	ctx := context.Background()

	s1, err := OpenStore(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	first, err := s1.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := OpenStore(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	second, err := s2.All(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if len(first) != len(second) {
		t.Errorf("holdings changed across reopen: %d vs %d", len(first), len(second))
	}
}

func TestBySymbolNotHeld(t *testing.T) {
	store := openTestStore(t)
	h, err := store.BySymbol(context.Background(), "ZZZZ")
	if err != nil {
		t.Fatalf("BySymbol: %v", err)
	}
	if h != nil {
		t.Errorf("BySymbol(ZZZZ) = %+v, want nil", h)
	}
}

func TestExtractSymbol(t *testing.T) {
	tests := []struct {
		question string
		want     string
	}{
		{"What is our exposure to TSLA?", "TSLA"},
		{"do we own any NVDA stock", "NVDA"},
		{"show me the portfolio", ""},
		{"what is the current price of MSFT", "MSFT"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := extractSymbol(tt.question); got != tt.want {
			t.Errorf("extractSymbol(%q) = %q, want %q", tt.question, got, tt.want)
		}
	}
}
