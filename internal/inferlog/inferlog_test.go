package inferlog

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "inference.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entries := []Entry{
		{RequestID: "r1", SessionID: "s1", Model: "m", Kind: "probe", OutputChars: 10, Chunks: 2, DurationMS: 120},
		{RequestID: "r2", SessionID: "s1", Model: "m", Kind: "final", OutputChars: 900, TokensIn: 300, TokensOut: 225, TokensPerSec: 56.25, Chunks: 40, DurationMS: 4000},
		{RequestID: "r3", SessionID: "s2", Model: "m", Adapter: "tutor", Kind: "summary", ErrorMessage: "context canceled"},
	}
	for _, e := range entries {
		if err := s.Insert(ctx, e); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	got, err := s.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Newest first.
	if got[0].RequestID != "r3" || got[2].RequestID != "r1" {
		t.Errorf("order = %s..%s, want r3..r1", got[0].RequestID, got[2].RequestID)
	}
	if got[0].Adapter != "tutor" || got[0].ErrorMessage != "context canceled" {
		t.Errorf("entry = %+v", got[0])
	}
	if got[1].OutputChars != 900 || got[1].Chunks != 40 {
		t.Errorf("final entry = %+v", got[1])
	}
	if got[1].TokensIn != 300 || got[1].TokensOut != 225 || got[1].TokensPerSec != 56.25 {
		t.Errorf("token stats = %+v", got[1])
	}
}

func TestRecentLimitClamped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Insert(ctx, Entry{RequestID: "r", Model: "m", Kind: "final"}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.Recent(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
	if got, err := s.Recent(ctx, -1); err != nil || len(got) != 5 {
		t.Errorf("default limit: len=%d err=%v", len(got), err)
	}
}
