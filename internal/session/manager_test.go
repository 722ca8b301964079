package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/halgate/halgate/internal/engine"
	"github.com/halgate/halgate/internal/sessionstore"
)

type fakeStore struct {
	sessions  map[string]*sessionstore.Session
	summaries map[string][2]string
	inactive  map[string]bool
	stale     []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:  map[string]*sessionstore.Session{},
		summaries: map[string][2]string{},
		inactive:  map[string]bool{},
	}
}

func (f *fakeStore) CreateSession(_ context.Context, id string) error {
	if _, ok := f.sessions[id]; !ok {
		f.sessions[id] = &sessionstore.Session{ID: id, IsActive: true}
	}
	return nil
}

func (f *fakeStore) AppendHistory(_ context.Context, id, role, content string) error {
	if _, ok := f.sessions[id]; !ok {
		f.sessions[id] = &sessionstore.Session{ID: id, IsActive: true}
	}
	f.sessions[id].History = append(f.sessions[id].History, sessionstore.Turn{Role: role, Content: content})
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, id string) (*sessionstore.Session, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return nil, sessionstore.ErrNotFound
	}
	return sess, nil
}

func (f *fakeStore) UpdateSessionSummary(_ context.Context, id, title, summary string, markInactive bool) error {
	f.summaries[id] = [2]string{title, summary}
	if markInactive {
		f.inactive[id] = true
	}
	return nil
}

func (f *fakeStore) ListActiveSessionsOlderThan(context.Context, time.Time) ([]string, error) {
	return f.stale, nil
}

func (f *fakeStore) FullTranscript(_ context.Context, id string) string {
	sess, ok := f.sessions[id]
	if !ok {
		return "[Error: Session " + id + " not found]"
	}
	return formatTranscript(sess.History)
}

type fakeGen struct {
	response string
	requests []engine.Request
}

func (g *fakeGen) Generate(_ context.Context, req engine.Request) (string, int, time.Duration, error) {
	g.requests = append(g.requests, req)
	return g.response, len(g.response) / 4, time.Millisecond, nil
}

type fakeArchive struct {
	texts   []string
	sources []string
	docIDs  []string
	meta    []map[string]any
}

func (a *fakeArchive) Memorize(_ context.Context, text, source string, metadata map[string]any, docID string) (string, error) {
	a.texts = append(a.texts, text)
	a.sources = append(a.sources, source)
	a.docIDs = append(a.docIDs, docID)
	a.meta = append(a.meta, metadata)
	return docID, nil
}

const testID = "4f9c1f7a-9a21-4a7e-bb53-1c3de8a34c01"

func TestEnsureSessionRejectsInvalidID(t *testing.T) {
	store := newFakeStore()
	m := NewManager(store, &fakeGen{}, nil, 20, nil)

	if _, ok := m.EnsureSession(context.Background(), "not-a-uuid"); ok {
		t.Fatal("invalid id accepted")
	}
	if len(store.sessions) != 0 {
		t.Fatal("session created for invalid id")
	}

	id, ok := m.EnsureSession(context.Background(), testID)
	if !ok || id != testID {
		t.Fatalf("id = %q ok = %v", id, ok)
	}
	if _, exists := store.sessions[testID]; !exists {
		t.Fatal("session not created")
	}
}

func TestSummarizeJSONPath(t *testing.T) {
	store := newFakeStore()
	store.sessions[testID] = &sessionstore.Session{
		ID:       testID,
		IsActive: true,
		History: []sessionstore.Turn{
			{Role: "user", Content: "how do heat pumps work"},
			{Role: "assistant", Content: "they move heat"},
		},
	}
	gen := &fakeGen{response: `Sure! {"title": "Heat Pumps", "summary": "User asked about heat pumps."} hope that helps`}
	arch := &fakeArchive{}
	m := NewManager(store, gen, arch, 20, nil)

	m.Summarize(context.Background(), testID)

	if got := store.summaries[testID]; got[0] != "Heat Pumps" || got[1] != "User asked about heat pumps." {
		t.Errorf("summary = %+v", got)
	}
	if !store.inactive[testID] {
		t.Error("session not marked inactive")
	}

	if len(gen.requests) != 1 {
		t.Fatalf("generations = %d", len(gen.requests))
	}
	req := gen.requests[0]
	if req.Kind != "summary" || req.Priority == nil || *req.Priority != 20 {
		t.Errorf("request = %+v", req)
	}
	if !strings.Contains(req.Prompt, "USER: how do heat pumps work") {
		t.Errorf("prompt missing transcript: %q", req.Prompt)
	}

	if len(arch.docIDs) != 1 || arch.docIDs[0] != testID {
		t.Fatalf("archive doc ids = %v", arch.docIDs)
	}
	if arch.sources[0] != "chat_summary" {
		t.Errorf("source = %q", arch.sources[0])
	}
	if arch.meta[0]["title"] != "Heat Pumps" || arch.meta[0]["session_id"] != testID {
		t.Errorf("metadata = %v", arch.meta[0])
	}
}

func TestSummarizeEmptyHistory(t *testing.T) {
	store := newFakeStore()
	store.sessions[testID] = &sessionstore.Session{ID: testID, IsActive: true}
	gen := &fakeGen{}
	m := NewManager(store, gen, nil, 20, nil)

	m.Summarize(context.Background(), testID)

	if got := store.summaries[testID]; got[0] != "Empty Conversation" || got[1] != "" {
		t.Errorf("summary = %+v", got)
	}
	if len(gen.requests) != 0 {
		t.Error("generation ran for empty history")
	}
}

func TestSummarizeSkipsRetiredSessions(t *testing.T) {
	store := newFakeStore()
	store.sessions[testID] = &sessionstore.Session{
		ID: testID, IsSummarized: true, IsActive: false,
		History: []sessionstore.Turn{{Role: "user", Content: "x"}},
	}
	gen := &fakeGen{response: `{"title":"T","summary":"S"}`}
	m := NewManager(store, gen, nil, 20, nil)

	m.Summarize(context.Background(), testID)
	if len(gen.requests) != 0 {
		t.Error("retired session re-summarized")
	}

	// A summarized session that became active again is re-summarized.
	store.sessions[testID].IsActive = true
	m.Summarize(context.Background(), testID)
	if len(gen.requests) != 1 {
		t.Error("reopened session not re-summarized")
	}
}

func TestParseSummaryResponse(t *testing.T) {
	tests := []struct {
		name        string
		in          string
		wantTitle   string
		wantSummary string
	}{
		{"clean json", `{"title":"T","summary":"S"}`, "T", "S"},
		{"json in prose", `Here you go: {"title":"T","summary":"S"} done`, "T", "S"},
		{"json missing title", `{"summary":"S"}`, "Conversation Summary", "S"},
		{"fallback lines", "First Line Title\nrest one\nrest two", "First Line Title", "rest one rest two"},
		{"fallback single line", "Only a title", "Only a title", ""},
		{"empty", "   ", "Conversation Summary", ""},
		{"broken json falls back", `{"title": oops`, `{"title": oops`, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			title, summary := parseSummaryResponse(tc.in)
			if title != tc.wantTitle || summary != tc.wantSummary {
				t.Errorf("got (%q, %q), want (%q, %q)", title, summary, tc.wantTitle, tc.wantSummary)
			}
		})
	}
}

func TestParseSummaryResponseTruncates(t *testing.T) {
	long := strings.Repeat("t", 120) + "\n" + strings.Repeat("s", 3000)
	title, summary := parseSummaryResponse(long)
	if len(title) != 80 {
		t.Errorf("title len = %d", len(title))
	}
	if len(summary) != 2000 {
		t.Errorf("summary len = %d", len(summary))
	}
}

func TestSweepOnce(t *testing.T) {
	store := newFakeStore()
	id2 := "5abc1f7a-9a21-4a7e-bb53-1c3de8a34c02"
	for _, id := range []string{testID, id2} {
		store.sessions[id] = &sessionstore.Session{
			ID: id, IsActive: true,
			History: []sessionstore.Turn{{Role: "user", Content: "hello"}},
		}
	}
	store.stale = []string{testID, id2}

	gen := &fakeGen{response: `{"title":"T","summary":"S"}`}
	m := NewManager(store, gen, nil, 20, nil)

	if n := m.SweepOnce(context.Background(), 10*time.Minute); n != 2 {
		t.Errorf("swept = %d, want 2", n)
	}
	if len(store.summaries) != 2 {
		t.Errorf("summaries = %d", len(store.summaries))
	}
}

func TestExpandInvalidID(t *testing.T) {
	m := NewManager(newFakeStore(), &fakeGen{}, nil, 20, nil)
	got := m.Expand(context.Background(), "nope")
	if !strings.HasPrefix(got, "[Error:") {
		t.Errorf("got %q", got)
	}
}
