// Package session manages chat session lifecycle: creation, history, the
// expand tool, and the sweep→summarize→archive path that turns idle
// conversations into long-term memory.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/halgate/halgate/internal/engine"
	"github.com/halgate/halgate/internal/otel"
	"github.com/halgate/halgate/internal/prompts"
	"github.com/halgate/halgate/internal/sessionstore"
)

const (
	fallbackTitle   = "Conversation Summary"
	emptyTitle      = "Empty Conversation"
	maxTitleChars   = 80
	maxSummaryChars = 2000
	summaryTokens   = 256
)

// Store is the persistence surface the manager needs.
type Store interface {
	CreateSession(ctx context.Context, sessionID string) error
	AppendHistory(ctx context.Context, sessionID, role, content string) error
	GetSession(ctx context.Context, sessionID string) (*sessionstore.Session, error)
	UpdateSessionSummary(ctx context.Context, sessionID, title, summary string, markInactive bool) error
	ListActiveSessionsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
	FullTranscript(ctx context.Context, sessionID string) string
}

// Generator produces one complete generation (the engine facade).
type Generator interface {
	Generate(ctx context.Context, req engine.Request) (string, int, time.Duration, error)
}

// Archiver stores summaries into long-term memory.
type Archiver interface {
	Memorize(ctx context.Context, text, source string, metadata map[string]any, docID string) (string, error)
}

// Manager ties session persistence to the summarizer and memory archive.
type Manager struct {
	store   Store
	gen     Generator
	mem     Archiver      // optional
	metrics *otel.Metrics // optional
	logger  *slog.Logger

	backgroundPriority int
	now                func() time.Time
}

func NewManager(store Store, gen Generator, mem Archiver, backgroundPriority int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:              store,
		gen:                gen,
		mem:                mem,
		logger:             logger,
		backgroundPriority: backgroundPriority,
		now:                time.Now,
	}
}

// WithMetrics attaches otel instruments.
func (m *Manager) WithMetrics(mx *otel.Metrics) *Manager { m.metrics = mx; return m }

// ParseSessionID validates a session id string. Invalid ids are logged and
// reported absent, never fatal: a chat without a session is still a chat.
func (m *Manager) ParseSessionID(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		m.logger.Warn("invalid session_id", "session_id", raw)
		return "", false
	}
	return id.String(), true
}

// EnsureSession validates and creates-if-missing the session.
func (m *Manager) EnsureSession(ctx context.Context, raw string) (string, bool) {
	id, ok := m.ParseSessionID(raw)
	if !ok {
		return "", false
	}
	if err := m.store.CreateSession(ctx, id); err != nil {
		m.logger.Error("create session failed", "session_id", id, "error", err)
		return "", false
	}
	return id, true
}

// AppendMessage records one turn.
func (m *Manager) AppendMessage(ctx context.Context, sessionID, role, content string) {
	if err := m.store.AppendHistory(ctx, sessionID, role, content); err != nil {
		m.logger.Error("append history failed", "session_id", sessionID, "role", role, "error", err)
	}
}

// History returns the session's turns, or nil when the session is unknown.
func (m *Manager) History(ctx context.Context, sessionID string) []sessionstore.Turn {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil
	}
	return sess.History
}

// Expand returns the full transcript for the EXPAND tool. Errors come back as
// bracketed strings from the store, suitable for prompt splicing.
func (m *Manager) Expand(ctx context.Context, raw string) string {
	id, ok := m.ParseSessionID(raw)
	if !ok {
		return "[Error: Invalid session id " + raw + "]"
	}
	return m.store.FullTranscript(ctx, id)
}

// Summarize generates and persists a title+summary for the session, then
// archives the summary into memory under the session's id. Sessions already
// summarized and retired are skipped; a summarized session that went active
// again gets a fresh summary.
func (m *Manager) Summarize(ctx context.Context, sessionID string) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		m.logger.Warn("summarize: session fetch failed", "session_id", sessionID, "error", err)
		return
	}
	if sess.IsSummarized && !sess.IsActive {
		return
	}

	transcript := formatTranscript(sess.History)
	if transcript == "" {
		if err := m.store.UpdateSessionSummary(ctx, sessionID, emptyTitle, "", true); err != nil {
			m.logger.Error("summarize: persist empty summary failed", "session_id", sessionID, "error", err)
		}
		return
	}

	m.logger.Info("summarizing session", "session_id", sessionID, "turns", len(sess.History))
	prio := m.backgroundPriority
	text, _, _, err := m.gen.Generate(ctx, engine.Request{
		RequestID:    "summary-" + sessionID,
		SessionID:    sessionID,
		Prompt:       "TRANSCRIPT:\n" + transcript,
		SystemPrompt: prompts.SummarySystemPrompt,
		MaxTokens:    summaryTokens,
		Priority:     &prio,
		Kind:         "summary",
	})
	if err != nil {
		m.logger.Error("summarize: generation failed", "session_id", sessionID, "error", err)
		return
	}

	title, summary := parseSummaryResponse(text)
	if err := m.store.UpdateSessionSummary(ctx, sessionID, title, summary, true); err != nil {
		m.logger.Error("summarize: persist failed", "session_id", sessionID, "error", err)
		return
	}

	if summary != "" && m.mem != nil {
		_, err := m.mem.Memorize(ctx, summary, "chat_summary",
			map[string]any{"session_id": sessionID, "title": title}, sessionID)
		if err != nil {
			m.logger.Error("summarize: archive failed", "session_id", sessionID, "error", err)
		}
	}
}

// SweepOnce summarizes every active session idle past the cutoff.
func (m *Manager) SweepOnce(ctx context.Context, idle time.Duration) int {
	cutoff := m.now().Add(-idle)
	stale, err := m.store.ListActiveSessionsOlderThan(ctx, cutoff)
	if err != nil {
		m.logger.Error("sweep: list failed", "error", err)
		return 0
	}
	if len(stale) > 0 {
		m.logger.Info("sweeping stale sessions", "count", len(stale))
	}
	for _, id := range stale {
		m.Summarize(ctx, id)
	}
	if m.metrics != nil && len(stale) > 0 {
		m.metrics.SessionsSwept.Add(ctx, int64(len(stale)))
	}
	return len(stale)
}

// formatTranscript renders history as "ROLE: content" lines, skipping empty
// turns. Empty output means there is nothing worth summarizing.
func formatTranscript(history []sessionstore.Turn) string {
	var lines []string
	for _, t := range history {
		if t.Content == "" {
			continue
		}
		lines = append(lines, strings.ToUpper(t.Role)+": "+t.Content)
	}
	return strings.Join(lines, "\n")
}

// parseSummaryResponse extracts {"title","summary"} from model output. Models
// wrap JSON in prose often enough that we slice from the first '{' to the last
// '}' before decoding; if that fails, the first line becomes the title and the
// rest the summary.
func parseSummaryResponse(text string) (title, summary string) {
	if payload := parseJSONPayload(text); payload != nil {
		title = strings.TrimSpace(stringField(payload, "title"))
		summary = strings.TrimSpace(stringField(payload, "summary"))
		if title != "" || summary != "" {
			if title == "" {
				title = fallbackTitle
			}
			return title, summary
		}
	}

	stripped := strings.TrimSpace(text)
	if stripped == "" {
		return fallbackTitle, ""
	}
	var lines []string
	for _, line := range strings.Split(stripped, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return fallbackTitle, ""
	}
	title = truncate(lines[0], maxTitleChars)
	if len(lines) > 1 {
		summary = truncate(strings.Join(lines[1:], " "), maxSummaryChars)
	}
	return title, summary
}

func parseJSONPayload(text string) map[string]any {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return nil
	}
	return payload
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
