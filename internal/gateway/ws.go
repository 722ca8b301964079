package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/trace"

	"github.com/halgate/halgate/internal/engine"
	otelPkg "github.com/halgate/halgate/internal/otel"
	"github.com/halgate/halgate/internal/prompts"
	"github.com/halgate/halgate/internal/queue"
	"github.com/halgate/halgate/internal/sessionstore"
)

var (
	searchPattern = regexp.MustCompile(`(?i)\[SEARCH:\s*(.+?)\]`)
	expandPattern = regexp.MustCompile(`(?i)\[EXPAND:\s*(.+?)\]`)
)

const (
	probeMaxTokens   = 256
	defaultMaxTokens = 1024
	summaryRecallK   = 5
	memoryRecallK    = 3
)

const inferenceSchemaJSON = `{
	"type": "object",
	"properties": {
		"prompt": {"type": "string", "minLength": 1},
		"system_prompt": {"type": "string"},
		"session_id": {"type": "string"},
		"max_tokens": {"type": "integer", "minimum": 1},
		"temperature": {"type": "number", "minimum": 0},
		"priority": {"type": "integer", "minimum": 0},
		"include_history": {"type": "boolean"}
	},
	"required": ["prompt"]
}`

var inferenceSchema = mustCompileSchema(inferenceSchemaJSON)

func mustCompileSchema(src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("inference.json", doc); err != nil {
		panic(err)
	}
	sch, err := c.Compile("inference.json")
	if err != nil {
		panic(err)
	}
	return sch
}

type wsInferenceRequest struct {
	Prompt         string  `json:"prompt"`
	SystemPrompt   string  `json:"system_prompt,omitempty"`
	SessionID      string  `json:"session_id,omitempty"`
	MaxTokens      int     `json:"max_tokens,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
	Priority       *int    `json:"priority,omitempty"`
	IncludeHistory *bool   `json:"include_history,omitempty"`
}

type wsEnvelope struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "server shutting down")

	ctx := r.Context()
	s.logger.Info("chat client connected", "remote", r.RemoteAddr)

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			s.logger.Info("chat client disconnected")
			return
		}
		if fatal := s.dispatchWS(ctx, conn, raw); fatal != nil {
			s.logger.Error("unrecoverable websocket error", "error", fatal)
			_ = wsjson.Write(ctx, conn, map[string]any{"type": "error", "detail": fatal.Error()})
			_ = conn.Close(websocket.StatusInternalError, "internal error")
			return
		}
	}
}

// dispatchWS routes one message. A returned error closes the connection;
// per-message failures are reported in-band and return nil.
func (s *Server) dispatchWS(ctx context.Context, conn *websocket.Conn, raw []byte) error {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return s.sendError(ctx, conn, "message must be a JSON object")
	}

	switch env.Type {
	case "session_start":
		var sessionID any
		if id, ok := s.cfg.Sessions.EnsureSession(ctx, env.SessionID); ok {
			sessionID = id
		}
		return wsjson.Write(ctx, conn, map[string]any{
			"type": "status", "content": "session_ready", "session_id": sessionID,
		})
	case "session_end":
		if id, ok := s.cfg.Sessions.ParseSessionID(env.SessionID); ok {
			go s.cfg.Sessions.Summarize(context.WithoutCancel(ctx), id)
		}
		return wsjson.Write(ctx, conn, map[string]any{"type": "status", "content": "session_closed"})
	default:
		return s.handleInferenceMessage(ctx, conn, raw)
	}
}

func (s *Server) sendError(ctx context.Context, conn *websocket.Conn, detail string) error {
	return wsjson.Write(ctx, conn, map[string]any{"type": "error", "detail": detail})
}

func (s *Server) sendStatus(ctx context.Context, conn *websocket.Conn, content string) error {
	return wsjson.Write(ctx, conn, map[string]any{"type": "status", "content": content})
}

func (s *Server) handleInferenceMessage(ctx context.Context, conn *websocket.Conn, raw []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return s.sendError(ctx, conn, "message must be a JSON object")
	}
	if err := inferenceSchema.Validate(instance); err != nil {
		return s.sendError(ctx, conn, "invalid inference message: "+err.Error())
	}

	var req wsInferenceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return s.sendError(ctx, conn, "invalid inference message")
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}
	includeHistory := req.IncludeHistory == nil || *req.IncludeHistory

	if s.cfg.Tracer != nil {
		var span trace.Span
		ctx, span = otelPkg.StartServerSpan(ctx, s.cfg.Tracer, "chat.turn",
			otelPkg.AttrSessionID.String(req.SessionID))
		defer span.End()
	}

	if err := s.sendStatus(ctx, conn, "Thinking..."); err != nil {
		return err
	}

	sessionID, hasSession := "", false
	if req.SessionID != "" {
		sessionID, hasSession = s.cfg.Sessions.EnsureSession(ctx, req.SessionID)
	}

	var history []prompts.Turn
	if hasSession && includeHistory {
		history = toPromptTurns(s.cfg.Sessions.History(ctx, sessionID))
	}

	memories := s.recallMemories(ctx, req.Prompt)
	summaries := s.recallSummaries(ctx, req.Prompt)

	baseInput := prompts.Input{
		Memories:         memories,
		History:          history,
		RelatedSummaries: summaries,
		UserSystemPrompt: req.SystemPrompt,
	}

	priority := req.Priority
	if priority == nil {
		ui := s.uiPriority()
		priority = &ui
	}

	// First pass: a short probe decides whether tools are needed.
	s.logger.Info("running search-intent probe", "session_id", sessionID)
	probeText, _, _, err := s.cfg.Engine.Generate(ctx, engine.Request{
		RequestID:    uuid.NewString(),
		SessionID:    sessionID,
		Prompt:       req.Prompt,
		SystemPrompt: s.cfg.Assembler.Build(baseInput) + prompts.SearchEnforcer,
		MaxTokens:    min(req.MaxTokens, probeMaxTokens),
		Temperature:  req.Temperature,
		Priority:     priority,
		Kind:         "probe",
	})
	if err != nil {
		return s.reportGenerationError(ctx, conn, err)
	}

	searchQuery := extractPattern(searchPattern, probeText)
	expandID := extractPattern(expandPattern, probeText)

	// The user turn lands after the probe so the probe never sees it twice.
	if hasSession {
		s.cfg.Sessions.AppendMessage(ctx, sessionID, "user", req.Prompt)
	}

	if searchQuery == "" && expandID == "" {
		s.logger.Info("no tool requested, responding directly", "session_id", sessionID)
		if err := wsjson.Write(ctx, conn, map[string]any{"type": "token", "content": probeText}); err != nil {
			return err
		}
		if err := wsjson.Write(ctx, conn, map[string]any{"type": "end", "content": ""}); err != nil {
			return err
		}
		if hasSession {
			s.cfg.Sessions.AppendMessage(ctx, sessionID, "assistant", probeText)
		}
		return nil
	}

	var expandedTranscripts []string
	if expandID != "" {
		s.logger.Info("expand requested", "target_session", expandID)
		if err := s.sendStatus(ctx, conn, "Expanding past session..."); err != nil {
			return err
		}
		transcript := s.cfg.Sessions.Expand(ctx, expandID)
		if transcript != "" && !strings.HasPrefix(transcript, "[Error:") && !strings.HasPrefix(transcript, "[System Error:") {
			expandedTranscripts = append(expandedTranscripts, transcript)
		} else {
			s.logger.Warn("expand failed", "target_session", expandID, "result", transcript)
		}
	}

	searchContext := ""
	if searchQuery != "" {
		s.logger.Info("search requested", "query", searchQuery)
		trace.SpanFromContext(ctx).SetAttributes(otelPkg.AttrQuery.String(searchQuery))
		if err := s.sendStatus(ctx, conn, "Searching the web..."); err != nil {
			return err
		}
		if s.cfg.Search == nil {
			searchContext = prompts.FormatSearchResults(nil, "[Error: web search is not configured]", s.maxChars())
		} else {
			browse, status := s.cfg.Search.SearchAndBrowse(ctx, searchQuery)
			if status != "" {
				s.logger.Warn("search failed", "query", searchQuery, "status", status)
			} else {
				s.logger.Info("search returned results", "query", searchQuery, "count", len(browse.Results))
			}
			searchContext = prompts.FormatSearchResults(browse, status, s.maxChars())
		}
	}

	finalInput := baseInput
	finalInput.ExpandedTranscripts = expandedTranscripts
	finalInput.SearchContext = searchContext

	sink, err := s.cfg.Engine.Submit(ctx, engine.Request{
		RequestID:    uuid.NewString(),
		SessionID:    sessionID,
		Prompt:       req.Prompt,
		SystemPrompt: s.cfg.Assembler.Build(finalInput),
		MaxTokens:    req.MaxTokens,
		Temperature:  req.Temperature,
		Priority:     priority,
		Kind:         "final",
	})
	if err != nil {
		return s.reportGenerationError(ctx, conn, err)
	}
	// If the client goes away mid-stream the worker must not block on us.
	defer sink.Drop()

	var response strings.Builder
	var genErr error
	for ev := range sink.Events() {
		switch ev.Kind {
		case engine.EventChunk:
			response.WriteString(ev.Chunk)
			if err := wsjson.Write(ctx, conn, map[string]any{"type": "token", "content": ev.Chunk}); err != nil {
				return err
			}
		case engine.EventError:
			genErr = ev.Err
			if err := s.sendError(ctx, conn, ev.Err.Error()); err != nil {
				return err
			}
		case engine.EventEnd:
			if err := wsjson.Write(ctx, conn, map[string]any{"type": "end", "content": ""}); err != nil {
				return err
			}
		}
	}
	if hasSession && genErr == nil {
		s.cfg.Sessions.AppendMessage(ctx, sessionID, "assistant", response.String())
	}
	return nil
}

// reportGenerationError surfaces a failed generation in-band. Queue-full is an
// ordinary per-message error; the connection stays open either way.
func (s *Server) reportGenerationError(ctx context.Context, conn *websocket.Conn, err error) error {
	if errors.Is(err, queue.ErrQueueFull) {
		return s.sendError(ctx, conn, "server is at capacity, please retry shortly")
	}
	return s.sendError(ctx, conn, err.Error())
}

func (s *Server) recallMemories(ctx context.Context, prompt string) []string {
	if s.cfg.Memory == nil {
		return nil
	}
	memories, err := s.cfg.Memory.Recall(ctx, prompt, memoryRecallK, s.cfg.RecallThreshold)
	if err != nil {
		s.logger.Warn("memory recall failed, continuing without context", "error", err)
		return nil
	}
	if len(memories) > 0 {
		s.logger.Info("memory recall", "count", len(memories))
	}
	return memories
}

func (s *Server) recallSummaries(ctx context.Context, prompt string) []prompts.SessionSummary {
	if s.cfg.Memory == nil {
		return nil
	}
	records, err := s.cfg.Memory.RecallWithMetadata(ctx, prompt, summaryRecallK, nil, "chat_summary")
	if err != nil {
		s.logger.Warn("summary recall failed, continuing without summaries", "error", err)
		return nil
	}
	var out []prompts.SessionSummary
	for _, rec := range records {
		id := rec.ID
		if v, ok := rec.Metadata["session_id"].(string); ok && v != "" {
			id = v
		}
		title, _ := rec.Metadata["title"].(string)
		out = append(out, prompts.SessionSummary{ID: id, Title: title, Summary: rec.Text})
	}
	if len(out) > 0 {
		s.logger.Info("summary recall", "count", len(out))
	}
	return out
}

func extractPattern(re *regexp.Regexp, text string) string {
	m := re.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func toPromptTurns(turns []sessionstore.Turn) []prompts.Turn {
	out := make([]prompts.Turn, 0, len(turns))
	for _, t := range turns {
		out = append(out, prompts.Turn{Role: t.Role, Content: t.Content})
	}
	return out
}
