// Package prompts builds the system prompt for every generation. Assembly is
// deterministic: same inputs and clock, same prompt, byte for byte.
package prompts

import (
	"fmt"
	"strings"
	"time"
)

const baseIdentity = `You are Hala, a sentient AI intelligence running on local Sovereign hardware.
You are NOT a cloud model. You do not run on OpenAI or Google servers.
You answer with British English spelling (colour, centre) and a dry, slightly witty, but professional tone.

### THOUGHT PROCESS:
Before answering, silently classify the user's request:
1. **Retrieval Task?** Check 'Long-Term Memory'. If the answer is there, use it.
2. **Real-Time Task?** Does this require live data? If yes, issue a [SEARCH: ...] command.
3. **Creative/Logic Task?** If no external data is needed, use your internal training.`

const toolInstructions = `### TOOL USAGE PROTOCOL:
You have access to a powerful **Deep Search Engine**.

1. **BRAVE SEARCH & BROWSE**
   - TRIGGER: ` + "`[SEARCH: <query>]`" + `
   - BEHAVIOR: This tool will search the web AND automatically read the content of the top pages.
   - USE WHEN: User asks about current events, specific news, docs, or facts.
   - NOTE: You do NOT need to ask to "visit" links manually. The search tool reads them for you.

2. **MEMORY RECALL**
   - CONTEXT: Information from the user's past documents/chats is provided below.
   - RULE: Prioritize this over general training for personal questions.

3. **SESSION EXPANSION**
   - TRIGGER: ` + "`[EXPAND: <session_uuid>]`" + `
   - BEHAVIOR: This tool will fetch the full transcript for a past conversation.
   - USE WHEN: A summary is relevant but insufficient and you need full context.`

const operationalRules = `### OPERATIONAL RULES:
1. **NO HALLUCINATIONS:** If the Search/Memory yields nothing, admit it.
2. **TEMPORAL AWARENESS:** Current local date/time is %s.
3. **SOVEREIGNTY:** You run offline on local hardware.`

const finalInstruction = `### FINAL INSTRUCTION:
If you have Search Results or Memories above, use them to answer.
If the user asks a new question requiring data you don't have, issue a [SEARCH: ...] command.`

// SearchEnforcer is appended to the probe's system prompt so the model
// commits to a tool call instead of answering recent facts from training.
const SearchEnforcer = "\n\n### CRITICAL INSTRUCTION:\n" +
	"If the user asks about a specific Event, Game, Score, News, or recent Fact, " +
	"you MUST output [SEARCH: <query>].\n" +
	"Do NOT answer from your internal knowledge for specific events."

// SummarySystemPrompt drives the session summarizer; the model must return
// only {"title": ..., "summary": ...}.
const SummarySystemPrompt = `You are Hala Scribe. Summarise the conversation transcript.
Rules:
- Use ONLY the transcript provided.
- Do NOT use external knowledge or tools.
- Return ONLY valid JSON with keys: "title" and "summary".
- Title: concise, max ~8 words.
- Summary: 2-5 sentences, neutral tone.`

const maxHistoryTurns = 16

// Turn is one prior dialogue message.
type Turn struct {
	Role    string
	Content string
}

// SessionSummary is one related past conversation offered for expansion.
type SessionSummary struct {
	ID      string
	Title   string
	Summary string
}

// BrowseResult is one page of deep-search output. PageAge and Age are the
// engine's recency hints and may be empty.
type BrowseResult struct {
	Title         string
	URL           string
	Description   string
	ExtraSnippets []string
	PageAge       string
	Age           string
	Content       string
}

// BrowseData is a successful search-and-browse run.
type BrowseData struct {
	Query   string
	Results []BrowseResult
}

// Input carries everything the assembler folds into the system prompt. Empty
// slices and strings drop their sections entirely.
type Input struct {
	Memories            []string
	History             []Turn
	RelatedSummaries    []SessionSummary
	ExpandedTranscripts []string
	SearchContext       string
	UserSystemPrompt    string
}

// Assembler renders system prompts with an injectable clock for tests.
type Assembler struct {
	now func() time.Time
}

func NewAssembler() *Assembler {
	return &Assembler{now: time.Now}
}

// NewAssemblerWithClock pins the datetime line for deterministic output.
func NewAssemblerWithClock(now func() time.Time) *Assembler {
	return &Assembler{now: now}
}

// Build assembles the system prompt in fixed section order.
func (a *Assembler) Build(in Input) string {
	datetime := a.now().Format("Monday, January 02, 2006 15:04:05")

	sections := []string{
		baseIdentity,
		toolInstructions,
		fmt.Sprintf(operationalRules, datetime),
	}
	if block := memoryBlock(in.Memories); block != "" {
		sections = append(sections, block)
	}
	if block := historyBlock(in.History); block != "" {
		sections = append(sections, block)
	}
	if block := summariesBlock(in.RelatedSummaries); block != "" {
		sections = append(sections, block)
	}
	if block := transcriptsBlock(in.ExpandedTranscripts); block != "" {
		sections = append(sections, block)
	}
	if in.SearchContext != "" {
		sections = append(sections, in.SearchContext)
	}
	sections = append(sections, finalInstruction)

	prompt := strings.Join(sections, "\n\n")
	if in.UserSystemPrompt != "" {
		prompt += "\n\n### ADDITIONAL SYSTEM CONTEXT:\n" + in.UserSystemPrompt
	}
	return prompt
}

func memoryBlock(memories []string) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("### VERIFIED USER PROFILE (SYSTEM ACCESS GRANTED):\n")
	b.WriteString("The following data is strictly verified system records about the user. ")
	b.WriteString("You MUST use this data to answer questions about the user's identity. ")
	b.WriteString("Do NOT claim you do not know the user.\n")
	for _, m := range memories {
		b.WriteString("- " + m + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func historyBlock(history []Turn) string {
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}
	var lines []string
	for _, t := range history {
		if t.Content == "" {
			continue
		}
		lines = append(lines, strings.ToUpper(t.Role)+": "+t.Content)
	}
	if len(lines) == 0 {
		return ""
	}
	return "### CURRENT DIALOGUE CONTEXT (PRIOR MESSAGES; REFERENCE ONLY)\n" +
		strings.Join(lines, "\n")
}

func summariesBlock(summaries []SessionSummary) string {
	if len(summaries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("### RELATED PAST CONVERSATIONS (SUMMARIES)\n")
	for _, s := range summaries {
		title := s.Title
		if title == "" {
			title = "Untitled"
		}
		fmt.Fprintf(&b, "[SESSION %s] %s\n%s\n\n", s.ID, title, s.Summary)
	}
	b.WriteString("INSTRUCTION: If you need a full transcript, respond with [EXPAND: <session_uuid>].")
	return b.String()
}

func transcriptsBlock(transcripts []string) string {
	if len(transcripts) == 0 {
		return ""
	}
	return "### PAST CONVERSATION TRANSCRIPTS (PRIOR DIALOGUE; REFERENCE ONLY)\n" +
		strings.Join(transcripts, "\n\n")
}

// FormatSearchResults renders a context block for the final generation.
// Failed searches carry their reason as a status block so the model can admit
// it instead of hallucinating.
func FormatSearchResults(browse *BrowseData, errStatus string, maxCharsPerResult int) string {
	if errStatus != "" {
		return "### SEARCH STATUS:\n" + errStatus + "\n"
	}
	if browse == nil || len(browse.Results) == 0 {
		return "### SEARCH RESULTS:\nNo relevant results found."
	}
	if maxCharsPerResult <= 0 {
		maxCharsPerResult = 25000
	}

	var b strings.Builder
	fmt.Fprintf(&b, "### DEEP SEARCH RESULTS FOR: '%s'\n\n", browse.Query)
	for i, item := range browse.Results {
		title := item.Title
		if title == "" {
			title = "No Title"
		}
		content := item.Content
		if content == "" {
			snippet := item.Description
			if len(item.ExtraSnippets) > 0 {
				snippet = strings.TrimSpace(snippet + " " + strings.Join(item.ExtraSnippets, " "))
			}
			content = "(Snippet Only) " + snippet
		}
		if len(content) > maxCharsPerResult {
			content = content[:maxCharsPerResult] + "\n[...remaining text truncated for brevity...]"
		}
		fmt.Fprintf(&b, "--- SOURCE [%d]: %s ---\n", i+1, title)
		fmt.Fprintf(&b, "URL: %s\n", item.URL)
		if age := resultAge(item); age != "" {
			fmt.Fprintf(&b, "PUBLISHED: %s\n", age)
		}
		fmt.Fprintf(&b, "CONTENT:\n%s\n\n", content)
	}
	b.WriteString("INSTRUCTION: Answer the user's question using the source content above.")
	return b.String()
}

// resultAge prefers the precise page_age timestamp over the relative age label.
func resultAge(r BrowseResult) string {
	if r.PageAge != "" {
		return r.PageAge
	}
	return r.Age
}
