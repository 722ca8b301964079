// Package search wraps Brave web search with quota enforcement and a
// read-the-pages browse step. Failures come back as bracketed status strings
// rather than errors: the caller splices them into the prompt so the model can
// tell the user what went wrong instead of the request dying.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/sync/errgroup"

	"github.com/halgate/halgate/internal/otel"
	"github.com/halgate/halgate/internal/prompts"
)

const (
	braveEndpoint  = "https://api.search.brave.com/res/v1/web/search"
	pageTimeout    = 10 * time.Second
	defaultResultK = 3
	defaultMaxChar = 25000
)

// Client runs deep searches: Brave web search then parallel page extraction.
type Client struct {
	apiKey   string
	endpoint string
	http     *http.Client
	quota    *QuotaLedger
	logger   *slog.Logger
	metrics  *otel.Metrics // optional

	// limitsMu guards the hot-reloadable tuning knobs.
	limitsMu sync.RWMutex
	resultK  int
	maxChars int
}

func NewClient(apiKey string, quota *QuotaLedger, resultK, maxChars int, logger *slog.Logger) *Client {
	if resultK <= 0 {
		resultK = defaultResultK
	}
	if maxChars <= 0 {
		maxChars = defaultMaxChar
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiKey:   apiKey,
		endpoint: braveEndpoint,
		http:     &http.Client{Timeout: 15 * time.Second},
		quota:    quota,
		logger:   logger,
		resultK:  resultK,
		maxChars: maxChars,
	}
}

// WithMetrics attaches otel instruments.
func (c *Client) WithMetrics(m *otel.Metrics) *Client { c.metrics = m; return c }

// UpdateLimits swaps the result count and per-page character cap at runtime.
// Non-positive values keep the current setting.
func (c *Client) UpdateLimits(resultK, maxChars int) {
	c.limitsMu.Lock()
	defer c.limitsMu.Unlock()
	if resultK > 0 {
		c.resultK = resultK
	}
	if maxChars > 0 {
		c.maxChars = maxChars
	}
}

func (c *Client) limits() (resultK, maxChars int) {
	c.limitsMu.RLock()
	defer c.limitsMu.RUnlock()
	return c.resultK, c.maxChars
}

type braveResponse struct {
	Web struct {
		Results []braveResult `json:"results"`
	} `json:"web"`
}

type braveResult struct {
	Title         string   `json:"title"`
	URL           string   `json:"url"`
	Description   string   `json:"description"`
	ExtraSnippets []string `json:"extra_snippets"`
	PageAge       string   `json:"page_age"`
	Age           string   `json:"age"`
}

// SearchAndBrowse searches Brave and attaches extracted page text to each of
// the top results. The second return value is a status string; it is non-empty
// exactly when the first is nil.
func (c *Client) SearchAndBrowse(ctx context.Context, query string) (*prompts.BrowseData, string) {
	if c.apiKey == "" {
		return nil, "[SYSTEM ERROR: Brave API Key missing. Tell the user to check .env]"
	}
	if status := c.quota.Check(); status != "" {
		c.logger.Warn("search rejected by quota", "query", query)
		if c.metrics != nil {
			c.metrics.SearchRejects.Add(ctx, 1)
		}
		return nil, status
	}

	c.logger.Info("searching", "query", query)
	if c.metrics != nil {
		c.metrics.SearchCalls.Add(ctx, 1)
	}
	resultK, maxChars := c.limits()
	results, status := c.searchBrave(ctx, query, resultK)
	if status != "" {
		return nil, status
	}
	if len(results) == 0 {
		return nil, "No relevant results found on the internet."
	}

	if len(results) > resultK {
		results = results[:resultK]
	}
	results = prioritizeWikipedia(results)

	browse := &prompts.BrowseData{Query: query, Results: make([]prompts.BrowseResult, len(results))}
	for i, r := range results {
		browse.Results[i] = prompts.BrowseResult{
			Title:         r.Title,
			URL:           r.URL,
			Description:   r.Description,
			ExtraSnippets: r.ExtraSnippets,
			PageAge:       r.PageAge,
			Age:           r.Age,
		}
	}

	// Fetch pages in parallel; a failed extraction leaves Content empty and
	// the snippet carries the result.
	g, gctx := errgroup.WithContext(ctx)
	for i := range browse.Results {
		g.Go(func() error {
			c.fetchContent(gctx, &browse.Results[i], maxChars)
			return nil
		})
	}
	_ = g.Wait()

	return browse, ""
}

func (c *Client) searchBrave(ctx context.Context, query string, resultK int) ([]braveResult, string) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(resultK))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Sprintf("[Search Exception: %v]", err)
	}
	req.Header.Set("X-Subscription-Token", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Sprintf("[Search Exception: %v]", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Sprintf("[Error: Brave API returned %d]", resp.StatusCode)
	}

	// 200 confirmed: this call counts against the budget.
	if err := c.quota.Consume(); err != nil {
		c.logger.Warn("quota ledger write failed", "error", err)
	}

	var parsed braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Sprintf("[Search Exception: %v]", err)
	}
	return parsed.Web.Results, ""
}

func (c *Client) fetchContent(ctx context.Context, result *prompts.BrowseResult, maxChars int) {
	if result.URL == "" {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, pageTimeout)
	defer cancel()

	article, err := readability.FromURL(result.URL, pageTimeout)
	if err != nil {
		c.logger.Warn("page extraction failed", "url", result.URL, "error", err)
		return
	}
	if pctx.Err() != nil {
		return
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return
	}
	if len(text) > maxChars {
		text = text[:maxChars]
	}
	result.Content = text
}

// prioritizeWikipedia moves wikipedia.org results to the front, preserving
// relative order within both groups.
func prioritizeWikipedia(results []braveResult) []braveResult {
	var wiki, rest []braveResult
	for _, r := range results {
		if strings.Contains(strings.ToLower(r.URL), "wikipedia.org") {
			wiki = append(wiki, r)
		} else {
			rest = append(rest, r)
		}
	}
	return append(wiki, rest...)
}
