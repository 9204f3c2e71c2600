// Package mcp exposes activity search to MCP clients (editors, desktop
// assistants) over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/memlens/internal/intent"
	"github.com/nextlevelbuilder/memlens/internal/search"
	"github.com/nextlevelbuilder/memlens/internal/store"
)

// maxSnippet caps record text in tool output.
const maxSnippet = 400

// Deps are the services behind the tools. Records is optional and only
// backs get_activity.
type Deps struct {
	Engine     *search.Engine
	Translator *intent.Translator
	Records    store.RecordStore
	Now        func() time.Time
}

// NewServer builds an MCP server with the activity tools registered.
func NewServer(deps Deps, version string) *server.MCPServer {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := server.NewMCPServer("memlens", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	h := &handlers{deps: deps}

	s.AddTool(mcpgo.NewTool("search_activity",
		mcpgo.WithDescription("Search the captured screen activity log. Combine a keyword, a semantic intent and metadata filters; results are ranked by relevance or listed newest first."),
		mcpgo.WithString("keyword", mcpgo.Description("Exact words that must appear in the captured text")),
		mcpgo.WithString("intent", mcpgo.Description("Free text describing what the user was doing, matched semantically")),
		mcpgo.WithString("app_name", mcpgo.Description("Application name filter, case-insensitive substring")),
		mcpgo.WithString("date_range", mcpgo.Description("One of today, yesterday, this_week, last_week, this_month"),
			mcpgo.Enum("today", "yesterday", "this_week", "last_week", "this_month")),
		mcpgo.WithString("from", mcpgo.Description("RFC 3339 lower bound (inclusive)")),
		mcpgo.WithString("to", mcpgo.Description("RFC 3339 upper bound (exclusive)")),
		mcpgo.WithBoolean("has_text", mcpgo.Description("Only records with (true) or without (false) OCR text")),
		mcpgo.WithNumber("limit", mcpgo.Description("Page size")),
		mcpgo.WithNumber("offset", mcpgo.Description("Items to skip")),
		mcpgo.WithString("order_by", mcpgo.Enum("time", "rank")),
		mcpgo.WithString("tz", mcpgo.Description("IANA time zone for date_range, e.g. Europe/Berlin")),
	), h.searchActivity)

	s.AddTool(mcpgo.NewTool("parse_intent",
		mcpgo.WithDescription("Turn a natural-language question about past activity into structured search filters without running the search."),
		mcpgo.WithString("text", mcpgo.Required(), mcpgo.Description("The question, e.g. \"pdf files from this week\"")),
	), h.parseIntent)

	s.AddTool(mcpgo.NewTool("ask_activity",
		mcpgo.WithDescription("Answer a natural-language question about past activity: parse it into filters and run the search."),
		mcpgo.WithString("text", mcpgo.Required(), mcpgo.Description("The question")),
		mcpgo.WithNumber("limit", mcpgo.Description("Page size")),
		mcpgo.WithString("tz", mcpgo.Description("IANA time zone for relative dates")),
	), h.askActivity)

	if deps.Records != nil {
		s.AddTool(mcpgo.NewTool("get_activity",
			mcpgo.WithDescription("Fetch one activity record by id with its full text."),
			mcpgo.WithNumber("id", mcpgo.Required()),
		), h.getActivity)
	}
	return s
}

// ServeStdio serves s on stdin/stdout until EOF.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

type handlers struct {
	deps Deps
}

// item is the compact per-record view returned to MCP clients.
type item struct {
	ID          int64   `json:"id"`
	Timestamp   string  `json:"timestamp"`
	AppName     string  `json:"app_name"`
	WindowTitle string  `json:"window_title,omitempty"`
	Text        string  `json:"text,omitempty"`
	Score       float64 `json:"score,omitempty"`
}

type pageView struct {
	Total    int      `json:"total"`
	Offset   int      `json:"offset"`
	OrderBy  string   `json:"order_by"`
	Degraded []string `json:"degraded,omitempty"`
	Items    []item   `json:"items"`
}

func viewPage(p *search.Page, loc *time.Location) pageView {
	v := pageView{Total: p.Total, Offset: p.Offset, OrderBy: string(p.OrderBy), Degraded: p.Degraded, Items: make([]item, 0, len(p.Items))}
	for _, it := range p.Items {
		v.Items = append(v.Items, item{
			ID:          it.Record.ID,
			Timestamp:   it.Record.Timestamp.In(loc).Format(time.RFC3339),
			AppName:     it.Record.AppName,
			WindowTitle: it.Record.WindowTitle,
			Text:        snippet(it.Record.TextValue(), maxSnippet),
			Score:       it.Score,
		})
	}
	return v
}

func (h *handlers) searchActivity(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	loc, err := location(req.GetString("tz", ""))
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	q := search.Query{
		Keyword: req.GetString("keyword", ""),
		Intent:  req.GetString("intent", ""),
		Filter:  store.Filter{AppName: req.GetString("app_name", "")},
		Limit:   req.GetInt("limit", 0),
		Offset:  req.GetInt("offset", 0),
		OrderBy: search.Order(req.GetString("order_by", "")),
	}
	if _, ok := req.GetArguments()["has_text"]; ok {
		v := req.GetBool("has_text", false)
		q.Filter.HasText = &v
	}

	if dr := req.GetString("date_range", ""); dr != "" {
		r, ok := intent.ParseDateRange(dr)
		if !ok {
			return mcpgo.NewToolResultError(fmt.Sprintf("unknown date_range %q", dr)), nil
		}
		from, to, _ := r.Resolve(h.deps.Now(), loc)
		q.Filter.TimeRange = &store.TimeRange{From: from, To: to}
	} else {
		tr, err := timeBounds(req.GetString("from", ""), req.GetString("to", ""))
		if err != nil {
			return mcpgo.NewToolResultError(err.Error()), nil
		}
		q.Filter.TimeRange = tr
	}

	page, err := h.deps.Engine.Search(store.WithLocation(ctx, loc), q)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(viewPage(page, loc))
}

func (h *handlers) parseIntent(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	return jsonResult(h.deps.Translator.Parse(ctx, text))
}

func (h *handlers) askActivity(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil || strings.TrimSpace(text) == "" {
		return mcpgo.NewToolResultError("text is required"), nil
	}
	loc, err := location(req.GetString("tz", ""))
	if err != nil {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	res, err := h.deps.Translator.Ask(store.WithLocation(ctx, loc), text, req.GetInt("limit", 0))
	if err != nil {
		return toolError(err)
	}
	return jsonResult(map[string]any{
		"intent": res.Intent,
		"page":   viewPage(res.Page, loc),
	})
}

func (h *handlers) getActivity(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	id := int64(req.GetFloat("id", 0))
	if id <= 0 {
		return mcpgo.NewToolResultError("id must be a positive integer"), nil
	}
	rec, err := h.deps.Records.Get(ctx, id)
	if err != nil {
		return toolError(err)
	}
	return jsonResult(rec)
}

// toolError reports caller mistakes as tool errors and returns everything
// else as a protocol error.
func toolError(err error) (*mcpgo.CallToolResult, error) {
	var verr *store.ValidationError
	if errors.As(err, &verr) || errors.Is(err, store.ErrNotFound) {
		return mcpgo.NewToolResultError(err.Error()), nil
	}
	return nil, err
}

func jsonResult(v any) (*mcpgo.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcpgo.NewToolResultText(string(data)), nil
}

func location(tz string) (*time.Location, error) {
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q", tz)
	}
	return loc, nil
}

func timeBounds(from, to string) (*store.TimeRange, error) {
	if from == "" && to == "" {
		return nil, nil
	}
	tr := &store.TimeRange{}
	for _, b := range []struct {
		name string
		raw  string
		dst  *time.Time
	}{{"from", from, &tr.From}, {"to", to, &tr.To}} {
		if b.raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, b.raw)
		if err != nil {
			return nil, fmt.Errorf("%s: want RFC 3339, got %q", b.name, b.raw)
		}
		*b.dst = t
	}
	return tr, nil
}

func snippet(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
