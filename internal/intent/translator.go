// Package intent turns free-text questions into structured search filters.
// An LLM does the parsing when configured; a deterministic local parser
// takes over on timeout, error or an unusable reply, so Parse always
// returns usable parameters.
package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/titanous/json5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/memlens/internal/providers"
	"github.com/nextlevelbuilder/memlens/internal/search"
	"github.com/nextlevelbuilder/memlens/internal/store"
)

var tracer = otel.Tracer("github.com/nextlevelbuilder/memlens/internal/intent")

const defaultTimeout = 6 * time.Second

// FilterParams are the structured filters extracted from a query.
type FilterParams struct {
	AppName   string    `json:"app_name,omitempty"`
	Keywords  []string  `json:"keywords"`
	DateRange DateRange `json:"date_range,omitempty"`
	HasOCR    *bool     `json:"has_ocr,omitempty"`
}

// Query builds the search request for these params. The date range is
// resolved in loc relative to now.
func (p FilterParams) Query(now time.Time, loc *time.Location) search.Query {
	q := search.Query{
		Keyword: strings.Join(p.Keywords, " "),
		Filter:  store.Filter{AppName: p.AppName, HasText: p.HasOCR},
	}
	if from, to, ok := p.DateRange.Resolve(now, loc); ok {
		q.Filter.TimeRange = &store.TimeRange{From: from, To: to}
	}
	return q
}

// Source says which parser produced a Result.
type Source string

const (
	SourceLLM      Source = "llm"
	SourceFallback Source = "fallback"
)

// Result is the outcome of Parse. Reason explains a fallback.
type Result struct {
	Params FilterParams `json:"params"`
	Source Source       `json:"source"`
	Reason string       `json:"fallback_reason,omitempty"`
}

// Translator parses intents and optionally runs them as searches.
type Translator struct {
	provider providers.ChatProvider
	timeout  func() time.Duration
	engine   *search.Engine
	now      func() time.Time
}

type Option func(*Translator)

// WithTimeout supplies the LLM deadline; it is read per call so config
// reloads apply.
func WithTimeout(fn func() time.Duration) Option {
	return func(t *Translator) { t.timeout = fn }
}

// WithEngine enables Ask.
func WithEngine(e *search.Engine) Option {
	return func(t *Translator) { t.engine = e }
}

func WithClock(now func() time.Time) Option {
	return func(t *Translator) { t.now = now }
}

// NewTranslator builds a translator. provider may be nil, in which case
// every parse uses the fallback parser.
func NewTranslator(provider providers.ChatProvider, opts ...Option) *Translator {
	t := &Translator{
		provider: provider,
		timeout:  func() time.Duration { return defaultTimeout },
		now:      time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// LLMEnabled reports whether a provider is configured.
func (t *Translator) LLMEnabled() bool { return t.provider != nil }

var errTimeout = errors.New("llm timed out")

// Parse never fails. The LLM call is bounded by the configured timeout
// with a timer on this side, so a provider that ignores cancellation still
// cannot hold the caller past the deadline.
func (t *Translator) Parse(ctx context.Context, text string) Result {
	ctx, span := tracer.Start(ctx, "intent.Parse")
	defer span.End()

	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Params: FilterParams{Keywords: []string{}}, Source: SourceFallback, Reason: "empty query"}
	}
	if t.provider == nil {
		return t.fallback(text, "llm disabled")
	}

	start := time.Now()
	params, err := t.callLLM(ctx, text)
	if err != nil {
		span.RecordError(err)
		slog.Warn("intent.llm.failed", "provider", t.provider.Name(),
			"duration_ms", time.Since(start).Milliseconds(), "error", err)
		return t.fallback(text, err.Error())
	}
	span.SetAttributes(attribute.String("intent.source", string(SourceLLM)))
	slog.Debug("intent.parsed", "source", SourceLLM, "duration_ms", time.Since(start).Milliseconds())
	return Result{Params: params, Source: SourceLLM}
}

func (t *Translator) fallback(text, reason string) Result {
	return Result{Params: Fallback(text), Source: SourceFallback, Reason: reason}
}

type completion struct {
	text string
	err  error
}

func (t *Translator) callLLM(ctx context.Context, text string) (FilterParams, error) {
	timeout := t.timeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan completion, 1)
	go func() {
		out, err := t.provider.Complete(callCtx, systemPrompt, text)
		done <- completion{out, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c := <-done:
		if c.err != nil {
			return FilterParams{}, store.ExternalCall("complete", c.err)
		}
		return ParseReply(c.text)
	case <-timer.C:
		return FilterParams{}, store.ExternalCall("complete", errTimeout)
	case <-ctx.Done():
		return FilterParams{}, store.ExternalCall("complete", ctx.Err())
	}
}

type llmReply struct {
	AppName   *string  `json:"app_name"`
	Keywords  []string `json:"keywords"`
	DateRange *string  `json:"date_range"`
	HasOCR    *bool    `json:"has_ocr"`
}

// ParseReply reads the model's JSON object, tolerating code fences,
// surrounding prose and JSON5 syntax. Unknown date ranges are dropped.
func ParseReply(reply string) (FilterParams, error) {
	obj := providers.ExtractJSONObject(reply)
	if obj == "" {
		return FilterParams{}, fmt.Errorf("no JSON object in reply %q", truncate(reply, 80))
	}
	var r llmReply
	if err := json5.Unmarshal([]byte(obj), &r); err != nil {
		return FilterParams{}, fmt.Errorf("malformed reply: %w", err)
	}

	p := FilterParams{Keywords: []string{}, HasOCR: r.HasOCR}
	if r.AppName != nil {
		p.AppName = strings.TrimSpace(*r.AppName)
	}
	seen := map[string]bool{}
	for _, k := range r.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		p.Keywords = append(p.Keywords, k)
	}
	if r.DateRange != nil && *r.DateRange != "" {
		if dr, ok := ParseDateRange(*r.DateRange); ok {
			p.DateRange = dr
		} else {
			slog.Debug("intent.reply.unknown_date_range", "value", *r.DateRange)
		}
	}
	return p, nil
}

// AskResult is a parsed intent together with the search it produced.
type AskResult struct {
	Intent Result       `json:"intent"`
	Query  search.Query `json:"query"`
	Page   *search.Page `json:"page"`
}

// Ask parses text and runs the resulting search. Relative dates resolve in
// the location carried by ctx (store.WithLocation), defaulting to local time.
func (t *Translator) Ask(ctx context.Context, text string, limit int) (*AskResult, error) {
	if t.engine == nil {
		return nil, errors.New("intent: no search engine configured")
	}
	res := t.Parse(ctx, text)
	q := res.Params.Query(t.now(), store.LocationFromContext(ctx))
	q.Limit = limit

	page, err := t.engine.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	return &AskResult{Intent: res, Query: q, Page: page}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
