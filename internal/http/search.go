package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/memlens/internal/intent"
	"github.com/nextlevelbuilder/memlens/internal/search"
	"github.com/nextlevelbuilder/memlens/internal/store"
)

// searchRequest is the flat JSON form of search.Query. A symbolic
// date_range resolves in tz (or X-Timezone); from/to are absolute.
type searchRequest struct {
	Keyword   string     `json:"keyword"`
	Intent    string     `json:"intent"`
	AppName   string     `json:"app_name"`
	From      *time.Time `json:"from"`
	To        *time.Time `json:"to"`
	DateRange string     `json:"date_range"`
	HasText   *bool      `json:"has_text"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
	OrderBy   string     `json:"order_by"`
	TZ        string     `json:"tz"`
}

func (req searchRequest) query(now time.Time, loc *time.Location) (search.Query, error) {
	q := search.Query{
		Keyword: req.Keyword,
		Intent:  req.Intent,
		Filter:  store.Filter{AppName: strings.TrimSpace(req.AppName), HasText: req.HasText},
		Limit:   req.Limit,
		Offset:  req.Offset,
		OrderBy: search.Order(req.OrderBy),
	}
	switch {
	case req.DateRange != "" && (req.From != nil || req.To != nil):
		return q, store.Invalid("date_range", "cannot be combined with from/to")
	case req.DateRange != "":
		dr, ok := intent.ParseDateRange(req.DateRange)
		if !ok {
			return q, store.Invalid("date_range", "unknown range %q", req.DateRange)
		}
		from, to, _ := dr.Resolve(now, loc)
		q.Filter.TimeRange = &store.TimeRange{From: from, To: to}
	case req.From != nil || req.To != nil:
		tr := &store.TimeRange{}
		if req.From != nil {
			tr.From = *req.From
		}
		if req.To != nil {
			tr.To = *req.To
		}
		q.Filter.TimeRange = tr
	}
	return q, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		unavailable(w, r, "search engine")
		return
	}
	var req searchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	ctx, err := requestLocation(r, req.TZ)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	q, err := req.query(time.Now(), store.LocationFromContext(ctx))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	page, err := s.deps.Engine.Search(ctx, q)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type intentRequest struct {
	Text  string `json:"text"`
	Limit int    `json:"limit,omitempty"`
	TZ    string `json:"tz,omitempty"`
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Translator == nil {
		unavailable(w, r, "intent translator")
		return
	}
	var req intentRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	ctx, err := requestLocation(r, req.TZ)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	res := s.deps.Translator.Parse(ctx, req.Text)
	q := res.Params.Query(time.Now(), store.LocationFromContext(ctx))
	writeJSON(w, http.StatusOK, map[string]any{
		"params":          res.Params,
		"source":          res.Source,
		"fallback_reason": res.Reason,
		"filter":          q.Filter,
	})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if s.deps.Translator == nil {
		unavailable(w, r, "intent translator")
		return
	}
	var req intentRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeErr(w, r, store.Invalid("text", "required"))
		return
	}
	ctx, err := requestLocation(r, req.TZ)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	res, err := s.deps.Translator.Ask(ctx, req.Text, req.Limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
