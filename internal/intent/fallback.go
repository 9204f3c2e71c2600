package intent

import (
	"strings"
	"unicode"

	"github.com/mattn/go-shellwords"
)

// Date phrases in match priority order. The first hit wins.
var datePhrases = []struct {
	phrases []string
	dr      DateRange
}{
	{[]string{"yesterday"}, Yesterday},
	{[]string{"today"}, Today},
	{[]string{"last week", "last_week"}, LastWeek},
	{[]string{"this week", "this_week"}, ThisWeek},
	{[]string{"this month", "this_month"}, ThisMonth},
}

var ocrWords = map[string]bool{"ocr": true, "content": true, "text": true}

var ocrSubstrings = []string{"内容", "文本"}

// stopwords are dropped from fallback keywords: question scaffolding,
// pronouns and generic nouns that never narrow a search.
var stopwords = map[string]bool{
	"a": true, "about": true, "all": true, "an": true, "and": true, "any": true,
	"are": true, "at": true, "by": true, "can": true, "did": true, "do": true,
	"doing": true, "during": true, "find": true, "for": true, "from": true,
	"get": true, "give": true, "had": true, "has": true, "have": true,
	"how": true, "i": true, "in": true, "is": true, "it": true, "last": true,
	"list": true, "look": true, "looking": true, "me": true, "month": true,
	"my": true, "of": true, "on": true, "or": true, "please": true,
	"search": true, "see": true, "show": true, "since": true, "that": true,
	"the": true, "these": true, "this": true, "those": true, "to": true,
	"was": true, "we": true, "week": true, "were": true, "what": true,
	"when": true, "where": true, "which": true, "with": true, "you": true,
	// filler nouns
	"activity": true, "activities": true, "document": true, "documents": true,
	"file": true, "files": true, "item": true, "items": true, "record": true,
	"records": true, "stuff": true, "thing": true, "things": true,
}

// Fallback is the deterministic local parser used whenever the LLM is
// disabled, slow or returns garbage. It never fails.
//
// It recognizes a relative date phrase, an OCR marker, an "app:<name>"
// marker and quoted phrases; every other non-stopword becomes a keyword.
func Fallback(text string) FilterParams {
	lower := strings.ToLower(strings.TrimSpace(text))
	p := FilterParams{Keywords: []string{}}

	work := lower
	for _, dp := range datePhrases {
		hit := ""
		for _, ph := range dp.phrases {
			if strings.Contains(lower, ph) {
				hit = ph
				break
			}
		}
		if hit != "" {
			p.DateRange = dp.dr
			work = strings.ReplaceAll(work, hit, " ")
			break
		}
	}

	for _, sub := range ocrSubstrings {
		if strings.Contains(lower, sub) {
			p.HasOCR = boolPtr(true)
			work = strings.ReplaceAll(work, sub, " ")
		}
	}

	// Only double quotes mark phrases; apostrophes in "what's" stay literal.
	tokens := strings.Fields(work)
	if strings.Contains(work, `"`) {
		if parsed, err := shellwords.Parse(strings.ReplaceAll(work, "'", `\'`)); err == nil {
			tokens = parsed
		}
	}

	seen := map[string]bool{}
	addKeyword := func(k string) {
		if k == "" || seen[k] {
			return
		}
		seen[k] = true
		p.Keywords = append(p.Keywords, k)
	}

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		if strings.HasPrefix(tok, "app:") {
			name := strings.TrimPrefix(tok, "app:")
			if name == "" && i+1 < len(tokens) {
				i++
				name = tokens[i]
			}
			if name = trimWord(name); name != "" {
				p.AppName = name
			}
			continue
		}
		if strings.ContainsFunc(tok, unicode.IsSpace) {
			// A quoted phrase stays one keyword.
			addKeyword(strings.Join(strings.Fields(tok), " "))
			continue
		}
		w := trimWord(tok)
		switch {
		case w == "":
		case ocrWords[w]:
			p.HasOCR = boolPtr(true)
		case stopwords[w]:
		default:
			addKeyword(w)
		}
	}
	return p
}

// trimWord strips surrounding punctuation, keeping inner '-' and '_'.
func trimWord(s string) string {
	s = strings.TrimFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '_' && r != '-'
	})
	return strings.Trim(s, "-_")
}

func boolPtr(b bool) *bool { return &b }
