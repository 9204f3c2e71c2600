package embedding

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const tokenEncoding = "cl100k_base"

// Truncator caps input length before it reaches the embedding API. It
// counts cl100k tokens when the encoding is loadable and falls back to a
// rune budget (about 4 runes per token) otherwise.
type Truncator struct {
	maxTokens int

	once sync.Once
	enc  *tiktoken.Tiktoken
}

func NewTruncator(maxTokens int) *Truncator {
	return &Truncator{maxTokens: maxTokens}
}

// Truncate returns text cut to the token budget. maxTokens <= 0 disables it.
func (t *Truncator) Truncate(text string) string {
	if t == nil || t.maxTokens <= 0 {
		return text
	}
	// Cheap exit: a token is at least one rune.
	if len(text) <= t.maxTokens {
		return text
	}

	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(tokenEncoding)
		if err != nil {
			slog.Warn("embedding.tokenizer.unavailable", "encoding", tokenEncoding, "error", err)
			return
		}
		t.enc = enc
	})

	if t.enc != nil {
		tokens := t.enc.Encode(text, nil, nil)
		if len(tokens) <= t.maxTokens {
			return text
		}
		return trimPartialRune(t.enc.Decode(tokens[:t.maxTokens]))
	}

	runes := []rune(text)
	if limit := t.maxTokens * 4; len(runes) > limit {
		return string(runes[:limit])
	}
	return text
}

// trimPartialRune drops the bytes of a rune that a token boundary cut in
// half, leaving valid UTF-8.
func trimPartialRune(s string) string {
	for n := 0; n < utf8.UTFMax && s != ""; n++ {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size > 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}
