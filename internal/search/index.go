// Package search implements the in-memory retrieval index behind the
// assistant's knowledge base. A bot's KB is a Markdown file (FAQ entries,
// product facts, pricing tables); the index splits it into snippets and,
// at reply time, hands the responder the snippets most similar to the
// visitor's message so the model can ground its answer.
//
// The index is deliberately small: no persistence, no embeddings, no
// logging. It is built once at startup, immutable afterwards, and safe for
// concurrent use by every conversation worker. Scoring is Jaccard
// similarity between token sets, score = |Q ∩ S| / |Q ∪ S|, with
// deterministic tie-breaking so replies are reproducible.
package search

import (
	"bytes"
	"io"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Result is one ranked knowledge-base snippet.
type Result struct {
	Snippet string
	Score   float64
}

// Index is the retrieval interface the responder depends on.
type Index interface {
	TopK(query string, k int) []Result
}

// Option tunes index construction.
type Option func(*settings)

type settings struct {
	minSnippetRunes int
	stopwords       map[string]struct{}
	maxSnippets     int
}

func defaultSettings() settings {
	return settings{
		// Very short blocks (headings, "Yes.") carry no retrievable signal.
		minSnippetRunes: 40,
		stopwords:       nil,
		maxSnippets:     0,
	}
}

// WithMinSnippetRunes sets the minimum snippet length in runes. Shorter
// blocks are dropped at build time. Negative values are ignored.
func WithMinSnippetRunes(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.minSnippetRunes = n
		}
	}
}

// WithStopwords removes the given words (case-insensitive) from both
// snippet and query token sets.
func WithStopwords(words []string) Option {
	return func(s *settings) {
		m := make(map[string]struct{}, len(words))
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w != "" {
				m[w] = struct{}{}
			}
		}
		if len(m) > 0 {
			s.stopwords = m
		}
	}
}

// WithMaxSnippets caps how many snippets are indexed, in file order.
func WithMaxSnippets(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxSnippets = n
		}
	}
}

type snippet struct {
	text   string
	tokens map[string]struct{}
	tLen   int
}

type index struct {
	cfg      settings
	snippets []snippet
}

// NewIndexFromMarkdown builds an Index from the knowledge-base file at
// path. Markdown tables are flattened into standalone facts first (see
// PrepareMarkdownInMemory) so each table row becomes its own retrievable
// snippet.
func NewIndexFromMarkdown(path string, opts ...Option) (Index, error) {
	b, err := PrepareMarkdownInMemory(path)
	if err != nil {
		return &index{cfg: defaultSettings()}, err
	}
	return NewIndexFromReader(bytes.NewReader(b), opts...)
}

// NewIndexFromReader builds an Index from UTF-8 text. The reader is fully
// consumed; snippets are split on blank lines.
func NewIndexFromReader(r io.Reader, opts ...Option) (Index, error) {
	cfg := defaultSettings()
	for _, o := range opts {
		o(&cfg)
	}
	all, err := io.ReadAll(r)
	if err != nil {
		return &index{cfg: cfg}, err
	}
	return build(splitBlocks(all), cfg), nil
}

// NewIndexFromSnippets builds an Index directly from prepared text blocks.
func NewIndexFromSnippets(blocks []string, opts ...Option) Index {
	cfg := defaultSettings()
	for _, o := range opts {
		o(&cfg)
	}
	return build(blocks, cfg)
}

func build(blocks []string, cfg settings) *index {
	snippets := make([]snippet, 0, len(blocks))
	for _, raw := range blocks {
		t := strings.TrimSpace(collapseSpaces(raw))
		if t == "" {
			continue
		}
		if cfg.minSnippetRunes > 0 && utf8.RuneCountInString(t) < cfg.minSnippetRunes {
			continue
		}
		toks := tokenize(t, cfg.stopwords)
		if len(toks) == 0 {
			continue
		}
		snippets = append(snippets, snippet{text: t, tokens: toks, tLen: len(toks)})
		if cfg.maxSnippets > 0 && len(snippets) >= cfg.maxSnippets {
			break
		}
	}
	return &index{cfg: cfg, snippets: snippets}
}

// TopK returns up to k snippets ranked by Jaccard similarity to the query.
// Ties break by score, then shorter snippet, then lexicographic order, so
// results are stable across runs.
func (i *index) TopK(q string, k int) []Result {
	if len(i.snippets) == 0 || strings.TrimSpace(q) == "" {
		return nil
	}
	if k <= 0 {
		k = 3
	}
	qTokens := tokenize(q, i.cfg.stopwords)
	if len(qTokens) == 0 {
		return nil
	}
	qLen := len(qTokens)

	type scored struct {
		text     string
		score    float64
		lenRunes int
	}

	buf := make([]scored, 0, min(k*4, len(i.snippets)))
	for _, s := range i.snippets {
		over := overlap(qTokens, s.tokens)
		if over == 0 {
			continue
		}
		union := float64(qLen + s.tLen - over)
		if union <= 0 {
			continue
		}
		buf = append(buf, scored{
			text:     s.text,
			score:    float64(over) / union,
			lenRunes: utf8.RuneCountInString(s.text),
		})
	}
	if len(buf) == 0 {
		return nil
	}

	sort.SliceStable(buf, func(a, b int) bool {
		if buf[a].score != buf[b].score {
			return buf[a].score > buf[b].score
		}
		if buf[a].lenRunes != buf[b].lenRunes {
			return buf[a].lenRunes < buf[b].lenRunes
		}
		return buf[a].text < buf[b].text
	})

	if k > len(buf) {
		k = len(buf)
	}
	out := make([]Result, k)
	for n := 0; n < k; n++ {
		out[n] = Result{Snippet: buf[n].text, Score: buf[n].score}
	}
	return out
}

// wordRE keeps letter runs with optional trailing digits, so SKUs like
// "tariff3" survive tokenization.
var wordRE = regexp.MustCompile(`\p{L}+\p{N}*`)

func tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	words := wordRE.FindAllString(strings.ToLower(s), -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if stop != nil {
			if _, skip := stop[w]; skip {
				continue
			}
		}
		out[w] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

// collapseSpaces squashes runs of spaces, tabs, and carriage returns into
// a single space. Newlines are preserved.
func collapseSpaces(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\r' {
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

var blockSplitRE = regexp.MustCompile(`\n\s*\n`)

func splitBlocks(all []byte) []string {
	chunks := blockSplitRE.Split(string(all), -1)
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if t := strings.TrimSpace(c); t != "" {
			out = append(out, t)
		}
	}
	return out
}
