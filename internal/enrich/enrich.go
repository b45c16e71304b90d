// Package enrich derives search keywords from text so prompts can steer
// generated posts toward the vocabulary of the tenant's own material.
package enrich

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode"
)

// Keyword is a ranked term or two-word phrase.
type Keyword struct {
	Keyword string `json:"keyword"`
	Count   int    `json:"count"`
}

// Result is the outcome of one keyword lookup.
type Result struct {
	Seed     string    `json:"seed_keyword"`
	Keywords []Keyword `json:"keywords"`
}

// ErrEmptyQuery is returned for a query with no usable words.
var ErrEmptyQuery = errors.New("keyword query is empty")

// Extractor ranks the terms of a query by frequency. It has no external
// dependencies and never blocks.
type Extractor struct {
	minLength int
	stopwords map[string]struct{}
}

func NewExtractor() *Extractor {
	stop := make(map[string]struct{}, len(stopwords))
	for _, w := range stopwords {
		stop[w] = struct{}{}
	}
	return &Extractor{minLength: 3, stopwords: stop}
}

// Research returns up to limit keywords for query. Single words and adjacent
// word pairs compete on count; ties keep first-seen order.
func (e *Extractor) Research(ctx context.Context, query string, limit int) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seed := strings.Join(strings.Fields(query), " ")
	if seed == "" {
		return nil, ErrEmptyQuery
	}

	type entry struct {
		Keyword
		first int
	}
	counts := make(map[string]*entry)
	add := func(term string, pos int) {
		if en, ok := counts[term]; ok {
			en.Count++
			return
		}
		counts[term] = &entry{Keyword: Keyword{Keyword: term, Count: 1}, first: pos}
	}

	words := e.words(seed)
	for i, w := range words {
		if w == "" {
			continue
		}
		add(w, i)
		if i+1 < len(words) && words[i+1] != "" {
			add(w+" "+words[i+1], i)
		}
	}

	entries := make([]*entry, 0, len(counts))
	for _, en := range counts {
		entries = append(entries, en)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].first < entries[j].first ||
			(entries[i].first == entries[j].first && len(entries[i].Keyword.Keyword) < len(entries[j].Keyword.Keyword))
	})

	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	res := &Result{Seed: seed, Keywords: make([]Keyword, 0, limit)}
	for _, en := range entries[:limit] {
		res.Keywords = append(res.Keywords, en.Keyword)
	}
	return res, nil
}

// words lowercases text and splits it into words. Stopwords and short words
// become "" so that phrases never bridge across them.
func (e *Extractor) words(text string) []string {
	raw := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := make([]string, 0, len(raw))
	for _, w := range raw {
		w = strings.Trim(w, "'")
		if _, stop := e.stopwords[w]; stop || len([]rune(w)) < e.minLength || isNumber(w) {
			w = ""
		}
		out = append(out, w)
	}
	return out
}

func isNumber(w string) bool {
	for _, r := range w {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

var stopwords = []string{
	"the", "and", "for", "are", "but", "not", "you", "your", "yours", "all", "any", "can", "had", "has",
	"have", "her", "his", "him", "its", "it's", "our", "ours", "out", "was", "were", "will", "with", "this",
	"that", "these", "those", "they", "them", "their", "there", "then", "than", "from", "into", "onto",
	"about", "above", "after", "again", "also", "been", "being", "before", "below", "between", "both",
	"does", "doing", "down", "during", "each", "few", "more", "most", "much", "other", "over", "own",
	"same", "should", "some", "such", "only", "very", "what", "when", "where", "which", "while", "who",
	"whom", "why", "how", "would", "could", "just", "like", "make", "made", "may", "might", "must",
	"one", "too", "use", "used", "using", "via", "per", "get", "got", "let", "did", "off", "once",
	"under", "until", "upon", "we're", "we've", "you're", "i'm", "don't", "can't", "won't", "write",
	"post", "create", "please", "content", "new",
}
