// Package router matches natural-language requests against the backends and
// tools described in a registry.
//
// Matching is lexical: each backend and each documented tool is reduced to a
// term-frequency vector and compared to the query with cosine similarity.
package router

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/registry"
)

// AnyTool marks a match against a backend as a whole.
const AnyTool = "*"

// DefaultThreshold is the minimum confidence the orchestrator acts on.
const DefaultThreshold = 0.3

// Match is one routing candidate.
type Match struct {
	Backend    string  `json:"backend"`
	Tool       string  `json:"tool"`
	Confidence float64 `json:"confidence"`
}

// Key identifies the candidate as backend::tool.
func (m Match) Key() string {
	return m.Backend + "::" + m.Tool
}

// IsBackend reports whether the match covers the backend rather than one tool.
func (m Match) IsBackend() bool {
	return m.Tool == AnyTool
}

type document struct {
	backend string
	tool    string
	vec     vector
}

// Router scores queries against a fixed registry snapshot. It is safe for
// concurrent use.
type Router struct {
	docs []document
}

// New indexes every backend in reg and every tool it documents.
func New(reg *registry.Registry) *Router {
	r := &Router{}
	if reg == nil {
		return r
	}
	for _, name := range reg.Names() {
		entry, ok := reg.Entry(name)
		if !ok {
			continue
		}
		parts := []string{name, entry.Description}
		parts = append(parts, entry.Capabilities...)
		parts = append(parts, entry.Keywords...)
		r.docs = append(r.docs, document{backend: name, tool: AnyTool, vec: termVector(parts...)})

		for _, tool := range entry.ToolNames() {
			doc := entry.Tools[tool]
			if doc == nil {
				continue
			}
			parts := []string{tool, doc.Description}
			parts = append(parts, doc.Examples...)
			parts = append(parts, doc.Keywords...)
			r.docs = append(r.docs, document{backend: name, tool: tool, vec: termVector(parts...)})
		}
	}
	return r
}

// FindTools returns every candidate whose confidence is at least threshold,
// best first. Each backend::tool pair appears once.
func (r *Router) FindTools(query string, threshold float64) []Match {
	q := termVector(query)
	if len(q) == 0 {
		return nil
	}
	seen := make(map[string]int)
	var matches []Match
	for _, doc := range r.docs {
		score := cosine(q, doc.vec)
		if score <= 0 || score < threshold {
			continue
		}
		m := Match{Backend: doc.backend, Tool: doc.tool, Confidence: score}
		if i, ok := seen[m.Key()]; ok {
			if score > matches[i].Confidence {
				matches[i] = m
			}
			continue
		}
		seen[m.Key()] = len(matches)
		matches = append(matches, m)
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		if matches[i].Backend != matches[j].Backend {
			return matches[i].Backend < matches[j].Backend
		}
		return matches[i].Tool < matches[j].Tool
	})
	return matches
}

// Best returns the highest-scoring candidate at or above threshold.
func (r *Router) Best(query string, threshold float64) (Match, bool) {
	matches := r.FindTools(query, threshold)
	if len(matches) == 0 {
		return Match{}, false
	}
	return matches[0], true
}

type vector map[string]float64

func termVector(texts ...string) vector {
	v := make(vector)
	for _, text := range texts {
		for _, term := range tokenize(text) {
			v[term]++
		}
	}
	return v
}

func cosine(a, b vector) float64 {
	var dot, normA, normB float64
	for term, x := range a {
		dot += x * b[term]
		normA += x * x
	}
	for _, y := range b {
		normB += y * y
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "the": {}, "to": {}, "of": {}, "for": {},
	"with": {}, "from": {}, "in": {}, "on": {}, "me": {}, "my": {}, "i": {},
	"please": {}, "some": {}, "it": {}, "is": {}, "this": {}, "that": {},
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := fields[:0]
	for _, f := range fields {
		if _, stop := stopWords[f]; stop {
			continue
		}
		terms = append(terms, stem(f))
	}
	return terms
}

// stem folds simple English plurals so "logos" matches "logo".
func stem(term string) string {
	switch {
	case len(term) > 4 && strings.HasSuffix(term, "ies"):
		return term[:len(term)-3] + "y"
	case len(term) > 3 && strings.HasSuffix(term, "s") && !strings.HasSuffix(term, "ss"):
		return term[:len(term)-1]
	}
	return term
}
