// Package analysis holds the built-in extraction and analysis
// collaborators. They are deliberately simple heuristics; a deployment can
// swap in model-backed implementations behind the same interfaces.
package analysis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
)

// approximate characters per token, used for usage accounting.
const charsPerToken = 4

// HeuristicExtractor finds candidate named entities in the crawled corpus.
type HeuristicExtractor struct {
	logger *zap.Logger
}

// NewHeuristicExtractor constructs a HeuristicExtractor.
func NewHeuristicExtractor(logger *zap.Logger) *HeuristicExtractor {
	return &HeuristicExtractor{logger: logger}
}

// Extract counts distinct capitalized multi-word sequences as entities.
func (e *HeuristicExtractor) Extract(ctx context.Context, companyID string, text string) (int, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	entities := extractEntities(text)
	tokens := int64(len(text) / charsPerToken)
	e.logger.Debug("Heuristic extraction done",
		zap.String("company_id", companyID),
		zap.Int("entities", len(entities)))
	return len(entities), tokens, nil
}

// HeuristicAnalyzer summarizes the corpus into a markdown report.
type HeuristicAnalyzer struct {
	logger *zap.Logger
}

// NewHeuristicAnalyzer constructs a HeuristicAnalyzer.
func NewHeuristicAnalyzer(logger *zap.Logger) *HeuristicAnalyzer {
	return &HeuristicAnalyzer{logger: logger}
}

// Analyze produces a report listing the most frequent entities and basic
// corpus statistics.
func (a *HeuristicAnalyzer) Analyze(ctx context.Context, companyID string, corpus string) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	entities := extractEntities(corpus)
	top := topEntities(entities, 20)

	var b strings.Builder
	b.WriteString("# Company Intelligence Report\n\n")
	fmt.Fprintf(&b, "Corpus size: %d characters, %d words.\n\n", len(corpus), len(strings.Fields(corpus)))
	b.WriteString("## Key entities\n\n")
	if len(top) == 0 {
		b.WriteString("No entities identified.\n")
	}
	for _, entity := range top {
		fmt.Fprintf(&b, "- %s (%d mentions)\n", entity.name, entity.count)
	}

	tokens := int64(len(corpus) / charsPerToken)
	a.logger.Debug("Heuristic analysis done",
		zap.String("company_id", companyID),
		zap.Int("entities", len(entities)))
	return b.String(), tokens, nil
}

type entityCount struct {
	name  string
	count int
}

// Capitalized sentence openers that never begin an entity. "The Acme Corp"
// counts as "Acme Corp".
var leadingStopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "our": {}, "we": {},
	"this": {}, "these": {}, "it": {},
}

// extractEntities returns occurrence counts of capitalized word runs, the
// classic cheap stand-in for NER.
func extractEntities(text string) map[string]int {
	out := make(map[string]int)
	words := strings.Fields(text)
	var run []string
	flush := func() {
		if len(run) >= 2 {
			out[strings.Join(run, " ")]++
		}
		run = run[:0]
	}
	for _, word := range words {
		trimmed := strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if trimmed == "" {
			flush()
			continue
		}
		first := []rune(trimmed)[0]
		if !unicode.IsUpper(first) {
			flush()
			continue
		}
		if len(run) == 0 {
			if _, stop := leadingStopwords[strings.ToLower(trimmed)]; stop {
				continue
			}
		}
		run = append(run, trimmed)
		// Sentence punctuation ends the run: "Portland. The" is two
		// fragments, not one entity.
		if last, _ := utf8.DecodeLastRuneInString(word); !unicode.IsLetter(last) && !unicode.IsNumber(last) {
			flush()
		}
	}
	flush()
	return out
}

func topEntities(counts map[string]int, limit int) []entityCount {
	out := make([]entityCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, entityCount{name: name, count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].name < out[j].name
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
