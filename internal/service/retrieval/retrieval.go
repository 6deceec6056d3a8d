package retrieval

import (
	"context"
	"sort"
	"strings"
	"unicode"

	taskmodel "github.com/qiuhaotian/taskdeck/internal/model/task"
	taskstore "github.com/qiuhaotian/taskdeck/internal/service/task"
)

// Service scores stored document chunks against a query and returns the best
// passages as citations. Scoring is an in-process term-overlap heuristic; the
// backend of record owns any heavier index.
type Service struct {
	store    *taskstore.Store
	defaultK int
}

// NewService builds a retrieval service over the task store.
func NewService(store *taskstore.Store, defaultK int) *Service {
	if defaultK < 1 {
		defaultK = 8
	}
	return &Service{store: store, defaultK: defaultK}
}

const (
	termHitWeight    = 3
	phraseHitWeight  = 5
	sectionHitWeight = 2
)

// SearchTaskDocs returns up to k citations for the query, best match first.
// k outside [1, 20] falls back to the configured default.
func (s *Service) SearchTaskDocs(ctx context.Context, externalTaskKey, query string, k int) []taskmodel.Citation {
	if k < 1 || k > 20 {
		k = s.defaultK
	}

	terms := tokenize(query)
	if len(terms) == 0 {
		return nil
	}

	chunks, filesByID := s.store.LatestChunks(ctx, externalTaskKey)
	if len(chunks) == 0 {
		return nil
	}

	type scored struct {
		chunk taskmodel.Chunk
		score int
	}

	phrase := strings.ToLower(strings.TrimSpace(query))
	matches := make([]scored, 0, len(chunks))
	for _, chunk := range chunks {
		score := scoreChunk(chunk, terms, phrase)
		if score == 0 {
			continue
		}
		matches = append(matches, scored{chunk: chunk, score: score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})
	if len(matches) > k {
		matches = matches[:k]
	}

	maxScore := 0
	for _, m := range matches {
		if m.score > maxScore {
			maxScore = m.score
		}
	}

	citations := make([]taskmodel.Citation, 0, len(matches))
	for _, m := range matches {
		normalized := float64(m.score) / float64(maxScore)
		citation := taskmodel.Citation{
			Page:    m.chunk.Page,
			Section: m.chunk.Section,
			Snippet: m.chunk.Text,
			Score:   &normalized,
			FileID:  m.chunk.FileID,
		}
		if file, ok := filesByID[m.chunk.FileID]; ok {
			citation.Filename = file.OriginalFilename
			citation.ExternalAssetID = file.ExternalAssetID
		}
		citations = append(citations, citation)
	}
	return citations
}

// scoreChunk awards points per query term found in the chunk text, with a
// bonus for the full phrase and for section-title hits.
func scoreChunk(chunk taskmodel.Chunk, terms []string, phrase string) int {
	text := strings.ToLower(chunk.Text)
	section := strings.ToLower(chunk.Section)

	score := 0
	for _, term := range terms {
		if strings.Contains(text, term) {
			score += termHitWeight
		}
		if section != "" && strings.Contains(section, term) {
			score += sectionHitWeight
		}
	}
	if score > 0 && phrase != "" && strings.Contains(text, phrase) {
		score += phraseHitWeight
	}
	return score
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "for": {}, "in": {}, "is": {},
	"of": {}, "on": {}, "or": {}, "the": {}, "to": {}, "what": {}, "with": {},
}

func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		if len(field) < 2 {
			continue
		}
		if _, skip := stopwords[field]; skip {
			continue
		}
		terms = append(terms, field)
	}
	return terms
}
