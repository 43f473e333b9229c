// Package search runs wildcard queries over a saved result set, the
// post-hoc counterpart to the body keyword filter.
package search

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pubplat/scraper/internal/sink"
	"github.com/pubplat/scraper/pkg/types"
	"github.com/pubplat/scraper/pkg/wildcard"
)

// Hit pairs a record with the distinct matches found in its body, in
// first-seen order. Records with zero matches produce no Hit.
type Hit struct {
	Record  types.PostRecord
	Matches []string
}

// Searcher matches record bodies against a compiled wildcard pattern.
type Searcher struct {
	logger *zap.Logger
}

func NewSearcher(logger *zap.Logger) *Searcher {
	return &Searcher{logger: logger}
}

// Search compiles the pattern and scans each record's body.
func (s *Searcher) Search(records []types.PostRecord, pattern string) ([]Hit, error) {
	compiled, err := wildcard.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to compile search pattern: %w", err)
	}

	var hits []Hit
	total := 0
	for _, record := range records {
		matches := compiled.FindAll(record.Body)
		if len(matches) == 0 {
			continue
		}
		hits = append(hits, Hit{Record: record, Matches: matches})
		total += len(matches)
	}

	s.logger.Info("content search finished",
		zap.String("pattern", pattern),
		zap.Int("records", len(records)),
		zap.Int("hit_records", len(hits)),
		zap.Int("matches", total))
	return hits, nil
}

// SearchFile loads a JSON result file and searches it.
func (s *Searcher) SearchFile(path, pattern string) ([]Hit, error) {
	records, err := sink.ReadJSON(path)
	if err != nil {
		return nil, err
	}
	return s.Search(records, pattern)
}
