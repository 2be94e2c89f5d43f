package keyword

import (
	"context"
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/medvision/internal/models"
)

// textFields are searched by default; the boost ranks patient and exam matches first.
var textFields = []struct {
	name  string
	boost float64
}{
	{"patient", 3},
	{"exam_type", 2},
	{"clinical_context", 1.5},
	{"report", 1},
	{"vision_context", 0.5},
}

// BleveIndex implements SessionIndex using Bleve.
type BleveIndex struct {
	index bleve.Index
}

// NewBleveIndex creates or opens a Bleve index at path.
// If you change the index mapping in code, remove the index directory to force a re-index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index}, nil
	}

	index, err := bleve.New(path, buildMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index}, nil
}

func buildMapping() *mapping.IndexMappingImpl {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) keeps clinical terms intact.
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	for _, f := range textFields {
		docMapping.AddFieldMappingsAt(f.name, text)
	}
	keyword := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("language", keyword)
	docMapping.AddFieldMappingsAt("status", keyword)

	im.AddDocumentMapping("session", docMapping)
	im.DefaultType = "session"
	im.DefaultMapping = docMapping
	return im
}

// Index adds or replaces a session.
func (b *BleveIndex) Index(ctx context.Context, s *models.Session) error {
	if err := b.index.Index(s.ID, newSessionDoc(s)); err != nil {
		return fmt.Errorf("failed to index session %s: %w", s.ID, err)
	}
	return nil
}

// Search runs a boosted query over the text fields and returns up to limit hits.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error) {
	if limit <= 0 {
		limit = 20
	}
	fuzzy := opts != nil && opts.Fuzzy
	fuzziness := 2
	if opts != nil && opts.Fuzziness > 0 {
		fuzziness = opts.Fuzziness
	}

	fieldQueries := make([]blevequery.Query, 0, len(textFields))
	for _, f := range textFields {
		var q blevequery.Query
		if fuzzy {
			q = buildFuzzyQuery(query, fuzziness, f.name, f.boost)
		} else {
			mq := bleve.NewMatchQuery(query)
			mq.SetField(f.name)
			mq.SetBoost(f.boost)
			q = mq
		}
		fieldQueries = append(fieldQueries, q)
	}

	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(fieldQueries...))
	req.Size = limit
	results, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	out := make([]*Result, len(results.Hits))
	for i, hit := range results.Hits {
		out[i] = &Result{ID: hit.ID, Score: hit.Score}
	}
	return out, nil
}

// buildFuzzyQuery creates a disjunction of FuzzyQueries for each term of queryStr on field.
func buildFuzzyQuery(queryStr string, fuzziness int, field string, boost float64) blevequery.Query {
	terms := tokenizeQuery(queryStr)
	if len(terms) == 0 {
		mq := bleve.NewMatchQuery(queryStr)
		mq.SetField(field)
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField(field)
		fq.SetBoost(boost)
		queries = append(queries, fq)
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// Delete removes a session from the index.
func (b *BleveIndex) Delete(ctx context.Context, id string) error {
	return b.index.Delete(id)
}

// DocCount returns the total number of indexed sessions.
func (b *BleveIndex) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// terms returns every indexed term of the text fields with its document frequency.
func (b *BleveIndex) terms() (map[string]int, error) {
	out := make(map[string]int)
	for _, f := range textFields {
		dict, err := b.index.FieldDict(f.name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s terms: %w", f.name, err)
		}
		for {
			entry, err := dict.Next()
			if err != nil || entry == nil {
				break
			}
			if int(entry.Count) > out[entry.Term] {
				out[entry.Term] = int(entry.Count)
			}
		}
		_ = dict.Close()
	}
	return out, nil
}
