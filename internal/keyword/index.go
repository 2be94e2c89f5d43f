// Package keyword provides full-text search over analysis sessions.
package keyword

import (
	"context"
	"strings"

	"github.com/hyperjump/medvision/internal/models"
)

// SearchOptions are optional search parameters. Nil means exact matching.
type SearchOptions struct {
	// Fuzzy enables typo-tolerant matching.
	Fuzzy bool
	// Fuzziness is the maximum edit distance per term when Fuzzy is set (1 or 2, default 2).
	Fuzziness int
}

// Result is a single search hit.
type Result struct {
	ID    string  `json:"session_id"`
	Score float64 `json:"score"`
}

// SessionIndex indexes sessions for search.
type SessionIndex interface {
	Index(ctx context.Context, s *models.Session) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error)
	// Suggest returns a corrected query built from indexed terms, or "" when
	// every term is already known or nothing close exists.
	Suggest(query string) (string, error)
	Delete(ctx context.Context, id string) error
	DocCount() (uint64, error)
	Close() error
}

// sessionDoc is the indexed view of a session.
type sessionDoc struct {
	Patient         string `json:"patient"`
	ExamType        string `json:"exam_type"`
	ClinicalContext string `json:"clinical_context"`
	Report          string `json:"report"`
	VisionContext   string `json:"vision_context"`
	Language        string `json:"language"`
	Status          string `json:"status"`
}

func newSessionDoc(s *models.Session) sessionDoc {
	return sessionDoc{
		Patient:         strings.TrimSpace(s.Patient.Name + " " + s.Patient.Gender),
		ExamType:        s.ExamType,
		ClinicalContext: s.ClinicalContext,
		Report:          s.Report,
		VisionContext:   s.VisionContext,
		Language:        s.Language,
		Status:          s.Status,
	}
}

// tokenizeQuery splits query into lowercase terms, filtering out empty strings.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}
