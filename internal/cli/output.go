// Package cli formats MedVision results for the command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/medvision/internal/checkpoint"
	"github.com/hyperjump/medvision/internal/models"
	"github.com/hyperjump/medvision/pkg/utils"
)

// OutputFormat selects how results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat maps a flag value to a format; anything but "json" is text.
func ParseOutputFormat(s string) OutputFormat {
	if strings.EqualFold(strings.TrimSpace(s), string(OutputJSON)) {
		return OutputJSON
	}
	return OutputText
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// AnalysisOutput is what the analyze command prints.
type AnalysisOutput struct {
	SessionID     string                `json:"session_id,omitempty"`
	VisionContext string                `json:"vision_context"`
	Images        []*models.ImageResult `json:"images"`
	Report        string                `json:"report,omitempty"`
	ReportError   string                `json:"report_error,omitempty"`
}

// WriteAnalysis writes the vision context and, when present, the report.
func WriteAnalysis(w io.Writer, out *AnalysisOutput, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, out)
	}
	if out.SessionID != "" {
		fmt.Fprintf(w, "Session: %s\n\n", out.SessionID)
	}
	fmt.Fprintln(w, "Vision context:")
	fmt.Fprintln(w, out.VisionContext)
	switch {
	case out.ReportError != "":
		fmt.Fprintf(w, "\nReport generation failed: %s\n", out.ReportError)
	case out.Report != "":
		fmt.Fprintf(w, "\nReport:\n%s\n", out.Report)
	}
	return nil
}

// WriteSessions writes a session listing.
func WriteSessions(w io.Writer, sessions []*models.SessionSummary, total int64, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, map[string]interface{}{"sessions": sessions, "total": total})
	}
	fmt.Fprintf(w, "%d of %d sessions\n\n", len(sessions), total)
	for _, s := range sessions {
		fmt.Fprintf(w, "%s  %s  %-13s  %-20s  %s (%d images)\n",
			s.ID,
			s.CreatedAt.Local().Format("2006-01-02 15:04"),
			s.Status,
			utils.Truncate(utils.OrNA(s.ExamType), 20),
			utils.OrNA(s.Patient.Name),
			s.ImageCount)
	}
	return nil
}

// WriteSession writes one session in full.
func WriteSession(w io.Writer, s *models.Session, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, s)
	}
	fmt.Fprintf(w, "ID:        %s\n", s.ID)
	fmt.Fprintf(w, "Created:   %s\n", s.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Status:    %s\n", s.Status)
	fmt.Fprintf(w, "Patient:   %s, Age: %s, Gender: %s\n",
		utils.OrNA(s.Patient.Name), utils.OrNA(s.Patient.Age), utils.OrNA(s.Patient.Gender))
	fmt.Fprintf(w, "Exam:      %s\n", utils.OrNA(s.ExamType))
	fmt.Fprintf(w, "Language:  %s\n", utils.OrNA(s.Language))
	fmt.Fprintf(w, "Template:  %s\n", utils.OrNA(s.PromptTemplate))
	if s.ClinicalContext != "" {
		fmt.Fprintf(w, "Context:   %s\n", s.ClinicalContext)
	}
	fmt.Fprintf(w, "Images:    %d\n", len(s.ImagePaths))
	if s.Error != "" {
		fmt.Fprintf(w, "Error:     %s\n", s.Error)
	}
	fmt.Fprintf(w, "\nVision context:\n%s\n", s.VisionContext)
	if s.Report != "" {
		fmt.Fprintf(w, "\nReport:\n%s\n", s.Report)
	}
	return nil
}

// CheckpointSummary describes a checkpoint archive.
type CheckpointSummary struct {
	Path     string            `json:"path"`
	Tensors  []checkpoint.Info `json:"tensors"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// Missing lists required vision tensors absent from the archive.
	Missing []string `json:"missing,omitempty"`
}

// WriteCheckpoint writes a tensor listing.
func WriteCheckpoint(w io.Writer, c *CheckpointSummary, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, c)
	}
	fmt.Fprintf(w, "%s: %d tensors\n", c.Path, len(c.Tensors))
	for k, v := range c.Metadata {
		fmt.Fprintf(w, "  meta %s = %s\n", k, v)
	}
	for _, t := range c.Tensors {
		fmt.Fprintf(w, "  %-50s %-5s %v\n", t.Name, t.DType, t.Shape)
	}
	if len(c.Missing) > 0 {
		fmt.Fprintf(w, "Missing required tensors: %s\n", strings.Join(c.Missing, ", "))
	}
	return nil
}

// ReorderArgs moves flags that follow positional arguments to the front so
// the flag package parses them.
func ReorderArgs(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if len(a) > 1 && a[0] == '-' {
			flags = append(flags, a)
			if !strings.Contains(a, "=") && i+1 < len(args) && !isBoolFlag(a) && (len(args[i+1]) == 0 || args[i+1][0] != '-') {
				flags = append(flags, args[i+1])
				i++
			}
			continue
		}
		positional = append(positional, a)
	}
	return append(flags, positional...)
}

// boolFlags take no value.
var boolFlags = map[string]bool{
	"report": true, "save": true, "fuzzy": true, "debug": true, "force": true,
}

func isBoolFlag(a string) bool {
	return boolFlags[strings.TrimLeft(a, "-")]
}
