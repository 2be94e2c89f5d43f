// Package extract pulls plain text out of referral documents and lab sheets
// attached to an analysis request.
package extract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/hyperjump/medvision/pkg/utils"
)

// ErrUnsupported is returned for binary content of an unknown format.
var ErrUnsupported = errors.New("unsupported document format")

// DefaultMaxChars bounds the extracted text kept per document.
const DefaultMaxChars = 20000

// Extractor extracts plain text from document files.
type Extractor struct {
	maxChars int
}

// NewExtractor returns an Extractor that truncates output to maxChars (0 means DefaultMaxChars).
func NewExtractor(maxChars int) *Extractor {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Extractor{maxChars: maxChars}
}

// Extract reads the file at path and returns its text content.
func (e *Extractor) Extract(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return e.ExtractBytes(content, filepath.Base(path))
}

// ExtractBytes extracts text from content, choosing the format from the
// filename extension and falling back to content sniffing.
func (e *Extractor) ExtractBytes(content []byte, filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = sniffExtension(content)
	}

	var text string
	var err error
	switch ext {
	case ".pdf":
		text, err = extractPDF(content)
	case ".docx":
		text, err = extractDOCX(content)
	case ".odt", ".rtf", ".doc":
		text, err = extractWithCat(content)
	case ".xlsx", ".xlsm":
		text, err = extractExcel(content)
	case ".ods":
		text, err = extractODS(content)
	case ".txt", ".md", ".csv", ".hl7", "":
		text, err = extractPlain(content)
	default:
		if !utf8.Valid(content) {
			return "", fmt.Errorf("%w: %s", ErrUnsupported, ext)
		}
		text, err = extractPlain(content)
	}
	if err != nil {
		return "", err
	}
	return utils.Truncate(strings.TrimSpace(text), e.maxChars), nil
}

// Supported reports whether filename has an extension ExtractBytes understands.
func Supported(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf", ".docx", ".odt", ".rtf", ".doc", ".xlsx", ".xlsm", ".ods", ".txt", ".md", ".csv", ".hl7":
		return true
	}
	return false
}

// sniffExtension guesses a format from magic bytes.
func sniffExtension(content []byte) string {
	switch {
	case strings.HasPrefix(string(content), "%PDF-"):
		return ".pdf"
	case strings.HasPrefix(string(content), "{\\rtf"):
		return ".rtf"
	case strings.HasPrefix(string(content), "PK\x03\x04"):
		return ".docx"
	}
	return ""
}
