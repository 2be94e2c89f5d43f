package extract

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// odsContentPath is the main content inside an .ods zip.
const odsContentPath = "content.xml"

var (
	odsRowEnd = regexp.MustCompile(`</table:table-row>`)
	odsCell   = regexp.MustCompile(`(?s)<table:table-cell[^>]*>(.*?)</table:table-cell>`)
	odsTag    = regexp.MustCompile(`<[^>]+>`)
	// Empty cells are often written self-closing.
	odsEmptyCell = regexp.MustCompile(`<table:table-cell[^>]*/>`)
)

// extractODS returns spreadsheet rows of an .ods file, cells separated by tabs.
func extractODS(content []byte) (string, error) {
	zr, err := openZip(content, "ODS")
	if err != nil {
		return "", err
	}
	data, err := readZipEntry(zr, odsContentPath)
	if err != nil {
		return "", fmt.Errorf("extract ODS: %w", err)
	}
	if data == nil {
		return "", fmt.Errorf("extract ODS: %s not found", odsContentPath)
	}

	var rows []string
	body := odsEmptyCell.ReplaceAllString(string(data), "<table:table-cell></table:table-cell>")
	for _, row := range odsRowEnd.Split(body, -1) {
		cells := odsCell.FindAllStringSubmatch(row, -1)
		if len(cells) == 0 {
			continue
		}
		values := make([]string, 0, len(cells))
		for _, c := range cells {
			values = append(values, strings.TrimSpace(html.UnescapeString(odsTag.ReplaceAllString(c[1], " "))))
		}
		if line := strings.TrimRight(strings.Join(values, "\t"), "\t"); strings.TrimSpace(line) != "" {
			rows = append(rows, line)
		}
	}
	return strings.Join(rows, "\n"), nil
}
