package extract

import (
	"strings"
	"unicode/utf8"
)

// extractPlain returns content as text, stripping a UTF-8 BOM and replacing
// invalid sequences with U+FFFD.
func extractPlain(content []byte) (string, error) {
	s := strings.TrimPrefix(string(content), "\ufeff")
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\ufffd")
	}
	return s, nil
}
