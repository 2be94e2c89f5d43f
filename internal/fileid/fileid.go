// Package fileid derives stable identifiers for inbox images.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
)

const (
	contentPrefix = "img:"
	pathPrefix    = "file:"
)

// ContentID returns an ID derived from the image bytes. Identical files share an ID
// regardless of name or location.
func ContentID(data []byte) string {
	hash := sha256.Sum256(data)
	return contentPrefix + hex.EncodeToString(hash[:])
}

// FileContentID hashes the file at path without loading it into memory.
func FileContentID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return contentPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// PathID returns a stable ID for a cleaned path.
func PathID(path string) string {
	hash := sha256.Sum256([]byte(filepath.Clean(path)))
	return pathPrefix + hex.EncodeToString(hash[:])
}
