package storage

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// allowedExtensions are the image extensions kept on upload; anything else is stored as jpg.
var allowedExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true,
	"bmp": true, "tiff": true, "tif": true, "webp": true,
}

var contentTypeExtensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/bmp":  "bmp",
	"image/tiff": "tiff",
	"image/webp": "webp",
}

// ImageStore keeps uploaded images under one directory per session.
type ImageStore struct {
	root string
}

// NewImageStore creates root if needed.
func NewImageStore(root string) (*ImageStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &ImageStore{root: root}, nil
}

// Root returns the sessions directory.
func (s *ImageStore) Root() string {
	return s.root
}

// Dir returns the directory of a session. Session IDs must be UUIDs.
func (s *ImageStore) Dir(sessionID string) (string, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return "", fmt.Errorf("invalid session id %q: %w", sessionID, err)
	}
	return filepath.Join(s.root, sessionID), nil
}

// Save writes image number index (1-based) of a session and returns its path.
func (s *ImageStore) Save(sessionID string, index int, filename, contentType string, data []byte) (string, error) {
	dir, err := s.Dir(sessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("image_%d.%s", index, ExtensionFor(filename, contentType)))
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	return path, nil
}

// SaveAttachment writes a non-image file (e.g. a referral) into the session directory.
func (s *ImageStore) SaveAttachment(sessionID, filename string, data []byte) (string, error) {
	dir, err := s.Dir(sessionID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create session directory: %w", err)
	}
	name := filepath.Base(filename)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "attachment"
	}
	path := filepath.Join(dir, "attachment_"+name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write attachment: %w", err)
	}
	return path, nil
}

// Remove deletes a session directory. A missing directory is not an error.
func (s *ImageStore) Remove(sessionID string) error {
	dir, err := s.Dir(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove session directory: %w", err)
	}
	return nil
}

// ExtensionFor picks the stored extension from the content type, then the
// filename, falling back to jpg.
func ExtensionFor(filename, contentType string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := contentTypeExtensions[mt]; ok {
			return ext
		}
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if allowedExtensions[ext] {
		return ext
	}
	return "jpg"
}
