package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestExtensionFor(t *testing.T) {
	tests := []struct {
		filename, contentType, want string
	}{
		{"scan.png", "image/png", "png"},
		{"scan.bin", "image/jpeg", "jpg"},
		{"scan.TIFF", "application/octet-stream", "tiff"},
		{"scan.webp", "", "webp"},
		{"scan.exe", "", "jpg"},
		{"noext", "text/plain", "jpg"},
		{"x.gif", "image/gif; charset=binary", "gif"},
	}
	for _, tt := range tests {
		if got := ExtensionFor(tt.filename, tt.contentType); got != tt.want {
			t.Errorf("ExtensionFor(%q, %q) = %q, want %q", tt.filename, tt.contentType, got, tt.want)
		}
	}
}

func TestImageStore(t *testing.T) {
	root := filepath.Join(t.TempDir(), "sessions")
	store, err := NewImageStore(root)
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.NewString()

	path, err := store.Save(id, 1, "chest.PNG", "", []byte("png-bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(root, id, "image_1.png"); path != want {
		t.Errorf("expected %s, got %s", want, path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != "png-bytes" {
		t.Errorf("unexpected content %q (%v)", data, err)
	}

	att, err := store.SaveAttachment(id, "../../referral.pdf", []byte("%PDF"))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(att) != filepath.Join(root, id) {
		t.Errorf("attachment escaped the session directory: %s", att)
	}

	if err := store.Remove(id); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, id)); !os.IsNotExist(err) {
		t.Error("session directory should be removed")
	}
	if err := store.Remove(id); err != nil {
		t.Errorf("removing a missing directory should succeed, got %v", err)
	}
}

func TestImageStore_RejectsUnsafeIDs(t *testing.T) {
	store, err := NewImageStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"../etc", "", "abc/def"} {
		if _, err := store.Save(id, 1, "a.png", "", nil); err == nil {
			t.Errorf("expected error for session id %q", id)
		}
		if err := store.Remove(id); err == nil {
			t.Errorf("expected Remove error for session id %q", id)
		}
	}
}
