package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperjump/medvision/internal/models"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSession(id string, created time.Time) *models.Session {
	return &models.Session{
		ID:              id,
		Patient:         models.PatientInfo{Name: "John Doe", Age: "61", Gender: "male"},
		ExamType:        "Chest X-ray",
		Language:        "English",
		PromptTemplate:  "Radiology Report",
		ClinicalContext: "persistent cough",
		ImagePaths:      []string{"/data/" + id + "/image_1.png", "/data/" + id + "/image_2.jpg"},
		VisionContext:   "[Image 1 processed. Dimensions: 10x10. Embedding dims: (1, 49, 4096)]",
		Results: []*models.ImageResult{
			{Index: 1, Width: 10, Height: 10, Shape: []int{1, 49, 4096}, Success: true},
			{Index: 2, Error: "preprocessing: decode image: image: unknown format"},
		},
		Status:    models.SessionCompleted,
		Report:    "<p>No acute findings.</p>",
		CreatedAt: created,
	}
}

func TestSQLiteStorage_CRUD(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	sess := testSession("s1", time.Time{})
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	if sess.CreatedAt.IsZero() || sess.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Patient != sess.Patient || got.ExamType != "Chest X-ray" || got.Report != sess.Report {
		t.Errorf("got %+v", got)
	}
	if len(got.ImagePaths) != 2 || len(got.Results) != 2 {
		t.Fatalf("lists not round-tripped: %+v", got)
	}
	if !got.Results[0].Success || got.Results[1].Error == "" || got.Results[0].Shape[2] != 4096 {
		t.Errorf("results not round-tripped: %+v %+v", got.Results[0], got.Results[1])
	}

	sess.Status = models.SessionReportFailed
	sess.Error = "provider returned 503"
	sess.Report = ""
	if err := store.UpdateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	got, _ = store.GetSession(ctx, "s1")
	if got.Status != models.SessionReportFailed || got.Error != "provider returned 503" || got.Report != "" {
		t.Errorf("update not applied: %+v", got)
	}

	count, err := store.CountSessions(ctx)
	if err != nil || count != 1 {
		t.Errorf("expected 1 session, got %d (%v)", count, err)
	}

	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.GetSession(ctx, "s1"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestSQLiteStorage_NotFound(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession: expected ErrSessionNotFound, got %v", err)
	}
	if err := store.UpdateSession(ctx, testSession("missing", time.Now())); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("UpdateSession: expected ErrSessionNotFound, got %v", err)
	}
	if err := store.DeleteSession(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("DeleteSession: expected ErrSessionNotFound, got %v", err)
	}
}

func TestSQLiteStorage_ListNewestFirst(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "new", "mid"} {
		offset := map[int]time.Duration{0: 0, 1: 2 * time.Hour, 2: time.Hour}[i]
		if err := store.CreateSession(ctx, testSession(id, base.Add(offset))); err != nil {
			t.Fatal(err)
		}
	}

	list, err := store.ListSessions(ctx, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 || list[0].ID != "new" || list[1].ID != "mid" || list[2].ID != "old" {
		t.Fatalf("unexpected order: %v", summaryIDs(list))
	}
	if list[0].ImageCount != 2 || list[0].Patient.Name != "John Doe" || list[0].Status != models.SessionCompleted {
		t.Errorf("unexpected summary %+v", list[0])
	}

	page, err := store.ListSessions(ctx, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].ID != "mid" {
		t.Errorf("unexpected page %v", summaryIDs(page))
	}

	all, err := store.AllSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ID != "new" || all[0].VisionContext == "" {
		t.Errorf("unexpected AllSessions result")
	}
}

func summaryIDs(list []*models.SessionSummary) []string {
	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	return ids
}
