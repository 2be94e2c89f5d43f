package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/medvision/internal/batch"
	"github.com/hyperjump/medvision/internal/config"
	"github.com/hyperjump/medvision/internal/keyword"
	"github.com/hyperjump/medvision/internal/models"
	"github.com/hyperjump/medvision/internal/pipeline"
	"github.com/hyperjump/medvision/internal/report"
	"github.com/hyperjump/medvision/internal/storage"
)

type fakeGenerator struct {
	mu   sync.Mutex
	reqs []*report.Request
	text string
	err  error
}

func (f *fakeGenerator) Generate(_ context.Context, req *report.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.text, f.err
}

func (f *fakeGenerator) Name() string { return "fake" }

func (f *fakeGenerator) last() *report.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		return nil
	}
	return f.reqs[len(f.reqs)-1]
}

type testServer struct {
	srv     *Server
	handler http.Handler
	store   *storage.SQLiteStorage
	gen     *fakeGenerator
	cfg     *config.Config
}

func syntheticFactory(t *testing.T) batch.Factory {
	t.Helper()
	geom := pipeline.Geometry{ImageSize: 32, PatchSize: 16, Hidden: 8, LLMHidden: 6}
	path := filepath.Join(t.TempDir(), "model.safetensors")
	if err := pipeline.WriteSyntheticCheckpoint(path, geom, 7); err != nil {
		t.Fatal(err)
	}
	cfg := &config.VisionConfig{
		Backbone:         config.DefaultBackbone,
		Backend:          config.BackendNative,
		CheckpointPath:   path,
		Device:           config.DeviceCPU,
		Precision:        config.PrecisionFP32,
		ImageSize:        geom.ImageSize,
		PatchSize:        geom.PatchSize,
		VisionHiddenSize: geom.Hidden,
		LLMHiddenSize:    geom.LLMHidden,
		MinPatchTokens:   12,
		LayerNormEps:     1e-5,
	}
	return func() (pipeline.Processor, error) { return pipeline.NewModel(cfg, nil) }
}

func newTestServer(t *testing.T, factory batch.Factory) *testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Storage.DatabasePath = filepath.Join(dir, "db", "sessions.db")
	cfg.Storage.SessionsDir = filepath.Join(dir, "sessions")
	cfg.Storage.BleveIndexPath = filepath.Join(dir, "sessions.bleve")
	cfg.Batch.MaxImages = 3
	config.ApplyDefaults(cfg)

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	images, err := storage.NewImageStore(cfg.Storage.SessionsDir)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := keyword.NewBleveIndex(cfg.Storage.BleveIndexPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	if factory == nil {
		factory = syntheticFactory(t)
	}
	svc := batch.NewService(factory, cfg.Batch.MaxImages, nil)
	t.Cleanup(func() { _ = svc.Close() })

	gen := &fakeGenerator{text: "```html\n<p>No acute findings.</p>\n```"}
	srv := NewServer(Deps{
		Batch:   svc,
		Reports: reportGenerator(gen),
		Storage: store,
		Images:  images,
		Index:   idx,
	}, cfg, nil)
	return &testServer{srv: srv, handler: srv.Handler(), store: store, gen: gen, cfg: cfg}
}

// reportGenerator cleans fenced output the way the real providers do.
func reportGenerator(gen *fakeGenerator) report.Generator {
	return cleaning{gen}
}

type cleaning struct{ *fakeGenerator }

func (c cleaning) Generate(ctx context.Context, req *report.Request) (string, error) {
	text, err := c.fakeGenerator.Generate(ctx, req)
	return report.CleanReport(text), err
}

func pngData(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(3 * x), uint8(5 * y), 90, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

type part struct {
	field, filename, contentType string
	data                         []byte
}

func multipartRequest(t *testing.T, target string, fields map[string]string, parts []part) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for _, p := range parts {
		h := make(map[string][]string)
		h["Content-Disposition"] = []string{`form-data; name="` + p.field + `"; filename="` + p.filename + `"`}
		h["Content-Type"] = []string{p.contentType}
		fw, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(p.data); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func analyzeFields() map[string]string {
	return map[string]string{
		"patient_name":     "Jane Roe",
		"patient_age":      "54",
		"patient_gender":   "female",
		"exam_type":        "Chest X-ray",
		"language":         "German",
		"prompt_template":  "Radiology Report",
		"clinical_context": "persistent cough",
	}
}

func TestHandleAnalyze(t *testing.T) {
	ts := newTestServer(t, nil)
	req := multipartRequest(t, "/api/v1/analyze", analyzeFields(), []part{
		{"images", "front.png", "image/png", pngData(t, 40, 30)},
		{"images", "broken.png", "image/png", []byte("\x89PNG broken")},
		{"referral", "referral.txt", "text/plain", []byte("Referred by GP for\nchronic cough.")},
	})
	w := ts.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp analyzeResponse
	decode(t, w, &resp)

	if resp.Status != models.SessionCompleted || resp.Report != "<p>No acute findings.</p>" {
		t.Errorf("response = %+v", resp)
	}
	lines := strings.Split(resp.VisionContext, "\n")
	if len(lines) != 2 ||
		!strings.HasPrefix(lines[0], "[Image 1 processed. Dimensions: 40x30. Embedding dims: (1, 12, 6)") ||
		!strings.HasPrefix(lines[1], "[Image 2 failed:") {
		t.Errorf("vision context = %q", resp.VisionContext)
	}
	if len(resp.Images) != 2 || !resp.Images[0].Success || resp.Images[1].Success {
		t.Errorf("images = %+v", resp.Images)
	}

	gr := ts.gen.last()
	if gr == nil {
		t.Fatal("generator not called")
	}
	if gr.Patient.Name != "Jane Roe" || gr.Language != "German" || gr.Template != "Radiology Report" {
		t.Errorf("report request = %+v", gr)
	}
	if gr.Referral != "Referred by GP for\nchronic cough." {
		t.Errorf("referral = %q", gr.Referral)
	}
	if gr.VisionContext != resp.VisionContext {
		t.Errorf("report got context %q", gr.VisionContext)
	}

	sess, err := ts.store.GetSession(context.Background(), resp.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(sess.ImagePaths) != 2 {
		t.Fatalf("image paths = %v", sess.ImagePaths)
	}
	for _, p := range sess.ImagePaths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("stored image missing: %v", err)
		}
	}
	if filepath.Base(sess.ImagePaths[0]) != "image_1.png" {
		t.Errorf("image path = %s", sess.ImagePaths[0])
	}
}

func TestHandleAnalyze_ReportFailure(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.gen.err = errors.New("provider unavailable")
	req := multipartRequest(t, "/api/v1/analyze", analyzeFields(), []part{
		{"images", "front.png", "image/png", pngData(t, 20, 20)},
	})
	w := ts.do(req)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	var resp analyzeResponse
	decode(t, w, &resp)
	if resp.SessionID == "" || resp.Status != models.SessionReportFailed || !strings.Contains(resp.Error, "provider unavailable") {
		t.Errorf("response = %+v", resp)
	}
	sess, err := ts.store.GetSession(context.Background(), resp.SessionID)
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if sess.Status != models.SessionReportFailed || sess.Error != "provider unavailable" {
		t.Errorf("stored session = %+v", sess)
	}
}

func TestHandleAnalyze_ModelUnavailable(t *testing.T) {
	ts := newTestServer(t, func() (pipeline.Processor, error) {
		return nil, &models.ModelLoadError{Path: "missing.safetensors", Err: os.ErrNotExist}
	})
	req := multipartRequest(t, "/api/v1/analyze", analyzeFields(), []part{
		{"images", "front.png", "image/png", pngData(t, 20, 20)},
	})
	w := ts.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp analyzeResponse
	decode(t, w, &resp)
	if !strings.HasPrefix(resp.VisionContext, "[Vision model processing failed: ") || strings.Contains(resp.VisionContext, "\n") {
		t.Errorf("vision context = %q", resp.VisionContext)
	}
	if ts.gen.last() == nil {
		t.Error("report should still be generated")
	}
}

func TestHandleAnalyze_BadRequests(t *testing.T) {
	ts := newTestServer(t, nil)
	img := pngData(t, 8, 8)
	tests := []struct {
		name  string
		parts []part
	}{
		{"no images", nil},
		{"too many images", []part{
			{"images", "1.png", "image/png", img},
			{"images", "2.png", "image/png", img},
			{"images", "3.png", "image/png", img},
			{"images", "4.png", "image/png", img},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(multipartRequest(t, "/api/v1/analyze", analyzeFields(), tt.parts))
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
	if n, _ := ts.store.CountSessions(context.Background()); n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	if w := ts.do(req); w.Code != http.StatusBadRequest {
		t.Errorf("non-multipart status = %d, want 400", w.Code)
	}
}

func TestHandleVision(t *testing.T) {
	ts := newTestServer(t, nil)
	req := multipartRequest(t, "/api/v1/vision", nil, []part{
		{"images", "a.png", "image/png", pngData(t, 64, 64)},
	})
	w := ts.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp visionResponse
	decode(t, w, &resp)
	if !strings.HasPrefix(resp.VisionContext, "[Image 1 processed. Dimensions: 64x64.") || len(resp.Images) != 1 {
		t.Errorf("response = %+v", resp)
	}
	if ts.gen.last() != nil {
		t.Error("vision endpoint must not generate a report")
	}
	if n, _ := ts.store.CountSessions(context.Background()); n != 0 {
		t.Errorf("vision endpoint must not persist sessions, got %d", n)
	}
}

func TestHandleVision_ModelUnavailable(t *testing.T) {
	ts := newTestServer(t, func() (pipeline.Processor, error) {
		return nil, &models.ModelLoadError{Err: errors.New("no weights")}
	})
	req := multipartRequest(t, "/api/v1/vision", nil, []part{
		{"images", "a.png", "image/png", pngData(t, 8, 8)},
	})
	w := ts.do(req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	var resp visionResponse
	decode(t, w, &resp)
	if !strings.HasPrefix(resp.VisionContext, "[Vision model processing failed:") {
		t.Errorf("vision context = %q", resp.VisionContext)
	}
}

func analyzeOnce(t *testing.T, ts *testServer, fields map[string]string) string {
	t.Helper()
	w := ts.do(multipartRequest(t, "/api/v1/analyze", fields, []part{
		{"images", "a.png", "image/png", pngData(t, 16, 16)},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("analyze status = %d, body %s", w.Code, w.Body.String())
	}
	var resp analyzeResponse
	decode(t, w, &resp)
	return resp.SessionID
}

func TestSessionsLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	first := analyzeOnce(t, ts, analyzeFields())
	fields := analyzeFields()
	fields["patient_name"] = "Tom Becker"
	fields["exam_type"] = "Dermatoscopy"
	second := analyzeOnce(t, ts, fields)

	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list struct {
		Sessions []*models.SessionSummary `json:"sessions"`
		Total    int64                    `json:"total"`
	}
	decode(t, w, &list)
	if list.Total != 2 || len(list.Sessions) != 2 {
		t.Fatalf("list = %+v", list)
	}

	w = ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+first, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var sess models.Session
	decode(t, w, &sess)
	if sess.ID != first || sess.Patient.Name != "Jane Roe" {
		t.Errorf("session = %+v", sess)
	}

	w = ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/search?q=Becker", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("search status = %d", w.Code)
	}
	var found struct {
		Results []searchHit `json:"results"`
	}
	decode(t, w, &found)
	if len(found.Results) != 1 || found.Results[0].ID != second {
		t.Errorf("search results = %+v", found.Results)
	}

	w = ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/search?q=Beker&fuzzy=true", nil))
	var fuzzy struct {
		Results    []searchHit `json:"results"`
		Suggestion string      `json:"suggestion"`
	}
	decode(t, w, &fuzzy)
	if len(fuzzy.Results) == 0 || fuzzy.Results[0].ID != second {
		t.Errorf("fuzzy results = %+v", fuzzy.Results)
	}
	if fuzzy.Suggestion != "becker" {
		t.Errorf("suggestion = %q, want becker", fuzzy.Suggestion)
	}

	dir := filepath.Join(ts.cfg.Storage.SessionsDir, first)
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("session dir missing: %v", err)
	}
	w = ts.do(httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/"+first, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("session dir should be removed, stat err = %v", err)
	}
	if w := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+first, nil)); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
	if w := ts.do(httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/"+first, nil)); w.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", w.Code)
	}
	w = ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/search?q=Roe", nil))
	decode(t, w, &found)
	if len(found.Results) != 0 {
		t.Errorf("deleted session still searchable: %+v", found.Results)
	}
}

func TestHandleSearch_MissingQuery(t *testing.T) {
	ts := newTestServer(t, nil)
	if w := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/search", nil)); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleExport(t *testing.T) {
	ts := newTestServer(t, nil)
	id := analyzeOnce(t, ts, analyzeFields())

	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/sessions/export", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Errorf("content type = %q", ct)
	}
	f, err := excelize.OpenReader(w.Body)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("Sessions")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1][0] != id {
		t.Errorf("rows = %v", rows)
	}
}

func TestHandleTemplatesStatusHealth(t *testing.T) {
	ts := newTestServer(t, nil)

	w := ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/templates", nil))
	var tpl struct {
		Templates []string `json:"templates"`
		Default   string   `json:"default"`
	}
	decode(t, w, &tpl)
	if tpl.Default != config.DefaultTemplateName || len(tpl.Templates) != len(config.DefaultPrompts) {
		t.Errorf("templates = %+v", tpl)
	}

	w = ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	var status map[string]interface{}
	decode(t, w, &status)
	if status["model_loaded"] != false || status["max_images"] != float64(3) || status["report_provider"] != "fake" {
		t.Errorf("status before analysis = %v", status)
	}

	analyzeOnce(t, ts, analyzeFields())
	w = ts.do(httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	status = nil
	decode(t, w, &status)
	if status["model_loaded"] != true || status["sessions"] != float64(1) {
		t.Errorf("status after analysis = %v", status)
	}
	if b, _ := status["disk_usage_bytes"].(float64); b <= 0 {
		t.Errorf("disk usage = %v", status["disk_usage_bytes"])
	}

	w = ts.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}
}
