package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/medvision/internal/batch"
	"github.com/hyperjump/medvision/internal/models"
	"github.com/hyperjump/medvision/internal/report"
)

const defaultLanguage = "English"

// upload is one image part of a multipart request.
type upload struct {
	filename    string
	contentType string
	data        []byte
}

type analyzeResponse struct {
	SessionID     string                `json:"session_id"`
	Status        string                `json:"status"`
	Report        string                `json:"report,omitempty"`
	VisionContext string                `json:"vision_context"`
	Images        []*models.ImageResult `json:"images"`
	Error         string                `json:"error,omitempty"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	form, err := s.parseForm(w, r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	uploads, err := s.readImages(form)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	sess := &models.Session{
		ID: uuid.NewString(),
		Patient: models.PatientInfo{
			Name:   formValue(form, "patient_name"),
			Age:    formValue(form, "patient_age"),
			Gender: formValue(form, "patient_gender"),
		},
		ExamType:        formValue(form, "exam_type"),
		Language:        formValue(form, "language"),
		PromptTemplate:  formValue(form, "prompt_template"),
		ClinicalContext: formValue(form, "clinical_context"),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if sess.Language == "" {
		sess.Language = defaultLanguage
	}
	if !s.Prompts.Has(sess.PromptTemplate) {
		sess.PromptTemplate = s.config.Report.DefaultTemplate
	}
	s.logger.Debug("analyze request",
		zap.String("session_id", sess.ID),
		zap.Int("images", len(uploads)),
		zap.String("exam_type", sess.ExamType))

	inputs := make([]*models.ImageInput, len(uploads))
	for i, u := range uploads {
		path, err := s.Images.Save(sess.ID, i+1, u.filename, u.contentType, u.data)
		if err != nil {
			s.logger.Error("failed to save upload", zap.String("session_id", sess.ID), zap.Error(err))
			_ = s.Images.Remove(sess.ID)
			s.respondError(w, http.StatusInternalServerError, "failed to store images")
			return
		}
		sess.ImagePaths = append(sess.ImagePaths, path)
		inputs[i] = &models.ImageInput{Name: u.filename, Data: u.data}
	}

	referral := s.readReferral(form, sess.ID)

	result, err := s.Batch.ProcessImages(ctx, inputs)
	if err != nil {
		if result == nil {
			_ = s.Images.Remove(sess.ID)
			s.respondError(w, statusForBatchError(err), err.Error())
			return
		}
		// The failure line becomes the vision context and the report is still attempted.
		s.logger.Warn("vision processing failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	sess.VisionContext = result.Context
	sess.Results = result.Results

	reportText, reportErr := s.generate(r, sess, referral)
	if reportErr != nil {
		sess.Status = models.SessionReportFailed
		sess.Error = reportErr.Error()
	} else {
		sess.Status = models.SessionCompleted
		sess.Report = reportText
	}

	if err := s.Storage.CreateSession(ctx, sess); err != nil {
		s.logger.Error("failed to persist session", zap.String("session_id", sess.ID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to persist session")
		return
	}
	s.indexSession(r, sess)

	resp := analyzeResponse{
		SessionID:     sess.ID,
		Status:        sess.Status,
		Report:        sess.Report,
		VisionContext: sess.VisionContext,
		Images:        sess.Results,
	}
	if reportErr != nil {
		s.logger.Error("report generation failed", zap.String("session_id", sess.ID), zap.Error(reportErr))
		resp.Error = "report generation failed: " + reportErr.Error()
		s.respondJSON(w, http.StatusBadGateway, resp)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) generate(r *http.Request, sess *models.Session, referral string) (string, error) {
	if s.Reports == nil {
		return "", report.ErrMissingAPIKey
	}
	return s.Reports.Generate(r.Context(), &report.Request{
		Patient:         sess.Patient,
		ExamType:        sess.ExamType,
		Language:        sess.Language,
		Template:        sess.PromptTemplate,
		ClinicalContext: sess.ClinicalContext,
		Referral:        referral,
		VisionContext:   sess.VisionContext,
	})
}

// readReferral extracts and stores the optional referral document. Failures
// are logged and leave the referral empty.
func (s *Server) readReferral(form *multipart.Form, sessionID string) string {
	files := form.File["referral"]
	if len(files) == 0 {
		return ""
	}
	fh := files[0]
	data, err := readPart(fh)
	if err != nil {
		s.logger.Warn("failed to read referral", zap.String("session_id", sessionID), zap.Error(err))
		return ""
	}
	if _, err := s.Images.SaveAttachment(sessionID, fh.Filename, data); err != nil {
		s.logger.Warn("failed to store referral", zap.String("session_id", sessionID), zap.Error(err))
	}
	text, err := s.Extractor.ExtractBytes(data, fh.Filename)
	if err != nil {
		s.logger.Warn("failed to extract referral", zap.String("session_id", sessionID), zap.String("filename", fh.Filename), zap.Error(err))
		return ""
	}
	return text
}

type visionResponse struct {
	VisionContext string                `json:"vision_context"`
	Images        []*models.ImageResult `json:"images"`
	Error         string                `json:"error,omitempty"`
}

func (s *Server) handleVision(w http.ResponseWriter, r *http.Request) {
	form, err := s.parseForm(w, r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	uploads, err := s.readImages(form)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	inputs := make([]*models.ImageInput, len(uploads))
	for i, u := range uploads {
		inputs[i] = &models.ImageInput{Name: u.filename, Data: u.data}
	}
	result, err := s.Batch.ProcessImages(r.Context(), inputs)
	if err != nil {
		resp := visionResponse{Error: err.Error()}
		if result != nil {
			resp.VisionContext = result.Context
		}
		s.respondJSON(w, statusForBatchError(err), resp)
		return
	}
	s.respondJSON(w, http.StatusOK, visionResponse{VisionContext: result.Context, Images: result.Results})
}

func (s *Server) parseForm(w http.ResponseWriter, r *http.Request) (*multipart.Form, error) {
	maxBytes := int64(s.config.Server.MaxUploadMB) << 20
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("request exceeds %d MB", maxBytes>>20)
		}
		return nil, fmt.Errorf("invalid multipart form: %w", err)
	}
	return r.MultipartForm, nil
}

func (s *Server) readImages(form *multipart.Form) ([]upload, error) {
	files := form.File["images"]
	if len(files) == 0 {
		return nil, errors.New("at least one image is required")
	}
	if limit := s.Batch.MaxImages(); len(files) > limit {
		return nil, fmt.Errorf("%w: %d exceeds limit of %d", batch.ErrTooManyImages, len(files), limit)
	}
	uploads := make([]upload, 0, len(files))
	for _, fh := range files {
		data, err := readPart(fh)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", fh.Filename, err)
		}
		uploads = append(uploads, upload{
			filename:    fh.Filename,
			contentType: fh.Header.Get("Content-Type"),
			data:        data,
		})
	}
	return uploads, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func statusForBatchError(err error) int {
	var loadErr *models.ModelLoadError
	switch {
	case errors.Is(err, batch.ErrTooManyImages):
		return http.StatusBadRequest
	case errors.As(err, &loadErr):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"templates": s.Prompts.Names(),
		"default":   s.config.Report.DefaultTemplate,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
