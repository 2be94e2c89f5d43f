package models

import "time"

// Session statuses.
const (
	SessionCompleted    = "completed"
	SessionReportFailed = "report_failed"
	SessionVisionOnly   = "vision_only"
)

// PatientInfo identifies the patient an analysis belongs to.
type PatientInfo struct {
	Name   string `json:"name"`
	Age    string `json:"age"`
	Gender string `json:"gender"`
}

// Session is one persisted analysis request and its results.
type Session struct {
	ID              string         `json:"session_id" db:"id"`
	Patient         PatientInfo    `json:"patient_info" db:"-"`
	ExamType        string         `json:"exam_type" db:"exam_type"`
	Language        string         `json:"language" db:"language"`
	PromptTemplate  string         `json:"prompt_template" db:"prompt_template"`
	ClinicalContext string         `json:"clinical_context" db:"clinical_context"`
	ImagePaths      []string       `json:"image_paths" db:"-"`
	VisionContext   string         `json:"vision_context" db:"vision_context"`
	Results         []*ImageResult `json:"results" db:"-"`
	Report          string         `json:"report" db:"report"`
	Status          string         `json:"status" db:"status"`
	Error           string         `json:"error,omitempty" db:"error"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

// SessionSummary is the listing view of a session.
type SessionSummary struct {
	ID         string      `json:"session_id"`
	Patient    PatientInfo `json:"patient_info"`
	ExamType   string      `json:"exam_type"`
	Status     string      `json:"status"`
	ImageCount int         `json:"image_count"`
	CreatedAt  time.Time   `json:"timestamp"`
}
