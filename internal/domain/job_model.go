package domain

import (
	"time"

	"curve-dispatch/pkg/curve"
)

type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further stage may run for the job.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JobError is one fatal error recorded against a job.
type JobError struct {
	Message   string    `gorethink:"message" json:"message"`
	Zone      string    `gorethink:"zone" json:"zone"`
	Stage     Stage     `gorethink:"stage,omitempty" json:"stage,omitempty"`
	Timestamp time.Time `gorethink:"timestamp" json:"timestamp"`
}

// Job is one reconciliation run for a (zone, dispatch month) pair.
type Job struct {
	ID              string     `gorethink:"id,omitempty" json:"id"`
	OwnerID         string     `gorethink:"owner_id" json:"owner_id"`
	ZoneCode        string     `gorethink:"zone_code" json:"zone_code"`
	DispatchMonth   string     `gorethink:"dispatch_month" json:"dispatch_month"`
	HistoricalMonth string     `gorethink:"historical_month" json:"historical_month"`
	Status          JobStatus  `gorethink:"status" json:"status"`
	CurrentStage    *Stage     `gorethink:"current_stage" json:"current_stage"`
	Progress        int        `gorethink:"progress" json:"progress"`
	Warnings        []string   `gorethink:"warnings" json:"warnings"`
	Errors          []JobError `gorethink:"errors" json:"errors"`
	StartedAt       time.Time  `gorethink:"started_at" json:"started_at"`
	CompletedAt     *time.Time `gorethink:"completed_at,omitempty" json:"completed_at,omitempty"`
	CreatedAt       time.Time  `gorethink:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `gorethink:"updated_at" json:"updated_at"`
}

type StageStatus string

const (
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
)

// StageState is the observability record of one stage of one job.
type StageState struct {
	ID          string      `gorethink:"id" json:"id"`
	JobID       string      `gorethink:"job_id" json:"job_id"`
	Stage       Stage       `gorethink:"stage" json:"stage"`
	Status      StageStatus `gorethink:"status" json:"status"`
	StartedAt   time.Time   `gorethink:"started_at" json:"started_at"`
	CompletedAt *time.Time  `gorethink:"completed_at,omitempty" json:"completed_at,omitempty"`
	Result      any         `gorethink:"result,omitempty" json:"result,omitempty"`
	Error       string      `gorethink:"error,omitempty" json:"error,omitempty"`
}

// StageStateID is the upsert key of a stage state.
func StageStateID(jobID string, stage Stage) string {
	return jobID + ":" + string(stage)
}

type FileKind string

const (
	FileKindRegistry           FileKind = "REGISTRY"
	FileKindAggregatedLighting FileKind = "AGGREGATED_LIGHTING"
	FileKindLightingDetail     FileKind = "LIGHTING_DETAIL"
	FileKindReadings           FileKind = "READINGS"
)

func (k FileKind) Valid() bool {
	switch k {
	case FileKindRegistry, FileKindAggregatedLighting, FileKindLightingDetail, FileKindReadings:
		return true
	}
	return false
}

type SourceFileStatus string

const (
	SourceFileStatusUploaded SourceFileStatus = "uploaded"
	SourceFileStatusError    SourceFileStatus = "error"
	SourceFileStatusDeleted  SourceFileStatus = "deleted"
)

// SourceFile is an uploaded input. The pipeline only reads it.
type SourceFile struct {
	ID         string           `gorethink:"id,omitempty" json:"id"`
	OwnerID    string           `gorethink:"owner_id" json:"owner_id"`
	Kind       FileKind         `gorethink:"kind" json:"kind"`
	ZoneCode   string           `gorethink:"zone_code,omitempty" json:"zone_code,omitempty"`
	Name       string           `gorethink:"name" json:"name"`
	StorageRef string           `gorethink:"storage_ref" json:"storage_ref"`
	Status     SourceFileStatus `gorethink:"status" json:"status"`
	CreatedAt  time.Time        `gorethink:"created_at" json:"created_at"`
}

// Usable reports whether the file should feed a job for the given zone. Files without a zone
// apply to every zone.
func (f SourceFile) Usable(zone string) bool {
	if f.Status == SourceFileStatusError || f.Status == SourceFileStatusDeleted {
		return false
	}
	return f.ZoneCode == "" || f.ZoneCode == zone
}

// Result is written once, at the end of a successful job.
type Result struct {
	ID                  string          `gorethink:"id" json:"id"`
	JobID               string          `gorethink:"job_id" json:"job_id"`
	ZoneCode            string          `gorethink:"zone_code" json:"zone_code"`
	DispatchMonth       string          `gorethink:"dispatch_month" json:"dispatch_month"`
	DispatchCurve       []float64       `gorethink:"dispatch_curve" json:"dispatch_curve"`
	LightingCurve       []float64       `gorethink:"lighting_curve" json:"lighting_curve"`
	MeteredCurve        []float64       `gorethink:"metered_curve" json:"metered_curve"`
	TotalAccountsHourly int             `gorethink:"total_accounts_hourly" json:"total_accounts_hourly"`
	MatchedAccounts     int             `gorethink:"matched_accounts" json:"matched_accounts"`
	UnmatchedAccounts   int             `gorethink:"unmatched_accounts" json:"unmatched_accounts"`
	QualityScore        int             `gorethink:"quality_score" json:"quality_score"`
	Anomalies           []curve.Anomaly `gorethink:"anomalies" json:"anomalies"`
	Metadata            map[string]any  `gorethink:"metadata" json:"metadata"`
	CreatedAt           time.Time       `gorethink:"created_at" json:"created_at"`
}

type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry is a free-text activity line attached to a job.
type LogEntry struct {
	ID        string    `gorethink:"id,omitempty" json:"id"`
	JobID     string    `gorethink:"job_id" json:"job_id"`
	Zone      string    `gorethink:"zone" json:"zone"`
	Stage     Stage     `gorethink:"stage,omitempty" json:"stage,omitempty"`
	Level     LogLevel  `gorethink:"level" json:"level"`
	Message   string    `gorethink:"message" json:"message"`
	CreatedAt time.Time `gorethink:"created_at" json:"created_at"`
}
