package repository

import (
	"context"
	"errors"
	"sort"

	"curve-dispatch/internal/domain"
)

// ErrNotFound is returned when a keyed lookup matches nothing.
var ErrNotFound = errors.New("not found")

type JobRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	UpdateJob(ctx context.Context, id string, updates map[string]any) error
	ListJobs(ctx context.Context, ownerID string, limit int) ([]domain.Job, error)
}

// StageRepository upserts stage states keyed by (job id, stage).
type StageRepository interface {
	UpsertStage(ctx context.Context, state *domain.StageState) error
	ListStages(ctx context.Context, jobID string) ([]domain.StageState, error)
}

type SourceFileRepository interface {
	CreateSourceFile(ctx context.Context, file *domain.SourceFile) error
	ListSourceFiles(ctx context.Context, ownerID string, kind domain.FileKind) ([]domain.SourceFile, error)
}

// ResultRepository stores one result per job; a second create for the same job fails.
// DeleteResult withdraws the result of a job that failed after it was written and is a
// no-op when there is none.
type ResultRepository interface {
	CreateResult(ctx context.Context, result *domain.Result) error
	GetResultByJob(ctx context.Context, jobID string) (*domain.Result, error)
	DeleteResult(ctx context.Context, jobID string) error
}

// LogRepository is append-only.
type LogRepository interface {
	AppendLog(ctx context.Context, entry *domain.LogEntry) error
	ListLogs(ctx context.Context, jobID string, limit int) ([]domain.LogEntry, error)
}

// Store bundles the five collections the pipeline reads and writes.
type Store struct {
	Jobs    JobRepository
	Stages  StageRepository
	Files   SourceFileRepository
	Results ResultRepository
	Logs    LogRepository
}

// Tables names the RethinkDB table of each collection.
type Tables struct {
	Jobs    string
	Stages  string
	Files   string
	Results string
	Logs    string
}

func (t Tables) All() []string {
	return []string{t.Jobs, t.Stages, t.Files, t.Results, t.Logs}
}

func sortStages(states []domain.StageState) {
	order := make(map[domain.Stage]int, len(domain.Stages))
	for i, s := range domain.Stages {
		order[s] = i
	}
	sort.SliceStable(states, func(i, j int) bool {
		return order[states[i].Stage] < order[states[j].Stage]
	})
}
