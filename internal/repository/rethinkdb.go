package repository

import (
	"context"
	"fmt"
	"time"

	"curve-dispatch/internal/domain"

	"github.com/google/uuid"
	r "gopkg.in/rethinkdb/rethinkdb-go.v6"
)

type rethinkDBRepository struct {
	session *r.Session
	tables  Tables
}

// NewRethinkStore returns a Store whose five collections live in RethinkDB tables.
func NewRethinkStore(session *r.Session, tables Tables) Store {
	repo := &rethinkDBRepository{session: session, tables: tables}
	return Store{
		Jobs:    repo,
		Stages:  repo,
		Files:   repo,
		Results: repo,
		Logs:    repo,
	}
}

func runOpts(ctx context.Context) r.RunOpts {
	return r.RunOpts{Context: ctx}
}

func (repo *rethinkDBRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt = now
	job.UpdatedAt = now

	result, err := r.Table(repo.tables.Jobs).Insert(job).RunWrite(repo.session, runOpts(ctx))
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	if len(result.GeneratedKeys) > 0 {
		job.ID = result.GeneratedKeys[0]
	}
	return nil
}

func (repo *rethinkDBRepository) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	cursor, err := r.Table(repo.tables.Jobs).Get(id).Run(repo.session, runOpts(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	defer cursor.Close()

	if cursor.IsNil() {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}

	var job domain.Job
	if err := cursor.One(&job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

func (repo *rethinkDBRepository) UpdateJob(ctx context.Context, id string, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()

	result, err := r.Table(repo.tables.Jobs).Get(id).Update(updates).RunWrite(repo.session, runOpts(ctx))
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if result.Skipped > 0 {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return nil
}

func (repo *rethinkDBRepository) ListJobs(ctx context.Context, ownerID string, limit int) ([]domain.Job, error) {
	query := r.Table(repo.tables.Jobs)
	if ownerID != "" {
		query = query.Filter(map[string]any{"owner_id": ownerID})
	}
	query = query.OrderBy(r.Desc("created_at"))
	if limit > 0 {
		query = query.Limit(limit)
	}
	cursor, err := query.Run(repo.session, runOpts(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer cursor.Close()

	var jobs []domain.Job
	if err := cursor.All(&jobs); err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}
	return jobs, nil
}

func (repo *rethinkDBRepository) UpsertStage(ctx context.Context, state *domain.StageState) error {
	state.ID = domain.StageStateID(state.JobID, state.Stage)

	_, err := r.Table(repo.tables.Stages).
		Insert(state, r.InsertOpts{Conflict: "replace"}).
		RunWrite(repo.session, runOpts(ctx))
	if err != nil {
		return fmt.Errorf("failed to upsert stage %s: %w", state.Stage, err)
	}
	return nil
}

func (repo *rethinkDBRepository) ListStages(ctx context.Context, jobID string) ([]domain.StageState, error) {
	cursor, err := r.Table(repo.tables.Stages).
		GetAllByIndex("job_id", jobID).
		Run(repo.session, runOpts(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list stages: %w", err)
	}
	defer cursor.Close()

	var states []domain.StageState
	if err := cursor.All(&states); err != nil {
		return nil, fmt.Errorf("failed to decode stages: %w", err)
	}
	sortStages(states)
	return states, nil
}

func (repo *rethinkDBRepository) CreateSourceFile(ctx context.Context, file *domain.SourceFile) error {
	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	file.CreatedAt = time.Now().UTC()

	_, err := r.Table(repo.tables.Files).Insert(file).RunWrite(repo.session, runOpts(ctx))
	if err != nil {
		return fmt.Errorf("failed to create source file: %w", err)
	}
	return nil
}

func (repo *rethinkDBRepository) ListSourceFiles(ctx context.Context, ownerID string, kind domain.FileKind) ([]domain.SourceFile, error) {
	cursor, err := r.Table(repo.tables.Files).
		GetAllByIndex("owner_id", ownerID).
		Filter(map[string]any{"kind": kind}).
		OrderBy(r.Asc("created_at")).
		Run(repo.session, runOpts(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list source files: %w", err)
	}
	defer cursor.Close()

	var files []domain.SourceFile
	if err := cursor.All(&files); err != nil {
		return nil, fmt.Errorf("failed to decode source files: %w", err)
	}
	return files, nil
}

func (repo *rethinkDBRepository) CreateResult(ctx context.Context, res *domain.Result) error {
	res.ID = res.JobID
	res.CreatedAt = time.Now().UTC()

	// Default conflict mode is "error", which keeps results write-once.
	_, err := r.Table(repo.tables.Results).Insert(res).RunWrite(repo.session, runOpts(ctx))
	if err != nil {
		return fmt.Errorf("failed to create result: %w", err)
	}
	return nil
}

func (repo *rethinkDBRepository) GetResultByJob(ctx context.Context, jobID string) (*domain.Result, error) {
	cursor, err := r.Table(repo.tables.Results).Get(jobID).Run(repo.session, runOpts(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	defer cursor.Close()

	if cursor.IsNil() {
		return nil, fmt.Errorf("result for job %s: %w", jobID, ErrNotFound)
	}

	var result domain.Result
	if err := cursor.One(&result); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return &result, nil
}

func (repo *rethinkDBRepository) DeleteResult(ctx context.Context, jobID string) error {
	_, err := r.Table(repo.tables.Results).Get(jobID).Delete().RunWrite(repo.session, runOpts(ctx))
	if err != nil {
		return fmt.Errorf("failed to delete result: %w", err)
	}
	return nil
}

func (repo *rethinkDBRepository) AppendLog(ctx context.Context, entry *domain.LogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := r.Table(repo.tables.Logs).Insert(entry).RunWrite(repo.session, runOpts(ctx))
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

func (repo *rethinkDBRepository) ListLogs(ctx context.Context, jobID string, limit int) ([]domain.LogEntry, error) {
	query := r.Table(repo.tables.Logs).
		GetAllByIndex("job_id", jobID).
		OrderBy(r.Asc("created_at"))
	if limit > 0 {
		query = query.Limit(limit)
	}
	cursor, err := query.Run(repo.session, runOpts(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer cursor.Close()

	var entries []domain.LogEntry
	if err := cursor.All(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode logs: %w", err)
	}
	return entries, nil
}
