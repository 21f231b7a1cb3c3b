package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"curve-dispatch/internal/domain"

	"github.com/google/uuid"
)

// MemoryStore keeps every collection in process memory. It backs the local runner and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]domain.Job
	stages  map[string]domain.StageState
	files   []domain.SourceFile
	results map[string]domain.Result
	logs    []domain.LogEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]domain.Job),
		stages:  make(map[string]domain.StageState),
		results: make(map[string]domain.Result),
	}
}

// Store exposes the memory store through the repository interfaces.
func (m *MemoryStore) Store() Store {
	return Store{Jobs: m, Stages: m, Files: m, Results: m, Logs: m}
}

func cloneJob(job domain.Job) domain.Job {
	job.Warnings = slices.Clone(job.Warnings)
	job.Errors = slices.Clone(job.Errors)
	if job.CurrentStage != nil {
		stage := *job.CurrentStage
		job.CurrentStage = &stage
	}
	if job.CompletedAt != nil {
		at := *job.CompletedAt
		job.CompletedAt = &at
	}
	return job
}

func (m *MemoryStore) CreateJob(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("failed to create job: duplicate id %s", job.ID)
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.ID] = cloneJob(*job)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id string) (*domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	job = cloneJob(job)
	return &job, nil
}

// UpdateJob merges the updates into the stored document by field name, the way a document
// store would.
func (m *MemoryStore) UpdateJob(_ context.Context, id string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	doc := make(map[string]any)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	for k, v := range updates {
		doc[k] = v
	}
	doc["updated_at"] = time.Now().UTC()

	raw, err = json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	var merged domain.Job
	if err := json.Unmarshal(raw, &merged); err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	m.jobs[id] = merged
	return nil
}

func (m *MemoryStore) ListJobs(_ context.Context, ownerID string, limit int) ([]domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]domain.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if ownerID != "" && job.OwnerID != ownerID {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *MemoryStore) UpsertStage(_ context.Context, state *domain.StageState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state.ID = domain.StageStateID(state.JobID, state.Stage)
	m.stages[state.ID] = *state
	return nil
}

func (m *MemoryStore) ListStages(_ context.Context, jobID string) ([]domain.StageState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var states []domain.StageState
	for _, state := range m.stages {
		if state.JobID == jobID {
			states = append(states, state)
		}
	}
	sortStages(states)
	return states, nil
}

func (m *MemoryStore) CreateSourceFile(_ context.Context, file *domain.SourceFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	file.CreatedAt = time.Now().UTC()
	m.files = append(m.files, *file)
	return nil
}

func (m *MemoryStore) ListSourceFiles(_ context.Context, ownerID string, kind domain.FileKind) ([]domain.SourceFile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var files []domain.SourceFile
	for _, f := range m.files {
		if f.OwnerID == ownerID && f.Kind == kind {
			files = append(files, f)
		}
	}
	return files, nil
}

func (m *MemoryStore) CreateResult(_ context.Context, res *domain.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.results[res.JobID]; exists {
		return fmt.Errorf("failed to create result: job %s already has one", res.JobID)
	}
	res.ID = res.JobID
	res.CreatedAt = time.Now().UTC()
	m.results[res.JobID] = *res
	return nil
}

func (m *MemoryStore) GetResultByJob(_ context.Context, jobID string) (*domain.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.results[jobID]
	if !ok {
		return nil, fmt.Errorf("result for job %s: %w", jobID, ErrNotFound)
	}
	return &res, nil
}

func (m *MemoryStore) DeleteResult(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.results, jobID)
	return nil
}

func (m *MemoryStore) AppendLog(_ context.Context, entry *domain.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *MemoryStore) ListLogs(_ context.Context, jobID string, limit int) ([]domain.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []domain.LogEntry
	for _, e := range m.logs {
		if e.JobID != jobID {
			continue
		}
		entries = append(entries, e)
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, nil
}
