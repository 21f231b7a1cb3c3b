// Package pipeline drives one zone job through its six stages: registry intake, lighting
// assimilation, reading resolution, aggregation, QA and export.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"curve-dispatch/internal/domain"
	"curve-dispatch/internal/infrastructure"
	"curve-dispatch/internal/metrics"
	"curve-dispatch/internal/repository"
	"curve-dispatch/pkg/archive"
	"curve-dispatch/pkg/curve"

	"go.uber.org/zap"
)

// MeteredCurveSource marks the metered curve as synthetic in result metadata.
const MeteredCurveSource = "synthetic_placeholder"

// MaxJobWarnings caps the warnings stored on a job; the rest are only counted.
const MaxJobWarnings = 500

var tabularClassifier = archive.ByExtension(".csv", ".txt")

type Option func(*Sequencer)

func WithLogger(l *zap.Logger) Option { return func(s *Sequencer) { s.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Sequencer) { s.metrics = m } }

func WithClock(now func() time.Time) Option { return func(s *Sequencer) { s.now = now } }

// Sequencer runs jobs. It holds no per-job state, so one instance can run many jobs at once.
type Sequencer struct {
	store   repository.Store
	blobs   infrastructure.BlobStore
	walker  *archive.Walker
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewSequencer(store repository.Store, blobs infrastructure.BlobStore, walker *archive.Walker, opts ...Option) *Sequencer {
	s := &Sequencer{
		store:  store,
		blobs:  blobs,
		walker: walker,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run is the in-memory state one job carries from stage to stage.
type run struct {
	job          *domain.Job
	log          *zap.Logger
	stageStarted time.Time
	omitted      int
	// resultWritten is set once EXPORT stored the result, which fail must then withdraw.
	resultWritten bool

	registry  *Registry
	regStats  RegistrySummary
	lighting  curve.Profile
	litStats  LightingSummary
	crossRef  CrossReference
	readStats ReadingsSummary
	metered   []float64
	dispatch  []float64
	quality   curve.Assessment
}

func (r *run) warn(warnings ...string) {
	for _, w := range warnings {
		if len(r.job.Warnings) >= MaxJobWarnings {
			r.omitted++
			continue
		}
		r.job.Warnings = append(r.job.Warnings, w)
	}
}

type step struct {
	stage domain.Stage
	exec  func(ctx context.Context, r *run) (payload any, summary string, err error)
}

func (s *Sequencer) steps() []step {
	return []step{
		{domain.StageRegistryIntake, s.registryIntake},
		{domain.StageLightingAssimilation, s.lightingAssimilation},
		{domain.StageReadingResolution, s.readingResolution},
		{domain.StageAggregation, s.aggregation},
		{domain.StageQA, s.qualityCheck},
		{domain.StageExport, s.export},
	}
}

func (s *Sequencer) sources() *sourceReader {
	return &sourceReader{
		files:   s.store.Files,
		blobs:   s.blobs,
		walker:  s.walker,
		metrics: s.metrics,
		logger:  s.logger,
	}
}

// Run executes every stage of the job in order. A job already completed or failed is left
// untouched. Any stage error marks the job failed and is returned.
func (s *Sequencer) Run(ctx context.Context, jobID string) error {
	job, err := s.store.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}

	r := &run{
		job: job,
		log: s.logger.With(zap.String("job_id", job.ID), zap.String("zone", job.ZoneCode)),
	}
	if job.Status.IsTerminal() {
		r.log.Info("Job already finished, skipping", zap.String("status", string(job.Status)))
		return nil
	}

	start := s.now()
	r.log.Info("Job started",
		zap.String("dispatch_month", job.DispatchMonth),
		zap.String("historical_month", job.HistoricalMonth))

	job.Status = domain.JobStatusProcessing
	job.StartedAt = start
	job.Warnings = []string{}
	if job.Errors == nil {
		job.Errors = []domain.JobError{}
	}
	err = s.store.Jobs.UpdateJob(ctx, job.ID, map[string]any{
		"status":     job.Status,
		"started_at": job.StartedAt,
		"warnings":   job.Warnings,
		"errors":     job.Errors,
	})
	if err != nil {
		s.fail(ctx, r, "", fmt.Errorf("mark job started: %w", err))
		return err
	}

	for _, st := range s.steps() {
		if err := s.runStage(ctx, r, st); err != nil {
			s.fail(ctx, r, st.stage, err)
			return fmt.Errorf("job %s failed at %s: %w", job.ID, st.stage, err)
		}
	}

	if err := s.complete(ctx, r); err != nil {
		s.fail(ctx, r, domain.StageExport, err)
		return fmt.Errorf("job %s: %w", job.ID, err)
	}

	s.metrics.JobFinished(string(domain.JobStatusCompleted))
	r.log.Info("Job completed",
		zap.Int("quality_score", r.quality.Score),
		zap.Int("warnings", len(job.Warnings)+r.omitted),
		zap.Duration("elapsed", s.now().Sub(start)))
	return nil
}

func (s *Sequencer) runStage(ctx context.Context, r *run, st step) error {
	r.stageStarted = s.now()
	log := r.log.With(zap.String("stage", string(st.stage)))

	state := &domain.StageState{
		JobID:     r.job.ID,
		Stage:     st.stage,
		Status:    domain.StageStatusRunning,
		StartedAt: r.stageStarted,
	}
	if err := s.store.Stages.UpsertStage(ctx, state); err != nil {
		return fmt.Errorf("record stage start: %w", err)
	}
	if err := s.appendLog(ctx, r, st.stage, domain.LogLevelInfo, fmt.Sprintf("Stage %s started", st.stage)); err != nil {
		return err
	}
	log.Debug("Stage started")

	payload, summary, err := s.execute(ctx, r, st)
	if err != nil {
		return err
	}

	done := s.now()
	state.Status = domain.StageStatusCompleted
	state.CompletedAt = &done
	state.Result = payload
	if err := s.store.Stages.UpsertStage(ctx, state); err != nil {
		return fmt.Errorf("record stage result: %w", err)
	}

	stage := st.stage
	r.job.Progress = max(r.job.Progress, st.stage.Progress())
	r.job.CurrentStage = &stage
	err = s.store.Jobs.UpdateJob(ctx, r.job.ID, map[string]any{
		"progress":      r.job.Progress,
		"current_stage": r.job.CurrentStage,
		"warnings":      r.job.Warnings,
	})
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	if err := s.appendLog(ctx, r, st.stage, domain.LogLevelInfo, summary); err != nil {
		return err
	}

	elapsed := done.Sub(r.stageStarted)
	s.metrics.StageObserved(string(st.stage), string(domain.StageStatusCompleted), elapsed)
	log.Info("Stage completed",
		zap.Int("progress", r.job.Progress),
		zap.String("summary", summary),
		zap.Duration("elapsed", elapsed))
	return nil
}

// execute converts a panicking stage into an ordinary stage error.
func (s *Sequencer) execute(ctx context.Context, r *run, st step) (payload any, summary string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stage %s panicked: %v", st.stage, p)
		}
	}()
	return st.exec(ctx, r)
}

// fail records the failure on the stage, the job and the activity log. An empty stage means
// the job failed before any stage started and no stage state is written. Writes are best
// effort and survive a cancelled job context.
func (s *Sequencer) fail(ctx context.Context, r *run, stage domain.Stage, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := s.now()
	log := r.log
	if stage != "" {
		log = log.With(zap.String("stage", string(stage)))
	}
	log.Error("Job failed", zap.Error(cause))

	started := r.stageStarted
	if started.IsZero() {
		started = now
	}
	if stage != "" {
		state := &domain.StageState{
			JobID:       r.job.ID,
			Stage:       stage,
			Status:      domain.StageStatusFailed,
			StartedAt:   started,
			CompletedAt: &now,
			Error:       cause.Error(),
		}
		if err := s.store.Stages.UpsertStage(ctx, state); err != nil {
			log.Error("Failed to record stage failure", zap.Error(err))
		}
	}

	if r.resultWritten {
		if err := s.store.Results.DeleteResult(ctx, r.job.ID); err != nil {
			log.Error("Failed to withdraw result of failed job", zap.Error(err))
		} else {
			r.resultWritten = false
		}
	}

	r.job.Status = domain.JobStatusFailed
	r.job.CompletedAt = &now
	r.job.Errors = append(r.job.Errors, domain.JobError{
		Message:   cause.Error(),
		Zone:      r.job.ZoneCode,
		Stage:     stage,
		Timestamp: now,
	})
	err := s.store.Jobs.UpdateJob(ctx, r.job.ID, map[string]any{
		"status":       r.job.Status,
		"errors":       r.job.Errors,
		"warnings":     r.job.Warnings,
		"completed_at": r.job.CompletedAt,
	})
	if err != nil {
		log.Error("Failed to mark job failed", zap.Error(err))
	}

	msg := fmt.Sprintf("Job failed: %v", cause)
	if stage != "" {
		msg = fmt.Sprintf("Job failed during %s: %v", stage, cause)
		s.metrics.StageObserved(string(stage), string(domain.StageStatusFailed), now.Sub(started))
	}
	if err := s.appendLog(ctx, r, stage, domain.LogLevelError, msg); err != nil {
		log.Error("Failed to write failure log", zap.Error(err))
	}

	s.metrics.JobFinished(string(domain.JobStatusFailed))
}

func (s *Sequencer) complete(ctx context.Context, r *run) error {
	now := s.now()
	r.job.Status = domain.JobStatusCompleted
	r.job.Progress = domain.ProgressCompleted
	r.job.CompletedAt = &now
	err := s.store.Jobs.UpdateJob(ctx, r.job.ID, map[string]any{
		"status":       r.job.Status,
		"progress":     r.job.Progress,
		"completed_at": r.job.CompletedAt,
		"warnings":     r.job.Warnings,
	})
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return s.appendLog(ctx, r, domain.StageExport, domain.LogLevelInfo,
		fmt.Sprintf("Job completed with quality score %d and %d warnings", r.quality.Score, len(r.job.Warnings)+r.omitted))
}

func (s *Sequencer) appendLog(ctx context.Context, r *run, stage domain.Stage, level domain.LogLevel, msg string) error {
	err := s.store.Logs.AppendLog(ctx, &domain.LogEntry{
		JobID:     r.job.ID,
		Zone:      r.job.ZoneCode,
		Stage:     stage,
		Level:     level,
		Message:   msg,
		CreatedAt: s.now(),
	})
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}
