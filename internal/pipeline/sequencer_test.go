package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"curve-dispatch/internal/domain"
	"curve-dispatch/internal/infrastructure"
	"curve-dispatch/internal/metrics"
	"curve-dispatch/internal/repository"
	"curve-dispatch/pkg/archive"
	"curve-dispatch/pkg/curve"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOwner = "owner-1"

type fixture struct {
	t      *testing.T
	mem    *repository.MemoryStore
	store  repository.Store
	fs     afero.Fs
	blobs  infrastructure.BlobStore
	limits archive.Limits
}

func newFixture(t *testing.T) *fixture {
	mem := repository.NewMemoryStore()
	fs := afero.NewMemMapFs()
	return &fixture{
		t:      t,
		mem:    mem,
		store:  mem.Store(),
		fs:     fs,
		blobs:  infrastructure.NewFSBlobStore(fs, "/blobs", 0),
		limits: archive.DefaultLimits(),
	}
}

func (f *fixture) upload(kind domain.FileKind, zone, name string, data []byte) {
	f.t.Helper()
	ref := "file://" + testOwner + "/" + name
	require.NoError(f.t, afero.WriteFile(f.fs, "/blobs/"+testOwner+"/"+name, data, 0o644))
	require.NoError(f.t, f.store.Files.CreateSourceFile(context.Background(), &domain.SourceFile{
		OwnerID:    testOwner,
		Kind:       kind,
		ZoneCode:   zone,
		Name:       name,
		StorageRef: ref,
		Status:     domain.SourceFileStatusUploaded,
	}))
}

func (f *fixture) job(zone string) *domain.Job {
	f.t.Helper()
	job := &domain.Job{
		OwnerID:         testOwner,
		ZoneCode:        zone,
		DispatchMonth:   "2024-05",
		HistoricalMonth: "2023-05",
		Status:          domain.JobStatusProcessing,
	}
	require.NoError(f.t, f.store.Jobs.CreateJob(context.Background(), job))
	return job
}

func (f *fixture) sequencer(opts ...Option) *Sequencer {
	return NewSequencer(f.store, f.blobs, archive.NewWalker(f.limits), opts...)
}

func (f *fixture) reload(id string) *domain.Job {
	f.t.Helper()
	job, err := f.store.Jobs.GetJob(context.Background(), id)
	require.NoError(f.t, err)
	return job
}

func zipOf(t *testing.T, files map[string][]byte, order ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(files[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func registryCSV(rows ...string) []byte {
	return []byte("POD;TRATTAMENTO\n" + strings.Join(rows, "\n") + "\n")
}

func TestSequencer_ScenarioA_RegistryAndTwoLightingDays(t *testing.T) {
	// Setup
	f := newFixture(t)
	f.upload(domain.FileKindRegistry, "NORD", "registry.csv", registryCSV(code(1)+";O", code(2)+";O", code(3)+";M"))
	f.upload(domain.FileKindAggregatedLighting, "", "lighting.csv", []byte(lightingCSV(ramp(0), ramp(4))))
	job := f.job("NORD")
	m := metrics.New()

	// Execute
	err := f.sequencer(WithMetrics(m)).Run(context.Background(), job.ID)

	// Assert
	require.NoError(t, err)
	got := f.reload(job.ID)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Equal(t, domain.ProgressCompleted, got.Progress)
	require.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.Errors)

	res, err := f.store.Results.GetResultByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalAccountsHourly)
	assert.Equal(t, res.TotalAccountsHourly, res.MatchedAccounts+res.UnmatchedAccounts)
	require.Len(t, res.LightingCurve, curve.QuarterHours)
	for i, v := range res.LightingCurve {
		assert.InDelta(t, float64(i)+2, v, 1e-9)
	}
	for i := range res.DispatchCurve {
		assert.Equal(t, res.LightingCurve[i]+res.MeteredCurve[i], res.DispatchCurve[i])
	}
	assert.Equal(t, MeteredCurveSource, res.Metadata["metered_curve_source"])
	assert.Equal(t, 2, res.Metadata["days_processed"])
	assert.GreaterOrEqual(t, res.QualityScore, 0)
	assert.LessOrEqual(t, res.QualityScore, 100)

	states, err := f.store.Stages.ListStages(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, states, len(domain.Stages))
	for i, st := range states {
		assert.Equal(t, domain.Stages[i], st.Stage)
		assert.Equal(t, domain.StageStatusCompleted, st.Status)
		assert.NotNil(t, st.Result)
	}
	regSummary, ok := states[0].Result.(RegistrySummary)
	require.True(t, ok)
	assert.Equal(t, 1, regSummary.NonHourlyAccounts)

	finished, err := testutil.GatherAndCount(m.Registry(), "dispatch_jobs_finished_total")
	require.NoError(t, err)
	assert.Equal(t, 1, finished)
	stageSeries, err := testutil.GatherAndCount(m.Registry(), "dispatch_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, len(domain.Stages), stageSeries)
}

func TestSequencer_ScenarioB_NestedReadingsOverTheCeiling(t *testing.T) {
	// Setup
	f := newFixture(t)
	f.limits.NestedEntryLimit = 300
	f.upload(domain.FileKindRegistry, "", "registry.csv", registryCSV(code(1)+";O", code(2)+";O", code(3)+";O"))

	inner := map[string][]byte{}
	var innerOrder []string
	for i := 0; i < 500; i++ {
		name := fmt.Sprintf("day%03d.csv", i)
		inner[name] = []byte("POD;KWH\n" + code(1000+i) + ";1\n")
		innerOrder = append(innerOrder, name)
	}
	outer := zipOf(t, map[string][]byte{
		"top.csv":   []byte("POD;KWH\n" + code(1) + ";1\n" + code(2) + ";2\n"),
		"inner.zip": zipOf(t, inner, innerOrder...),
	}, "top.csv", "inner.zip")
	f.upload(domain.FileKindReadings, "", "readings.zip", outer)
	job := f.job("SUD")

	// Execute
	err := f.sequencer().Run(context.Background(), job.ID)

	// Assert
	require.NoError(t, err)
	got := f.reload(job.ID)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Contains(t, got.Warnings,
		"archive readings.zip/inner.zip: processed 300 tabular files, 200 over the limit of 300 skipped")

	states, err := f.store.Stages.ListStages(context.Background(), job.ID)
	require.NoError(t, err)
	readings, ok := states[2].Result.(ReadingsSummary)
	require.True(t, ok)
	require.Len(t, readings.Sources.Archives, 1)
	report := readings.Sources.Archives[0]
	assert.Equal(t, 301, report.Processed)
	assert.Equal(t, 200, report.SkippedTabular)
	assert.Equal(t, 302, readings.AccountsRead)

	res, err := f.store.Results.GetResultByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalAccountsHourly)
	assert.Equal(t, 2, res.MatchedAccounts)
	assert.Equal(t, 1, res.UnmatchedAccounts)
	assert.Equal(t, []string{code(3)}, res.Metadata["unmatched_sample"])
}

func TestSequencer_ScenarioC_NoLightingFiles(t *testing.T) {
	f := newFixture(t)
	f.upload(domain.FileKindRegistry, "", "registry.csv", registryCSV(code(1)+";O"))
	job := f.job("CENTRO")

	err := f.sequencer().Run(context.Background(), job.ID)

	require.NoError(t, err)
	got := f.reload(job.ID)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Contains(t, got.Warnings, "no lighting data found")

	res, err := f.store.Results.GetResultByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, curve.Zero(), res.LightingCurve)
	assert.Equal(t, 0, res.Metadata["days_processed"])
}

// failingStages rejects the completion write of one stage.
type failingStages struct {
	repository.StageRepository
	stage domain.Stage
}

func (s failingStages) UpsertStage(ctx context.Context, state *domain.StageState) error {
	if state.Stage == s.stage && state.Status == domain.StageStatusCompleted {
		return errors.New("write timeout")
	}
	return s.StageRepository.UpsertStage(ctx, state)
}

func TestSequencer_ScenarioD_PersistenceFailureStopsTheJob(t *testing.T) {
	// Setup
	f := newFixture(t)
	f.upload(domain.FileKindRegistry, "", "registry.csv", registryCSV(code(1)+";O"))
	f.store.Stages = failingStages{StageRepository: f.mem, stage: domain.StageReadingResolution}
	job := f.job("ISOLE")

	// Execute
	err := f.sequencer().Run(context.Background(), job.ID)

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write timeout")

	got := f.reload(job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "ISOLE", got.Errors[0].Zone)
	assert.Equal(t, domain.StageReadingResolution, got.Errors[0].Stage)
	assert.Contains(t, got.Errors[0].Message, "write timeout")
	assert.Equal(t, domain.StageLightingAssimilation.Progress(), got.Progress)

	states, err := f.mem.ListStages(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, states, 3)
	assert.Equal(t, domain.StageStatusCompleted, states[0].Status)
	assert.Equal(t, domain.StageStatusCompleted, states[1].Status)
	assert.Equal(t, domain.StageReadingResolution, states[2].Stage)
	assert.Equal(t, domain.StageStatusFailed, states[2].Status)

	_, err = f.store.Results.GetResultByJob(context.Background(), job.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	logs, err := f.store.Logs.ListLogs(context.Background(), job.ID, 0)
	require.NoError(t, err)
	last := logs[len(logs)-1]
	assert.Equal(t, domain.LogLevelError, last.Level)
	assert.Contains(t, last.Message, "READING_RESOLUTION")
}

func TestSequencer_ExportFailureWithdrawsResult(t *testing.T) {
	// Setup
	f := newFixture(t)
	f.upload(domain.FileKindRegistry, "", "registry.csv", registryCSV(code(1)+";O"))
	f.store.Stages = failingStages{StageRepository: f.mem, stage: domain.StageExport}
	job := f.job("NORD")

	// Execute
	err := f.sequencer().Run(context.Background(), job.ID)

	// Assert
	require.Error(t, err)
	got := f.reload(job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, domain.StageExport, got.Errors[0].Stage)

	_, err = f.store.Results.GetResultByJob(context.Background(), job.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

// rejectingJobs fails every job update whose changes contain key with the given value.
type rejectingJobs struct {
	repository.JobRepository
	key   string
	value any
}

func (j rejectingJobs) UpdateJob(ctx context.Context, id string, updates map[string]any) error {
	if v, ok := updates[j.key]; ok && (j.value == nil || v == j.value) {
		return errors.New("write timeout")
	}
	return j.JobRepository.UpdateJob(ctx, id, updates)
}

func TestSequencer_CompletionFailureWithdrawsResult(t *testing.T) {
	// Setup
	f := newFixture(t)
	f.upload(domain.FileKindRegistry, "", "registry.csv", registryCSV(code(1)+";O"))
	f.store.Jobs = rejectingJobs{JobRepository: f.mem, key: "status", value: domain.JobStatusCompleted}
	job := f.job("NORD")

	// Execute
	err := f.sequencer().Run(context.Background(), job.ID)

	// Assert
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mark job completed")
	assert.Equal(t, domain.JobStatusFailed, f.reload(job.ID).Status)

	_, err = f.store.Results.GetResultByJob(context.Background(), job.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestSequencer_StartFailureRecordsNoStage(t *testing.T) {
	// Setup
	f := newFixture(t)
	f.store.Jobs = rejectingJobs{JobRepository: f.mem, key: "started_at"}
	job := f.job("NORD")

	// Execute
	err := f.sequencer().Run(context.Background(), job.ID)

	// Assert
	require.Error(t, err)
	got := f.reload(job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Empty(t, got.Errors[0].Stage)
	assert.Contains(t, got.Errors[0].Message, "mark job started")

	states, err := f.mem.ListStages(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, states)
}

type panickingBlobs struct{}

func (panickingBlobs) Download(context.Context, string) ([]byte, error) {
	panic("decoder exploded")
}

func TestSequencer_PanicBecomesJobFailure(t *testing.T) {
	f := newFixture(t)
	f.upload(domain.FileKindRegistry, "", "registry.csv", registryCSV(code(1)+";O"))
	f.blobs = panickingBlobs{}
	job := f.job("NORD")

	err := f.sequencer().Run(context.Background(), job.ID)

	require.Error(t, err)
	got := f.reload(job.ID)
	assert.Equal(t, domain.JobStatusFailed, got.Status)
	require.Len(t, got.Errors, 1)
	assert.Contains(t, got.Errors[0].Message, "decoder exploded")
	assert.Equal(t, domain.StageRegistryIntake, got.Errors[0].Stage)
}

type brokenBlobs struct{}

func (brokenBlobs) Download(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection reset")
}

func TestSequencer_DownloadErrorIsFatal(t *testing.T) {
	f := newFixture(t)
	f.upload(domain.FileKindRegistry, "", "registry.csv", registryCSV(code(1)+";O"))
	f.blobs = brokenBlobs{}
	job := f.job("NORD")

	err := f.sequencer().Run(context.Background(), job.ID)

	require.Error(t, err)
	assert.Equal(t, domain.JobStatusFailed, f.reload(job.ID).Status)
}

func TestSequencer_MissingBlobOnlyWarns(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Files.CreateSourceFile(context.Background(), &domain.SourceFile{
		OwnerID: testOwner, Kind: domain.FileKindRegistry, Name: "gone.csv", StorageRef: "file://gone.csv",
	}))
	job := f.job("NORD")

	err := f.sequencer().Run(context.Background(), job.ID)

	require.NoError(t, err)
	got := f.reload(job.ID)
	assert.Equal(t, domain.JobStatusCompleted, got.Status)
	assert.Contains(t, got.Warnings, "REGISTRY file gone.csv: not found in storage")
}

func TestSequencer_UsesOnlyFilesOfTheJobZone(t *testing.T) {
	f := newFixture(t)
	f.upload(domain.FileKindRegistry, "NORD", "nord.csv", registryCSV(code(1)+";O"))
	f.upload(domain.FileKindRegistry, "SUD", "sud.csv", registryCSV(code(2)+";O", code(3)+";O"))
	job := f.job("SUD")

	require.NoError(t, f.sequencer().Run(context.Background(), job.ID))

	res, err := f.store.Results.GetResultByJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalAccountsHourly)
}

func TestSequencer_SkipsTerminalJobs(t *testing.T) {
	f := newFixture(t)
	job := f.job("NORD")
	require.NoError(t, f.store.Jobs.UpdateJob(context.Background(), job.ID, map[string]any{
		"status": domain.JobStatusCompleted,
	}))

	err := f.sequencer().Run(context.Background(), job.ID)

	require.NoError(t, err)
	states, err := f.store.Stages.ListStages(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestSequencer_ProgressNeverDecreases(t *testing.T) {
	f := newFixture(t)
	f.upload(domain.FileKindRegistry, "", "registry.csv", registryCSV(code(1)+";O"))
	job := f.job("NORD")

	var seen []int
	f.store.Jobs = progressSpy{JobRepository: f.mem, seen: &seen}

	require.NoError(t, f.sequencer().Run(context.Background(), job.ID))

	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i], seen[i-1])
	}
	assert.Equal(t, []int{15, 30, 50, 70, 85, 95, 100}, seen)
}

type progressSpy struct {
	repository.JobRepository
	seen *[]int
}

func (p progressSpy) UpdateJob(ctx context.Context, id string, updates map[string]any) error {
	if v, ok := updates["progress"].(int); ok {
		*p.seen = append(*p.seen, v)
	}
	return p.JobRepository.UpdateJob(ctx, id, updates)
}
