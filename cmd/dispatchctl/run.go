package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"curve-dispatch/internal/domain"
	"curve-dispatch/internal/infrastructure"
	"curve-dispatch/internal/pipeline"
	"curve-dispatch/internal/repository"
	"curve-dispatch/pkg/archive"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const localOwner = "local"

type localRun struct {
	Month            string
	Zone             string
	Registry         []string
	Lighting         []string
	LightingDetail   []string
	Readings         []string
	MaxTabular       int
	NestedEntryLimit int
	ArchiveTimeout   time.Duration
	MaxMemberBytes   int64
	Verbose          bool
}

func (o localRun) limits() archive.Limits {
	limits := archive.DefaultLimits()
	if o.MaxTabular > 0 {
		limits.MaxTabular = o.MaxTabular
	}
	if o.NestedEntryLimit > 0 {
		limits.NestedEntryLimit = o.NestedEntryLimit
	}
	if o.MaxMemberBytes > 0 {
		limits.MaxMemberBytes = o.MaxMemberBytes
	}
	if o.ArchiveTimeout > 0 {
		limits.Timeout = o.ArchiveTimeout
	}
	return limits
}

type report struct {
	Job    *domain.Job         `json:"job"`
	Stages []domain.StageState `json:"stages"`
	Result *domain.Result      `json:"result,omitempty"`
}

// runLocal registers the given files in a memory store, runs the job synchronously and
// writes the report to out. A failed job is reported and returned as an error.
func runLocal(ctx context.Context, fsys afero.Fs, opts localRun, out io.Writer) error {
	zone := strings.TrimSpace(opts.Zone)
	if zone == "" {
		return errors.New("zone is required")
	}
	historical, err := domain.HistoricalMonth(opts.Month)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if opts.Verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer logger.Sync()
	}

	mem := repository.NewMemoryStore()
	store := mem.Store()

	inputs := []struct {
		kind  domain.FileKind
		paths []string
	}{
		{domain.FileKindRegistry, opts.Registry},
		{domain.FileKindAggregatedLighting, opts.Lighting},
		{domain.FileKindLightingDetail, opts.LightingDetail},
		{domain.FileKindReadings, opts.Readings},
	}
	for _, in := range inputs {
		for _, p := range in.paths {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", p, err)
			}
			if _, err := fsys.Stat(abs); err != nil {
				return fmt.Errorf("%s file: %w", in.kind, err)
			}
			err = store.Files.CreateSourceFile(ctx, &domain.SourceFile{
				OwnerID:    localOwner,
				Kind:       in.kind,
				Name:       filepath.Base(abs),
				StorageRef: "file://" + filepath.ToSlash(abs),
				Status:     domain.SourceFileStatusUploaded,
			})
			if err != nil {
				return err
			}
		}
	}

	job := &domain.Job{
		OwnerID:         localOwner,
		ZoneCode:        zone,
		DispatchMonth:   opts.Month,
		HistoricalMonth: historical,
		Status:          domain.JobStatusProcessing,
	}
	if err := store.Jobs.CreateJob(ctx, job); err != nil {
		return err
	}

	blobs := infrastructure.NewFSBlobStore(fsys, "", 0)
	walker := archive.NewWalker(opts.limits(), archive.WithLogger(logger))
	runErr := pipeline.NewSequencer(store, blobs, walker, pipeline.WithLogger(logger)).Run(ctx, job.ID)

	rep := report{}
	if rep.Job, err = store.Jobs.GetJob(ctx, job.ID); err != nil {
		return err
	}
	if rep.Stages, err = store.Stages.ListStages(ctx, job.ID); err != nil {
		return err
	}
	res, err := store.Results.GetResultByJob(ctx, job.ID)
	switch {
	case err == nil:
		rep.Result = res
	case !errors.Is(err, repository.ErrNotFound):
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rep); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return runErr
}
