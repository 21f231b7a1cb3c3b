package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"

	"curve-dispatch/internal/domain"
	"curve-dispatch/internal/infrastructure"
	"curve-dispatch/internal/metrics"
	"curve-dispatch/internal/repository"
	"curve-dispatch/pkg/archive"

	"go.uber.org/zap"
)

// Document is one tabular or XML payload, either a flat upload or an archive member.
type Document struct {
	Name string
	Path string
	Data []byte
}

// SourceStats counts what a stage read from its source files.
type SourceStats struct {
	Files     int              `json:"files" gorethink:"files"`
	Missing   int              `json:"missing" gorethink:"missing"`
	Documents int              `json:"documents" gorethink:"documents"`
	Archives  []archive.Report `json:"archives,omitempty" gorethink:"archives,omitempty"`
}

// Skipped totals archive members left unprocessed across every archive.
func (s SourceStats) Skipped() int {
	n := 0
	for _, r := range s.Archives {
		n += r.Skipped()
	}
	return n
}

// sourceReader lists a job's source files of one kind and hands every usable document to a
// visitor. Archives go through the walker; anything else is passed through whole.
type sourceReader struct {
	files   repository.SourceFileRepository
	blobs   infrastructure.BlobStore
	walker  *archive.Walker
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// read returns an error only for failures that must abort the stage: listing the files,
// downloading an existing blob, or a cancelled context. Missing blobs and unreadable archives
// become warnings.
func (r *sourceReader) read(ctx context.Context, job *domain.Job, kind domain.FileKind,
	classify archive.Classifier, visit func(Document)) (SourceStats, []string, error) {

	var stats SourceStats
	var warnings []string

	files, err := r.files.ListSourceFiles(ctx, job.OwnerID, kind)
	if err != nil {
		return stats, nil, fmt.Errorf("list %s files: %w", kind, err)
	}

	for _, file := range files {
		if !file.Usable(job.ZoneCode) {
			continue
		}
		stats.Files++

		data, err := r.blobs.Download(ctx, file.StorageRef)
		if errors.Is(err, infrastructure.ErrBlobNotFound) {
			stats.Missing++
			warnings = append(warnings, fmt.Sprintf("%s file %s: not found in storage", kind, file.Name))
			continue
		}
		if err != nil {
			return stats, warnings, fmt.Errorf("download %s file %s: %w", kind, file.Name, err)
		}

		if !archive.IsZip(data) {
			if classify(file.Name) == archive.KindArchive {
				warnings = append(warnings, fmt.Sprintf("%s file %s: not a readable archive", kind, file.Name))
				continue
			}
			stats.Documents++
			visit(Document{Name: path.Base(file.Name), Path: file.Name, Data: data})
			continue
		}

		report, err := r.walker.Walk(ctx, file.Name, data, classify, func(e archive.Entry) {
			stats.Documents++
			visit(Document{Name: e.Name, Path: e.Path, Data: e.Data})
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return stats, warnings, ctxErr
			}
			warnings = append(warnings, fmt.Sprintf("%s file %s: %v", kind, file.Name, err))
			continue
		}
		stats.Archives = append(stats.Archives, report)
		warnings = append(warnings, report.Warnings...)
		r.recordSkips(report)
	}

	if stats.Files == 0 {
		r.logger.Debug("No source files",
			zap.String("job_id", job.ID),
			zap.String("kind", string(kind)))
	}
	return stats, warnings, nil
}

func (r *sourceReader) recordSkips(report archive.Report) {
	r.metrics.ArchiveSkipped(metrics.SkipTabular, report.SkippedTabular)
	r.metrics.ArchiveSkipped(metrics.SkipNested, report.SkippedNested)
	r.metrics.ArchiveSkipped(metrics.SkipTimeout, report.SkippedTimeout)
	r.metrics.ArchiveSkipped(metrics.SkipFailed, report.Failed)
}
