package pipeline

import (
	"context"
	"fmt"

	"curve-dispatch/internal/domain"
	"curve-dispatch/pkg/curve"

	"go.uber.org/zap"
)

func (s *Sequencer) registryIntake(ctx context.Context, r *run) (any, string, error) {
	reg := NewRegistry()
	src := s.sources()

	regStats, warnings, err := src.read(ctx, r.job, domain.FileKindRegistry, tabularClassifier, func(d Document) {
		reg.AddRegistry(d.Path, string(d.Data))
	})
	if err != nil {
		return nil, "", err
	}
	r.warn(warnings...)
	if regStats.Files == 0 {
		r.warn("no registry files found")
	}

	detailStats, warnings, err := src.read(ctx, r.job, domain.FileKindLightingDetail, tabularClassifier, func(d Document) {
		reg.AddLightingDetail(d.Path, string(d.Data))
	})
	if err != nil {
		return nil, "", err
	}
	r.warn(warnings...)

	reg.Finalize()
	r.warn(reg.Warnings...)
	r.registry = reg
	r.regStats = RegistrySummary{
		Registry:            regStats,
		LightingDetail:      detailStats,
		RawRows:             reg.RawRows,
		InvalidRows:         reg.InvalidRows,
		ValidAccounts:       reg.ValidAccounts(),
		HourlyAccounts:      len(reg.Hourly()),
		NonHourlyAccounts:   len(reg.NonHourly()),
		DefaultedMeterClass: reg.Defaulted,
		ConflictingClass:    reg.Conflicting,
		LightingAccounts:    reg.LightingAccounts(),
		LightingDeducted:    reg.LightingDeducted,
	}

	summary := fmt.Sprintf("Registry: %d hourly and %d non-hourly accounts from %d rows, %d lighting accounts deducted",
		r.regStats.HourlyAccounts, r.regStats.NonHourlyAccounts, r.regStats.RawRows, r.regStats.LightingDeducted)
	return r.regStats, summary, nil
}

func (s *Sequencer) lightingAssimilation(ctx context.Context, r *run) (any, string, error) {
	x := NewCurveExtractor()

	stats, warnings, err := s.sources().read(ctx, r.job, domain.FileKindAggregatedLighting, tabularClassifier, func(d Document) {
		x.Add(d.Path, string(d.Data))
	})
	if err != nil {
		return nil, "", err
	}
	r.warn(warnings...)

	r.lighting = x.Profile()
	r.warn(x.Warnings...)
	r.litStats = LightingSummary{
		Sources:        stats,
		DaysProcessed:  r.lighting.Days,
		EmptyDays:      x.EmptyDays,
		RowsDiscarded:  x.RowsDiscarded,
		FilesNoLayout:  x.FilesNoLayout,
		PositionalFile: x.PositionalFiles,
		Total:          curve.Summarize(r.lighting.Values).Total,
	}

	summary := fmt.Sprintf("Lighting: %d valid days averaged from %d files, profile total %.3f",
		r.litStats.DaysProcessed, stats.Files, r.litStats.Total)
	return r.litStats, summary, nil
}

func (s *Sequencer) readingResolution(ctx context.Context, r *run) (any, string, error) {
	index := NewReadingIndex()

	stats, warnings, err := s.sources().read(ctx, r.job, domain.FileKindReadings, readingsClassifier, func(d Document) {
		index.Add(d.Path, d.Data)
	})
	if err != nil {
		return nil, "", err
	}
	r.warn(warnings...)
	r.warn(index.Warnings...)
	if stats.Files == 0 {
		r.warn("no readings files found")
	}

	r.crossRef = Match(r.registry.Hourly(), index)
	r.readStats = ReadingsSummary{
		Sources:         stats,
		CSVDocuments:    index.CSV,
		XMLDocuments:    index.XML,
		AccountsRead:    index.Len(),
		HourlyAccounts:  len(r.registry.Hourly()),
		Matched:         len(r.crossRef.Matched),
		Unmatched:       len(r.crossRef.Unmatched),
		UnmatchedSample: r.crossRef.Sample(),
	}

	summary := fmt.Sprintf("Readings: %d accounts with readings, %d of %d hourly accounts matched, %d unmatched",
		r.readStats.AccountsRead, r.readStats.Matched, r.readStats.HourlyAccounts, r.readStats.Unmatched)
	return r.readStats, summary, nil
}

// AggregationSummary is the AGGREGATION stage payload.
type AggregationSummary struct {
	LightingTotal float64 `json:"lighting_total" gorethink:"lighting_total"`
	MeteredTotal  float64 `json:"metered_total" gorethink:"metered_total"`
	DispatchTotal float64 `json:"dispatch_total" gorethink:"dispatch_total"`
	MeteredSource string  `json:"metered_curve_source" gorethink:"metered_curve_source"`
	Accounts      int     `json:"metered_accounts" gorethink:"metered_accounts"`
}

func (s *Sequencer) aggregation(_ context.Context, r *run) (any, string, error) {
	// Per-account aggregation of the readings is not available yet; the metered curve is a
	// seeded placeholder scaled by the matched accounts.
	seed := curve.Seed(r.job.ZoneCode, r.job.DispatchMonth)
	r.metered = curve.Placeholder(seed, len(r.crossRef.Matched))

	dispatch, err := curve.Sum(r.lighting.Values, r.metered)
	if err != nil {
		return nil, "", fmt.Errorf("sum curves: %w", err)
	}
	r.dispatch = dispatch

	out := AggregationSummary{
		LightingTotal: curve.Summarize(r.lighting.Values).Total,
		MeteredTotal:  curve.Summarize(r.metered).Total,
		DispatchTotal: curve.Summarize(r.dispatch).Total,
		MeteredSource: MeteredCurveSource,
		Accounts:      len(r.crossRef.Matched),
	}
	summary := fmt.Sprintf("Aggregation: dispatch total %.3f (lighting %.3f, metered %.3f)",
		out.DispatchTotal, out.LightingTotal, out.MeteredTotal)
	return out, summary, nil
}

func (s *Sequencer) qualityCheck(_ context.Context, r *run) (any, string, error) {
	r.quality = curve.Assess(r.dispatch)
	if !r.quality.Passed {
		r.warn(fmt.Sprintf("validation failed: %d quarter-hours above %.1fx the mean",
			len(r.quality.Anomalies), curve.AnomalyFactor))
	}

	summary := fmt.Sprintf("QA: %d anomalies, quality score %d, passed=%t",
		len(r.quality.Anomalies), r.quality.Score, r.quality.Passed)
	return r.quality, summary, nil
}

// ExportSummary is the EXPORT stage payload.
type ExportSummary struct {
	ResultID     string `json:"result_id" gorethink:"result_id"`
	QualityScore int    `json:"quality_score" gorethink:"quality_score"`
	Warnings     int    `json:"warnings" gorethink:"warnings"`
}

func (s *Sequencer) export(ctx context.Context, r *run) (any, string, error) {
	res := &domain.Result{
		JobID:               r.job.ID,
		ZoneCode:            r.job.ZoneCode,
		DispatchMonth:       r.job.DispatchMonth,
		DispatchCurve:       r.dispatch,
		LightingCurve:       r.lighting.Values,
		MeteredCurve:        r.metered,
		TotalAccountsHourly: len(r.registry.Hourly()),
		MatchedAccounts:     len(r.crossRef.Matched),
		UnmatchedAccounts:   len(r.crossRef.Unmatched),
		QualityScore:        r.quality.Score,
		Anomalies:           r.quality.Anomalies,
		Metadata:            s.metadata(r),
	}
	if err := s.store.Results.CreateResult(ctx, res); err != nil {
		return nil, "", fmt.Errorf("write result: %w", err)
	}
	r.resultWritten = true

	r.log.Debug("Result written", zap.String("result_id", res.ID))
	out := ExportSummary{
		ResultID:     res.ID,
		QualityScore: res.QualityScore,
		Warnings:     len(r.job.Warnings) + r.omitted,
	}
	return out, fmt.Sprintf("Export: result %s written", res.ID), nil
}

func (s *Sequencer) metadata(r *run) map[string]any {
	skipped := r.regStats.Registry.Skipped() + r.regStats.LightingDetail.Skipped() +
		r.litStats.Sources.Skipped() + r.readStats.Sources.Skipped()

	return map[string]any{
		"historical_month":           r.job.HistoricalMonth,
		"raw_rows_processed":         r.regStats.RawRows,
		"non_hourly_accounts":        r.regStats.NonHourlyAccounts,
		"defaulted_meter_class":      r.regStats.DefaultedMeterClass,
		"lighting_accounts_deducted": r.regStats.LightingDeducted,
		"days_processed":             r.litStats.DaysProcessed,
		"unmatched_sample":           r.crossRef.Sample(),
		"metered_curve_source":       MeteredCurveSource,
		"lighting_total":             r.litStats.Total,
		"metered_total":              curve.Summarize(r.metered).Total,
		"dispatch_stats":             r.quality.Stats,
		"validation_passed":          r.quality.Passed,
		"archive_members_skipped":    skipped,
		"warnings_count":             len(r.job.Warnings) + r.omitted,
		"warnings_omitted":           r.omitted,
	}
}
