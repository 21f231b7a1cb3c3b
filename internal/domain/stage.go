package domain

// Stage is one named, ordered unit of work within a job.
type Stage string

const (
	StageRegistryIntake       Stage = "REGISTRY_INTAKE"
	StageLightingAssimilation Stage = "LIGHTING_ASSIMILATION"
	StageReadingResolution    Stage = "READING_RESOLUTION"
	StageAggregation          Stage = "AGGREGATION"
	StageQA                   Stage = "QA"
	StageExport               Stage = "EXPORT"
)

// Stages lists every stage in execution order.
var Stages = []Stage{
	StageRegistryIntake,
	StageLightingAssimilation,
	StageReadingResolution,
	StageAggregation,
	StageQA,
	StageExport,
}

// Progress is the job progress percentage reached when the stage completes.
func (s Stage) Progress() int {
	switch s {
	case StageRegistryIntake:
		return 15
	case StageLightingAssimilation:
		return 30
	case StageReadingResolution:
		return 50
	case StageAggregation:
		return 70
	case StageQA:
		return 85
	case StageExport:
		return 95
	}
	return 0
}

// ProgressCompleted is the progress of a completed job.
const ProgressCompleted = 100
