package curve

const (
	// AnomalyFactor flags slots whose value exceeds this multiple of the curve mean.
	AnomalyFactor = 3.0
	// PenaltyPerAnomaly is subtracted from the score for each flagged slot.
	PenaltyPerAnomaly = 5
	// MaxAnomalies is the anomaly count from which validation fails.
	MaxAnomalies = 10
)

// Anomaly is a slot flagged by Assess.
type Anomaly struct {
	Index int     `json:"index" gorethink:"index"`
	Slot  string  `json:"slot" gorethink:"slot"`
	Value float64 `json:"value" gorethink:"value"`
}

// Assessment is the QA outcome for a dispatch curve.
type Assessment struct {
	Stats     Stats     `json:"stats" gorethink:"stats"`
	Threshold float64   `json:"threshold" gorethink:"threshold"`
	Anomalies []Anomaly `json:"anomalies" gorethink:"anomalies"`
	Score     int       `json:"score" gorethink:"score"`
	Passed    bool      `json:"passed" gorethink:"passed"`
}

// Score is 100 minus 5 per anomaly, floored at 0.
func Score(anomalies int) int {
	score := 100 - PenaltyPerAnomaly*anomalies
	if score < 0 {
		return 0
	}
	return score
}

// Assess flags every slot above AnomalyFactor times the mean and scores the curve.
func Assess(v []float64) Assessment {
	stats := Summarize(v)
	a := Assessment{
		Stats:     stats,
		Threshold: AnomalyFactor * stats.Mean,
		Anomalies: []Anomaly{},
	}
	for i, x := range v {
		if x > a.Threshold {
			a.Anomalies = append(a.Anomalies, Anomaly{Index: i, Slot: SlotLabel(i), Value: x})
		}
	}
	a.Score = Score(len(a.Anomalies))
	a.Passed = len(a.Anomalies) < MaxAnomalies
	return a
}
