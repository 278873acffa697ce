package heatmap

import (
	"math"
	"time"
)

// RiskStatus classifies a health score.
type RiskStatus string

const (
	RiskHealthy       RiskStatus = "HEALTHY"
	RiskObserve       RiskStatus = "OBSERVE"
	RiskNeedAttention RiskStatus = "NEED_ATTENTION"
	RiskUnhealthy     RiskStatus = "UNHEALTHY"
	RiskNoData        RiskStatus = "NO_DATA"
)

// HealthReading is a health score over [StartTime, EndTime). HealthScore is
// nil when RiskStatus is RiskNoData.
type HealthReading struct {
	HealthScore *int       `json:"healthScore"`
	RiskStatus  RiskStatus `json:"riskStatus"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     time.Time  `json:"endTime"`
}

// HasData reports whether the reading carries a score.
func (r HealthReading) HasData() bool { return r.HealthScore != nil }

// HealthScore translates a risk in [0, 1] to a health score in [0, 100].
func HealthScore(risk float64) int {
	score := int(math.Round((1 - risk) * 100))
	return max(0, min(100, score))
}

// StatusOf classifies a health score.
func StatusOf(score int) RiskStatus {
	switch {
	case score >= 75:
		return RiskHealthy
	case score >= 50:
		return RiskObserve
	case score >= 25:
		return RiskNeedAttention
	default:
		return RiskUnhealthy
	}
}

// NoDataReading is a reading with no score.
func NoDataReading(start, end time.Time) HealthReading {
	return HealthReading{RiskStatus: RiskNoData, StartTime: start, EndTime: end}
}

// ReadingOf converts a risk to a reading. Negative risks are treated as absent.
func ReadingOf(risk float64, start, end time.Time) HealthReading {
	if risk < 0 {
		return NoDataReading(start, end)
	}
	score := HealthScore(risk)
	return HealthReading{HealthScore: &score, RiskStatus: StatusOf(score), StartTime: start, EndTime: end}
}

// MergeSlot combines two aggregates of the same slot: the worse risk wins
// and anomaly counts add up.
func MergeSlot(existing, incoming RiskSlot) RiskSlot {
	merged := existing
	merged.RiskScore = max(existing.RiskScore, incoming.RiskScore)
	merged.AnomalousMetricsCount = existing.AnomalousMetricsCount + incoming.AnomalousMetricsCount
	merged.AnomalousLogsCount = existing.AnomalousLogsCount + incoming.AnomalousLogsCount
	return merged
}

// WorstRisk returns the highest risk among slots holding data.
func WorstRisk(slots []RiskSlot) (float64, bool) {
	worst, found := UnsetRiskScore, false
	for _, s := range slots {
		if s.HasData() && s.RiskScore > worst {
			worst, found = s.RiskScore, true
		}
	}
	return worst, found
}

// CombineReadings folds category readings for the same interval into one:
// the lowest score wins, and readings without data are ignored. The result
// spans [start, end).
func CombineReadings(start, end time.Time, readings ...HealthReading) HealthReading {
	var worst *HealthReading
	for i := range readings {
		r := &readings[i]
		if !r.HasData() {
			continue
		}
		if worst == nil || *r.HealthScore < *worst.HealthScore {
			worst = r
		}
	}
	if worst == nil {
		return NoDataReading(start, end)
	}
	score := *worst.HealthScore
	return HealthReading{HealthScore: &score, RiskStatus: StatusOf(score), StartTime: start, EndTime: end}
}
