package domain

import "math"

// Stats is derived from the patient set and never mutated on its own.
type Stats struct {
	TotalPatients int `json:"totalPatients"`
	HighRiskCount int `json:"highRiskCount"`
	AdherenceRate int `json:"adherenceRate"`
}

func ComputeStats(patients []Patient) Stats {
	total := len(patients)
	high := 0
	for _, p := range patients {
		if p.RiskLevel == RiskHigh {
			high++
		}
	}
	rate := 0
	if total > 0 {
		rate = int(math.Round(float64(total-high) / float64(total) * 100))
	}
	return Stats{TotalPatients: total, HighRiskCount: high, AdherenceRate: rate}
}
