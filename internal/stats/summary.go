package stats

import (
	mstats "github.com/montanaflynn/stats"

	"github.com/miradorstack/mirador-vitals/internal/utils"
)

// Summary describes the retained values of one metric.
type Summary struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"stdDev"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

// Summarize computes a Summary. Percentiles follow the same rule as Percentile.
func Summarize(values []float64, exactLimit int) (Summary, error) {
	if len(values) == 0 {
		return Summary{}, utils.ErrNoData
	}
	data := mstats.Float64Data(values)

	var (
		out Summary
		err error
	)
	out.Count = len(values)
	if out.Min, err = mstats.Min(data); err != nil {
		return Summary{}, err
	}
	if out.Max, err = mstats.Max(data); err != nil {
		return Summary{}, err
	}
	if out.Mean, err = mstats.Mean(data); err != nil {
		return Summary{}, err
	}
	if out.Median, err = mstats.Median(data); err != nil {
		return Summary{}, err
	}
	if out.StdDev, err = mstats.StandardDeviationPopulation(data); err != nil {
		return Summary{}, err
	}
	for _, q := range []struct {
		p   float64
		dst *float64
	}{{0.50, &out.P50}, {0.95, &out.P95}, {0.99, &out.P99}} {
		if *q.dst, err = Percentile(values, q.p, exactLimit); err != nil {
			return Summary{}, err
		}
	}
	return out, nil
}
