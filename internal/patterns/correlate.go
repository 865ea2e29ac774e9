package patterns

import (
	"sort"
	"time"

	"github.com/miradorstack/mirador-vitals/internal/models"
)

// Leaders ranks the metrics whose incidents overlap those of target and
// started first. A metric is counted at most once per target period.
// Score is 0.4 plus 0.6 times the share of overlaps it led, in [0,1].
func Leaders(target string, periods []models.IncidentPeriod, slack time.Duration) []models.MetricLeader {
	slackMs := slack.Milliseconds()
	overlaps := make(map[string]int)
	precedes := make(map[string]int)

	for _, t := range periods {
		if t.Metric != target {
			continue
		}
		led := make(map[string]bool)
		for _, o := range periods {
			if o.Metric == target || o.Metric == "" {
				continue
			}
			if o.Start > t.End+slackMs || o.End+slackMs < t.Start {
				continue
			}
			first, seen := led[o.Metric]
			led[o.Metric] = first || o.Start < t.Start
			if !seen {
				overlaps[o.Metric]++
			}
		}
		for metric, first := range led {
			if first {
				precedes[metric]++
			}
		}
	}

	leaders := make([]models.MetricLeader, 0, len(precedes))
	for metric, n := range precedes {
		if n == 0 {
			continue
		}
		ratio := float64(n) / float64(overlaps[metric])
		leaders = append(leaders, models.MetricLeader{
			Metric:   metric,
			Overlaps: overlaps[metric],
			Precedes: n,
			Score:    clamp(0.4+0.6*ratio, 0, 1),
		})
	}
	sort.Slice(leaders, func(i, j int) bool {
		if leaders[i].Score != leaders[j].Score {
			return leaders[i].Score > leaders[j].Score
		}
		if leaders[i].Overlaps != leaders[j].Overlaps {
			return leaders[i].Overlaps > leaders[j].Overlaps
		}
		return leaders[i].Metric < leaders[j].Metric
	})
	return leaders
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
