package council

import (
	"math"
	"regexp"
	"sort"
	"strings"
)

var (
	numberedLabelRe = regexp.MustCompile(`\d+\.\s*Response [A-Z]`)
	labelRe         = regexp.MustCompile(`Response [A-Z]`)
)

// ParseRanking extracts the ordered response labels from a ranking text.
// It prefers the numbered list under a "FINAL RANKING:" marker and falls
// back to any "Response X" mentions in order.
func ParseRanking(text string) []string {
	section := text
	if _, after, found := strings.Cut(text, "FINAL RANKING:"); found {
		section = after
		if numbered := numberedLabelRe.FindAllString(section, -1); len(numbered) > 0 {
			out := make([]string, len(numbered))
			for i, m := range numbered {
				out[i] = labelRe.FindString(m)
			}
			return out
		}
	}
	return labelRe.FindAllString(section, -1)
}

// AggregateRankings computes each model's average position across all
// rankings, best first. Labels that do not map to a model are skipped.
func AggregateRankings(stage2 []StageRanking, labelToModel map[string]string) []AggregateRanking {
	positions := make(map[string][]int)
	for _, r := range stage2 {
		for pos, label := range ParseRanking(r.Ranking) {
			model, ok := labelToModel[label]
			if !ok {
				continue
			}
			positions[model] = append(positions[model], pos+1)
		}
	}

	var out []AggregateRanking
	for model, ps := range positions {
		sum := 0
		for _, p := range ps {
			sum += p
		}
		avg := float64(sum) / float64(len(ps))
		out = append(out, AggregateRanking{
			Model:         model,
			AverageRank:   math.Round(avg*100) / 100,
			RankingsCount: len(ps),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].AverageRank != out[j].AverageRank {
			return out[i].AverageRank < out[j].AverageRank
		}
		return out[i].Model < out[j].Model
	})
	return out
}
