package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOverallScoreStaysBounded(t *testing.T) {
	commits := []int{0, 1, 5, 10, 50, 1000}
	lines := []int{0, 10, 500, 100000}
	tasks := []int{0, 1, 5, 40}
	for _, c := range commits {
		for _, l := range lines {
			for _, tc := range tasks {
				code := codeSubScore(c, l, c*2)
				task := taskSubScore(tc, float64(tc)*3, tc)
				score := overallScore(code, task)
				require.GreaterOrEqual(t, score, 0.0, "commits=%d lines=%d tasks=%d", c, l, tc)
				require.LessOrEqual(t, score, 100.0, "commits=%d lines=%d tasks=%d", c, l, tc)
			}
		}
	}
}

func TestCodeSubScoreComponentsCap(t *testing.T) {
	require.Equal(t, 0.0, codeSubScore(0, 0, 0))
	require.Equal(t, 100.0, codeSubScore(10, 1000, 20))
	require.Equal(t, 100.0, codeSubScore(1000, 100000, 1000), "beyond the caps nothing accrues")

	// Only the commit component, halfway to its cap.
	require.InDelta(t, 15.0, codeSubScore(5, 0, 0), 1e-9)
}

func TestTaskSubScoreNeutralWhenNoCompletions(t *testing.T) {
	// No completions: the speed component sits at its midpoint.
	require.InDelta(t, 15.0, taskSubScore(0, 0, 0), 1e-9)

	// Fast completions score the full speed component.
	require.InDelta(t, 0.5*100+0.3*98+0.2*50, taskSubScore(5, 1, 10), 1e-9)

	// Very slow completions floor at zero instead of going negative.
	require.InDelta(t, 0.5*20, taskSubScore(1, 90, 0), 1e-9)
}

func TestTrendZeroPriorWindow(t *testing.T) {
	require.Equal(t, 100.0, trendPercent(5, 0))
	require.Equal(t, 0.0, trendPercent(0, 0))
	require.Equal(t, 100.0, trendPercent(10, 5))
	require.Equal(t, -50.0, trendPercent(5, 10))
	require.Equal(t, -100.0, trendPercent(0, 10))
}

func TestRankAndPercentileWithTies(t *testing.T) {
	scores := []float64{90, 70, 70, 40}
	total := len(scores)

	require.Equal(t, 1, rankOf(90, scores))
	require.Equal(t, 100.0, percentileOf(rankOf(90, scores), total))

	require.Equal(t, 2, rankOf(70, scores))
	require.Equal(t, 75.0, percentileOf(rankOf(70, scores), total))

	require.Equal(t, 4, rankOf(40, scores))
	require.Equal(t, 25.0, percentileOf(rankOf(40, scores), total))
}

func TestPercentileEmptyPopulation(t *testing.T) {
	require.Equal(t, 0.0, percentileOf(1, 0))
}
