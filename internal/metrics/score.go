// Package metrics recomputes per-user and team productivity metrics over
// rolling daily, weekly, and monthly windows after each sync cycle.
package metrics

// codeSubScore blends commit count, lines added, and files changed, each
// capped at its component ceiling.
func codeSubScore(commits, linesAdded, filesChanged int) float64 {
	return 0.3*capAt(float64(commits)*10, 100) +
		0.4*capAt(float64(linesAdded)/10, 100) +
		0.3*capAt(float64(filesChanged)*5, 100)
}

// taskSubScore blends completions, completion speed, and in-flight work. A
// window with no completions scores the speed component at its neutral
// midpoint rather than zero.
func taskSubScore(tasksCompleted int, avgCompletionDays float64, tasksInProgress int) float64 {
	speed := 50.0
	if avgCompletionDays > 0 {
		speed = 100 - avgCompletionDays*2
		if speed < 0 {
			speed = 0
		}
	}
	return 0.5*capAt(float64(tasksCompleted)*20, 100) +
		0.3*speed +
		0.2*capAt(float64(tasksInProgress)*10, 50)
}

// overallScore is the mean of the two sub-scores, clamped to [0,100].
func overallScore(code, task float64) float64 {
	score := (code + task) / 2
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// trendPercent is the period-over-period change of a raw metric. A zero prior
// window yields 100 when the current window has activity, otherwise 0.
func trendPercent(current, previous float64) float64 {
	if previous == 0 {
		if current > 0 {
			return 100
		}
		return 0
	}
	return (current - previous) / previous * 100
}

// rankOf is 1 plus the number of strictly greater scores; ties share a rank.
func rankOf(score float64, all []float64) int {
	rank := 1
	for _, other := range all {
		if other > score {
			rank++
		}
	}
	return rank
}

// percentileOf converts a rank into a percentile over the active population.
func percentileOf(rank, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(total-rank+1) / float64(total) * 100
}

func capAt(value, ceiling float64) float64 {
	if value > ceiling {
		return ceiling
	}
	if value < 0 {
		return 0
	}
	return value
}
