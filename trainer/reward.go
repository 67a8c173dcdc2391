package trainer

import (
	"regexp"
	"strings"
)

// Completions are graded on the content of their first <answer> block only.
// The reasoning block is never inspected.
var answerTagRe = regexp.MustCompile(`(?s)<answer>(.*?)</answer>`)

const (
	RewardNone      = 0.0
	RewardAttempted = 0.01
	RewardPartial   = 0.5
	RewardExact     = 1.0
)

// ExtractAnswer returns the content of the first answer block and whether one
// was found at all. The match is non-greedy and may span newlines.
func ExtractAnswer(completion string) (string, bool) {
	m := answerTagRe.FindStringSubmatch(completion)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ScoreCompletion grades a sampled completion against the oracle answer.
//
// A missing answer block scores 0. An exact match scores 1.0, an answer that
// merely contains the oracle scores 0.5, and any other non-empty attempt
// scores 0.01 so that tag-following completions stay distinguishable from
// completions that never answered.
func ScoreCompletion(completion, oracleAnswer string) float64 {
	answer, ok := ExtractAnswer(completion)
	if !ok {
		return RewardNone
	}
	switch {
	case answer == oracleAnswer:
		return RewardExact
	case strings.Contains(answer, oracleAnswer):
		return RewardPartial
	default:
		return RewardAttempted
	}
}
