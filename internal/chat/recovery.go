package chat

import "strings"

// recoveryKeywords mirror the deployed heuristic. Substring match over
// the lowercased text, not a classifier.
var recoveryKeywords = []string{
	"recovery",
	"recover",
	"how is my recovery",
	"how should i recover",
	"recover after",
	"recovery-based",
	"sleep",
	"rest",
	"recovery score",
}

// LooksLikeRecoveryQuery is the default recovery-query predicate. The
// Machine takes it as a swappable dependency so a stricter classifier
// can replace it without touching the state machine.
func LooksLikeRecoveryQuery(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range recoveryKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
