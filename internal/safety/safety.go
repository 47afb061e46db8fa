// Package safety implements the deterministic keyword pre-filter that runs
// before any AI collaborator call. It deliberately depends on nothing but
// the standard library so that obviously dangerous content is caught even
// when the AI gateway is unreachable.
package safety

import (
	"strings"

	"github.com/commonground-labs/commonground/internal/domain"
)

var criticalKeywords = []string{
	"kill", "murder", "hurt you", "beat", "punch", "hit you", "strangle",
	"suicide", "end my life", "kill myself", "want to die", "better off dead",
	"stalk", "following you", "tracking you", "installed spyware",
}

var warningKeywords = []string{
	"scared of you", "afraid of you", "fear for my", "threatened",
	"hurt myself", "self-harm", "cutting", "worthless",
	"controlling", "won't let me", "not allowed to", "isolate",
}

// blockKeywords match explicit violent intent. Matching any of these is a
// hard gate on sending, independent of the level classifier.
var blockKeywords = []string{
	"i will kill you", "i'll kill you", "gonna kill you", "going to kill you",
	"i will hurt you", "i'll hurt you", "gonna hurt you", "going to hurt you",
	"i will beat you", "i'll beat you", "gonna beat you",
	"die bitch", "die whore", "kill yourself",
	"i know where you live", "i'm coming for you",
}

// DetectLevel classifies text by case-insensitive substring match against
// the fixed keyword lists. Critical takes precedence over warning.
func DetectLevel(text string) domain.SafetyLevel {
	lower := strings.ToLower(text)

	for _, kw := range criticalKeywords {
		if strings.Contains(lower, kw) {
			return domain.SafetyCritical
		}
	}
	for _, kw := range warningKeywords {
		if strings.Contains(lower, kw) {
			return domain.SafetyWarning
		}
	}
	return domain.SafetyNormal
}

// ShouldBlock reports whether text contains explicit violent-intent phrasing
// that must never be persisted or forwarded to a collaborator.
func ShouldBlock(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range blockKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Worst returns the more severe of two levels.
func Worst(a, b domain.SafetyLevel) domain.SafetyLevel {
	if a == domain.SafetyCritical || b == domain.SafetyCritical {
		return domain.SafetyCritical
	}
	if a == domain.SafetyWarning || b == domain.SafetyWarning {
		return domain.SafetyWarning
	}
	return domain.SafetyNormal
}
