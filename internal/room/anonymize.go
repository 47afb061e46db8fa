package room

import "regexp"

var (
	emailRe = regexp.MustCompile(`(?i)[\w.-]+@[\w.-]+\.\w+`)
	phoneRe = regexp.MustCompile(`(\+?\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`)
	// Consecutive capitalized words that look like a full name. Imperfect,
	// but good enough for the anonymized research aggregate.
	nameRe = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s[A-Z][a-z]+)+\b`)
)

// anonymizeText strips likely PII before text enters the research aggregate.
func anonymizeText(text string) string {
	out := emailRe.ReplaceAllString(text, "[EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[PHONE]")
	out = nameRe.ReplaceAllString(out, "[NAME]")
	return out
}
