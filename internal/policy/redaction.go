// Package policy holds content rules applied before text is persisted.
package policy

import "regexp"

type piiRule struct {
	name    string
	pattern *regexp.Regexp
	mask    string
}

// Order matters: card numbers must be masked before the phone rule can claim
// their digit runs, and secrets before either.
var piiRules = []piiRule{
	{
		name:    "secret",
		pattern: regexp.MustCompile(`\b(?:sk|pk|rk)[-_][A-Za-z0-9_\-]{16,}\b`),
		mask:    "[REDACTED_SECRET]",
	},
	{
		name:    "email",
		pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
		mask:    "[REDACTED_EMAIL]",
	},
	{
		name:    "card",
		pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
		mask:    "[REDACTED_CARD]",
	},
	{
		name:    "phone",
		pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`),
		mask:    "[REDACTED_PHONE]",
	},
}

// RedactPII masks emails, payment cards, phone numbers and API-key-shaped
// secrets. changed reports whether anything was masked.
func RedactPII(input string) (redacted string, changed bool) {
	redacted, kinds := redact(input)
	return redacted, len(kinds) > 0
}

// RedactedKinds lists the rule names that matched input, in rule order.
func RedactedKinds(input string) []string {
	_, kinds := redact(input)
	return kinds
}

func redact(input string) (string, []string) {
	out := input
	var kinds []string
	for _, rule := range piiRules {
		next := rule.pattern.ReplaceAllString(out, rule.mask)
		if next != out {
			kinds = append(kinds, rule.name)
			out = next
		}
	}
	return out, kinds
}
