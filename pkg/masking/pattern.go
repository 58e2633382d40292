// Package masking redacts patient-identifying fields (phone, full name)
// from log output when configured to do so. It is a logging concern only:
// the CRM and source database always see unmasked data.
package masking

import (
	"regexp"
)

// CompiledPattern pairs a regex with the replacement text it substitutes in.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns are the two PII shapes the core ever logs: a phone number
// and a full name. Phones are matched structurally; names are masked by the
// caller supplying the known value directly (see Masker.Name), since a
// generic name regex would be both over- and under-inclusive.
var builtinPatterns = []*CompiledPattern{
	{
		Name:        "phone",
		Regex:       regexp.MustCompile(`\+?\d[\d\-\s()]{7,}\d`),
		Replacement: "[REDACTED_PHONE]",
	},
}

// maskPhones applies the phone pattern to free-form text, such as an error
// message that might echo a phone number back from the CRM.
func maskPhones(text string) string {
	for _, p := range builtinPatterns {
		text = p.Regex.ReplaceAllString(text, p.Replacement)
	}
	return text
}
