package pii

import "regexp"

// Pattern pairs a stable name with the compiled expression that detects one
// category of personally identifying values.
type Pattern struct {
	// Name keys pattern hit counts and token derivation. Stable across
	// releases.
	Name string
	// Regexp detects values of this category.
	Regexp *regexp.Regexp
}

// DefaultPatterns returns the built-in detection set: email addresses, phone
// numbers, national identifiers, and payment card numbers. Deployments
// override the set through configuration when jurisdictions require
// different identifiers.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:   "email",
			Regexp: regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		},
		{
			Name: "card",
			// 13-19 digits with optional single space or dash separators,
			// anchored on digit boundaries. Checked before "phone" so long
			// digit runs classify as card numbers.
			Regexp: regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`),
		},
		{
			Name:   "phone",
			Regexp: regexp.MustCompile(`\+?\d{1,3}[ \-.]?\(?\d{1,4}\)?(?:[ \-.]?\d{2,4}){2,4}`),
		},
		{
			Name: "national_id",
			// US SSN shape; deployments supply locale-specific patterns.
			Regexp: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
		},
	}
}

// CompilePatterns builds a pattern set from name/expression pairs, typically
// sourced from configuration. Invalid expressions fail construction.
func CompilePatterns(specs map[string]string) ([]Pattern, error) {
	patterns := make([]Pattern, 0, len(specs))
	for name, expr := range specs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, Pattern{Name: name, Regexp: re})
	}
	return patterns, nil
}
