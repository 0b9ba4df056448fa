package redact

import "regexp"

// Detector scans and replaces personally identifiable information with
// stable `<PII: NAME>` tokens. Sanitization runs before both repr capture
// and hashing, so redacted values never reach either channel.
type Detector struct {
	patterns []pattern
}

type pattern struct {
	name string
	re   *regexp.Regexp
}

// NewDetector builds a detector with the built-in pattern set: EMAIL,
// IP_ADDRESS, US_SSN, CREDIT_CARD.
func NewDetector() *Detector {
	return &Detector{patterns: []pattern{
		{"EMAIL", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
		{"IP_ADDRESS", regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)},
		{"US_SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
		{"CREDIT_CARD", regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
	}}
}

// SanitizeString replaces every PII match in text with its token.
func (d *Detector) SanitizeString(text string) string {
	for _, p := range d.patterns {
		text = p.re.ReplaceAllString(text, "<PII: "+p.name+">")
	}
	return text
}

// Sanitize recursively sanitizes strings inside slices and maps. Other
// values pass through unchanged; their reprs are sanitized separately by
// the logger.
func (d *Detector) Sanitize(value any) any {
	switch v := value.(type) {
	case string:
		return d.SanitizeString(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = d.Sanitize(item)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = d.SanitizeString(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[d.SanitizeString(key)] = d.Sanitize(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for key, item := range v {
			out[d.SanitizeString(key)] = d.SanitizeString(item)
		}
		return out
	default:
		return value
	}
}
