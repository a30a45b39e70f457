package dsn

import (
	"regexp"
	"strconv"
	"strings"
)

// enhancedCodeRe matches an explicit enhanced status code (RFC 3463,
// "class.subject.detail") anywhere in a failure reason, e.g. a relay
// error message that already says "550 5.1.1 user unknown".
var enhancedCodeRe = regexp.MustCompile(`\b([245])\.(\d{1,3})\.(\d{1,3})\b`)

// smtpCodeRe matches a bare SMTP 3-digit reply code.
var smtpCodeRe = regexp.MustCompile(`\b([2-5]\d{2})\b`)

// smtpCodeToEnhanced maps a subset of well-known SMTP reply codes to
// their typical enhanced status, per spec.md §4.9's examples.
var smtpCodeToEnhanced = map[string]string{
	"550": "5.1.1",
	"551": "5.1.6",
	"552": "5.2.2",
	"553": "5.1.3",
	"554": "5.0.0",
}

// textualHeuristics maps a substring of the reason text to an enhanced
// status, checked in order, per spec.md §4.9.
var textualHeuristics = []struct {
	substr string
	status string
}{
	{"user unknown", "5.1.1"},
	{"mailbox full", "5.2.2"},
	{"null mx", "5.1.10"},
}

// EnhancedStatus derives an RFC 3463 enhanced status code for a delivery
// failure reason, trying in order: an enhanced code already present in
// the text, a bare SMTP reply code mapped via smtpCodeToEnhanced (4xx
// codes fall back to the generic "4.x.y" shape the spec calls for), a
// set of textual heuristics, and finally "5.0.0".
func EnhancedStatus(reason string) string {
	if m := enhancedCodeRe.FindString(reason); m != "" {
		return m
	}

	if m := smtpCodeRe.FindString(reason); m != "" {
		if mapped, ok := smtpCodeToEnhanced[m]; ok {
			return mapped
		}
		if code, err := strconv.Atoi(m); err == nil && code >= 400 && code < 500 {
			return "4.0.0"
		}
	}

	lower := strings.ToLower(reason)
	for _, h := range textualHeuristics {
		if strings.Contains(lower, h.substr) {
			return h.status
		}
	}

	return "5.0.0"
}
