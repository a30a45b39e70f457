package dsn

import (
	"strings"

	"github.com/emersion/go-message/textproto"
)

// headerValue returns the first value of key in h, mirroring the
// FieldsByKey/Next/Value walk maddy's internal/dmarc.ExtractFromDomain
// uses, since go-message's textproto.Header has no single-value getter.
func headerValue(h textproto.Header, key string) string {
	fields := h.FieldsByKey(key)
	if fields.Next() {
		return fields.Value()
	}
	return ""
}

// shouldSuppress applies spec.md §4.9's loop-prevention rule set against
// an original message's header, generalized from chasquid's complete
// absence of such a check (chasquid's dsn.go bounces unconditionally)
// into the explicit rule set the spec calls for.
func shouldSuppress(h textproto.Header, hostname string) bool {
	if v := strings.TrimSpace(headerValue(h, "Auto-Submitted")); v != "" && !strings.EqualFold(v, "no") {
		return true
	}
	if v := strings.TrimSpace(headerValue(h, "X-Loop")); v != "" && strings.EqualFold(v, hostname) {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(headerValue(h, "Precedence"))) {
	case "bulk", "junk", "list":
		return true
	}
	ct := strings.ToLower(headerValue(h, "Content-Type"))
	if strings.HasPrefix(ct, "message/delivery-status") {
		return true
	}
	if strings.HasPrefix(ct, "multipart/report") && strings.Contains(ct, "report-type=delivery-status") {
		return true
	}
	return false
}
