// Package address implements parsing, validation, and normalization of
// SMTP mailbox addresses, including the RFC 6531 (SMTPUTF8) extension that
// lets the local-part and domain carry arbitrary Unicode.
package address

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
	"golang.org/x/text/unicode/norm"

	"github.com/mailcore/engine/internal/set"
)

// Split divides a user@domain address into its local-part and domain. A
// bare "postmaster" (or any address with no "@") is returned with an empty
// domain, matching RFC 5321's special case for the postmaster mailbox.
func Split(addr string) (user, domain string) {
	ps := strings.SplitN(addr, "@", 2)
	if len(ps) != 2 {
		return addr, ""
	}
	return ps[0], ps[1]
}

// UserOf returns the local-part of user@domain.
func UserOf(addr string) string {
	user, _ := Split(addr)
	return user
}

// DomainOf returns the domain of user@domain.
func DomainOf(addr string) string {
	_, domain := Split(addr)
	return domain
}

// DomainIn reports whether the domain of addr is in the given set. An
// address with no domain (the bare postmaster case) is considered to match
// any set, since it has no domain to route on.
func DomainIn(addr string, locals *set.String) bool {
	domain := DomainOf(addr)
	if domain == "" {
		return true
	}
	return locals.Has(domain)
}

// User normalizes a local-part using PRECIS UsernameCaseMapped, so that
// case and Unicode equivalences collapse the way RFC 8265 requires for
// identifiers used in authentication. On error the original string is
// returned too, so callers can use it as a best-effort fallback.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}
	return norm, nil
}

// Domain normalizes a domain to its Unicode (U-label) form, NFC-normalized
// and case-folded, which is the representation the engine uses internally
// for comparisons and map lookups. On error the original string is
// returned too.
func Domain(domain string) (string, error) {
	u, err := idna.ToUnicode(domain)
	if err != nil {
		return domain, err
	}
	return strings.ToLower(norm.NFC.String(u)), nil
}

// DomainToASCII converts a domain to its ASCII-compatible (A-label, aka
// Punycode) form, as needed when handing a domain to something that only
// understands ASCII DNS labels (MX lookups, TLS SNI).
func DomainToASCII(domain string) (string, error) {
	return idna.ToASCII(domain)
}

// Addr normalizes the local-part of addr, leaving the domain untouched. On
// error the original address is returned too.
func Addr(addr string) (string, error) {
	user, domain := Split(addr)
	user, err := User(user)
	if err != nil {
		return addr, err
	}
	if domain == "" {
		return user, nil
	}
	return user + "@" + domain, nil
}

// ForLookup returns a canonical form of addr suitable for map lookups and
// equality checks: the domain normalized to Unicode and the local-part
// lower-cased and NFC-normalized. It does not enforce PRECIS profiles, so
// it never fails on input that Valid would still accept.
func ForLookup(addr string) string {
	user, domain := Split(addr)
	if domain != "" {
		if d, err := Domain(domain); err == nil {
			domain = d
		}
	}
	user = strings.ToLower(norm.NFC.String(user))
	if domain == "" {
		return user
	}
	return user + "@" + domain
}

// Equal reports whether two addresses are equivalent under ForLookup.
func Equal(addr1, addr2 string) bool {
	if addr1 == addr2 {
		return true
	}
	return ForLookup(addr1) == ForLookup(addr2)
}

// IsASCII reports whether s contains only ASCII characters, used to decide
// whether a message or command requires the SMTPUTF8 extension.
func IsASCII(s string) bool {
	for _, ch := range s {
		if ch >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// maxAddrLen is RFC 3696's recommended limit (320), rather than the more
// commonly cited but incorrect 255.
const maxAddrLen = 320

// Valid reports whether addr is an acceptable SMTP mailbox address: the
// bare "postmaster" case, or a syntactically valid local-part and domain.
// It allows Unicode in both halves, per RFC 6531.
func Valid(addr string) bool {
	if len(addr) > maxAddrLen {
		return false
	}
	if !strings.Contains(addr, "@") {
		return strings.EqualFold(addr, "postmaster")
	}
	user, domain := Split(addr)
	return ValidLocalPart(user) && ValidDomain(domain)
}

var validGraphic = map[rune]bool{
	'!': true, '#': true, '$': true, '%': true, '&': true, '\'': true,
	'*': true, '+': true, '-': true, '/': true, '=': true, '?': true,
	'^': true, '_': true, '`': true, '{': true, '|': true, '}': true,
	'~': true, '.': true,
}

// ValidLocalPart reports whether user is a syntactically valid local-part,
// with or without RFC 5321 quoting, allowing Unicode per RFC 6531.
func ValidLocalPart(user string) bool {
	if user == "" {
		return false
	}
	if strings.HasPrefix(user, `"`) {
		raw, ok := unquote(user)
		if !ok {
			return false
		}
		for _, ch := range raw {
			if ch < ' ' || ch == 0x7F {
				return false
			}
		}
		return true
	}
	for _, ch := range user {
		switch {
		case validGraphic[ch]:
		case ch >= '0' && ch <= '9':
		case ch >= 'A' && ch <= 'Z':
		case ch >= 'a' && ch <= 'z':
		case ch > 0x7F:
		default:
			return false
		}
	}
	return true
}

// unquote strips RFC 5321 dquote-quoting from a local-part, rejecting a
// dangling escape or an unterminated quote.
func unquote(s string) (string, bool) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", false
	}
	body := s[1 : len(s)-1]
	var b strings.Builder
	escaped := false
	for _, ch := range body {
		if escaped {
			b.WriteRune(ch)
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			return "", false
		}
		b.WriteRune(ch)
	}
	if escaped {
		return "", false
	}
	return b.String(), true
}

const maxDomainLen = 255
const maxLabelLen = 64

// ValidDomain reports whether domain is a syntactically valid DNS domain
// (applying length limits to its A-label form, as those are the limits DNS
// itself enforces).
func ValidDomain(domain string) bool {
	if len(domain) == 0 || len(domain) > maxDomainLen {
		return false
	}
	if strings.HasPrefix(domain, ".") || strings.Contains(domain, "..") {
		return false
	}
	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return false
	}
	for _, label := range strings.Split(ascii, ".") {
		if len(label) == 0 || len(label) > maxLabelLen {
			return false
		}
	}
	return true
}

// AddHeader prepends a MIME header field to a message's raw bytes,
// indenting any embedded newlines in the value so the result stays a valid
// single header field.
func AddHeader(data []byte, k, v string) []byte {
	if len(v) > 0 {
		if v[len(v)-1] == '\n' {
			v = v[:len(v)-1]
		}
		v = strings.ReplaceAll(v, "\n", "\n\t")
	}
	header := []byte(fmt.Sprintf("%s: %s\n", k, v))
	return append(header, data...)
}
