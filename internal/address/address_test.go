package address

import (
	"testing"

	"github.com/mailcore/engine/internal/set"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		addr, user, domain string
	}{
		{"user@domain", "user", "domain"},
		{"postmaster", "postmaster", ""},
		{"a@b@c", "a", "b@c"},
	}
	for _, c := range cases {
		u, d := Split(c.addr)
		if u != c.user || d != c.domain {
			t.Errorf("Split(%q) = %q, %q; want %q, %q", c.addr, u, d, c.user, c.domain)
		}
	}
}

func TestDomainIn(t *testing.T) {
	locals := &set.String{}
	locals.Add("example.com")

	if !DomainIn("postmaster", locals) {
		t.Errorf("bare postmaster should match any local set")
	}
	if !DomainIn("user@example.com", locals) {
		t.Errorf("user@example.com should be local")
	}
	if DomainIn("user@other.com", locals) {
		t.Errorf("user@other.com should not be local")
	}
}

func TestValid(t *testing.T) {
	valid := []string{
		"postmaster",
		"user@example.com",
		"first.last@example.com",
		`"quoted string"@example.com`,
		"üñîçødé@exámple.com",
	}
	for _, a := range valid {
		if !Valid(a) {
			t.Errorf("Valid(%q) = false, want true", a)
		}
	}

	invalid := []string{
		"",
		"user@",
		"user@.example.com",
		"user@example..com",
		"user@" + string(make([]byte, 260)),
	}
	for _, a := range invalid {
		if Valid(a) {
			t.Errorf("Valid(%q) = true, want false", a)
		}
	}
}

func TestEqual(t *testing.T) {
	if !Equal("User@Example.com", "user@example.com") {
		t.Errorf("expected case-insensitive domain/local match")
	}
	if Equal("user@example.com", "user@other.com") {
		t.Errorf("unexpectedly equal")
	}
}

func TestAddHeader(t *testing.T) {
	data := []byte("body")
	got := AddHeader(data, "X-Test", "value\nmulti")
	want := "X-Test: value\n\tmulti\nbody"
	if string(got) != want {
		t.Errorf("AddHeader = %q, want %q", got, want)
	}
}
