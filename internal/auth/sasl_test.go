package auth

import (
	"testing"
)

func TestCreateServerPlain(t *testing.T) {
	be := NewTestBE()
	be.add("user", "password")
	a := NewAuthenticator()
	a.AuthDuration = 0
	a.Register("domain", be)

	var gotUser, gotDomain string
	srv := CreateServer(a, "PLAIN", nil, func(user, domain string) error {
		gotUser, gotDomain = user, domain
		return nil
	})

	// identity \0 username \0 password, as PLAIN expects.
	msg := []byte("\x00user@domain\x00password")
	_, done, err := srv.Next(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !done {
		t.Fatalf("expected PLAIN to finish in one step")
	}
	if gotUser != "user" || gotDomain != "domain" {
		t.Errorf("onSuccess got %q@%q, want user@domain", gotUser, gotDomain)
	}
}

func TestCreateServerLogin(t *testing.T) {
	be := NewTestBE()
	be.add("user", "password")
	a := NewAuthenticator()
	a.AuthDuration = 0
	a.Register("domain", be)

	var gotUser, gotDomain string
	srv := CreateServer(a, "LOGIN", nil, func(user, domain string) error {
		gotUser, gotDomain = user, domain
		return nil
	})

	ch, done, err := srv.Next(nil)
	if err != nil || done || string(ch) != "Username:" {
		t.Fatalf("unexpected first step: ch=%q done=%v err=%v", ch, done, err)
	}
	ch, done, err = srv.Next([]byte("user@domain"))
	if err != nil || done || string(ch) != "Password:" {
		t.Fatalf("unexpected second step: ch=%q done=%v err=%v", ch, done, err)
	}
	_, done, err = srv.Next([]byte("password"))
	if err != nil || !done {
		t.Fatalf("unexpected third step: done=%v err=%v", done, err)
	}
	if gotUser != "user" || gotDomain != "domain" {
		t.Errorf("onSuccess got %q@%q, want user@domain", gotUser, gotDomain)
	}
}

func TestCreateServerUnsupported(t *testing.T) {
	a := NewAuthenticator()
	srv := CreateServer(a, "GSSAPI", nil, func(string, string) error { return nil })
	_, _, err := srv.Next(nil)
	if err != ErrUnsupportedMechanism {
		t.Errorf("expected ErrUnsupportedMechanism, got %v", err)
	}
}
