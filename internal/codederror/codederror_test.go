package codederror

import "testing"

func TestReply(t *testing.T) {
	e := New(550, "5.1.1", "user unknown")
	code, msg := e.Reply()
	if code != 550 || msg != "5.1.1 user unknown" {
		t.Errorf("got %d %q, want 550 \"5.1.1 user unknown\"", code, msg)
	}
}

func TestReplyNoEnhanced(t *testing.T) {
	e := New(421, "", "too many errors")
	code, msg := e.Reply()
	if code != 421 || msg != "too many errors" {
		t.Errorf("got %d %q", code, msg)
	}
}

func TestPermanentDerivedFromCode(t *testing.T) {
	if !New(550, "", "x").Permanent {
		t.Errorf("550 should be permanent")
	}
	if New(451, "", "x").Permanent {
		t.Errorf("451 should not be permanent")
	}
}

func TestTransientAndPerm(t *testing.T) {
	if Transient(452, "4.5.3", "x").Permanent {
		t.Errorf("Transient() must not be Permanent")
	}
	if !Perm(550, "5.1.1", "x").Permanent {
		t.Errorf("Perm() must be Permanent")
	}
}

func TestErrorString(t *testing.T) {
	e := New(250, "2.1.5", "ok")
	if e.Error() != "250 2.1.5 ok" {
		t.Errorf("got %q", e.Error())
	}
}
