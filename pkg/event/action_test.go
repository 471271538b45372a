package event

import (
	"errors"
	"testing"
)

func TestFromTag_Join(t *testing.T) {
	action, err := FromTag("JOIN", "00:34:da:58:9d:a7")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if action != NewJoin("00:34:da:58:9d:a7") {
		t.Errorf("expected Join(00:34:da:58:9d:a7), got %s", action)
	}
}

func TestFromTag_Leave(t *testing.T) {
	action, err := FromTag("LEAVE", "5a:98:da:ab:19:c6")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if action.Kind != Leave {
		t.Errorf("expected kind LEAVE, got %s", action.Kind)
	}
	if action.MAC != "5a:98:da:ab:19:c6" {
		t.Errorf("expected mac to pass through, got %q", action.MAC)
	}
}

func TestFromTag_Unknown(t *testing.T) {
	_, err := FromTag("UNKNOWN", "123")
	if !errors.Is(err, ErrInvalidTag) {
		t.Fatalf("expected ErrInvalidTag, got: %v", err)
	}
}

func TestFromTag_CaseSensitive(t *testing.T) {
	for _, tag := range []string{"join", "Join", "leave", " JOIN", "JOIN ", ""} {
		if _, err := FromTag(tag, "00:11:22:33:44:55"); !errors.Is(err, ErrInvalidTag) {
			t.Errorf("tag %q: expected ErrInvalidTag, got: %v", tag, err)
		}
	}
}

func TestFromTag_MACNotValidated(t *testing.T) {
	action, err := FromTag("JOIN", "not-a-mac")
	if err != nil {
		t.Fatalf("expected mac to pass through unvalidated, got: %v", err)
	}
	if action.MAC != "not-a-mac" {
		t.Errorf("expected mac 'not-a-mac', got %q", action.MAC)
	}
}

func TestURL_Leave(t *testing.T) {
	got := NewLeave("12:32:45:65:aa:ff").URL("tester.com")
	want := "http://tester.com/leave/12:32:45:65:aa:ff"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestURL_Join(t *testing.T) {
	got := NewJoin("12:32:45:65:aa:ff").URL("127.0.0.1:80")
	want := "http://127.0.0.1:80/join/12:32:45:65:aa:ff"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestURLWithScheme(t *testing.T) {
	got := NewJoin("00:11:22:33:44:55").URLWithScheme("https", "presence.example")
	want := "https://presence.example/join/00:11:22:33:44:55"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestKind_String(t *testing.T) {
	if Join.String() != "JOIN" || Leave.String() != "LEAVE" {
		t.Errorf("unexpected kind strings: %s %s", Join, Leave)
	}
	if Kind(0).String() != "unknown(0)" {
		t.Errorf("expected zero kind to be unknown, got %s", Kind(0))
	}
	if Join.Verb() != "join" || Leave.Verb() != "leave" {
		t.Errorf("unexpected verbs: %s %s", Join.Verb(), Leave.Verb())
	}
}

func TestAction_String(t *testing.T) {
	if s := NewJoin("00:11:22:33:44:55").String(); s != "Join(00:11:22:33:44:55)" {
		t.Errorf("unexpected string %q", s)
	}
	if s := NewLeave("00:11:22:33:44:55").String(); s != "Leave(00:11:22:33:44:55)" {
		t.Errorf("unexpected string %q", s)
	}
}
