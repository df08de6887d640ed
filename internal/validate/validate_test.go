package validate

import "testing"

func TestHandleBoundaries(t *testing.T) {
	cases := []struct {
		handle string
		ok     bool
	}{
		{"ab", false},                   // length 2, rejects
		{"abc", true},                   // length 3, accepts
		{"abcdefghij12345678901", false}, // length 21, rejects
		{"abcdefghij1234567890", true},   // length 20, accepts
		{" leading", false},
		{"trailing ", false},
		{"double  space", false},
		{"sysop", false},
		{"Rusty Wrench", true},
	}
	for _, c := range cases {
		err := Handle(c.handle)
		if c.ok && err != nil {
			t.Errorf("Handle(%q): expected accept, got %v", c.handle, err)
		}
		if !c.ok && err == nil {
			t.Errorf("Handle(%q): expected reject, got nil", c.handle)
		}
	}
}

func TestHandleCaseInsensitiveReservedWords(t *testing.T) {
	if Handle("SYSOP") == nil {
		t.Fatal("expected reserved handle check to be case-insensitive")
	}
}

func TestEmailStructural(t *testing.T) {
	cases := []struct {
		email string
		ok    bool
	}{
		{"rusty@example.com", true},
		{"rusty@@example.com", false},
		{"@example.com", false},
		{"rusty@examplecom", false},
		{"rusty", false},
	}
	for _, c := range cases {
		err := Email(c.email)
		if c.ok && err != nil {
			t.Errorf("Email(%q): expected accept, got %v", c.email, err)
		}
		if !c.ok && err == nil {
			t.Errorf("Email(%q): expected reject, got nil", c.email)
		}
	}
}

func TestPasswordBoundaries(t *testing.T) {
	cases := []struct {
		length int
		ok     bool
	}{
		{5, false},
		{6, true},
		{128, true},
		{129, false},
	}
	for _, c := range cases {
		p := make([]byte, c.length)
		for i := range p {
			p[i] = 'x'
		}
		err := Password(string(p))
		if c.ok && err != nil {
			t.Errorf("Password(len=%d): expected accept, got %v", c.length, err)
		}
		if !c.ok && err == nil {
			t.Errorf("Password(len=%d): expected reject, got nil", c.length)
		}
	}
}

func TestProfanityScreenNeutralStrings(t *testing.T) {
	// Deliberately neutral strings per spec §9's guidance to avoid the
	// false-positive trap documented in the source's own test data.
	for _, h := range []string{"RustyWrench", "Neo", "StarGazer42"} {
		if IsProfane(h) {
			t.Errorf("expected neutral handle %q to pass the profanity screen", h)
		}
	}
}

func TestProfanityScreenCatchesLeetspeak(t *testing.T) {
	if !IsProfane("pr0f4n1ty") {
		t.Fatal("expected leetspeak variant of a banned word to be caught")
	}
}
