package security

import "testing"

func TestHashAndVerifyRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword("hunter2", hash) {
		t.Fatal("expected correct password to verify")
	}
	if VerifyPassword("wrong-password", hash) {
		t.Fatal("expected incorrect password to fail verification")
	}
}

func TestVerifyPasswordRejectsMalformedStoredValue(t *testing.T) {
	cases := []string{"", "not-a-hash", "argon2id$bogus", "argon2id$v=19$m=x$salt$digest"}
	for _, c := range cases {
		if VerifyPassword("anything", c) {
			t.Fatalf("expected malformed stored value %q to never verify", c)
		}
	}
}

func TestHashPasswordProducesDistinctSalts(t *testing.T) {
	a, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	b, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct hashes for the same password due to random salting")
	}
}
