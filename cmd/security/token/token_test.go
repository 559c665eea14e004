package token

import "testing"

func TestFingerprint(t *testing.T) {
	t.Setenv(FingerprintEnvKey, "")

	if got := Fingerprint(""); got != "" {
		t.Fatalf("Fingerprint(\"\")=%q want empty", got)
	}
	if got := Fingerprint("   "); got != "" {
		t.Fatalf("Fingerprint(blank)=%q want empty", got)
	}

	a := Fingerprint("access-token-1")
	if len(a) != fingerprintHexLen {
		t.Fatalf("len=%d want=%d", len(a), fingerprintHexLen)
	}
	if a != Fingerprint("access-token-1") {
		t.Fatalf("fingerprint must be stable")
	}
	if a == Fingerprint("access-token-2") {
		t.Fatalf("distinct tokens must not collide in this test")
	}
	if a != HashSHA256Hex("access-token-1")[:fingerprintHexLen] {
		t.Fatalf("unexpected fingerprint without key: %q", a)
	}
}

func TestFingerprint_HMACMode(t *testing.T) {
	t.Setenv(FingerprintEnvKey, "0123456789abcdef0123456789abcdef")

	got := Fingerprint("refresh-token")
	want := HashHMACSHA256Hex("refresh-token", []byte("0123456789abcdef0123456789abcdef"))[:fingerprintHexLen]
	if got != want {
		t.Fatalf("Fingerprint()=%q want=%q", got, want)
	}
}

func TestFingerprintKeyFromEnv(t *testing.T) {
	t.Setenv(FingerprintEnvKey, "short")

	if _, err := FingerprintKeyFromEnv(32); err != ErrFingerprintKeyTooShort {
		t.Fatalf("err=%v want=%v", err, ErrFingerprintKeyTooShort)
	}

	t.Setenv(FingerprintEnvKey, "")
	key, err := FingerprintKeyFromEnv(32)
	if err != nil || key != nil {
		t.Fatalf("key=%v err=%v want nil,nil", key, err)
	}
}
