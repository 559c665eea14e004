package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

// exerciseStore runs the behavior every backend must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()

	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) err=%v want=%v", err, ErrNotFound)
	}

	if err := s.Set(ctx, KeyAccessToken, "a1", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, KeyAccessToken)
	if err != nil || got != "a1" {
		t.Fatalf("Get=%q,%v want=%q", got, err, "a1")
	}

	if err := s.Set(ctx, KeyAccessToken, "a2", 0); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got, _ := s.Get(ctx, KeyAccessToken); got != "a2" {
		t.Fatalf("after overwrite Get=%q want=%q", got, "a2")
	}

	if err := s.Delete(ctx, KeyAccessToken); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, KeyAccessToken); !IsNotFound(err) {
		t.Fatalf("after delete err=%v want not found", err)
	}

	// Deleting twice is fine.
	if err := s.Delete(ctx, KeyAccessToken); err != nil {
		t.Fatalf("second Delete: %v", err)
	}

	jar := NewCookieJar(s)
	if err := jar.Set(ctx, KeyCSRFCookie, "c1", 30*time.Minute); err != nil {
		t.Fatalf("jar.Set: %v", err)
	}
	if got, err := jar.Get(ctx, KeyCSRFCookie); err != nil || got != "c1" {
		t.Fatalf("jar.Get=%q,%v want=%q", got, err, "c1")
	}
	// Cookies live in their own namespace.
	if _, err := s.Get(ctx, KeyCSRFCookie); !IsNotFound(err) {
		t.Fatalf("plain Get of cookie name err=%v want not found", err)
	}
	if err := jar.Delete(ctx, KeyCSRFCookie); err != nil {
		t.Fatalf("jar.Delete: %v", err)
	}
	if _, err := jar.Get(ctx, KeyCSRFCookie); !IsNotFound(err) {
		t.Fatalf("jar.Get after delete err=%v want not found", err)
	}
}
