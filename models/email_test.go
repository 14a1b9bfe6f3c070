package models

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"user@example.com", "user@example.com"},
		{"User@Example.com", "user@example.com"},
		{"  USER@EXAMPLE.COM\n", "user@example.com"},
		{"first.last+tag@sub.example.co.uk", "first.last+tag@sub.example.co.uk"},
		{"someone@bücher.de", "someone@xn--bcher-kva.de"},
	}
	for _, test := range tests {
		got, err := NormalizeEmail(test.in)
		if err != nil {
			t.Errorf("NormalizeEmail(%q) failed: %v", test.in, err)
			continue
		}
		if got != test.want {
			t.Errorf("NormalizeEmail(%q) = %q, want %q", test.in, got, test.want)
		}
	}
}

func TestNormalizeEmailRejects(t *testing.T) {
	bad := []string{
		"",
		"   ",
		"not-an-email",
		"@example.com",
		"user@",
		"user@localhost",
		"user@example..com",
		"Some One <user@example.com>",
		"user@example.com (comment)",
		"a@b@example.com",
		strings.Repeat("a", 65) + "@example.com",
		"user@" + strings.Repeat("a", 250) + ".com",
	}
	for _, in := range bad {
		_, err := NormalizeEmail(in)
		if err == nil {
			t.Errorf("NormalizeEmail(%q) should have failed", in)
			continue
		}
		if !errors.Is(err, InvalidEmail) {
			t.Errorf("NormalizeEmail(%q) error should be InvalidEmail, got %v", in, err)
		}
	}
}

func TestMaskEmail(t *testing.T) {
	if got := MaskEmail("user@example.com"); got != "u***@example.com" {
		t.Errorf("unexpected mask %s", got)
	}
	if got := MaskEmail("nope"); got != "***" {
		t.Errorf("unexpected mask %s", got)
	}
}

func TestErrorKindStatus(t *testing.T) {
	statuses := map[ErrorKind]int{
		InvalidEmail:          400,
		ChallengeFailed:       403,
		RateLimited:           429,
		InternalError:         500,
		ChallengeNotCompleted: 0,
	}
	for kind, status := range statuses {
		if kind.StatusCode() != status {
			t.Errorf("%s: expected status %d, got %d", kind, status, kind.StatusCode())
		}
		if kind.Message() == "" {
			t.Errorf("%s has no message", kind)
		}
	}
	if ErrorKind("Bogus").Message() != InternalError.Message() {
		t.Errorf("unknown kinds should fall back to the internal error message")
	}
}
