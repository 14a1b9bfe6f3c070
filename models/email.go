package models

import (
	"net/mail"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/idna"
)

// Length limits from RFC 5321 section 4.5.3.1.
const (
	maxEmailLength = 254
	maxLocalLength = 64
	maxLabelLength = 63
)

// NormalizeEmail trims and lowercases an address and checks that it is a
// plain addr-spec (no display name, no comments). The domain part is returned
// in its ASCII (punycode) form so that a mailbox has exactly one key.
// Any failure is reported as InvalidEmail.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if len(email) == 0 || len(email) > maxEmailLength {
		return "", errors.Wrapf(InvalidEmail, "bad length %d", len(email))
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return "", errors.Wrap(InvalidEmail, err.Error())
	}
	if addr.Name != "" || addr.Address != email {
		return "", errors.Wrap(InvalidEmail, "not a bare address")
	}
	at := strings.LastIndex(email, "@")
	local, domain := email[:at], email[at+1:]
	if len(local) > maxLocalLength {
		return "", errors.Wrap(InvalidEmail, "local part too long")
	}
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", errors.Wrap(InvalidEmail, err.Error())
	}
	if !validDomain(ascii) {
		return "", errors.Wrapf(InvalidEmail, "bad domain %s", ascii)
	}
	email = local + "@" + ascii
	if len(email) > maxEmailLength {
		return "", errors.Wrap(InvalidEmail, "address too long")
	}
	return email, nil
}

// validDomain wants at least two labels, none empty or over-long.
func validDomain(domain string) bool {
	labels := strings.Split(domain, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if len(label) == 0 || len(label) > maxLabelLength {
			return false
		}
	}
	return true
}

// MaskEmail hides most of the local part, for logging.
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 1 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
