package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var (
	bearerPattern       = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/=]+`)
	tokenFieldPattern   = regexp.MustCompile(`(?i)("(?:access_?token|refresh_?token|token)"\s*:\s*")[^"]*(")`)
	bridgeHeaderPattern = regexp.MustCompile(`(?i)(x-bridge-token:\s*)\S+`)
)

// Redactor strips bearer tokens and registered secret values from text
// before it is logged or sent as an event. A nil Redactor still strips
// bearer tokens.
type Redactor struct {
	secrets []string
}

// NewRedactor registers secret values. Values shorter than four characters
// are ignored so that redaction does not shred ordinary words.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	r.Add(secrets...)
	return r
}

// Add registers more secret values.
func (r *Redactor) Add(secrets ...string) {
	for _, s := range secrets {
		if len(s) >= 4 {
			r.secrets = append(r.secrets, s)
		}
	}
}

// Redact returns s with every known secret replaced.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}
	s = bearerPattern.ReplaceAllString(s, "${1}"+redacted)
	s = tokenFieldPattern.ReplaceAllString(s, "${1}"+redacted+"${2}")
	s = bridgeHeaderPattern.ReplaceAllString(s, "${1}"+redacted)
	if r == nil {
		return s
	}
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, redacted)
	}
	return s
}

// RedactAll redacts every element in place and returns the slice.
func (r *Redactor) RedactAll(lines []string) []string {
	for i := range lines {
		lines[i] = r.Redact(lines[i])
	}
	return lines
}

// RedactResult scrubs the user-visible lists and any captured command output.
func (r *Redactor) RedactResult(res *StageResult) *StageResult {
	if res == nil {
		return nil
	}
	r.RedactAll(res.Errors)
	r.RedactAll(res.Warnings)
	r.RedactAll(res.Suggestions)
	if res.Detail != nil {
		for i := range res.Detail.Checks {
			c := &res.Detail.Checks[i]
			c.RenderedCommand = r.Redact(c.RenderedCommand)
			c.Stdout = r.Redact(c.Stdout)
			c.Stderr = r.Redact(c.Stderr)
		}
	}
	return res
}

// Fingerprint identifies a secret in logs without revealing it.
func Fingerprint(secret string) string {
	if secret == "" {
		return "none"
	}
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])[:12]
}
