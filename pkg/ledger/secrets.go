package ledger

import (
	"regexp"
)

// Secret detection for append payloads
//
// Every append scans the marshaled payload and tags against a fixed set of
// credential patterns and rejects the whole event on a match. The log is
// immutable, so a leaked token could never be scrubbed after the fact; the
// only safe place to stop it is before the write. Rejection errors name the
// pattern but never echo the matched text.

type secretPattern struct {
	name string
	re   *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{name: "github token", re: regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`)},
	{name: "github fine-grained token", re: regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,}`)},
	{name: "secret key token", re: regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`)},
	{name: "bearer token", re: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]{20,}`)},
	{name: "private key block", re: regexp.MustCompile(`-----BEGIN (?:[A-Z]+ )?PRIVATE KEY-----`)},
	{name: "aws access key id", re: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{name: "slack token", re: regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`)},
}

// ScanForSecrets checks data against the known credential patterns and
// returns the name of the first matching pattern.
func ScanForSecrets(data []byte) (string, bool) {
	for _, p := range secretPatterns {
		if p.re.Match(data) {
			return p.name, true
		}
	}
	return "", false
}

// scanEventForSecrets checks the parts of an event a producer controls.
func scanEventForSecrets(e *Event) error {
	if name, found := ScanForSecrets(e.Payload); found {
		return E(KindSecretInPayload, "payload matches %s pattern; event rejected", name)
	}
	for _, tag := range e.Tags {
		if name, found := ScanForSecrets([]byte(tag)); found {
			return E(KindSecretInPayload, "tag matches %s pattern; event rejected", name)
		}
	}
	return nil
}
