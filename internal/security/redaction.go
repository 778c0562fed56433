package security

import (
	"regexp"
	"strings"
)

var (
	handshakePattern = regexp.MustCompile(`(MOSH CONNECT \S+ )[^\r\n]*`)
	envKeyPattern    = regexp.MustCompile(`(MOSH_KEY=)\S*`)
	secretKeyExpr    = `(?:password|passwd|passphrase|secret|[a-z0-9._-]*token[a-z0-9._-]*)`
	kvSecretPattern  = regexp.MustCompile(`(?i)(` + secretKeyExpr + `)\s*[:=]\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"']+)`)
	pemBlockPattern  = regexp.MustCompile(`(?s)-----BEGIN [^-]+ PRIVATE KEY-----.*?-----END [^-]+ PRIVATE KEY-----`)
	sshUserPattern   = regexp.MustCompile(`(?i)(ssh://)[^\s/@]+@`)
)

// RedactPayload masks handoff keys and other secrets in text that came from
// the remote side before it is logged.
func RedactPayload(input string) string {
	if input == "" {
		return ""
	}
	out := pemBlockPattern.ReplaceAllString(input, "[REDACTED_PRIVATE_KEY]")
	out = handshakePattern.ReplaceAllString(out, `${1}[REDACTED]`)
	out = envKeyPattern.ReplaceAllString(out, `${1}[REDACTED]`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexAny(match, ":=")
		if idx < 0 {
			return "[REDACTED]"
		}
		return match[:idx+1] + " [REDACTED]"
	})
	out = sshUserPattern.ReplaceAllString(out, `${1}[REDACTED]@`)
	return out
}

// RedactSecret masks every occurrence of a known secret, then applies
// RedactPayload. Error text from a failed launch can echo the key back.
func RedactSecret(input, secret string) string {
	if secret != "" {
		input = strings.ReplaceAll(input, secret, "[REDACTED]")
	}
	return RedactPayload(input)
}
