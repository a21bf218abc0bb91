package utils

import "regexp"

var dsnPasswordRegex = regexp.MustCompile(`(:)([^:@]+)(@)`)

// MaskDSN hides the password portion of a connection string.
func MaskDSN(dsn string) string {
	return dsnPasswordRegex.ReplaceAllString(dsn, ":***@")
}

const tokenPrefixLen = 6

// MaskToken keeps a short prefix of a bearer or refresh token for correlation in logs.
// Tokens too short to be safely truncated are fully masked.
func MaskToken(tok string) string {
	if tok == "" {
		return ""
	}
	if len(tok) <= 2*tokenPrefixLen {
		return "***"
	}
	return tok[:tokenPrefixLen] + "***"
}
