// Package scrub normalizes raw device configuration text so that two
// syntactically identical runs against an unchanged device produce
// byte-identical output, and computes a stable content hash over the
// normalized text.
package scrub

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// Platform identifies a device's configuration dialect. Replaces a
// runtime-keyed string with a compile-checked tagged variant so adding a
// platform is a change in exactly three places: the const, the rule table,
// and the show-command/API-flow switch in clipool/httppool.
type Platform string

const (
	PlatformIOS      Platform = "ios"
	PlatformNXOS     Platform = "nxos"
	PlatformEOS      Platform = "eos"
	PlatformDellOS10 Platform = "dellos10"
	PlatformPanos    Platform = "panos"
	PlatformFortios  Platform = "fortios"
)

// Result is the output of Scrub: the normalized text and its content hash.
type Result struct {
	Text string
	Hash string
}

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

func mustRule(pattern, replacement string) rule {
	return rule{pattern: regexp.MustCompile(pattern), replacement: replacement}
}

// Per-platform rules, applied in order before the common rules. Multi-line
// blocks (certificates) use (?s) so "." spans newlines, anchored to the
// nearest block terminator so removal never consumes lines past it.
var platformRules = map[Platform][]rule{
	PlatformIOS:      ciscoLikeRules,
	PlatformNXOS:     ciscoLikeRules,
	PlatformEOS:      ciscoLikeRules,
	PlatformDellOS10: ciscoLikeRules,
	PlatformPanos: {
		mustRule(`(?m)^(set deviceconfig system hostname .*?serial[- ]?(?:number)?[:\s]+)\S+`, "${1}<serial>"),
		mustRule(`(?mi)^(.*\bserial[- ]?number\s*[:=]\s*)\S+`, "${1}<serial>"),
		mustRule(`(?mi)^(.*\buptime\s*[:=]?\s*)\d+[^\n]*`, "${1}<uptime>"),
		mustRule(`(?mi)^(.*\b(?:app-version|threat-version|av-version|wildfire-version)\s*[:=]\s*)\S+`, "${1}<version>"),
	},
	PlatformFortios: {
		mustRule(`(?m)(\buuid\s+)[0-9a-fA-F-]{8,}`, "${1}<uuid>"),
		mustRule(`(?m)(\blastupdate\s+)"?\d+"?`, "${1}<timestamp>"),
		mustRule(`(?m)(\btimestamp\s+)"?\d+"?`, "${1}<timestamp>"),
		mustRule(`(?m)(#buildno=)\d+`, "${1}<build>"),
		mustRule(`(?mi)^(.*\bbuild\s+)\d+(\s*\([^)]*\))?`, "${1}<build>"),
	},
}

var ciscoLikeRules = []rule{
	mustRule(`(?m)^(.*\buptime is\s+).*$`, "${1}<uptime>"),
	mustRule(`(?m)^(!\s*Last configuration change at\s+).*$`, "${1}<timestamp>"),
	mustRule(`(?m)^(ntp clock-period\s+)\S+`, "${1}<timestamp>"),
	mustRule(`(?mi)^(.*\b(?:serial|system)\s*(?:number|serial)?\s*[:=]\s*)\S+`, "${1}<serial>"),
	// Certificate/PKI blocks: from the opener line through its own terminator.
	mustRule(`(?s)(crypto pki certificate chain \S+\n certificate[^\n]*\n)(?:  [0-9A-Fa-f]{2}[0-9A-Fa-f :\n]*\n)+( quit)`, "${1}  <certificate>\n${2}"),
}

// commonRules run last, for every platform.
var commonRules = []rule{
	mustRule(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`, "<ip-address>"),
	mustRule(`\b\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})?\b`, "<timestamp>"),
}

// Scrub normalizes raw for the given platform and returns the normalized
// text along with the lowercase hex SHA-256 of its UTF-8 bytes. Pure,
// deterministic, no I/O; a regex panic here is a programmer error and is
// not recovered.
func Scrub(raw string, platform Platform) Result {
	text := raw
	for _, r := range platformRules[platform] {
		text = r.pattern.ReplaceAllString(text, r.replacement)
	}
	for _, r := range commonRules {
		text = r.pattern.ReplaceAllString(text, r.replacement)
	}

	sum := sha256.Sum256([]byte(text))
	return Result{
		Text: text,
		Hash: hex.EncodeToString(sum[:]),
	}
}

// KnownPlatform reports whether p is one of the six supported platforms.
func KnownPlatform(p Platform) bool {
	switch p {
	case PlatformIOS, PlatformNXOS, PlatformEOS, PlatformDellOS10, PlatformPanos, PlatformFortios:
		return true
	}
	return false
}

// IsCLI reports whether platform p is served by the SSH worker pool.
func IsCLI(p Platform) bool {
	switch p {
	case PlatformIOS, PlatformNXOS, PlatformEOS, PlatformDellOS10:
		return true
	}
	return false
}

// IsAPI reports whether platform p is served by the HTTP worker pool.
func IsAPI(p Platform) bool {
	switch p {
	case PlatformPanos, PlatformFortios:
		return true
	}
	return false
}

// ShowCommand returns the vendor show command for a CLI platform.
func ShowCommand(p Platform) string {
	if p == PlatformDellOS10 {
		return "show running-configuration"
	}
	return "show running-config"
}
