package checks

import (
	"regexp"
	"strconv"
	"strings"
)

var httpStatusPatterns = []*regexp.Regexp{
	// curl -i / -v status lines
	regexp.MustCompile(`(?m)^[<\s]*HTTP/[0-9.]+\s+(\d{3})\b`),
	// curl -w "http_code=%{http_code}" and friends
	regexp.MustCompile(`(?i)\bhttp[_ ]?(?:code|status)["']?\s*[:=]\s*["']?(\d{3})\b`),
	// JSON bodies carrying "statusCode": 404
	regexp.MustCompile(`"statusCode"\s*:\s*(\d{3})\b`),
}

var httpProbeTokens = []string{"curl ", "wget ", "http ", "https ", "invoke-webrequest", "invoke-restmethod"}

// IsHTTPProbe reports whether command looks like it talks HTTP, which is when
// its output is sniffed for an embedded status code.
func IsHTTPProbe(command string) bool {
	lowered := strings.ToLower(command) + " "
	for _, tok := range httpProbeTokens {
		if strings.Contains(lowered, tok) {
			return true
		}
	}
	return false
}

// SniffHTTPStatus returns the last HTTP status code found in output, or nil
// when none is present. The last occurrence wins so redirects followed by a
// final response report the final status.
func SniffHTTPStatus(output string) *int {
	bestPos := -1
	best := 0
	for _, re := range httpStatusPatterns {
		for _, m := range re.FindAllStringSubmatchIndex(output, -1) {
			if m[2] < bestPos {
				continue
			}
			code, err := strconv.Atoi(output[m[2]:m[3]])
			if err != nil || code < 100 || code > 599 {
				continue
			}
			bestPos = m[2]
			best = code
		}
	}
	if bestPos < 0 {
		return nil
	}
	return &best
}
