// Package textx provides small text utilities used across the project.
package textx

import (
	"regexp"
	"strconv"
	"strings"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

var countHintRe = regexp.MustCompile(`(\d+)张`)

// ImageCountHint extracts an image count written into the prompt, e.g.
// "生成3张图片" yields 3. Returns 0 when the prompt carries no hint.
func ImageCountHint(prompt string) int {
	m := countHintRe.FindStringSubmatch(prompt)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
