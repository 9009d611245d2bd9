package policy

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxPromptRunes caps the prompt size forwarded upstream.
const MaxPromptRunes = 16000

type PromptDecision struct {
	Blocked bool
	Reason  string
}

var blockedPromptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(sudo\s+)?cat\s+.*(?:id_rsa|id_ed25519|\.env|auth\.json)`),
	regexp.MustCompile(`(?i)\b(exfiltrate|dump credentials|leak secrets?)\b`),
	regexp.MustCompile(`(?i)\b(print|show|reveal)\b.*\b(api[_ -]?key|password|private key)\b`),
}

// ScreenPrompt decides whether a prompt may be relayed to the generator.
func ScreenPrompt(prompt string) PromptDecision {
	in := strings.TrimSpace(prompt)
	if in == "" {
		return PromptDecision{Blocked: true, Reason: "prompt is empty"}
	}
	if utf8.RuneCountInString(in) > MaxPromptRunes {
		return PromptDecision{Blocked: true, Reason: "prompt exceeds size limit"}
	}
	for _, re := range blockedPromptPatterns {
		if re.MatchString(in) {
			return PromptDecision{
				Blocked: true,
				Reason:  "prompt appears to request secret exfiltration",
			}
		}
	}
	return PromptDecision{}
}
