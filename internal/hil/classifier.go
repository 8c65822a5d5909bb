// Package hil classifies human responses into the output port a suspended
// node resumes on.
package hil

import "strings"

// Port labels a classified response routes to.
const (
	PortConfirmed = "confirmed"
	PortRejected  = "rejected"
	PortResponse  = "response"
)

var confirmWords = map[string]bool{
	"yes": true, "y": true, "ok": true, "okay": true,
	"approve": true, "approved": true, "confirm": true, "confirmed": true,
	"accept": true, "accepted": true, "proceed": true, "continue": true,
	"go": true, "sure": true, "si": true,
}

var rejectWords = map[string]bool{
	"no": true, "n": true, "reject": true, "rejected": true,
	"deny": true, "denied": true, "cancel": true, "cancelled": true,
	"stop": true, "abort": true, "decline": true, "declined": true,
}

// KeywordClassifier maps short affirmative/negative answers to the confirmed
// and rejected ports; anything else routes to the free-form response port.
type KeywordClassifier struct{}

// NewKeywordClassifier creates a KeywordClassifier.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

// Classify returns the output port for a human response.
func (c *KeywordClassifier) Classify(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.TrimRight(normalized, ".!?")

	if confirmWords[normalized] {
		return PortConfirmed
	}
	if rejectWords[normalized] {
		return PortRejected
	}

	// Multi-word answers that open with a clear verdict still classify.
	if first, _, found := strings.Cut(normalized, " "); found {
		first = strings.TrimRight(first, ".,!?:;")
		if confirmWords[first] {
			return PortConfirmed
		}
		if rejectWords[first] {
			return PortRejected
		}
	}
	return PortResponse
}
