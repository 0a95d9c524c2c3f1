// Package masking derives display-safe previews of stored credential
// values. Previews are deterministic for a given input and sensitivity
// (the UI relies on stable previews) and are never reversible.
package masking

import (
	"strings"

	"github.com/stormhq/stormvault/internal/domain"
)

// RedactedMarker is the constant preview for restricted values. It
// deliberately reveals nothing; not even the value's length.
const RedactedMarker = "********"

// Policy controls how many characters each sensitivity class may reveal.
type Policy struct {
	PublicPrefix       int // Default: 4.
	PublicSuffix       int // Default: 4.
	InternalSuffix     int // Default: 4. Prefix is never shown for internal.
	ConfidentialPrefix int // Default: 2.
	ConfidentialSuffix int // Default: 2.
}

// DefaultPolicy returns the standard masking shapes.
func DefaultPolicy() Policy {
	return Policy{
		PublicPrefix:       4,
		PublicSuffix:       4,
		InternalSuffix:     4,
		ConfidentialPrefix: 2,
		ConfidentialSuffix: 2,
	}
}

// Preview produces the redacted preview of a value under the given
// sensitivity class. Restricted values collapse to RedactedMarker; all
// other classes keep the value's length and star the middle.
func (p Policy) Preview(plaintext string, sensitivity domain.Sensitivity) string {
	if plaintext == "" {
		return ""
	}

	switch sensitivity {
	case domain.SensitivityRestricted:
		return RedactedMarker
	case domain.SensitivityConfidential:
		return edges(plaintext, p.ConfidentialPrefix, p.ConfidentialSuffix)
	case domain.SensitivityInternal:
		return edges(plaintext, 0, p.InternalSuffix)
	case domain.SensitivityPublic:
		return edges(plaintext, p.PublicPrefix, p.PublicSuffix)
	default:
		// Unknown classes get the most conservative visible shape.
		return RedactedMarker
	}
}

// edges reveals at most the first `prefix` and last `suffix` characters.
// Values too short to keep any characters hidden are fully starred.
func edges(s string, prefix, suffix int) string {
	runes := []rune(s)
	if len(runes) <= prefix+suffix {
		return strings.Repeat("*", len(runes))
	}
	var b strings.Builder
	b.WriteString(string(runes[:prefix]))
	b.WriteString(strings.Repeat("*", len(runes)-prefix-suffix))
	if suffix > 0 {
		b.WriteString(string(runes[len(runes)-suffix:]))
	}
	return b.String()
}
