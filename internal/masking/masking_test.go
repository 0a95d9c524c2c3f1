package masking

import (
	"strings"
	"testing"

	"github.com/stormhq/stormvault/internal/domain"
)

func TestPreviewShapes(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name        string
		value       string
		sensitivity domain.Sensitivity
		want        string
	}{
		{"public shows edges", "sk-live-abcdef123456", domain.SensitivityPublic, "sk-l************3456"},
		{"internal shows suffix only", "sk-live-abcdef123456", domain.SensitivityInternal, "****************3456"},
		{"confidential shows two chars each side", "sk-live-abcdef123456", domain.SensitivityConfidential, "sk****************56"},
		{"restricted collapses to marker", "sk-live-abcdef123456", domain.SensitivityRestricted, RedactedMarker},
		{"short public value fully starred", "abcd1234", domain.SensitivityPublic, "********"},
		{"short internal value fully starred", "abcd", domain.SensitivityInternal, "****"},
		{"empty value stays empty", "", domain.SensitivityConfidential, ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := p.Preview(tc.value, tc.sensitivity)
			if got != tc.want {
				t.Errorf("Preview(%q, %s) = %q, want %q", tc.value, tc.sensitivity, got, tc.want)
			}
		})
	}
}

func TestPreviewDeterministic(t *testing.T) {
	p := DefaultPolicy()
	value := "token-0123456789abcdef"

	for _, s := range []domain.Sensitivity{
		domain.SensitivityPublic,
		domain.SensitivityInternal,
		domain.SensitivityConfidential,
		domain.SensitivityRestricted,
	} {
		first := p.Preview(value, s)
		for i := 0; i < 10; i++ {
			if got := p.Preview(value, s); got != first {
				t.Fatalf("Preview not stable for %s: %q then %q", s, first, got)
			}
		}
	}
}

func TestPreviewRevealsNoMoreThanPermitted(t *testing.T) {
	p := DefaultPolicy()
	value := "super-secret-credential-value"

	restricted := p.Preview(value, domain.SensitivityRestricted)
	if strings.ContainsAny(restricted, "supercdnltv-") {
		t.Errorf("restricted preview %q leaks characters", restricted)
	}
	if len(restricted) == len(value) {
		t.Error("restricted preview must not reveal value length")
	}

	internal := p.Preview(value, domain.SensitivityInternal)
	visible := strings.Count(internal, "*")
	if len(internal)-visible > p.InternalSuffix {
		t.Errorf("internal preview %q reveals more than %d characters", internal, p.InternalSuffix)
	}
	if !strings.HasPrefix(internal, "*") {
		t.Errorf("internal preview %q must not reveal a prefix", internal)
	}
}

func TestPreviewUnknownSensitivity(t *testing.T) {
	p := DefaultPolicy()
	if got := p.Preview("value", domain.Sensitivity("bogus")); got != RedactedMarker {
		t.Errorf("unknown sensitivity: got %q, want %q", got, RedactedMarker)
	}
}
