package updater

import (
	"fmt"
	"strings"

	"github.com/acorn-io/acorn-ddns/pkg/model"
)

const maxLabelLength = 63

// NormalizeZone lowercases zone and makes it fully qualified.
func NormalizeZone(zone string) string {
	zone = strings.ToLower(strings.TrimSpace(zone))
	zone = strings.TrimPrefix(zone, ".")
	if zone == "" || strings.HasSuffix(zone, ".") {
		return zone
	}
	return zone + "."
}

// SubdomainFromHostname accepts either a bare label or a name directly under
// zone and returns the label.
func SubdomainFromHostname(hostname, zone string) (string, error) {
	name := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(hostname), "."))
	if name == "" {
		return "", fmt.Errorf("%w is required", model.ErrInvalidHostname)
	}

	if z := strings.TrimSuffix(zone, "."); z != "" {
		name = strings.TrimSuffix(name, "."+z)
	}
	if !ValidLabel(name) {
		return "", fmt.Errorf("%w %q is not a name under the served zone", model.ErrInvalidHostname, hostname)
	}
	return name, nil
}

// ValidLabel reports whether s is a single LDH DNS label.
func ValidLabel(s string) bool {
	if len(s) == 0 || len(s) > maxLabelLength {
		return false
	}
	if s[0] == '-' || s[len(s)-1] == '-' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}
