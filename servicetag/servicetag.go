// Package servicetag derives Dell service tags from fleet computer names.
// Computer names follow the site-prefix convention (SHQ, DIA, ...) with the
// hardware service tag appended.
package servicetag

import "strings"

// SitePrefixes are the known organizational prefixes, in the order they
// are tried against a computer name.
var SitePrefixes = []string{"SHQ", "ESM", "DIA", "TOP", "RUB", "JAD", "ONI", "CLO"}

// DefaultSite is the organization code assigned when a computer name
// matches no known prefix.
const DefaultSite = "SHQ"

// nonVendorMarkers flag names that belong to servers or appliances rather
// than Dell workstations. A tag containing any of these is rejected.
var nonVendorMarkers = []string{"APP", "SRV", "DC", "SQL", "SYNC", "HUB", "AV", "FS", "LIC", "RM", "RPA"}

const minTagLength = 5

// Extract derives the service tag from a computer name. The second return
// is false when the name yields no usable tag: too short, or flagged as a
// non-vendor machine. Extract is pure; extracting an already-extracted tag
// returns it unchanged.
func Extract(name string) (string, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return "", false
	}

	tag := name
	for _, prefix := range SitePrefixes {
		if strings.HasPrefix(name, prefix) {
			rest := name[len(prefix):]
			if len(rest) >= minTagLength {
				tag = rest
			}
			break
		}
	}

	if len(tag) < minTagLength {
		return "", false
	}
	for _, marker := range nonVendorMarkers {
		if strings.Contains(tag, marker) {
			return "", false
		}
	}
	return tag, true
}

// Clean strips a known site prefix from a tag without applying the
// length or marker checks. Used before sending user-supplied tags to the
// vendor, mirroring the vendor's own normalization.
func Clean(tag string) string {
	tag = strings.ToUpper(strings.TrimSpace(tag))
	for _, prefix := range SitePrefixes {
		if strings.HasPrefix(tag, prefix) && len(tag) > len(prefix) {
			return tag[len(prefix):]
		}
	}
	return tag
}

// NonVendor reports whether a tag carries one of the server/appliance
// markers and should never be sent to the vendor.
func NonVendor(tag string) bool {
	tag = strings.ToUpper(strings.TrimSpace(tag))
	for _, marker := range nonVendorMarkers {
		if strings.Contains(tag, marker) {
			return true
		}
	}
	return false
}

// SiteOf reports the organization code for a computer name, falling back
// to DefaultSite for names outside the convention.
func SiteOf(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	for _, prefix := range SitePrefixes {
		if strings.HasPrefix(name, prefix) {
			return prefix
		}
	}
	return DefaultSite
}
