package servicetag_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"snm/adinventory/servicetag"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"DIAHGX2Y8", "HGX2Y8", true},
		{"SHQC1WSB92", "C1WSB92", true},
		{"shqc1wsb92", "C1WSB92", true},
		{"TOPB7QJ4K1", "B7QJ4K1", true},
		// No known prefix: the whole name is the tag.
		{"HGX2Y8", "HGX2Y8", true},
		// Prefix present but the remainder is too short to be a tag,
		// so the whole name is used instead.
		{"SHQAB12", "SHQAB12", true},
		// Too short either way.
		{"SHQ1", "", false},
		{"AB1", "", false},
		{"", "", false},
		// Non-vendor machines are rejected by the marker filter.
		{"APPSRV01", "", false},
		{"SHQSQLBOX99", "", false},
		{"SHQRPA-WS01", "", false},
	}

	for _, tt := range tests {
		got, ok := servicetag.Extract(tt.name)
		assert.Equal(t, tt.ok, ok, "ok for %q", tt.name)
		assert.Equal(t, tt.want, got, "tag for %q", tt.name)
	}
}

func TestExtractIsIdempotent(t *testing.T) {
	tag, ok := servicetag.Extract("DIAHGX2Y8")
	assert.True(t, ok)

	again, ok := servicetag.Extract(tag)
	assert.True(t, ok)
	assert.Equal(t, tag, again)
}

func TestCleanStripsOnlyOnePrefix(t *testing.T) {
	assert.Equal(t, "HGX2Y8", servicetag.Clean("DIAHGX2Y8"))
	assert.Equal(t, "HGX2Y8", servicetag.Clean("HGX2Y8"))
	// A name that is exactly a prefix is left alone.
	assert.Equal(t, "SHQ", servicetag.Clean("SHQ"))
}

func TestSiteOf(t *testing.T) {
	assert.Equal(t, "DIA", servicetag.SiteOf("DIAHGX2Y8"))
	assert.Equal(t, "CLO", servicetag.SiteOf("CLONB0012"))
	assert.Equal(t, servicetag.DefaultSite, servicetag.SiteOf("LAPTOP-XYZ"))
}
