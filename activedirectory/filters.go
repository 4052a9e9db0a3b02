package activedirectory

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Small combinators for building LDAP filter strings.

type Filter interface {
	String() string
}

type rawFilter string

func (f rawFilter) String() string {
	return string(f)
}

type andFilter struct {
	parts []Filter
}

func And(filters ...Filter) Filter {
	return andFilter{parts: filters}
}

func (f andFilter) String() string {
	var parts []string
	for _, p := range f.parts {
		parts = append(parts, p.String())
	}
	return "(&" + strings.Join(parts, "") + ")"
}

type orFilter struct {
	parts []Filter
}

func Or(filters ...Filter) Filter {
	return orFilter{parts: filters}
}

func (f orFilter) String() string {
	var parts []string
	for _, p := range f.parts {
		parts = append(parts, p.String())
	}
	return "(|" + strings.Join(parts, "") + ")"
}

type notFilter struct {
	part Filter
}

func Not(f Filter) Filter {
	return notFilter{part: f}
}

func (f notFilter) String() string {
	return "(!" + f.part.String() + ")"
}

func Eq(attr, value string) Filter {
	return rawFilter("(" + attr + "=" + ldap.EscapeFilter(value) + ")")
}

// EqRaw skips escaping for values that are themselves filter syntax
// (e.g. a trailing wildcard).
func EqRaw(attr, value string) Filter {
	return rawFilter("(" + attr + "=" + value + ")")
}

// BitAnd matches entries where the given bits are set, via the
// LDAP_MATCHING_RULE_BIT_AND extended match.
func BitAnd(attr string, mask int64) Filter {
	return rawFilter(fmt.Sprintf("(%s:1.2.840.113556.1.4.803:=%d)", attr, mask))
}
