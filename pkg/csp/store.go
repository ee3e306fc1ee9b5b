package csp

import (
	"regexp"
	"strings"
	"sync/atomic"
)

// DefaultPolicy is the policy in effect before any root module declares one.
const DefaultPolicy = "default-src 'none';"

var directivePattern = regexp.MustCompile(`^([^ ]+) (.+)$`)

// Store holds the active content-security-policy text.
// The text is replaced by reference; the directive map is derived on every Get.
type Store struct {
	policy atomic.Pointer[string]
}

// NewStore creates a store holding the initial policy text.
func NewStore(initial string) *Store {
	s := &Store{}
	s.Update(initial)
	return s
}

// Update replaces the stored policy text unconditionally. Empty text clears
// the policy, which disables the header rather than keeping a stale value.
func (s *Store) Update(policyText string) {
	s.policy.Store(&policyText)
}

// Policy returns the current policy text.
func (s *Store) Policy() string {
	p := s.policy.Load()
	if p == nil {
		return ""
	}
	return *p
}

// Get parses the current policy text into a directive map.
func (s *Store) Get() Directives {
	return Parse(s.Policy())
}

// Parse converts policy text into directives. Each ';'-separated part is
// trimmed; "name value..." becomes name with its space-separated values and a
// bare name becomes a flag. Names are kept exactly as written.
func Parse(policyText string) Directives {
	var d Directives
	for _, part := range strings.Split(policyText, ";") {
		directive := strings.TrimSpace(part)
		if directive == "" {
			continue
		}
		if m := directivePattern.FindStringSubmatch(directive); m != nil {
			d.set(m[1], strings.Split(m[2], " "))
			continue
		}
		d.set(directive, nil)
	}
	return d
}

// InsertSource appends value after the first occurrence of directive in the
// policy text. Policies without the directive are returned unchanged.
func InsertSource(policyText, directive, value string) string {
	if !strings.Contains(policyText, directive) {
		return policyText
	}
	return strings.Replace(policyText, directive, directive+" "+value, 1)
}
