// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package security implements the capability model for sandboxed plugins.
// Capabilities are dot-separated patterns with glob support; only the "*"
// glob is recognized. Absence of a matching pattern always fails closed.
package security

import (
	"strings"

	kferr "github.com/keyfold-dev/keyfold/pkg/errors"
)

// CapabilitySet is a set of capability patterns.
type CapabilitySet struct {
	patterns []string
}

// NewCapabilitySet constructs a CapabilitySet from the provided patterns.
// The result is never zero, even with no patterns: an explicitly empty set
// grants nothing, which is distinct from the zero value meaning "unset".
func NewCapabilitySet(patterns ...string) CapabilitySet {
	copied := make([]string, 0, len(patterns))
	copied = append(copied, patterns...)
	return CapabilitySet{patterns: copied}
}

// IsZero reports whether the set is the zero value, as opposed to a
// constructed set that happens to hold no patterns.
func (s CapabilitySet) IsZero() bool {
	return s.patterns == nil
}

// Patterns returns a copy of the set's patterns.
func (s CapabilitySet) Patterns() []string {
	return append([]string(nil), s.patterns...)
}

const maxSegments = 32

// MatchCapability reports whether cap matches pattern.
// Pattern matching is dot-segment aware:
//   - A segment exactly "*" matches one or more capability segments.
//   - "*" inside a non-"*" segment is an in-segment wildcard and matches
//     zero or more characters in that same segment.
//
// Malformed dotted strings (leading/trailing dot or consecutive dots) never
// match. Returns an error if either side exceeds 32 dot-separated segments.
func MatchCapability(pattern, capability string) (bool, error) {
	if pattern == "" || capability == "" {
		return false, nil
	}
	if !isValidDottedString(pattern) || !isValidDottedString(capability) {
		return false, nil
	}

	patternSegments := strings.Split(pattern, ".")
	capSegments := strings.Split(capability, ".")

	if len(patternSegments) > maxSegments {
		return false, kferr.Errorf(kferr.CodeSecurityCapabilityInvalid,
			"pattern exceeds maximum %d segments: got %d", maxSegments, len(patternSegments))
	}
	if len(capSegments) > maxSegments {
		return false, kferr.Errorf(kferr.CodeSecurityCapabilityInvalid,
			"capability exceeds maximum %d segments: got %d", maxSegments, len(capSegments))
	}

	memo := make(map[[2]int]bool)
	seen := make(map[[2]int]bool)

	var match func(pi, ci int) bool
	match = func(pi, ci int) bool {
		key := [2]int{pi, ci}
		if seen[key] {
			return memo[key]
		}
		seen[key] = true

		if pi == len(patternSegments) {
			memo[key] = ci == len(capSegments)
			return memo[key]
		}
		if ci == len(capSegments) {
			memo[key] = false
			return false
		}

		segment := patternSegments[pi]
		if segment == "*" {
			for next := ci + 1; next <= len(capSegments); next++ {
				if match(pi+1, next) {
					memo[key] = true
					return true
				}
			}
			memo[key] = false
			return false
		}

		if !matchSegment(segment, capSegments[ci]) {
			memo[key] = false
			return false
		}

		memo[key] = match(pi+1, ci+1)
		return memo[key]
	}

	return match(0, 0), nil
}

// Contains reports whether any capability pattern in the set matches cap.
// If MatchCapability returns an error, that pattern is skipped; callers must
// validate patterns at configuration time so errors here indicate bugs, not
// untrusted input.
func (s CapabilitySet) Contains(capability string) bool {
	for _, pattern := range s.patterns {
		match, err := MatchCapability(pattern, capability)
		if err == nil && match {
			return true
		}
	}
	return false
}

func matchSegment(patternSegment, capSegment string) bool {
	if patternSegment == capSegment {
		return true
	}
	if !strings.Contains(patternSegment, "*") {
		return false
	}
	return matchInSegmentGlob(patternSegment, capSegment)
}

func isValidDottedString(s string) bool {
	if strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return false
	}
	return !strings.Contains(s, "..")
}

// matchInSegmentGlob matches pattern and text where '*' matches zero or more characters.
func matchInSegmentGlob(pattern, text string) bool {
	pi, ti := 0, 0
	star := -1
	match := 0

	for ti < len(text) {
		if pi < len(pattern) && pattern[pi] == text[ti] {
			pi++
			ti++
			continue
		}
		if pi < len(pattern) && pattern[pi] == '*' {
			star = pi
			match = ti
			pi++
			continue
		}
		if star != -1 {
			pi = star + 1
			match++
			ti = match
			continue
		}
		return false
	}

	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
