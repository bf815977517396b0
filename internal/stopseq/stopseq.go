// Package stopseq implements C1, the stop-sequence matcher: an incremental
// suffix match over a set of literal terminators against the model's
// decoded text stream.
package stopseq

import "github.com/swdunlop/poly-go/internal/kmp"

// Sequence tracks the currently matched prefix length of one target string
// against an incoming text stream, using the standard KMP failure-function
// idea: on a mismatch, fall back to the longest prefix of target that is
// also a suffix of what has matched so far, rather than resetting to zero.
type Sequence struct {
	target  []byte
	failure []int
	matched int
}

func NewSequence(target string) Sequence {
	b := []byte(target)
	return Sequence{target: b, failure: kmp.FailureTable(b)}
}

// Advance feeds one decoded text fragment through the matcher and reports
// whether target has become fully matched.
func (s *Sequence) Advance(fragment string) bool {
	for i := 0; i < len(fragment); i++ {
		c := fragment[i]
		for s.matched > 0 && (s.matched >= len(s.target) || s.target[s.matched] != c) {
			s.matched = s.failure[s.matched-1]
		}
		if s.matched < len(s.target) && s.target[s.matched] == c {
			s.matched++
		}
		if s.matched == len(s.target) {
			return true
		}
	}
	return false
}

// Set is an ordered collection of targets evaluated together; Advance
// reports whether any one of them has become fully matched by the
// concatenation of fragments seen so far.
type Set struct {
	sequences []Sequence
}

func NewSet(targets []string) *Set {
	set := &Set{sequences: make([]Sequence, len(targets))}
	for i, t := range targets {
		set.sequences[i] = NewSequence(t)
	}
	return set
}

func (s *Set) Advance(fragment string) bool {
	matched := false
	for i := range s.sequences {
		if s.sequences[i].Advance(fragment) {
			matched = true
		}
	}
	return matched
}
