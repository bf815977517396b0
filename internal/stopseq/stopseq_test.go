package stopseq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequence_MatchesAcrossMultipleFragments(t *testing.T) {
	seq := NewSequence("</s>")
	assert.False(t, seq.Advance("hello "))
	assert.False(t, seq.Advance("</"))
	assert.True(t, seq.Advance("s>"))
}

func TestSequence_MatchesWithinOneFragment(t *testing.T) {
	seq := NewSequence("STOP")
	assert.True(t, seq.Advance("go STOP now"))
}

func TestSequence_FalseStartFallsBackViaFailureFunction(t *testing.T) {
	// "aab" has target prefix overlap: after "aa" then "a" we should still
	// be able to match "aab" starting from the second 'a'.
	seq := NewSequence("aab")
	assert.False(t, seq.Advance("a"))
	assert.False(t, seq.Advance("a"))
	assert.True(t, seq.Advance("ab"), "the second 'a' should restart a fresh match of aab")
}

func TestSequence_NoMatchStaysFalse(t *testing.T) {
	seq := NewSequence("xyz")
	assert.False(t, seq.Advance("the quick brown fox"))
}

func TestSet_ReportsMatchWhenAnyTargetCompletes(t *testing.T) {
	set := NewSet([]string{"foo", "bar"})
	assert.False(t, set.Advance("fo"))
	assert.True(t, set.Advance("o"))
}

func TestSet_EmptyTargetsNeverMatch(t *testing.T) {
	set := NewSet(nil)
	assert.False(t, set.Advance("anything"))
}

func TestSet_IndependentSequencesTrackSeparately(t *testing.T) {
	set := NewSet([]string{"AAAA", "B"})
	assert.False(t, set.Advance("AAA"))
	assert.True(t, set.Advance("B"), "the second target should match independently of the first's partial progress")
}
