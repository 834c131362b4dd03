package specialist

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to State }{
		{Dispatched, Working},
		{Working, ProducedChanges},
		{Working, CompletedNoChanges},
		{ProducedChanges, Reviewed},
		{Reviewed, Merged},
		{Reviewed, Working},
		{CompletedNoChanges, Working},
		{Failed, Working},
		{Failed, Escalated},
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
	illegal := []struct{ from, to State }{
		{Merged, Working},
		{Escalated, Working},
		{Dispatched, Merged},
		{ProducedChanges, Working},
		{Failed, Merged},
		{State("unknown"), Working},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
	assert.True(t, Merged.Terminal())
	assert.True(t, Escalated.Terminal())
	assert.False(t, Working.Terminal())
}

func TestIllegalTransitionKeepsState(t *testing.T) {
	tr := NewTracker(WithClock(fixedClock()))
	r := tr.Dispatch("styling", "make it blue", nil)

	for _, s := range []State{Working, ProducedChanges, Merged} {
		_, _, ok := tr.Transition(r.ID, s)
		require.True(t, ok, "transition to %s", s)
	}
	before, _ := tr.Get(r.ID)

	got, reaction, ok := tr.Transition(r.ID, Working)
	assert.False(t, ok)
	assert.Equal(t, ReactionNone, reaction)
	assert.Equal(t, Merged, got.State)
	after, _ := tr.Get(r.ID)
	assert.Equal(t, before, after)
}

func TestUnknownRecord(t *testing.T) {
	tr := NewTracker()
	_, _, ok := tr.Transition("sp_missing", Working)
	assert.False(t, ok)
	_, found := tr.Get("sp_missing")
	assert.False(t, found)
}

func TestNoChangesRetriesOnce(t *testing.T) {
	tr := NewTracker()
	r := tr.Dispatch("copy", "update the headline", []string{"sections/hero.liquid"})

	tr.Transition(r.ID, Working)
	rec, reaction, _ := tr.Transition(r.ID, CompletedNoChanges)
	assert.Equal(t, ReactionRetry, reaction)
	assert.Equal(t, 1, rec.Retries)
	assert.Contains(t, Reframe(rec), "without changing any file")

	tr.Transition(r.ID, Working)
	_, reaction, _ = tr.Transition(r.ID, CompletedNoChanges)
	assert.Equal(t, ReactionNone, reaction)
}

func TestRepeatedFailureEscalates(t *testing.T) {
	tr := NewTracker()
	r := tr.Dispatch("layout", "move the banner", nil)
	tr.Transition(r.ID, Working)

	rec, reaction, ok := tr.Fail(r.ID, errors.New("anchor not found"))
	require.True(t, ok)
	assert.Equal(t, ReactionRetry, reaction)
	assert.Equal(t, Failed, rec.State)
	assert.Contains(t, Reframe(rec), "failed: anchor not found")

	tr.Transition(r.ID, Working)
	rec, reaction, _ = tr.Fail(r.ID, errors.New("anchor not found"))
	assert.Equal(t, ReactionEscalate, reaction)
	assert.Equal(t, Escalated, rec.State)
	assert.Equal(t, 2, rec.Failures)

	_, _, ok = tr.Transition(r.ID, Working)
	assert.False(t, ok, "escalated is terminal")
}

func TestHandoffFormat(t *testing.T) {
	text := Handoff{
		SpecialistID: "sp_2",
		Role:         "copy",
		FilesTouched: []string{"sections/header.liquid", "locales/en.json"},
		Findings:     "headline lives in settings",
		Concerns:     []string{"locale files untouched"},
	}.Format()

	assert.Equal(t, "[copy specialist sp_2]\n"+
		"Files touched: sections/header.liquid, locales/en.json\n"+
		"Findings: headline lives in settings\n"+
		"Concern: locale files untouched\n", text)

	bare := Handoff{SpecialistID: "sp_1", Role: "styling"}.Format()
	assert.Equal(t, "[styling specialist sp_1]\n", bare)
}

func TestCompletedAndRestore(t *testing.T) {
	tr := NewTracker()
	a := tr.Dispatch("a", "x", nil)
	b := tr.Dispatch("b", "y", nil)
	tr.Transition(a.ID, Working)
	tr.Transition(a.ID, ProducedChanges)
	tr.Transition(a.ID, Merged)
	tr.Transition(b.ID, Working)

	assert.Equal(t, []string{a.ID}, tr.Completed())

	resumed := NewTracker()
	resumed.Restore(tr.Completed())
	rec, ok := resumed.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, Merged, rec.State)
	assert.Len(t, resumed.Records(), 1)
}
