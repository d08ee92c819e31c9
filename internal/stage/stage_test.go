package stage

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderIsFixedAndRestartable(t *testing.T) {
	first := Order()
	require.Len(t, first, Count)
	first[0] = "mutated"
	second := Order()
	assert.Equal(t, []ID{Intake, Brief, Toolkits, Inspect, Plan, DryRun, Evidence, Feedback}, second,
		"each call returns a fresh copy in the fixed order")
}

func TestNextAndPrev(t *testing.T) {
	next, ok := Next(Intake)
	assert.True(t, ok)
	assert.Equal(t, Brief, next)

	_, ok = Next(Feedback)
	assert.False(t, ok, "feedback is the last stage")
	_, ok = Next("bogus")
	assert.False(t, ok)

	prev, ok := Prev(DryRun)
	assert.True(t, ok)
	assert.Equal(t, Plan, prev)
	_, ok = Prev(Intake)
	assert.False(t, ok, "intake has no predecessor")
	_, ok = Prev("bogus")
	assert.False(t, ok)
}

func TestParseRejectsUnknownIdentifiers(t *testing.T) {
	id, ok := Parse("  Plan ")
	assert.True(t, ok)
	assert.Equal(t, Plan, id)
	for _, raw := range []string{"", "planning", "dry-run", "launch"} {
		_, ok := Parse(raw)
		assert.False(t, ok, "%q must be rejected", raw)
	}
	assert.False(t, IsKnown("launch"))
}

func TestParseState(t *testing.T) {
	s, ok := ParseState("FAILED")
	assert.True(t, ok)
	assert.Equal(t, StateFailed, s)
	_, ok = ParseState("paused")
	assert.False(t, ok)
	assert.True(t, StateCompleted.Terminal())
	assert.False(t, StateActive.Terminal())
}

func TestMetadataMergeIsShallow(t *testing.T) {
	base := Metadata{
		"reason": String("initial"),
		"nested": Map(Metadata{"a": Number(1), "b": Number(2)}),
	}
	patch := Metadata{
		"nested": Map(Metadata{"c": Number(3)}),
		"retry":  Bool(true),
	}
	merged := base.Merge(patch)
	nested, ok := merged["nested"].AsMap()
	require.True(t, ok)
	assert.Equal(t, []string{"c"}, nested.Keys(), "nested maps are replaced wholesale")
	reason, _ := merged["reason"].AsString()
	assert.Equal(t, "initial", reason)
	assert.Len(t, base, 2, "receiver stays unmodified")
	assert.True(t, base.Merge(nil).Same(base), "empty merge keeps identity")
}

func TestMetadataCloneIsDeep(t *testing.T) {
	inner := Metadata{"tool": String("shell")}
	orig := Metadata{"ctx": Map(inner), "tags": List(String("a"))}
	cp := orig.Clone()
	require.True(t, cp.Equal(orig))
	assert.False(t, cp.Same(orig))

	inner["tool"] = String("browser")
	nested, _ := cp["ctx"].AsMap()
	tool, _ := nested["tool"].AsString()
	assert.Equal(t, "shell", tool)
	assert.Nil(t, Metadata(nil).Clone())
}

func TestMetadataJSONRoundTrip(t *testing.T) {
	var m Metadata
	payload := `{"reason":"timeout","attempt":3,"ok":false,"none":null,"ctx":{"tool":"shell"},"tags":["a","b"]}`
	require.NoError(t, json.Unmarshal([]byte(payload), &m))

	n, ok := m["attempt"].AsNumber()
	assert.True(t, ok)
	assert.Equal(t, float64(3), n)
	assert.True(t, m["none"].IsNull())
	list, ok := m["tags"].AsList()
	assert.True(t, ok)
	assert.Len(t, list, 2)

	encoded, err := json.Marshal(m)
	require.NoError(t, err)
	var again Metadata
	require.NoError(t, json.Unmarshal(encoded, &again))
	assert.True(t, again.Equal(m), "structurally equal after round trip")
	assert.False(t, again.Same(m))
}

func TestValueOfRejectsUnsupportedTypes(t *testing.T) {
	_, err := ValueOf(struct{}{})
	assert.Error(t, err)
	_, err = MetadataFrom(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestStatusCloneIsDeep(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	st := Status{Stage: Plan, State: StateActive, StartedAt: &now, Metadata: Metadata{"k": String("v")}}
	cp := st.Clone()
	*cp.StartedAt = now.Add(time.Hour)
	cp.Metadata["k"] = String("changed")

	assert.True(t, st.StartedAt.Equal(now))
	v, _ := st.Metadata["k"].AsString()
	assert.Equal(t, "v", v)
}
