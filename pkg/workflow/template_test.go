package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sampleContext() map[string]interface{} {
	return map[string]interface{}{
		"trigger": map[string]interface{}{
			"n":   float64(42),
			"sku": "A-100",
			"ok":  true,
		},
		"s1": map[string]interface{}{
			"text":  "hello",
			"items": []interface{}{"a", "b"},
		},
	}
}

func TestSubstituteWholeTokenPreservesType(t *testing.T) {
	ctx := sampleContext()

	out := SubstituteMap(map[string]interface{}{"x": "${trigger.n}"}, ctx)
	assert.Equal(t, float64(42), out["x"])

	out = SubstituteMap(map[string]interface{}{"flag": "${trigger.ok}"}, ctx)
	assert.Equal(t, true, out["flag"])
}

func TestSubstituteSplicing(t *testing.T) {
	ctx := sampleContext()

	out := SubstituteMap(map[string]interface{}{"x": "v=${trigger.n}"}, ctx)
	assert.Equal(t, "v=42", out["x"])

	out = SubstituteMap(map[string]interface{}{"msg": "${s1.text} for ${trigger.sku}"}, ctx)
	assert.Equal(t, "hello for A-100", out["msg"])
}

func TestSubstituteMissingPath(t *testing.T) {
	ctx := sampleContext()

	// Raw mode yields null.
	out := SubstituteMap(map[string]interface{}{"x": "${nope.deep}"}, ctx)
	assert.Nil(t, out["x"])

	// Spliced mode yields the empty string.
	out = SubstituteMap(map[string]interface{}{"x": "v=${nope.deep}"}, ctx)
	assert.Equal(t, "v=", out["x"])
}

func TestSubstituteRecursesIntoNestedStructures(t *testing.T) {
	ctx := sampleContext()

	mapping := map[string]interface{}{
		"outer": map[string]interface{}{
			"inner": "${s1.text}",
		},
		"list":  []interface{}{"${trigger.n}", "static"},
		"plain": float64(7),
	}
	out := SubstituteMap(mapping, ctx)

	outer := out["outer"].(map[string]interface{})
	assert.Equal(t, "hello", outer["inner"])
	list := out["list"].([]interface{})
	assert.Equal(t, float64(42), list[0])
	assert.Equal(t, "static", list[1])
	assert.Equal(t, float64(7), out["plain"])
}

func TestResolvePathArrayIndex(t *testing.T) {
	ctx := sampleContext()

	v, ok := ResolvePath(ctx, "s1.items.1")
	assert.True(t, ok)
	assert.Equal(t, "b", v)

	_, ok = ResolvePath(ctx, "s1.items.5")
	assert.False(t, ok)

	_, ok = ResolvePath(ctx, "s1.text.inner")
	assert.False(t, ok)
}
