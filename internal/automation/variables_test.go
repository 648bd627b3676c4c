package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveSubstitutes(t *testing.T) {
	ctx := map[string]any{
		"contact.name":      "Ana",
		"order.total_value": int64(1500),
	}

	out, unresolved := Resolve("Hi {{contact.name}}, your order totals {{ order.total_value }}.", ctx)
	assert.Equal(t, "Hi Ana, your order totals 1500.", out)
	assert.Empty(t, unresolved)
}

func TestResolveMissingPathRendersEmpty(t *testing.T) {
	out, unresolved := Resolve("Hello {{contact.name}}!", map[string]any{})
	assert.Equal(t, "Hello !", out)
	assert.Equal(t, []string{"contact.name"}, unresolved)
}

func TestResolveLeavesPlainTextAlone(t *testing.T) {
	out, unresolved := Resolve("no placeholders here", map[string]any{"x": 1})
	assert.Equal(t, "no placeholders here", out)
	assert.Empty(t, unresolved)
}

func TestResolveRepeatedAndUnknownMix(t *testing.T) {
	ctx := map[string]any{"a": "x"}
	out, unresolved := Resolve("{{a}}{{b}}{{a}}", ctx)
	assert.Equal(t, "xx", out)
	assert.Equal(t, []string{"b"}, unresolved)
}
