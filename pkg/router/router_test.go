package router

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberq/emberq/pkg/core"
)

func TestRouter_ExactBeatsGlob(t *testing.T) {
	r := New("default")
	require.NoError(t, r.AddGlob("email.*", "bulk"))
	r.AddExact("email.send", "priority")

	// Insertion order decides: the glob was added first.
	q, err := r.Resolve("email.send", nil)
	require.NoError(t, err)
	assert.Equal(t, "bulk", q)

	r2 := New("default")
	r2.AddExact("email.send", "priority")
	require.NoError(t, r2.AddGlob("email.*", "bulk"))

	q, err = r2.Resolve("email.send", nil)
	require.NoError(t, err)
	assert.Equal(t, "priority", q)
}

func TestRouter_GlobSemantics(t *testing.T) {
	r := New("")
	require.NoError(t, r.AddGlob("video.*", "media"))

	q, err := r.Resolve("video.encode", nil)
	require.NoError(t, err)
	assert.Equal(t, "media", q)

	// `*` does not cross segment boundaries.
	_, err = r.Resolve("video.encode.hd", nil)
	assert.Error(t, err)

	require.NoError(t, r.AddGlob("report.?", "small"))
	q, err = r.Resolve("report.a", nil)
	require.NoError(t, err)
	assert.Equal(t, "small", q)
	_, err = r.Resolve("report.ab", nil)
	assert.Error(t, err)
}

func TestRouter_FunctionalRoutes(t *testing.T) {
	r := New("default")
	r.AddFunc(func(name string, args []json.RawMessage) string {
		if len(args) > 0 && string(args[0]) == `"huge"` {
			return "heavy"
		}
		return ""
	})

	args, err := core.MarshalArgs("huge")
	require.NoError(t, err)
	q, err := r.Resolve("anything", args)
	require.NoError(t, err)
	assert.Equal(t, "heavy", q)

	q, err = r.Resolve("anything", nil)
	require.NoError(t, err)
	assert.Equal(t, "default", q, "falls through to default")
}

func TestRouter_StaticWinsOverFunctional(t *testing.T) {
	r := New("")
	require.NoError(t, r.AddGlob("img.*", "static-queue"))
	r.AddFunc(func(string, []json.RawMessage) string { return "fn-queue" })

	q, err := r.Resolve("img.resize", nil)
	require.NoError(t, err)
	assert.Equal(t, "static-queue", q)
}

func TestRouter_NoDefaultIsConfigError(t *testing.T) {
	r := New("")
	_, err := r.Resolve("orphan", nil)
	require.Error(t, err)

	var cfgErr *core.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}
