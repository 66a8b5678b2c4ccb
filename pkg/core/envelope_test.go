package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	eta := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	exp := eta.Add(time.Hour)

	env, err := NewEnvelope("send_email", "user@example.com", 42)
	require.NoError(t, err)
	env.Attempts = 2
	env.ETA = &eta
	env.Expires = &exp
	env.CorrelationID = "corr-1"
	env.ParentID = "parent-1"
	env.RootID = "root-1"
	env.Headers = map[string]string{HeaderTargetQueue: "email"}

	data, err := env.Encode()
	require.NoError(t, err)

	got, err := DecodeEnvelope(data)
	require.NoError(t, err)

	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, "send_email", got.Name)
	assert.Equal(t, env.Args, got.Args)
	assert.Equal(t, 2, got.Attempts)
	assert.True(t, eta.Equal(*got.ETA))
	assert.True(t, exp.Equal(*got.Expires))
	assert.Equal(t, "corr-1", got.CorrelationID)
	assert.Equal(t, "parent-1", got.ParentID)
	assert.Equal(t, "root-1", got.RootID)
	assert.Equal(t, "email", got.Header(HeaderTargetQueue))
}

func TestEnvelope_WireFieldNames(t *testing.T) {
	env, err := NewEnvelope("add", 2, 3)
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Contains(t, m, "id")
	assert.Contains(t, m, "task_name")
	assert.Contains(t, m, "args")
	assert.Contains(t, m, "retries")
	assert.NotContains(t, m, "eta")
}

func TestEnvelope_PreservesUnknownFields(t *testing.T) {
	wire := `{"id":"` + NewID() + `","task_name":"add","args":[1,2],"retries":0,"x-custom":"kept"}`

	env, err := DecodeEnvelope([]byte(wire))
	require.NoError(t, err)

	out, err := env.Encode()
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &m))
	assert.Equal(t, `"kept"`, string(m["x-custom"]))
}

func TestEnvelope_Readiness(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	env := &Envelope{ID: NewID(), Name: "noop"}
	assert.True(t, env.IsReady(now), "no eta means ready")
	assert.False(t, env.IsExpired(now))

	env.ETA = &future
	assert.False(t, env.IsReady(now))
	env.ETA = &past
	assert.True(t, env.IsReady(now))

	env.Expires = &past
	assert.True(t, env.IsExpired(now))
}

func TestEnvelope_Validate(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)

	env, err := NewEnvelope("add", 1)
	require.NoError(t, err)
	require.NoError(t, env.Validate())

	bad := env.Clone()
	bad.Attempts = -1
	assert.Error(t, bad.Validate())

	bad = env.Clone()
	bad.ETA = &later
	bad.Expires = &now
	assert.Error(t, bad.Validate())

	bad = env.Clone()
	bad.ID = ""
	assert.ErrorIs(t, bad.Validate(), ErrInvalidTaskID)
}

func TestEnvelope_NextAttempt(t *testing.T) {
	env, err := NewEnvelope("flaky")
	require.NoError(t, err)
	env.CorrelationID = "c"
	env.ParentID = "p"
	env.RootID = "r"

	eta := time.Now().Add(10 * time.Second)
	next := env.NextAttempt(eta)

	assert.Equal(t, env.ID, next.ID, "retry keeps the task id")
	assert.Equal(t, env.Attempts+1, next.Attempts)
	assert.True(t, eta.Equal(*next.ETA))
	assert.Equal(t, "c", next.CorrelationID)
	assert.Equal(t, "p", next.ParentID)
	assert.Equal(t, "r", next.RootID)
	assert.Equal(t, 0, env.Attempts, "original is untouched")
}

func TestEnvelope_WithHeader(t *testing.T) {
	env, err := NewEnvelope("noop")
	require.NoError(t, err)

	with := env.WithHeader(HeaderChordID, "chord-1")
	assert.Equal(t, "chord-1", with.Header(HeaderChordID))
	assert.Empty(t, env.Header(HeaderChordID), "original is untouched")
}
