package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberq/emberq/pkg/core"
	"github.com/emberq/emberq/pkg/retry"
	"github.com/emberq/emberq/pkg/router"
)

func TestRegister_DuplicateName(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("tasks.add", func(ctx context.Context, a, b int) (int, error) {
		return a + b, nil
	}))

	err := reg.Register("tasks.add", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, core.ErrDuplicateTask)
}

func TestRegister_SignatureValidation(t *testing.T) {
	reg := New()

	assert.Error(t, reg.Register("bad.nil", nil))
	assert.Error(t, reg.Register("bad.notfunc", 42))
	assert.Error(t, reg.Register("bad.noctx", func(a int) error { return nil }))
	assert.Error(t, reg.Register("bad.noerr", func(ctx context.Context) int { return 0 }))
	assert.Error(t, reg.Register("bad.variadic", func(ctx context.Context, xs ...int) error { return nil }))

	assert.NoError(t, reg.Register("ok.erronly", func(ctx context.Context) error { return nil }))
	assert.NoError(t, reg.Register("ok.valued", func(ctx context.Context, s string) (string, error) { return s, nil }))
}

func TestValidateTaskName(t *testing.T) {
	assert.NoError(t, ValidateTaskName("email.send_welcome-v2"))
	assert.Error(t, ValidateTaskName(""))
	assert.Error(t, ValidateTaskName(".leading.dot"))
	assert.Error(t, ValidateTaskName("has space"))

	long := make([]byte, core.MaxTaskNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, ValidateTaskName(string(long)))
}

func TestExecute_PositionalArgs(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("math.add", func(ctx context.Context, a, b int) (int, error) {
		return a + b, nil
	}))

	env, err := core.NewEnvelope("math.add", 2, 3)
	require.NoError(t, err)

	task, ok := reg.Lookup("math.add")
	require.True(t, ok)

	val, err := task.Exec.Execute(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 5, val)
}

func TestExecute_MissingTrailingArgsAreZero(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("greet", func(ctx context.Context, name, suffix string) (string, error) {
		return name + suffix, nil
	}))

	env, err := core.NewEnvelope("greet", "hi")
	require.NoError(t, err)

	task, _ := reg.Lookup("greet")
	val, err := task.Exec.Execute(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "hi", val)
}

func TestExecute_BadArgIsNoRetry(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("math.add", func(ctx context.Context, a, b int) (int, error) {
		return a + b, nil
	}))

	env, err := core.NewEnvelope("math.add", "not-a-number", 3)
	require.NoError(t, err)

	task, _ := reg.Lookup("math.add")
	_, err = task.Exec.Execute(context.Background(), env)
	require.Error(t, err)

	var noRetry *core.NoRetryError
	assert.ErrorAs(t, err, &noRetry)
}

func TestExecute_StructArg(t *testing.T) {
	type report struct {
		Month string `json:"month"`
		Limit int    `json:"limit"`
	}

	reg := New()
	require.NoError(t, reg.Register("report.build", func(ctx context.Context, r report) (int, error) {
		return r.Limit, nil
	}))

	env, err := core.NewEnvelope("report.build", report{Month: "2026-08", Limit: 10})
	require.NoError(t, err)

	task, _ := reg.Lookup("report.build")
	val, err := task.Exec.Execute(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 10, val)
}

func TestExecute_ErrorPassthrough(t *testing.T) {
	boom := errors.New("boom")
	reg := New()
	require.NoError(t, reg.Register("always.fails", func(ctx context.Context) error { return boom }))

	env, err := core.NewEnvelope("always.fails")
	require.NoError(t, err)

	task, _ := reg.Lookup("always.fails")
	_, err = task.Exec.Execute(context.Background(), env)
	assert.ErrorIs(t, err, boom)
}

func TestResolveOptions_Precedence(t *testing.T) {
	reg := New(WithGlobalDefaults(core.TaskOptions{
		Queue:      "global-q",
		MaxRetries: 3,
		Serializer: core.SerializerJSON,
	}))
	require.NoError(t, reg.Register("tuned", func(ctx context.Context) error { return nil },
		WithDefaults(core.WithQueue("task-q"), core.WithMaxRetries(5)),
	))

	// Task defaults override the globals.
	opts := reg.ResolveOptions("tuned")
	assert.Equal(t, "task-q", opts.Queue)
	assert.Equal(t, 5, opts.MaxRetries)

	// Call-site overrides both.
	opts = reg.ResolveOptions("tuned", core.WithQueue("call-q"), core.WithPriority(7))
	assert.Equal(t, "call-q", opts.Queue)
	assert.Equal(t, 5, opts.MaxRetries)
	assert.Equal(t, 7, opts.Priority)
}

func TestRoute_TaskDefaultBeatsRouter(t *testing.T) {
	r := router.New("fallback")
	require.NoError(t, r.AddGlob("email.*", "bulk"))

	reg := New(WithRouter(r))
	require.NoError(t, reg.Register("email.send", func(ctx context.Context) error { return nil },
		WithDefaults(core.WithQueue("priority")),
	))

	q, err := reg.Route("email.send", nil)
	require.NoError(t, err)
	assert.Equal(t, "priority", q)

	q, err = reg.Route("email.digest", nil)
	require.NoError(t, err)
	assert.Equal(t, "bulk", q)

	q, err = reg.Route("unrelated", nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", q)
}

func TestRegisterOptions(t *testing.T) {
	pol := retry.Policy{MaxRetries: 9, InitialDelay: time.Second, MaxDelay: time.Minute, ExponentialBase: 2}
	reg := New()
	require.NoError(t, reg.Register("heavy", func(ctx context.Context) error { return nil },
		WithRetryPolicy(pol),
		WithTimeout(30*time.Second),
		AsBlocking(),
	))

	task, ok := reg.Lookup("heavy")
	require.True(t, ok)
	assert.Equal(t, 9, task.Policy.MaxRetries)
	assert.Equal(t, 30*time.Second, task.Timeout)
	assert.True(t, task.Blocking)

	// Unregistered names fall back to the global policy.
	assert.Equal(t, retry.Default().MaxRetries, reg.PolicyFor("ghost").MaxRetries)
}
