package main

import (
	"context"
	"time"

	"github.com/emberq/emberq/pkg/registry"
)

// registerTasks installs the task set this worker serves. Deployments
// build their own binary around the worker package; the built-ins here
// cover smoke testing a fresh cluster.
func registerTasks(reg *registry.Registry) error {
	if err := reg.Register("emberq.ping", func(ctx context.Context) (string, error) {
		return "pong", nil
	}); err != nil {
		return err
	}
	if err := reg.Register("emberq.echo", func(ctx context.Context, msg any) (any, error) {
		return msg, nil
	}); err != nil {
		return err
	}
	return reg.Register("emberq.sleep", func(ctx context.Context, ms int) (int, error) {
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return ms, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	})
}
