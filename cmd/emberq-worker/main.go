package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/emberq/emberq/pkg/backend"
	"github.com/emberq/emberq/pkg/broker"
	"github.com/emberq/emberq/pkg/ratelimit"
	"github.com/emberq/emberq/pkg/registry"
	"github.com/emberq/emberq/pkg/revoke"
	"github.com/emberq/emberq/pkg/scheduler"
	"github.com/emberq/emberq/pkg/worker"
)

// Exit codes
const (
	exitConfig      = 1
	exitUnreachable = 2
)

type flags struct {
	brokerURL     string
	backendURL    string
	queues        []string
	concurrency   int
	prefetch      int
	shutdownGrace time.Duration
	resultTTL     time.Duration
	logLevel      string
	rateLimits    []string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		code := exitConfig
		var exit *exitError
		if errors.As(err, &exit) {
			code = exit.code
		}
		os.Exit(code)
	}
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:          "emberq-worker",
		Short:        "run an emberq worker",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, f)
		},
	}
	cmd.Flags().StringVar(&f.brokerURL, "broker", "memory://", "broker URL (memory://, redis://host:port, nats://host:port)")
	cmd.Flags().StringVar(&f.backendURL, "backend", "memory://", "result backend URL (memory://, redis://host:port, sqlite://path)")
	cmd.Flags().StringSliceVar(&f.queues, "queues", []string{"default"}, "queues to consume")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 8, "maximum simultaneous task executions")
	cmd.Flags().IntVar(&f.prefetch, "prefetch", 4, "envelopes fetched per queue poll")
	cmd.Flags().DurationVar(&f.shutdownGrace, "shutdown-grace", 30*time.Second, "time running tasks get to finish on shutdown")
	cmd.Flags().DurationVar(&f.resultTTL, "ttl", backend.DefaultResultTTL, "result retention")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	cmd.Flags().StringArrayVar(&f.rateLimits, "rate-limit", nil, "per-task rate limit, name=spec (e.g. emails.send=10/s), repeatable")
	return cmd
}

func run(ctx context.Context, f *flags) error {
	log, err := newLogger(f.logLevel)
	if err != nil {
		return err
	}

	br, err := openBroker(f.brokerURL)
	if err != nil {
		return err
	}
	defer br.Close()

	bk, err := openBackend(f.backendURL, f.resultTTL)
	if err != nil {
		return err
	}
	defer bk.Close()

	if err := br.HealthCheck(ctx); err != nil {
		return &exitError{code: exitUnreachable, err: fmt.Errorf("broker unreachable: %w", err)}
	}
	if err := bk.HealthCheck(ctx); err != nil {
		return &exitError{code: exitUnreachable, err: fmt.Errorf("backend unreachable: %w", err)}
	}

	limits, err := parseRateLimits(f.rateLimits)
	if err != nil {
		return err
	}

	reg := registry.New()
	if err := registerTasks(reg); err != nil {
		return err
	}

	rv, err := revoke.NewShared(bk, br, revoke.WithLogger(log))
	if err != nil {
		return err
	}
	defer rv.Close()

	w, err := worker.New(br, bk, reg,
		worker.WithQueues(f.queues...),
		worker.WithConcurrency(f.concurrency),
		worker.WithPrefetch(f.prefetch),
		worker.WithShutdownGrace(f.shutdownGrace),
		worker.WithRateLimits(limits),
		worker.WithRevocations(rv),
		worker.WithLogger(log),
	)
	if err != nil {
		return err
	}

	// Brokers without native delayed publish rely on the relay to move
	// staged envelopes onto their target queues when due.
	if !br.Capabilities().DelayedPublish {
		relay := scheduler.NewRelay(br, f.queues, scheduler.WithRelayLogger(log))
		go func() {
			if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("relay stopped")
			}
		}()
	}

	return w.Run(ctx)
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q", level)
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger(), nil
}

func openBroker(url string) (broker.Broker, error) {
	switch {
	case url == "memory://":
		return broker.NewMemory(), nil
	case strings.HasPrefix(url, "redis://"):
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("broker url: %w", err)
		}
		return broker.NewRedis(redis.NewClient(opts)), nil
	case strings.HasPrefix(url, "nats://"):
		br, err := broker.NewNATS(url)
		if err != nil {
			return nil, &exitError{code: exitUnreachable, err: fmt.Errorf("nats: %w", err)}
		}
		return br, nil
	default:
		return nil, fmt.Errorf("unsupported broker url %q", url)
	}
}

func openBackend(url string, ttl time.Duration) (backend.Backend, error) {
	switch {
	case url == "memory://":
		return backend.NewMemory(backend.WithResultTTL(ttl)), nil
	case strings.HasPrefix(url, "redis://"):
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("backend url: %w", err)
		}
		return backend.NewRedis(redis.NewClient(opts), backend.WithRedisResultTTL(ttl)), nil
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, &exitError{code: exitUnreachable, err: fmt.Errorf("sqlite: %w", err)}
		}
		return backend.NewGorm(db, backend.WithGormResultTTL(ttl))
	default:
		return nil, fmt.Errorf("unsupported backend url %q", url)
	}
}

func parseRateLimits(specs []string) (*ratelimit.Keyed, error) {
	limits := ratelimit.NewKeyed()
	for _, s := range specs {
		name, spec, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("rate limit %q: want name=spec", s)
		}
		if err := limits.SetSpec(name, spec); err != nil {
			return nil, err
		}
	}
	return limits, nil
}
