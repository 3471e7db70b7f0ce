package scenario

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dtoncu/cloudbase-init-ci/internal/config"
	"github.com/dtoncu/cloudbase-init-ci/internal/logging"
	"github.com/dtoncu/cloudbase-init-ci/internal/retry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Runner runs the configured scenarios, each on its own connection.
type Runner struct {
	cfg      *config.Config
	connect  Connector
	execOpts []retry.Option
	pause    func(ctx context.Context) error
	logger   zerolog.Logger
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithExecutorOptions passes options to every executor the runner creates.
func WithExecutorOptions(opts ...retry.Option) RunnerOption {
	return func(r *Runner) { r.execOpts = append(r.execOpts, opts...) }
}

// WithPause sets the function called before cleanup when argus.pause is set.
func WithPause(pause func(ctx context.Context) error) RunnerOption {
	return func(r *Runner) { r.pause = pause }
}

// NewRunner creates a runner for cfg.
func NewRunner(cfg *config.Config, connect Connector, logger zerolog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		cfg:     cfg,
		connect: connect,
		logger:  logging.Component(logger, "runner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Select returns the configured scenarios named in names, or all of them when
// names is empty.
func (r *Runner) Select(names []string) ([]config.Scenario, error) {
	if len(names) == 0 {
		return r.cfg.Scenarios, nil
	}
	var selected []config.Scenario
	for _, name := range names {
		i := slices.IndexFunc(r.cfg.Scenarios, func(s config.Scenario) bool { return s.Name == name })
		if i < 0 {
			return nil, fmt.Errorf("unknown scenario %q", name)
		}
		selected = append(selected, r.cfg.Scenarios[i])
	}
	return selected, nil
}

// Run executes the named scenarios, at most argus.max_parallel at a time.
// Results keep the configuration order.
func (r *Runner) Run(ctx context.Context, names []string) (*Report, error) {
	specs, err := r.Select(names)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	results := make([]Result, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.cfg.Argus.MaxParallel, 1))
	for i, spec := range specs {
		g.Go(func() error {
			r.logger.Info().Str("scenario", spec.Name).Msg("starting scenario")
			results[i] = newScenario(spec, r.cfg, r.connect, r.execOpts, r.pause, r.logger).Run(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rep := &Report{Results: results, Duration: time.Since(start)}
	for _, res := range results {
		rep.Tally.Add(res.Tally())
	}
	return rep, ctx.Err()
}
