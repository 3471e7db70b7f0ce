// Package scenario runs install and verification steps against configured
// instances and reports them as test results.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dtoncu/cloudbase-init-ci/internal/actions"
	"github.com/dtoncu/cloudbase-init-ci/internal/config"
	"github.com/dtoncu/cloudbase-init-ci/internal/execution"
	"github.com/dtoncu/cloudbase-init-ci/internal/retry"
	"github.com/rs/zerolog"
)

// ErrCheckFailed marks a step whose verification ran and did not hold.
var ErrCheckFailed = errors.New("check failed")

var errSkipped = errors.New("skipped")

// Conn is an open command channel to one instance.
type Conn interface {
	execution.Client
	Close() error
}

// Connector opens the command channel for an instance.
type Connector func(alias string, inst config.Instance) (Conn, error)

// SessionConnector opens execution sessions, echoing remote output to echo
// when it is not nil.
func SessionConnector(logger zerolog.Logger, echo io.Writer) Connector {
	return func(alias string, inst config.Instance) (Conn, error) {
		return execution.OpenSession(alias, inst, logger, echo)
	}
}

type step struct {
	name string
	run  func(ctx context.Context) error
	// runs even when an earlier step did not pass
	always bool
	// not reported as a test
	hidden bool
}

// Scenario is one configured scenario bound to its instance.
type Scenario struct {
	spec     config.Scenario
	cfg      *config.Config
	connect  Connector
	execOpts []retry.Option
	pause    func(ctx context.Context) error
	logger   zerolog.Logger

	manager *actions.Manager
}

func newScenario(spec config.Scenario, cfg *config.Config, connect Connector, execOpts []retry.Option, pause func(context.Context) error, logger zerolog.Logger) *Scenario {
	return &Scenario{
		spec:     spec,
		cfg:      cfg,
		connect:  connect,
		execOpts: execOpts,
		pause:    pause,
		logger:   logger.With().Str("scenario", spec.Name).Str("instance", spec.Instance).Logger(),
	}
}

// Run executes every step in order. A step that does not pass skips the rest,
// except cleanup.
func (s *Scenario) Run(ctx context.Context) (res Result) {
	res = Result{Scenario: s.spec.Name, Instance: s.spec.Instance, StartTime: time.Now()}
	defer func() { res.Duration = time.Since(res.StartTime) }()

	conn, err := s.connect(s.spec.Instance, s.cfg.Instances[s.spec.Instance])
	if err != nil {
		res.Steps = append(res.Steps, StepResult{Name: "connect", Outcome: Error, Message: err.Error()})
		return res
	}
	defer func() {
		if err := conn.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("closing connection")
		}
	}()

	opts := append([]retry.Option{retry.WithLogger(s.logger)}, s.execOpts...)
	exec := retry.NewExecutor(conn, retry.PolicyFromConfig(s.cfg.Argus), opts...)

	failed := false
	for _, st := range s.steps(exec) {
		if (failed && !st.always) || ctx.Err() != nil {
			if st.hidden {
				continue
			}
			res.Steps = append(res.Steps, StepResult{Name: st.name, Outcome: Skip})
			continue
		}
		s.logger.Info().Str("step", st.name).Msg("running step")
		start := time.Now()
		err := st.run(ctx)
		if st.hidden {
			if err != nil {
				s.logger.Warn().Err(err).Str("step", st.name).Msg("step interrupted")
			}
			continue
		}
		sr := StepResult{Name: st.name, Outcome: outcome(err), Duration: time.Since(start)}
		if sr.Outcome == Skip {
			res.Steps = append(res.Steps, StepResult{Name: st.name, Outcome: Skip})
			continue
		}
		if err != nil {
			sr.Message = err.Error()
			failed = true
			s.logger.Error().Err(err).Str("step", st.name).Msg("step did not pass")
		}
		res.Steps = append(res.Steps, sr)
	}
	if s.manager != nil {
		res.OSType = string(s.manager.OSType())
	}
	return res
}

func (s *Scenario) steps(exec *retry.Executor) []step {
	steps := []step{{name: "select", run: func(ctx context.Context) error {
		m, err := actions.NewSelector(exec, s.cfg, nil, s.logger).Select(ctx)
		s.manager = m
		return err
	}}}

	if len(s.cfg.Argus.DNSNameservers) > 0 {
		steps = append(steps, step{name: "dns", run: func(ctx context.Context) error {
			return s.manager.SetDNSServers(ctx, s.cfg.Argus.DNSNameservers)
		}})
	}

	steps = append(steps,
		step{name: "prepare", run: func(ctx context.Context) error {
			return s.manager.SpecificPrepare(ctx)
		}},
		step{name: "install", run: func(ctx context.Context) error {
			ok, err := s.manager.InstallCbinit(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("cloudbase-init is not installed: %w", ErrCheckFailed)
			}
			return nil
		}},
	)

	if gc := s.spec.GitClone; gc != nil {
		steps = append(steps, step{name: "git_clone", run: func(ctx context.Context) error {
			return s.manager.GitClone(ctx, gc.Repo, gc.Location)
		}})
	}

	for _, sc := range s.spec.Scripts {
		steps = append(steps, step{name: "script " + sc.Resource, run: func(ctx context.Context) error {
			if sc.Kind == config.ScriptBatch {
				return s.manager.ExecuteCmdResourceScript(ctx, sc.Resource, sc.Parameters)
			}
			return s.manager.ExecutePowerShellResourceScript(ctx, sc.Resource, sc.Parameters)
		}})
	}

	if s.spec.Sysprep {
		steps = append(steps, step{name: "sysprep", run: func(ctx context.Context) error {
			return s.manager.Sysprep(ctx)
		}})
	}
	if s.spec.WaitService {
		steps = append(steps, step{name: "wait_service", run: func(ctx context.Context) error {
			return s.manager.WaitCbinitService(ctx)
		}})
	}
	if len(s.spec.ServicePaths) > 0 {
		steps = append(steps, step{name: "check_service", run: func(ctx context.Context) error {
			return s.manager.CheckCbinitService(ctx, s.spec.ServicePaths)
		}})
	}

	if s.cfg.Argus.Pause && s.pause != nil {
		steps = append(steps, step{name: "pause", always: true, hidden: true, run: func(ctx context.Context) error {
			s.logger.Info().Msg("paused before cleanup")
			return s.pause(ctx)
		}})
	}

	if s.spec.Cleanup {
		steps = append(steps, step{name: "cleanup", always: true, run: func(ctx context.Context) error {
			if s.manager == nil {
				return errSkipped
			}
			if !s.manager.CbinitCleanup(ctx) {
				return fmt.Errorf("cloudbase-init cleanup: %w", ErrCheckFailed)
			}
			return nil
		}})
	}
	return steps
}

func outcome(err error) Outcome {
	if err == nil {
		return Pass
	}
	if errors.Is(err, errSkipped) {
		return Skip
	}
	var timeout *retry.ConditionTimeoutError
	var invariant *actions.InvariantError
	if errors.Is(err, ErrCheckFailed) || errors.As(err, &timeout) || errors.As(err, &invariant) {
		return Fail
	}
	return Error
}
