// Package actions exposes the guest operations a scenario needs, built out of
// commands sent through the retry executor.
package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dtoncu/cloudbase-init-ci/internal/config"
	"github.com/dtoncu/cloudbase-init-ci/internal/retry"
	"github.com/rs/zerolog"
)

// OSType tags the guest OS variant.
type OSType string

const (
	Windows           OSType = "Windows"
	Windows8          OSType = "Windows8"
	Windows10         OSType = "Windows10"
	WindowsServer2012 OSType = "WindowsServer2012"
	WindowsServer2016 OSType = "WindowsServer2016"
	WindowsNano       OSType = "WindowsNanoServer"
)

// variant holds the per-OS behavioral overrides.
type variant struct {
	download func(ctx context.Context, m *Manager, uri, location string) error
	prepare  func(ctx context.Context, m *Manager) error
}

var baseVariant = variant{
	download: downloadWebRequest,
	prepare:  prepareNothing,
}

var nanoVariant = variant{
	download: downloadNano,
	prepare:  prepareNano,
}

var variants = map[OSType]variant{
	Windows:           baseVariant,
	Windows8:          baseVariant,
	Windows10:         baseVariant,
	WindowsServer2012: baseVariant,
	WindowsServer2016: baseVariant,
	WindowsNano:       nanoVariant,
}

// InvariantError reports a filesystem precondition violation. It is never retried.
type InvariantError struct {
	Op     string
	Path   string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s '%s': %s", e.Op, e.Path, e.Reason)
}

// UnexpectedOutputError is returned when a boolean probe printed something other
// than "True" or "False".
type UnexpectedOutputError struct {
	Output string
}

func (e *UnexpectedOutputError) Error() string {
	return fmt.Sprintf("expected True or False, got %q", e.Output)
}

var (
	ErrCbinitNotFound = errors.New("cloudbase-init installation directory not found")
	ErrPythonNotFound = errors.New("python directory not found in cloudbase-init installation")
)

// ParseBool reads the output of a PowerShell boolean expression. Only the exact
// strings "True" and "False", after trimming whitespace, are accepted.
func ParseBool(stdout string) (bool, error) {
	switch strings.TrimSpace(stdout) {
	case "True":
		return true, nil
	case "False":
		return false, nil
	default:
		return false, &UnexpectedOutputError{Output: stdout}
	}
}

// Manager drives one guest. It is bound to a single executor, configuration and
// OS type, and does not own the underlying session.
type Manager struct {
	exec       *retry.Executor
	cfg        *config.Config
	osType     OSType
	variant    variant
	strategies []installStrategy
	logger     zerolog.Logger
}

// NewManager builds the manager for osType. Unknown tags get the base behavior.
func NewManager(exec *retry.Executor, cfg *config.Config, osType OSType, logger zerolog.Logger) *Manager {
	v, ok := variants[osType]
	if !ok {
		v = baseVariant
	}
	m := &Manager{
		exec:    exec,
		cfg:     cfg,
		osType:  osType,
		variant: v,
		logger:  logger.With().Str("os_type", string(osType)).Logger(),
	}
	m.strategies = []installStrategy{
		{name: "installation script", run: m.runInstallationScript},
		{name: "scheduled task", run: m.deployUsingScheduledTask},
	}
	return m
}

// OSType returns the variant tag the manager was built for.
func (m *Manager) OSType() OSType {
	return m.osType
}

// SpecificPrepare stages whatever the OS variant needs before other operations.
func (m *Manager) SpecificPrepare(ctx context.Context) error {
	m.logger.Debug().Msg("preparing OS specific resources")
	return m.variant.prepare(ctx, m)
}

func prepareNothing(ctx context.Context, m *Manager) error {
	return nil
}
