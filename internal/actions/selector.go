package actions

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/dtoncu/cloudbase-init-ci/internal/config"
	"github.com/dtoncu/cloudbase-init-ci/internal/execution"
	"github.com/dtoncu/cloudbase-init-ci/internal/retry"
	"github.com/rs/zerolog"
)

const serverLevelsKey = `HKLM:\Software\Microsoft\Windows NT\CurrentVersion\Server\ServerLevels`

// Prober answers the questions the selector asks the guest.
type Prober interface {
	MajorVersion(ctx context.Context) (int, error)
	ProductType(ctx context.Context) (int, error)
	IsNanoServer(ctx context.Context) (bool, error)
}

type remoteProber struct {
	exec *retry.Executor
}

// NewRemoteProber probes the guest through exec.
func NewRemoteProber(exec *retry.Executor) Prober {
	return &remoteProber{exec: exec}
}

func (p *remoteProber) runInt(ctx context.Context, text string) (int, error) {
	res, err := p.exec.Run(ctx, execution.PS(text))
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0, fmt.Errorf("parsing output of %q: %w", text, err)
	}
	return n, nil
}

func (p *remoteProber) MajorVersion(ctx context.Context) (int, error) {
	return p.runInt(ctx, "[System.Environment]::OSVersion.Version.Major")
}

func (p *remoteProber) ProductType(ctx context.Context) (int, error) {
	return p.runInt(ctx, "(Get-CimInstance -Class Win32_OperatingSystem).producttype")
}

func (p *remoteProber) IsNanoServer(ctx context.Context) (bool, error) {
	res, err := p.exec.Run(ctx, execution.PS(fmt.Sprintf(`Test-Path "%s"`, serverLevelsKey)))
	if err != nil {
		return false, err
	}
	exists, err := ParseBool(res.Stdout)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	res, err = p.exec.Run(ctx, execution.PS(fmt.Sprintf(`(Get-ItemProperty "%s").NanoServer`, serverLevelsKey)))
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(strings.TrimSpace(res.Stdout), "1"), nil
}

type versionKey struct {
	major   int
	product int
}

// osTags maps (major version, product type) to a tag. A product type of 1 is a
// workstation, 2 a domain controller and 3 a server.
var osTags = map[versionKey]OSType{
	{6, 1}:  Windows8,
	{6, 2}:  WindowsServer2012,
	{6, 3}:  WindowsServer2012,
	{10, 1}: Windows10,
	{10, 2}: WindowsServer2016,
	{10, 3}: WindowsServer2016,
}

// ResolveOSType maps probe results to an OS tag. Unknown combinations fall back
// to the generic Windows tag.
func ResolveOSType(major, product int, nano bool) OSType {
	tag, ok := osTags[versionKey{major, product}]
	if !ok {
		return Windows
	}
	if tag == WindowsServer2016 && nano {
		return WindowsNano
	}
	return tag
}

// Selector builds the Manager matching the guest it is connected to.
type Selector struct {
	exec   *retry.Executor
	cfg    *config.Config
	prober Prober
	logger zerolog.Logger
}

// NewSelector creates a selector. A nil prober probes the guest through exec.
func NewSelector(exec *retry.Executor, cfg *config.Config, prober Prober, logger zerolog.Logger) *Selector {
	if prober == nil {
		prober = NewRemoteProber(exec)
	}
	return &Selector{exec: exec, cfg: cfg, prober: prober, logger: logger}
}

// Select waits for the guest to boot, probes its version and returns the
// matching Manager.
func (s *Selector) Select(ctx context.Context) (*Manager, error) {
	if err := waitBootCompletion(ctx, s.exec, s.cfg.OpenStack.ImageUsername); err != nil {
		return nil, fmt.Errorf("waiting for boot completion: %w", err)
	}

	major, err := s.prober.MajorVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("probing major version: %w", err)
	}
	product, err := s.prober.ProductType(ctx)
	if err != nil {
		return nil, fmt.Errorf("probing product type: %w", err)
	}
	nano, err := s.prober.IsNanoServer(ctx)
	if err != nil {
		return nil, fmt.Errorf("probing for nano server: %w", err)
	}

	osType := ResolveOSType(major, product, nano)
	s.logger.Info().Int("major", major).Int("product_type", product).Bool("nano", nano).
		Str("os_type", string(osType)).Msg("selected action manager")
	return NewManager(s.exec, s.cfg, osType, s.logger), nil
}
