package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/dtoncu/cloudbase-init-ci/internal/execution"
	"github.com/dtoncu/cloudbase-init-ci/internal/retry"
)

const cbinitSubdir = `Cloudbase Solutions\Cloudbase-Init`

type installStrategy struct {
	name string
	run  func(ctx context.Context, installer string) error
}

func (m *Manager) installerName() string {
	return fmt.Sprintf("CloudbaseInitSetup_%s_%s.msi", m.cfg.Argus.Build, m.cfg.Argus.Arch)
}

// InstallCbinit tries every installation strategy, in order, for the configured
// number of rounds. It returns true on the first strategy whose post-check
// passes. Only context errors are returned.
func (m *Manager) InstallCbinit(ctx context.Context) (bool, error) {
	installer := m.installerName()
	m.logger.Info().Str("installer", installer).Msg("trying to install Cloudbase-Init")
	return m.runInstallMatrix(ctx, installer, max(m.cfg.Argus.RetryCount, 1), m.CheckCbinitInstallation, m.CbinitCleanup)
}

// runInstallMatrix runs rounds x strategies attempts. A strategy that fails, or
// whose post-check fails, is followed by exactly one cleanup.
func (m *Manager) runInstallMatrix(ctx context.Context, installer string, rounds int, check, cleanup func(context.Context) bool) (bool, error) {
	for round := 1; round <= rounds; round++ {
		for _, s := range m.strategies {
			err := s.run(ctx, installer)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return false, ctxErr
			}
			if err != nil {
				m.logger.Debug().Err(err).Str("strategy", s.name).Int("round", round).Msg("could not install Cloudbase-Init")
			} else if check(ctx) {
				return true, nil
			}
			cleanup(ctx)
		}
	}
	return false, ctx.Err()
}

func (m *Manager) runInstallationScript(ctx context.Context, installer string) error {
	m.logger.Info().Msg("running the installation script for Cloudbase-Init")
	return m.ExecutePowerShellResourceScript(ctx, "windows/installCBinit.ps1", "-installer "+installer)
}

func (m *Manager) deployUsingScheduledTask(ctx context.Context, installer string) error {
	m.logger.Info().Msg("deploying Cloudbase-Init using a scheduled task")
	return m.ExecuteCmdResourceScript(ctx, "windows/schedule_installer.bat", "-installer "+installer)
}

// CheckCbinitInstallation reports whether the installed Python can import
// cloudbaseinit. Failures are logged and read as false.
func (m *Manager) CheckCbinitInstallation(ctx context.Context) bool {
	m.logger.Info().Msg("checking Cloudbase-Init installation")
	python, err := m.pythonDir(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("could not check Cloudbase-Init installation")
		return false
	}
	cmd := execution.PS(fmt.Sprintf(`& "%s" -c "import cloudbaseinit"`, winJoin(python, "python.exe")))
	if _, err := m.exec.RunWithRetry(ctx, cmd, retry.Once); err != nil {
		m.logger.Debug().Err(err).Msg("Cloudbase-Init installation failed")
		return false
	}
	m.logger.Info().Msg("Cloudbase-Init was successfully installed")
	return true
}

// CbinitCleanup removes the Cloudbase Solutions directory. Failures are logged
// and reported as false.
func (m *Manager) CbinitCleanup(ctx context.Context) bool {
	m.logger.Info().Msg("cleaning up Cloudbase-Init")
	dir, err := m.cbinitDir(ctx)
	if err == nil {
		err = m.Rmdir(ctx, winDir(dir))
	}
	if err != nil {
		m.logger.Warn().Err(err).Msg("could not clean up Cloudbase-Init")
		return false
	}
	return true
}

func (m *Manager) cbinitDir(ctx context.Context) (string, error) {
	res, err := m.exec.Run(ctx, execution.PS("(Get-WmiObject Win32_OperatingSystem).OSArchitecture"))
	if err != nil {
		return "", err
	}
	probes := []string{`echo "$ENV:ProgramFiles"`}
	if strings.TrimSpace(res.Stdout) == "64-bit" {
		probes = append(probes, `echo "${ENV:ProgramFiles(x86)}"`)
	}

	for _, probe := range probes {
		loc, err := m.exec.Run(ctx, execution.PS(probe))
		if err != nil {
			return "", err
		}
		dir := winJoin(strings.TrimSpace(loc.Stdout), cbinitSubdir)
		found, err := m.exists(ctx, dir, PathAny)
		if err != nil {
			return "", err
		}
		if found {
			return dir, nil
		}
	}
	return "", ErrCbinitNotFound
}

func (m *Manager) pythonDir(ctx context.Context) (string, error) {
	dir, err := m.cbinitDir(ctx)
	if err != nil {
		return "", err
	}
	res, err := m.exec.Run(ctx, execution.Cmd(fmt.Sprintf(`dir "%s" /b`, dir)))
	if err != nil {
		return "", err
	}
	for entry := range strings.Lines(res.Stdout) {
		entry = strings.TrimSpace(entry)
		if strings.Contains(strings.ToLower(entry), "python") {
			return winJoin(dir, entry), nil
		}
	}
	return "", ErrPythonNotFound
}

// WaitCbinitService polls until the Cloudbase-Init service reports Stopped.
func (m *Manager) WaitCbinitService(ctx context.Context) error {
	m.logger.Info().Msg("waiting for the Cloudbase-Init service to stop")
	cmd := execution.PS("(Get-Service | where -Property Name -match cloudbase-init).Status")
	return m.exec.RunUntilCondition(ctx, cmd, func(out string) bool {
		return strings.TrimSpace(out) == "Stopped"
	}, m.exec.Policy())
}

// CheckCbinitService polls until every path exists on the guest.
func (m *Manager) CheckCbinitService(ctx context.Context, paths []string) error {
	for _, p := range paths {
		cmd := execution.PS(fmt.Sprintf(`Test-Path "%s"`, p))
		err := m.exec.RunUntilCondition(ctx, cmd, func(out string) bool {
			exists, err := ParseBool(out)
			if err != nil {
				m.logger.Warn().Err(err).Str("path", p).Msg("unexpected Test-Path output")
			}
			return exists
		}, m.exec.Policy())
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", p, err)
		}
	}
	return nil
}
