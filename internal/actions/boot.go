package actions

import (
	"context"
	"fmt"
	"strings"

	"github.com/dtoncu/cloudbase-init-ci/internal/execution"
	"github.com/dtoncu/cloudbase-init-ci/internal/retry"
)

const sysprepResource = "windows/sysprep.ps1"

// WaitBootCompletion polls until the configured image user account is visible.
func (m *Manager) WaitBootCompletion(ctx context.Context) error {
	m.logger.Info().Msg("waiting for boot completion")
	return waitBootCompletion(ctx, m.exec, m.cfg.OpenStack.ImageUsername)
}

func waitBootCompletion(ctx context.Context, exec *retry.Executor, username string) error {
	cmd := execution.PS(fmt.Sprintf("(Get-CimInstance Win32_Account | where -Property Name -contains %s).Name", username))
	return exec.RunUntilCondition(ctx, cmd, func(out string) bool {
		return strings.TrimSpace(out) == username
	}, exec.Policy())
}

// Sysprep runs the sysprep resource script, which reboots the guest, and waits
// for the guest to come back. Connectivity errors from the triggering call are
// expected and ignored.
func (m *Manager) Sysprep(ctx context.Context) error {
	location := `C:\` + resourceBase(sysprepResource)
	if err := m.DownloadResource(ctx, sysprepResource, location); err != nil {
		return err
	}

	m.logger.Debug().Str("script", location).Msg("running sysprep")
	cmd := execution.NewCommand(location, execution.PowerShellScriptBypass)
	if _, err := m.exec.RunWithRetry(ctx, cmd, retry.Once); err != nil {
		if !execution.IsConnectivityError(err) {
			return err
		}
		m.logger.Debug().Err(err).Msg("currently rebooting")
	}

	m.logger.Info().Msg("waiting for the machine to finish rebooting")
	return m.WaitBootCompletion(ctx)
}
