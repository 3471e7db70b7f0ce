package actions

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/dtoncu/cloudbase-init-ci/internal/execution"
)

const installScriptLocation = `C:\installCBinit.ps1`

// Download fetches uri to location on the guest. The whole fetch is retried, so
// a partial file is overwritten by the next attempt.
func (m *Manager) Download(ctx context.Context, uri, location string) error {
	m.logger.Debug().Str("uri", uri).Str("location", location).Msg("downloading")
	return m.variant.download(ctx, m, uri, location)
}

func downloadWebRequest(ctx context.Context, m *Manager, uri, location string) error {
	cmd := execution.PS(fmt.Sprintf(`Invoke-WebRequest -Uri %s -OutFile "%s"`, uri, location))
	_, err := m.exec.Run(ctx, cmd)
	return err
}

// ResourceURL resolves a resource path against the configured base location. A
// base without a trailing slash is treated as the parent of resources/.
func (m *Manager) ResourceURL(resource string) (string, error) {
	base, err := url.Parse(m.cfg.Argus.Resources)
	if err != nil {
		return "", fmt.Errorf("invalid resources location: %w", err)
	}
	if !strings.HasSuffix(m.cfg.Argus.Resources, "/") {
		base = base.ResolveReference(&url.URL{Path: "resources/"})
	}
	ref, err := url.Parse(resource)
	if err != nil {
		return "", fmt.Errorf("invalid resource %q: %w", resource, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// DownloadResource downloads a resource, relative to the configured base, to location.
func (m *Manager) DownloadResource(ctx context.Context, resource, location string) error {
	uri, err := m.ResourceURL(resource)
	if err != nil {
		return err
	}
	return m.Download(ctx, uri, location)
}

func (m *Manager) executeResourceScript(ctx context.Context, resource, parameters string, t execution.CommandType) error {
	m.logger.Debug().Str("resource", resource).Str("parameters", parameters).Msg("executing resource script")
	if t == execution.BatScript {
		t = execution.CMD
	}
	location := `C:\` + resourceBase(resource)
	if err := m.DownloadResource(ctx, resource, location); err != nil {
		return err
	}
	cmd := execution.NewCommand(strings.TrimSpace(fmt.Sprintf(`"%s" %s`, location, parameters)), t)
	_, err := m.exec.Run(ctx, cmd)
	return err
}

// ExecutePowerShellResourceScript downloads a PowerShell resource and runs it
// with the execution policy bypassed.
func (m *Manager) ExecutePowerShellResourceScript(ctx context.Context, resource, parameters string) error {
	return m.executeResourceScript(ctx, resource, parameters, execution.PowerShellScriptBypass)
}

// ExecuteCmdResourceScript downloads a batch resource and runs it.
func (m *Manager) ExecuteCmdResourceScript(ctx context.Context, resource, parameters string) error {
	return m.executeResourceScript(ctx, resource, parameters, execution.BatScript)
}

// GetInstallationScript downloads the Cloudbase-Init installation script.
func (m *Manager) GetInstallationScript(ctx context.Context) error {
	m.logger.Info().Msg("retrieving the Cloudbase-Init installation script")
	return m.DownloadResource(ctx, "windows/installCBinit.ps1", installScriptLocation)
}

// GitClone clones repo to location on the guest.
func (m *Manager) GitClone(ctx context.Context, repo, location string) error {
	m.logger.Info().Str("repo", repo).Str("location", location).Msg("cloning")
	git := m.cfg.Argus.GitCommand
	if git == "" {
		git = "git"
	}
	_, err := m.exec.Run(ctx, execution.Cmd(fmt.Sprintf("%s clone %s %s", git, repo, location)))
	return err
}

// SetDNSServers points every network adapter of the guest at servers.
func (m *Manager) SetDNSServers(ctx context.Context, servers []string) error {
	if len(servers) == 0 {
		return nil
	}
	quoted := make([]string, len(servers))
	for i, s := range servers {
		quoted[i] = `"` + s + `"`
	}
	m.logger.Info().Strs("servers", servers).Msg("configuring guest DNS servers")
	cmd := execution.PS(fmt.Sprintf("Get-NetAdapter | Set-DnsClientServerAddress -ServerAddresses (%s)", strings.Join(quoted, ",")))
	_, err := m.exec.Run(ctx, cmd)
	return err
}
