package actions

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/dtoncu/cloudbase-init-ci/internal/execution"
)

// Nano Server lacks Invoke-WebRequest, so downloads go through a staged helper.
const (
	nanoResourceDir    = `C:\nano_server`
	nanoDownloadScript = "FastWebRequest.ps1"
	nanoCommonModule   = "common.psm1"
)

var errNoNanoResources = errors.New("argus.nano_resources must be set for Nano Server guests")

func prepareNano(ctx context.Context, m *Manager) error {
	local := m.cfg.Argus.NanoResources
	if local == "" {
		return errNoNanoResources
	}

	isDir, err := m.IsDir(ctx, nanoResourceDir)
	if err != nil {
		return err
	}
	if !isDir {
		if err := m.Mkdir(ctx, nanoResourceDir); err != nil {
			return err
		}
	}

	for _, name := range []string{nanoCommonModule, nanoDownloadScript} {
		m.logger.Info().Str("file", name).Msg("copying Nano Server helper")
		if err := m.exec.CopyFile(ctx, filepath.Join(local, name), winJoin(nanoResourceDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func downloadNano(ctx context.Context, m *Manager, uri, location string) error {
	script := winJoin(nanoResourceDir, nanoDownloadScript)
	cmd := execution.PS(fmt.Sprintf("%s -Uri %s -OutFile '%s'", script, uri, location))
	_, err := m.exec.Run(ctx, cmd)
	return err
}
