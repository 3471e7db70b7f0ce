package actions

import (
	"context"
	"fmt"

	"github.com/dtoncu/cloudbase-init-ci/internal/execution"
)

const (
	PathAny       = "Any"
	PathLeaf      = "Leaf"
	PathContainer = "Container"

	itemDirectory = "Directory"
	itemFile      = "File"
)

func (m *Manager) exists(ctx context.Context, path, pathType string) (bool, error) {
	cmd := execution.PS(fmt.Sprintf(`Test-Path -PathType %s -Path "%s"`, pathType, path))
	res, err := m.exec.Run(ctx, cmd)
	if err != nil {
		return false, err
	}
	return ParseBool(res.Stdout)
}

// Exists reports whether path exists on the guest.
func (m *Manager) Exists(ctx context.Context, path string) (bool, error) {
	return m.exists(ctx, path, PathAny)
}

// IsFile reports whether path exists and is a file.
func (m *Manager) IsFile(ctx context.Context, path string) (bool, error) {
	return m.exists(ctx, path, PathLeaf)
}

// IsDir reports whether path exists and is a directory.
func (m *Manager) IsDir(ctx context.Context, path string) (bool, error) {
	return m.exists(ctx, path, PathContainer)
}

func (m *Manager) newItem(ctx context.Context, path, itemType string) error {
	cmd := execution.PS(fmt.Sprintf("New-Item -Path '%s' -Type %s -Force", path, itemType))
	_, err := m.exec.Run(ctx, cmd)
	return err
}

// Mkdir creates a directory. It fails if anything already exists at path.
func (m *Manager) Mkdir(ctx context.Context, path string) error {
	exists, err := m.Exists(ctx, path)
	if err != nil {
		return err
	}
	if exists {
		return &InvariantError{Op: "mkdir", Path: path, Reason: "already exists"}
	}
	return m.newItem(ctx, path, itemDirectory)
}

// Mkfile creates an empty file. An existing file only gets its timestamps
// updated; a directory at path is an error.
func (m *Manager) Mkfile(ctx context.Context, path string) error {
	isFile, err := m.IsFile(ctx, path)
	if err != nil {
		return err
	}
	if isFile {
		m.logger.Warn().Str("path", path).Msg("file already exists, LastWriteTime and LastAccessTime will be updated")
		_, err := m.exec.Run(ctx, execution.PS(fmt.Sprintf("echo $null >> '%s'", path)))
		return err
	}

	isDir, err := m.IsDir(ctx, path)
	if err != nil {
		return err
	}
	if isDir {
		return &InvariantError{Op: "mkfile", Path: path, Reason: "leads to a directory"}
	}
	return m.newItem(ctx, path, itemFile)
}

// Touch updates the timestamps of a directory, or behaves like Mkfile otherwise.
func (m *Manager) Touch(ctx context.Context, path string) error {
	isDir, err := m.IsDir(ctx, path)
	if err != nil {
		return err
	}
	if !isDir {
		return m.Mkfile(ctx, path)
	}
	cmd := execution.PS(fmt.Sprintf("$datetime = get-date;"+
		"$dir = Get-Item '%s';"+
		"$dir.LastWriteTime = $datetime;"+
		"$dir.LastAccessTime = $datetime;", path))
	_, err = m.exec.Run(ctx, cmd)
	return err
}

// checkType fails unless path exists and matches pathType.
func (m *Manager) checkType(ctx context.Context, op, path, pathType string) error {
	exists, err := m.Exists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		return &InvariantError{Op: op, Path: path, Reason: "does not exist"}
	}
	ok, err := m.exists(ctx, path, pathType)
	if err != nil {
		return err
	}
	if !ok {
		return &InvariantError{Op: op, Path: path, Reason: "has the wrong type"}
	}
	return nil
}

// Remove deletes a file.
func (m *Manager) Remove(ctx context.Context, path string) error {
	if err := m.checkType(ctx, "remove", path, PathLeaf); err != nil {
		return err
	}
	m.logger.Debug().Str("path", path).Msg("removing file")
	_, err := m.exec.Run(ctx, execution.PS(fmt.Sprintf("Remove-Item -Force -Path '%s'", path)))
	return err
}

// Rmdir deletes a directory recursively.
func (m *Manager) Rmdir(ctx context.Context, path string) error {
	if err := m.checkType(ctx, "rmdir", path, PathContainer); err != nil {
		return err
	}
	m.logger.Debug().Str("path", path).Msg("removing directory")
	_, err := m.exec.Run(ctx, execution.PS(fmt.Sprintf("Remove-Item -Force -Recurse -Path '%s'", path)))
	return err
}
