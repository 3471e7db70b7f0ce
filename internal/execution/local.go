package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/creack/pty"
	"github.com/oklog/ulid/v2"
)

type localCommand struct {
	cmd    *exec.Cmd
	stdout *captureBuffer
	stderr *captureBuffer
	ptmx   *os.File
	copied sync.WaitGroup
}

// localProtocol runs invocations on this machine. It backs dry runs and tests
// against a workstation; the shell handle is only a bookkeeping id.
type localProtocol struct {
	usePTY bool
	echo   io.Writer

	mu       sync.Mutex
	commands map[string]*localCommand
}

// NewLocalProtocol creates a protocol that executes commands locally.
func NewLocalProtocol(usePTY bool, echo io.Writer) Protocol {
	return &localProtocol{usePTY: usePTY, echo: echo, commands: map[string]*localCommand{}}
}

func (p *localProtocol) OpenShell(ctx context.Context) (string, error) {
	return ulid.Make().String(), nil
}

func (p *localProtocol) RunCommand(ctx context.Context, shellID, invocation string) (string, error) {
	if strings.TrimSpace(invocation) == "" {
		return "", errors.New("empty command")
	}

	cmd := shellCommand(ctx, invocation)
	rc := &localCommand{cmd: cmd, stdout: newCaptureBuffer(), stderr: newCaptureBuffer()}

	var err error
	if p.usePTY {
		err = p.startWithPTY(rc)
	} else {
		err = p.startPiped(rc)
	}
	if err != nil {
		return "", err
	}

	id := ulid.Make().String()
	p.mu.Lock()
	p.commands[id] = rc
	p.mu.Unlock()
	return id, nil
}

func (p *localProtocol) startPiped(rc *localCommand) error {
	stdoutPipe, err := rc.cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderrPipe, err := rc.cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := rc.cmd.Start(); err != nil {
		return err
	}
	stdoutDest := multiWriterFiltered(p.echo, rc.stdout)
	stderrDest := multiWriterFiltered(p.echo, rc.stderr)
	rc.copied.Go(func() { _, _ = io.Copy(stdoutDest, stdoutPipe) })
	rc.copied.Go(func() { _, _ = io.Copy(stderrDest, stderrPipe) })
	return nil
}

// startWithPTY merges both streams into stdout, as a terminal would.
func (p *localProtocol) startWithPTY(rc *localCommand) error {
	ptmx, err := pty.Start(rc.cmd)
	if err != nil {
		return err
	}
	if os.Stdout != nil {
		_ = pty.InheritSize(os.Stdout, ptmx)
	}
	rc.ptmx = ptmx
	combinedDest := multiWriterFiltered(p.echo, rc.stdout)
	rc.copied.Go(func() { _, _ = io.Copy(combinedDest, ptmx) })
	return nil
}

func (p *localProtocol) GetCommandOutput(ctx context.Context, shellID, commandID string) (string, string, int, error) {
	p.mu.Lock()
	rc, ok := p.commands[commandID]
	p.mu.Unlock()
	if !ok {
		return "", "", -1, &TransportError{Op: "get-command-output", Err: fmt.Errorf("unknown command %s", commandID)}
	}

	var err error
	if rc.ptmx != nil {
		// the pty copy only ends once the child exited and the master is drained
		err = rc.cmd.Wait()
		rc.copied.Wait()
	} else {
		rc.copied.Wait()
		err = rc.cmd.Wait()
	}

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return rc.stdout.String(), rc.stderr.String(), -1, err
		}
		exitCode = exitError.ExitCode()
	}
	return rc.stdout.String(), rc.stderr.String(), exitCode, nil
}

func (p *localProtocol) CleanupCommand(ctx context.Context, shellID, commandID string) error {
	p.mu.Lock()
	rc, ok := p.commands[commandID]
	delete(p.commands, commandID)
	p.mu.Unlock()
	if !ok || rc.ptmx == nil {
		return nil
	}
	return rc.ptmx.Close()
}

func (p *localProtocol) CloseShell(ctx context.Context, shellID string) error {
	return nil
}

// CopyFile copies a file locally (local to local)
func (p *localProtocol) CopyFile(ctx context.Context, localPath, remotePath string) error {
	if err := os.MkdirAll(filepath.Dir(remotePath), 0755); err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("error opening local file: %w", err)
	}
	defer src.Close()
	dst, err := os.OpenFile(remotePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// Close closes the local protocol (no-op for local execution)
func (p *localProtocol) Close() error {
	return nil
}

func shellCommand(ctx context.Context, invocation string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", invocation)
	}
	return exec.CommandContext(ctx, "sh", "-c", invocation)
}
