package execution

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dtoncu/cloudbase-init-ci/internal/config"
	"github.com/masterzen/winrm"
	"github.com/oklog/ulid/v2"
)

const (
	DEFAULT_WINRM_PORT       = 5985
	DEFAULT_WINRM_HTTPS_PORT = 5986
	defaultWinRMTimeout      = 60 * time.Second
	// raw bytes per copy-file chunk; the encoded command must stay under the
	// cmd.exe command line limit
	copyChunkSize = 1500
)

type winrmCommand struct {
	cmd     *winrm.Command
	stdout  *captureBuffer
	stderr  *captureBuffer
	wg      sync.WaitGroup
	readErr error // first stream error; the library closes both streams with it
}

type winrmProtocol struct {
	client *winrm.Client
	host   string
	echo   io.Writer

	mu       sync.Mutex
	shells   map[string]*winrm.Shell
	commands map[string]*winrmCommand
}

// NewWinRMProtocol builds a WinRM protocol client for the instance. Password
// auth is used unless a client certificate pair is configured.
func NewWinRMProtocol(inst config.Instance, echo io.Writer) (Protocol, error) {
	port := inst.Port
	if port == 0 {
		port = DEFAULT_WINRM_PORT
		if inst.HTTPS {
			port = DEFAULT_WINRM_HTTPS_PORT
		}
	}

	var cert, key []byte
	params := *winrm.DefaultParameters
	if inst.CertPEM != "" {
		var err error
		if cert, err = os.ReadFile(ExpandTilde(inst.CertPEM)); err != nil {
			return nil, fmt.Errorf("error reading client certificate: %w", err)
		}
		if key, err = os.ReadFile(ExpandTilde(inst.CertKey)); err != nil {
			return nil, fmt.Errorf("error reading client key: %w", err)
		}
		params.TransportDecorator = func() winrm.Transporter { return &winrm.ClientAuthRequest{} }
	}

	endpoint := winrm.NewEndpoint(inst.Address, port, inst.HTTPS, inst.Insecure, nil, cert, key, inst.TimeoutDuration(defaultWinRMTimeout))
	client, err := winrm.NewClientWithParameters(endpoint, inst.Username, inst.Password, &params)
	if err != nil {
		return nil, fmt.Errorf("error creating winrm client: %w", err)
	}
	return &winrmProtocol{
		client:   client,
		host:     inst.Address,
		echo:     echo,
		shells:   map[string]*winrm.Shell{},
		commands: map[string]*winrmCommand{},
	}, nil
}

func (p *winrmProtocol) OpenShell(ctx context.Context) (string, error) {
	shell, err := p.client.CreateShell()
	if err != nil {
		return "", p.wrap("open-shell", err)
	}
	id := ulid.Make().String()
	p.mu.Lock()
	p.shells[id] = shell
	p.mu.Unlock()
	return id, nil
}

func (p *winrmProtocol) RunCommand(ctx context.Context, shellID, invocation string) (string, error) {
	p.mu.Lock()
	shell, ok := p.shells[shellID]
	p.mu.Unlock()
	if !ok {
		return "", &TransportError{Op: "run-command", Err: fmt.Errorf("unknown shell %s", shellID)}
	}

	cmd, err := shell.ExecuteWithContext(ctx, invocation)
	if err != nil {
		return "", p.wrap("run-command", err)
	}
	rc := &winrmCommand{cmd: cmd, stdout: newCaptureBuffer(), stderr: newCaptureBuffer()}
	stdoutDest := multiWriterFiltered(p.echo, rc.stdout)
	stderrDest := multiWriterFiltered(p.echo, rc.stderr)
	rc.wg.Go(func() {
		if _, err := io.Copy(stdoutDest, cmd.Stdout); err != nil {
			rc.readErr = err
		}
	})
	rc.wg.Go(func() {
		_, _ = io.Copy(stderrDest, cmd.Stderr)
	})

	id := ulid.Make().String()
	p.mu.Lock()
	p.commands[id] = rc
	p.mu.Unlock()
	return id, nil
}

func (p *winrmProtocol) GetCommandOutput(ctx context.Context, shellID, commandID string) (string, string, int, error) {
	p.mu.Lock()
	rc, ok := p.commands[commandID]
	p.mu.Unlock()
	if !ok {
		return "", "", -1, &TransportError{Op: "get-command-output", Err: fmt.Errorf("unknown command %s", commandID)}
	}

	done := make(chan struct{})
	go func() {
		rc.cmd.Wait()
		rc.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return "", "", -1, ctx.Err()
	case <-done:
	}

	if err := rc.readErr; err != nil {
		return rc.stdout.String(), rc.stderr.String(), -1, p.wrap("get-command-output", err)
	}
	return rc.stdout.String(), rc.stderr.String(), rc.cmd.ExitCode(), nil
}

func (p *winrmProtocol) CleanupCommand(ctx context.Context, shellID, commandID string) error {
	p.mu.Lock()
	rc, ok := p.commands[commandID]
	delete(p.commands, commandID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return rc.cmd.Close()
}

func (p *winrmProtocol) CloseShell(ctx context.Context, shellID string) error {
	p.mu.Lock()
	shell, ok := p.shells[shellID]
	delete(p.shells, shellID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return shell.Close()
}

// CopyFile streams the file through PowerShell in base64 chunks appended to the
// destination, which is truncated first.
func (p *winrmProtocol) CopyFile(ctx context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("error opening local file: %w", err)
	}

	shell, err := p.client.CreateShell()
	if err != nil {
		return p.wrap("copy-file", err)
	}
	defer shell.Close()

	for _, script := range copyScripts(data, remotePath) {
		if err := p.runInShell(ctx, shell, PS(script).Invocation()); err != nil {
			return fmt.Errorf("error uploading file: %w", err)
		}
	}
	return nil
}

// copyScripts returns the PowerShell scripts that recreate data at remotePath:
// one truncating the destination, then one append per chunk.
func copyScripts(data []byte, remotePath string) []string {
	scripts := []string{
		fmt.Sprintf("New-Item -ItemType File -Force -Path '%s' | Out-Null", remotePath),
	}
	for start := 0; start < len(data); start += copyChunkSize {
		end := min(start+copyChunkSize, len(data))
		chunk := base64.StdEncoding.EncodeToString(data[start:end])
		scripts = append(scripts, fmt.Sprintf(
			"$b = [System.Convert]::FromBase64String('%s'); "+
				"$f = [System.IO.File]::Open('%s', [System.IO.FileMode]::Append); "+
				"$f.Write($b, 0, $b.Length); $f.Close()",
			chunk, remotePath))
	}
	return scripts
}

func (p *winrmProtocol) runInShell(ctx context.Context, shell *winrm.Shell, invocation string) error {
	cmd, err := shell.ExecuteWithContext(ctx, invocation)
	if err != nil {
		return p.wrap("copy-file", err)
	}
	defer cmd.Close()
	stderr := newCaptureBuffer()
	var readErr error
	var wg sync.WaitGroup
	wg.Go(func() { _, readErr = io.Copy(io.Discard, cmd.Stdout) })
	wg.Go(func() { _, _ = io.Copy(stderr, cmd.Stderr) })
	cmd.Wait()
	wg.Wait()
	if readErr != nil {
		return p.wrap("copy-file", readErr)
	}
	if code := cmd.ExitCode(); code != 0 {
		return &RemoteCommandError{Command: "copy-file chunk", ExitCode: code, Stderr: stderr.String()}
	}
	return nil
}

func (p *winrmProtocol) Close() error {
	p.mu.Lock()
	shells := p.shells
	p.shells = map[string]*winrm.Shell{}
	p.mu.Unlock()
	var errs []error
	for _, shell := range shells {
		if err := shell.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// winrmStatusUnauthorized prefixes the error the library returns for an HTTP 401.
const winrmStatusUnauthorized = "http response error: 401 "

func (p *winrmProtocol) wrap(op string, err error) error {
	return classifyWinRM(p.host, op, err)
}

// classifyWinRM maps winrm library failures onto the channel error taxonomy.
// The library reports HTTP status failures only as text.
func classifyWinRM(host, op string, err error) error {
	if strings.Contains(err.Error(), winrmStatusUnauthorized) {
		return &AuthenticationError{Host: host, Err: err}
	}
	return &TransportError{Op: op, Err: err}
}
