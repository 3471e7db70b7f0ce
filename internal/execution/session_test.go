package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProtocol struct {
	openErr      error
	runErr       error
	outputErr    error
	stdout       string
	stderr       string
	exitCode     int
	copyErr      error
	shells       int
	closedShells []string
	runs         []string
	cleanups     []string
	copies       [][2]string
	closed       bool
}

func (f *fakeProtocol) OpenShell(ctx context.Context) (string, error) {
	if f.openErr != nil {
		return "", f.openErr
	}
	f.shells++
	return fmt.Sprintf("shell-%d", f.shells), nil
}

func (f *fakeProtocol) RunCommand(ctx context.Context, shellID, invocation string) (string, error) {
	f.runs = append(f.runs, invocation)
	if f.runErr != nil {
		return "", f.runErr
	}
	return fmt.Sprintf("%s/cmd-%d", shellID, len(f.runs)), nil
}

func (f *fakeProtocol) GetCommandOutput(ctx context.Context, shellID, commandID string) (string, string, int, error) {
	if f.outputErr != nil {
		return "", "", -1, f.outputErr
	}
	return f.stdout, f.stderr, f.exitCode, nil
}

func (f *fakeProtocol) CleanupCommand(ctx context.Context, shellID, commandID string) error {
	f.cleanups = append(f.cleanups, commandID)
	return nil
}

func (f *fakeProtocol) CloseShell(ctx context.Context, shellID string) error {
	f.closedShells = append(f.closedShells, shellID)
	return nil
}

func (f *fakeProtocol) CopyFile(ctx context.Context, localPath, remotePath string) error {
	f.copies = append(f.copies, [2]string{localPath, remotePath})
	return f.copyErr
}

func (f *fakeProtocol) Close() error {
	f.closed = true
	return nil
}

func newTestSession(p *fakeProtocol) *Session {
	return NewSession(p, "guest", zerolog.Nop())
}

func TestSessionRun_Success(t *testing.T) {
	p := &fakeProtocol{stdout: "True\r\n", stderr: "warning"}
	s := newTestSession(p)

	res, err := s.Run(context.Background(), Cmd("dir"))
	require.NoError(t, err)
	assert.Equal(t, CommandResult{Stdout: "True\r\n", Stderr: "warning", ExitCode: 0}, res)
	assert.Equal(t, []string{"dir"}, p.runs)
	assert.Equal(t, []string{"shell-1/cmd-1"}, p.cleanups)
}

func TestSessionRun_ReusesShell(t *testing.T) {
	p := &fakeProtocol{}
	s := newTestSession(p)

	for range 3 {
		_, err := s.Run(context.Background(), Cmd("ver"))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, p.shells)
	assert.Len(t, p.cleanups, 3)
}

func TestSessionRun_WarnsOnTruncatedOutput(t *testing.T) {
	capture := newCaptureBuffer()
	_, err := capture.Write(bytes.Repeat([]byte("x"), maxCaptureBytes+10))
	require.NoError(t, err)

	var buf bytes.Buffer
	p := &fakeProtocol{stdout: capture.String(), stderr: "tail"}
	s := NewSession(p, "guest", zerolog.New(&buf))

	res, err := s.Run(context.Background(), Cmd("type big.log"))
	require.NoError(t, err)
	assert.Len(t, res.Stdout, maxCaptureBytes)
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "type big.log")
	assert.Contains(t, buf.String(), `"stdout_bytes":4194304`)
	assert.Contains(t, buf.String(), "capture limit")

	buf.Reset()
	p.stdout = "small"
	_, err = s.Run(context.Background(), Cmd("ver"))
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "capture limit")
}

func TestSessionRun_NonZeroExit(t *testing.T) {
	p := &fakeProtocol{stdout: "out", stderr: "boom", exitCode: 2}
	s := newTestSession(p)

	res, err := s.Run(context.Background(), PS("exit 2"))
	var rce *RemoteCommandError
	require.ErrorAs(t, err, &rce)
	assert.Equal(t, "exit 2", rce.Command)
	assert.Equal(t, 2, rce.ExitCode)
	assert.Equal(t, "out", rce.Stdout)
	assert.Equal(t, "boom", rce.Stderr)
	assert.Equal(t, 2, res.ExitCode)
	assert.Len(t, p.cleanups, 1)
}

func TestSessionRun_OutputFailureStillCleansUp(t *testing.T) {
	p := &fakeProtocol{outputErr: errors.New("connection reset")}
	s := newTestSession(p)

	_, err := s.Run(context.Background(), Cmd("dir"))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "get-command-output", te.Op)
	assert.Equal(t, []string{"shell-1/cmd-1"}, p.cleanups)
	// the shell is dropped after cleanup so the next command reopens one
	assert.Equal(t, []string{"shell-1"}, p.closedShells)

	p.outputErr = nil
	_, err = s.Run(context.Background(), Cmd("dir"))
	require.NoError(t, err)
	assert.Equal(t, 2, p.shells)
}

func TestSessionRun_RunFailureSkipsCleanup(t *testing.T) {
	p := &fakeProtocol{runErr: errors.New("refused")}
	s := newTestSession(p)

	_, err := s.Run(context.Background(), Cmd("dir"))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "run-command", te.Op)
	assert.Empty(t, p.cleanups)
}

func TestSessionRun_AuthenticationErrorKeepsType(t *testing.T) {
	p := &fakeProtocol{openErr: &AuthenticationError{Host: "guest", Err: errors.New("401")}}
	s := newTestSession(p)

	_, err := s.Run(context.Background(), Cmd("dir"))
	var ae *AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Empty(t, p.runs)
}

func TestSessionCopyFileAndClose(t *testing.T) {
	p := &fakeProtocol{}
	s := newTestSession(p)

	require.NoError(t, s.CopyFile(context.Background(), "a.ps1", `C:\a.ps1`))
	assert.Equal(t, [][2]string{{"a.ps1", `C:\a.ps1`}}, p.copies)

	p.copyErr = errors.New("disk full")
	var te *TransportError
	require.ErrorAs(t, s.CopyFile(context.Background(), "b", "c"), &te)

	_, err := s.Run(context.Background(), Cmd("ver"))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.True(t, p.closed)
	assert.Equal(t, []string{"shell-1"}, p.closedShells)
}
