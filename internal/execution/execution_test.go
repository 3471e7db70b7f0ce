package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"

	"github.com/dtoncu/cloudbase-init-ci/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandInvocation(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want string
	}{
		{
			name: "cmd passes through",
			cmd:  Cmd(`git clone https://x/y C:\y`),
			want: `git clone https://x/y C:\y`,
		},
		{
			name: "bat passes through",
			cmd:  NewCommand(`"C:\schedule_installer.bat" -installer a.msi`, BatScript),
			want: `"C:\schedule_installer.bat" -installer a.msi`,
		},
		{
			name: "powershell is encoded as utf16le base64",
			cmd:  PS(`Write-Output "hi"`),
			want: "powershell -NonInteractive -EncodedCommand VwByAGkAdABlAC0ATwB1AHQAcAB1AHQAIAAiAGgAaQAiAA==",
		},
		{
			name: "bypass runs a file",
			cmd:  NewCommand(`C:\sysprep.ps1`, PowerShellScriptBypass),
			want: `powershell -NonInteractive -ExecutionPolicy Bypass -File C:\sysprep.ps1`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cmd.Invocation())
		})
	}
}

func TestCommandTypeString(t *testing.T) {
	assert.Equal(t, "powershell-bypass", PowerShellScriptBypass.String())
	assert.Equal(t, "CommandType(9)", CommandType(9).String())
	assert.Equal(t, "[cmd] dir", Cmd("dir").String())
}

func TestIsConnectivityError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport", &TransportError{Op: "run-command", Err: errors.New("x")}, true},
		{"auth", &AuthenticationError{Host: "h", Err: errors.New("401")}, true},
		{"net op", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), true},
		{"eof", io.EOF, true},
		{"remote exit", &RemoteCommandError{Command: "x", ExitCode: 1}, false},
		{"plain", errors.New("malformed"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectivityError(tt.err))
		})
	}
}

func TestClassifyKeepsTypedErrors(t *testing.T) {
	auth := &AuthenticationError{Host: "h", Err: errors.New("denied")}
	assert.Same(t, auth, classify("x", auth))

	wrapped := classify("open-shell", errors.New("boom"))
	var te *TransportError
	require.ErrorAs(t, wrapped, &te)
	assert.Equal(t, "open-shell", te.Op)
	assert.EqualError(t, wrapped, "transport error during open-shell: boom")
}

func TestCaptureBufferTruncates(t *testing.T) {
	c := &captureBuffer{limit: 4}
	n, err := c.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "abcd", c.String())

	n, err = c.Write([]byte("gh"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "abcd", c.String())
}

func TestMultiWriterFiltered(t *testing.T) {
	c := newCaptureBuffer()
	var nilCapture *captureBuffer
	w := multiWriterFiltered(nil, c, c, nilCapture)
	_, _ = w.Write([]byte("x"))
	assert.Equal(t, "x", c.String())
	assert.Equal(t, io.Discard, multiWriterFiltered(nil))
}

func TestLocalProtocolRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	s, err := OpenSession("here", config.Instance{Transport: config.TransportLocal}, zerolog.Nop(), nil)
	require.NoError(t, err)
	defer s.Close()

	res, err := s.Run(context.Background(), Cmd("echo out; echo err 1>&2"))
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)

	_, err = s.Run(context.Background(), Cmd("echo nope; exit 3"))
	var rce *RemoteCommandError
	require.ErrorAs(t, err, &rce)
	assert.Equal(t, 3, rce.ExitCode)
	assert.Equal(t, "nope\n", rce.Stdout)
}

func TestLocalProtocolPTY(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	p := NewLocalProtocol(true, nil)
	id, err := p.RunCommand(context.Background(), "shell", "printf tty")
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	stdout, _, code, err := p.GetCommandOutput(context.Background(), "shell", id)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "tty")
	require.NoError(t, p.CleanupCommand(context.Background(), "shell", id))
}

func TestLocalProtocolCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.ps1")
	require.NoError(t, os.WriteFile(src, []byte("Write-Host 1"), 0o644))

	p := NewLocalProtocol(false, nil)
	dst := filepath.Join(dir, "nested", "dst.ps1")
	require.NoError(t, p.CopyFile(context.Background(), src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "Write-Host 1", string(data))
}

func TestNewProtocolUnknownTransport(t *testing.T) {
	_, err := NewProtocol(config.Instance{Transport: "telnet"}, nil)
	assert.EqualError(t, err, `unknown transport "telnet"`)
}

func TestNewSSHProtocolMissingKey(t *testing.T) {
	_, err := NewSSHProtocol(config.Instance{
		Transport: config.TransportSSH,
		Address:   "10.0.0.1",
		KeyFile:   filepath.Join(t.TempDir(), "missing"),
	}, nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
