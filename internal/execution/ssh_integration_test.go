//go:build integration

package execution

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/dtoncu/cloudbase-init-ci/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The target is an SSH server with a POSIX shell, e.g.
//
//	ARGUS_IT_SSH_ADDRESS=localhost ARGUS_IT_SSH_PORT=2222 ARGUS_IT_SSH_USER=testuser \
//	ARGUS_IT_SSH_KEY=./testdata/ssh/test_key go test -tags integration ./internal/execution/
const commandTimeout = 10 * time.Second

func integrationInstance(t *testing.T) config.Instance {
	t.Helper()
	addr := os.Getenv("ARGUS_IT_SSH_ADDRESS")
	if addr == "" {
		t.Skip("ARGUS_IT_SSH_ADDRESS not set")
	}
	port, _ := strconv.Atoi(os.Getenv("ARGUS_IT_SSH_PORT"))
	return config.Instance{
		Address:   addr,
		Port:      port,
		Transport: config.TransportSSH,
		Username:  os.Getenv("ARGUS_IT_SSH_USER"),
		Password:  os.Getenv("ARGUS_IT_SSH_PASSWORD"),
		KeyFile:   os.Getenv("ARGUS_IT_SSH_KEY"),
	}
}

func openIntegrationSession(t *testing.T, inst config.Instance) *Session {
	t.Helper()
	s, err := OpenSession("it", inst, zerolog.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSSHSessionRunCommands(t *testing.T) {
	inst := integrationInstance(t)
	s := openIntegrationSession(t, inst)

	tests := []struct {
		name     string
		command  string
		contains string
	}{
		{name: "echo", command: "echo 'hello world'", contains: "hello world"},
		{name: "whoami", command: "whoami", contains: inst.Username},
		{name: "pwd", command: "pwd", contains: "/"},
		{name: "date", command: "date +%Y", contains: "20"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()

			res, err := s.Run(ctx, Cmd(tt.command))
			require.NoError(t, err)
			assert.Contains(t, res.Stdout, tt.contains)
		})
	}
}

func TestSSHSessionNonZeroExit(t *testing.T) {
	s := openIntegrationSession(t, integrationInstance(t))

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	res, err := s.Run(ctx, Cmd("echo 'error message' >&2; exit 3"))
	var remote *RemoteCommandError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, 3, remote.ExitCode)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Stderr, "error message")
}

func TestSSHSessionContextCancellation(t *testing.T) {
	s := openIntegrationSession(t, integrationInstance(t))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.Run(ctx, Cmd("sleep 10"))
	require.Error(t, err)

	// the session reopens its shell for the next command
	ctx2, cancel2 := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel2()
	res, err := s.Run(ctx2, Cmd("echo again"))
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "again")
}

func TestSSHSessionCopyFile(t *testing.T) {
	s := openIntegrationSession(t, integrationInstance(t))

	local, err := os.CreateTemp(t.TempDir(), "payload")
	require.NoError(t, err)
	_, err = local.WriteString("argus payload\n")
	require.NoError(t, err)
	require.NoError(t, local.Close())

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	remote := "/tmp/argus-it-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	require.NoError(t, s.CopyFile(ctx, local.Name(), remote))
	res, err := s.Run(ctx, Cmd("cat "+remote+" && rm -f "+remote))
	require.NoError(t, err)
	assert.Equal(t, "argus payload", strings.TrimSpace(res.Stdout))
}

func TestSSHSessionBadCredentials(t *testing.T) {
	inst := integrationInstance(t)
	inst.KeyFile = ""
	inst.Password = "definitely-not-the-password"
	s := openIntegrationSession(t, inst)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	_, err := s.Run(ctx, Cmd("true"))
	var auth *AuthenticationError
	assert.True(t, errors.As(err, &auth), "got %v", err)
}
