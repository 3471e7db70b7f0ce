package execution

import (
	"context"

	"github.com/rs/zerolog"
)

// Session owns a protocol and a lazily opened shell on one guest. It is not safe
// for concurrent use; a scenario drives its session sequentially.
type Session struct {
	protocol Protocol
	host     string
	shellID  string
	logger   zerolog.Logger
}

// NewSession wraps a protocol. The shell is opened on first use.
func NewSession(protocol Protocol, host string, logger zerolog.Logger) *Session {
	return &Session{
		protocol: protocol,
		host:     host,
		logger:   logger.With().Str("host", host).Logger(),
	}
}

// Run executes one command and returns its output. The command identifier is
// released exactly once on every path after it was issued.
func (s *Session) Run(ctx context.Context, cmd Command) (CommandResult, error) {
	shellID, err := s.shell(ctx)
	if err != nil {
		return CommandResult{ExitCode: -1}, err
	}

	s.logger.Debug().Stringer("command", cmd).Msg("dispatching command")
	commandID, err := s.protocol.RunCommand(ctx, shellID, cmd.Invocation())
	if err != nil {
		s.dropShell()
		return CommandResult{ExitCode: -1}, classify("run-command", err)
	}
	broken := false
	defer func() {
		s.release(ctx, shellID, commandID)
		if broken {
			s.dropShell()
		}
	}()

	stdout, stderr, exitCode, err := s.protocol.GetCommandOutput(ctx, shellID, commandID)
	if err != nil {
		broken = true
		return CommandResult{ExitCode: -1}, classify("get-command-output", err)
	}

	if len(stdout) >= maxCaptureBytes || len(stderr) >= maxCaptureBytes {
		s.logger.Warn().
			Stringer("command", cmd).
			Int("stdout_bytes", len(stdout)).
			Int("stderr_bytes", len(stderr)).
			Int("limit", maxCaptureBytes).
			Msg("command output reached the capture limit and was truncated")
	}

	result := CommandResult{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}
	if exitCode != 0 {
		return result, &RemoteCommandError{
			Command:  cmd.Text,
			ExitCode: exitCode,
			Stdout:   stdout,
			Stderr:   stderr,
		}
	}
	return result, nil
}

// CopyFile uploads a local file to the guest.
func (s *Session) CopyFile(ctx context.Context, localPath, remotePath string) error {
	s.logger.Debug().Str("local", localPath).Str("remote", remotePath).Msg("copying file")
	if err := s.protocol.CopyFile(ctx, localPath, remotePath); err != nil {
		return classify("copy-file", err)
	}
	return nil
}

// Close closes the shell, if open, and the underlying protocol.
func (s *Session) Close() error {
	s.dropShell()
	return s.protocol.Close()
}

func (s *Session) shell(ctx context.Context) (string, error) {
	if s.shellID != "" {
		return s.shellID, nil
	}
	id, err := s.protocol.OpenShell(ctx)
	if err != nil {
		return "", classify("open-shell", err)
	}
	s.shellID = id
	return id, nil
}

func (s *Session) release(ctx context.Context, shellID, commandID string) {
	if err := s.protocol.CleanupCommand(context.WithoutCancel(ctx), shellID, commandID); err != nil {
		s.logger.Warn().Err(err).Str("command_id", commandID).Msg("failed to clean up command")
	}
}

// dropShell forgets the current shell so the next command reopens one. The guest
// may have rebooted, so closing is best effort.
func (s *Session) dropShell() {
	if s.shellID == "" {
		return
	}
	if err := s.protocol.CloseShell(context.Background(), s.shellID); err != nil {
		s.logger.Debug().Err(err).Msg("failed to close shell")
	}
	s.shellID = ""
}
