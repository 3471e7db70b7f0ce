package execution

import (
	"context"
	"encoding/base64"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// CommandType selects the remote shell dialect a command text is interpreted in.
type CommandType int

const (
	CMD CommandType = iota
	PowerShell
	PowerShellScriptBypass
	BatScript
)

func (t CommandType) String() string {
	switch t {
	case CMD:
		return "cmd"
	case PowerShell:
		return "powershell"
	case PowerShellScriptBypass:
		return "powershell-bypass"
	case BatScript:
		return "bat"
	default:
		return fmt.Sprintf("CommandType(%d)", int(t))
	}
}

// Command is a text payload plus the dialect it is written in.
type Command struct {
	Text string
	Type CommandType
}

// NewCommand builds a command of the given type.
func NewCommand(text string, t CommandType) Command {
	return Command{Text: text, Type: t}
}

// PS builds a PowerShell command.
func PS(text string) Command {
	return Command{Text: text, Type: PowerShell}
}

// Cmd builds a native shell command.
func Cmd(text string) Command {
	return Command{Text: text, Type: CMD}
}

func (c Command) String() string {
	return fmt.Sprintf("[%s] %s", c.Type, c.Text)
}

// Invocation translates the command into the string sent to the remote shell.
// PowerShell text is shipped as a base64 UTF-16LE -EncodedCommand so no
// quoting survives the trip through cmd.exe.
func (c Command) Invocation() string {
	switch c.Type {
	case PowerShell:
		return "powershell -NonInteractive -EncodedCommand " + encodePowerShell(c.Text)
	case PowerShellScriptBypass:
		return "powershell -NonInteractive -ExecutionPolicy Bypass -File " + c.Text
	default:
		return c.Text
	}
}

func encodePowerShell(script string) string {
	encoded, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().String(script)
	if err != nil {
		// UTF-16 can represent any valid Go string; invalid bytes were already replaced.
		encoded = script
	}
	return base64.StdEncoding.EncodeToString([]byte(encoded))
}

// CommandResult describes a completed remote command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Protocol is the remote-execution protocol boundary. Identifiers are opaque
// strings scoped to the protocol instance.
type Protocol interface {
	OpenShell(ctx context.Context) (string, error)
	RunCommand(ctx context.Context, shellID, invocation string) (string, error)
	GetCommandOutput(ctx context.Context, shellID, commandID string) (stdout, stderr string, exitCode int, err error)
	CleanupCommand(ctx context.Context, shellID, commandID string) error
	CloseShell(ctx context.Context, shellID string) error
	CopyFile(ctx context.Context, localPath, remotePath string) error
	Close() error
}

// Client runs commands on one guest. A non-zero exit is reported as *RemoteCommandError.
type Client interface {
	Run(ctx context.Context, cmd Command) (CommandResult, error)
	CopyFile(ctx context.Context, localPath, remotePath string) error
}
