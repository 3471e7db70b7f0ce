package execution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	scp "github.com/bramvdbogaerde/go-scp"
	"github.com/dtoncu/cloudbase-init-ci/internal/config"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

const (
	DEFAULT_SSH_PORT  = 22
	defaultSSHTimeout = 30 * time.Second
)

// all things SSH here

type sshCommand struct {
	session *ssh.Session
	stdout  *captureBuffer
	stderr  *captureBuffer
}

// sshProtocol maps shells onto SSH connections and commands onto SSH sessions.
type sshProtocol struct {
	inst config.Instance
	echo io.Writer

	mu       sync.Mutex
	clients  map[string]*ssh.Client
	commands map[string]*sshCommand
}

// NewSSHProtocol builds an SSH protocol client. Connections are dialed when a
// shell is opened, so a rebooting guest is reached again on the next shell.
func NewSSHProtocol(inst config.Instance, echo io.Writer) (Protocol, error) {
	if _, err := clientConfig(inst); err != nil {
		return nil, err
	}
	return &sshProtocol{
		inst:     inst,
		echo:     echo,
		clients:  map[string]*ssh.Client{},
		commands: map[string]*sshCommand{},
	}, nil
}

func (p *sshProtocol) OpenShell(ctx context.Context) (string, error) {
	client, err := connect(ctx, p.inst)
	if err != nil {
		return "", err
	}
	id := ulid.Make().String()
	p.mu.Lock()
	p.clients[id] = client
	p.mu.Unlock()
	return id, nil
}

func (p *sshProtocol) RunCommand(ctx context.Context, shellID, invocation string) (string, error) {
	if strings.TrimSpace(invocation) == "" {
		return "", errors.New("empty command")
	}
	p.mu.Lock()
	client, ok := p.clients[shellID]
	p.mu.Unlock()
	if !ok {
		return "", &TransportError{Op: "run-command", Err: fmt.Errorf("unknown shell %s", shellID)}
	}

	session, err := client.NewSession()
	if err != nil {
		return "", errors.New("error creating new session: " + err.Error())
	}

	if p.inst.UsePTY {
		modes := ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		width, height := termSize()
		if err := session.RequestPty("xterm-256color", height, width, modes); err != nil {
			session.Close()
			return "", errors.New("error requesting PTY: " + err.Error())
		}
	}

	rc := &sshCommand{session: session, stdout: newCaptureBuffer(), stderr: newCaptureBuffer()}
	session.Stdout = multiWriterFiltered(p.echo, rc.stdout)
	session.Stderr = multiWriterFiltered(p.echo, rc.stderr)
	if err := session.Start(invocation); err != nil {
		session.Close()
		return "", err
	}

	id := ulid.Make().String()
	p.mu.Lock()
	p.commands[id] = rc
	p.mu.Unlock()
	return id, nil
}

// GetCommandOutput waits for the session to finish. If the context is done, it
// sends a SIGINT to the remote process.
func (p *sshProtocol) GetCommandOutput(ctx context.Context, shellID, commandID string) (string, string, int, error) {
	p.mu.Lock()
	rc, ok := p.commands[commandID]
	p.mu.Unlock()
	if !ok {
		return "", "", -1, &TransportError{Op: "get-command-output", Err: fmt.Errorf("unknown command %s", commandID)}
	}

	resultChan := make(chan error, 1)
	go func() {
		resultChan <- rc.session.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = rc.session.Signal(ssh.SIGINT)
		return "", "", -1, ctx.Err()
	case err := <-resultChan:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return rc.stdout.String(), rc.stderr.String(), exitErr.ExitStatus(), nil
			}
			return rc.stdout.String(), rc.stderr.String(), -1, err
		}
		return rc.stdout.String(), rc.stderr.String(), 0, nil
	}
}

func (p *sshProtocol) CleanupCommand(ctx context.Context, shellID, commandID string) error {
	p.mu.Lock()
	rc, ok := p.commands[commandID]
	delete(p.commands, commandID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := rc.session.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (p *sshProtocol) CloseShell(ctx context.Context, shellID string) error {
	p.mu.Lock()
	client, ok := p.clients[shellID]
	delete(p.clients, shellID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return client.Close()
}

// CopyFile copies a local file to the guest over a dedicated connection.
func (p *sshProtocol) CopyFile(ctx context.Context, localPath, remotePath string) error {
	conn, err := connect(ctx, p.inst)
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := scp.NewClientBySSH(conn)
	if err != nil {
		return errors.New("error creating scp client: " + err.Error())
	}
	file, err := os.Open(localPath)
	if err != nil {
		return errors.New("error opening local file: " + err.Error())
	}
	defer file.Close()
	// Mode 0755 for scripts
	if err := client.CopyFile(ctx, file, remotePath, "0755"); err != nil {
		return errors.New("error uploading file: " + err.Error())
	}
	return nil
}

func (p *sshProtocol) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = map[string]*ssh.Client{}
	p.mu.Unlock()
	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func clientConfig(inst config.Instance) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if inst.KeyFile != "" {
		keyFile, err := os.ReadFile(ExpandTilde(inst.KeyFile))
		if err != nil {
			return nil, err
		}
		var key ssh.Signer
		if inst.KeyPassword != "" {
			key, err = ssh.ParsePrivateKeyWithPassphrase(keyFile, []byte(inst.KeyPassword))
		} else {
			key, err = ssh.ParsePrivateKey(keyFile)
		}
		if err != nil {
			return nil, errors.New("error reading key file: " + err.Error())
		}
		auth = append(auth, ssh.PublicKeys(key))
	}
	if inst.Password != "" {
		auth = append(auth, ssh.Password(inst.Password))
	}

	return &ssh.ClientConfig{
		User:            inst.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         inst.TimeoutDuration(defaultSSHTimeout),
	}, nil
}

func connect(ctx context.Context, inst config.Instance) (*ssh.Client, error) {
	sshConfig, err := clientConfig(inst)
	if err != nil {
		return nil, err
	}

	port := inst.Port
	if port == 0 {
		port = DEFAULT_SSH_PORT
	}
	addr := net.JoinHostPort(inst.Address, fmt.Sprint(port))

	dialer := net.Dialer{Timeout: sshConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, &AuthenticationError{Host: inst.Address, Err: err}
		}
		return nil, &TransportError{Op: "handshake", Err: err}
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// ExpandTilde expands a leading ~ to the home directory and then any
// environment variables in the path.
func ExpandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = home + path[1:]
		}
	}
	return os.ExpandEnv(path)
}

// termSize returns the terminal size
func termSize() (width, height int) {
	width, height = 80, 40
	if os.Stdout != nil {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
				return w, h
			}
		}
	}
	return width, height
}
