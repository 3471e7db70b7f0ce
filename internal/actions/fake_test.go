package actions

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/dtoncu/cloudbase-init-ci/internal/config"
	"github.com/dtoncu/cloudbase-init-ci/internal/execution"
	"github.com/dtoncu/cloudbase-init-ci/internal/retry"
	"github.com/rs/zerolog"
)

type reply struct {
	stdout string
	err    error
}

var (
	testPathRe   = regexp.MustCompile(`^Test-Path -PathType (\w+) -Path "(.*)"$`)
	newItemRe    = regexp.MustCompile(`^New-Item -Path '(.*)' -Type (\w+) -Force$`)
	removeItemRe = regexp.MustCompile(`^Remove-Item -Force (?:-Recurse )?-Path '(.*)'$`)
)

// fakeGuest emulates a tiny Windows filesystem and answers scripted commands.
type fakeGuest struct {
	files   map[string]bool
	dirs    map[string]bool
	replies map[string][]reply
	seen    map[string]int
	effects map[string]func()
	calls   []execution.Command
	copies  [][2]string
}

func newFakeGuest() *fakeGuest {
	return &fakeGuest{
		files:   map[string]bool{},
		dirs:    map[string]bool{},
		replies: map[string][]reply{},
		seen:    map[string]int{},
		effects: map[string]func(){},
	}
}

// on scripts the replies for an exact command text; the last one repeats.
func (g *fakeGuest) on(text string, replies ...reply) {
	g.replies[text] = replies
}

func (g *fakeGuest) Run(ctx context.Context, cmd execution.Command) (execution.CommandResult, error) {
	g.calls = append(g.calls, cmd)
	if effect, ok := g.effects[cmd.Text]; ok {
		effect()
	}
	if rs, ok := g.replies[cmd.Text]; ok {
		r := rs[min(g.seen[cmd.Text], len(rs)-1)]
		g.seen[cmd.Text]++
		if r.err != nil {
			return execution.CommandResult{ExitCode: 1}, r.err
		}
		return execution.CommandResult{Stdout: r.stdout}, nil
	}

	if m := testPathRe.FindStringSubmatch(cmd.Text); m != nil {
		var found bool
		switch m[1] {
		case PathLeaf:
			found = g.files[m[2]]
		case PathContainer:
			found = g.dirs[m[2]]
		default:
			found = g.files[m[2]] || g.dirs[m[2]]
		}
		if found {
			return execution.CommandResult{Stdout: "True\r\n"}, nil
		}
		return execution.CommandResult{Stdout: "False\r\n"}, nil
	}
	if m := newItemRe.FindStringSubmatch(cmd.Text); m != nil {
		if m[2] == itemDirectory {
			g.dirs[m[1]] = true
		} else {
			g.files[m[1]] = true
		}
		return execution.CommandResult{}, nil
	}
	if m := removeItemRe.FindStringSubmatch(cmd.Text); m != nil {
		delete(g.files, m[1])
		delete(g.dirs, m[1])
		return execution.CommandResult{}, nil
	}
	return execution.CommandResult{}, nil
}

func (g *fakeGuest) CopyFile(ctx context.Context, localPath, remotePath string) error {
	g.copies = append(g.copies, [2]string{localPath, remotePath})
	return nil
}

func (g *fakeGuest) count(prefix string) int {
	n := 0
	for _, c := range g.calls {
		if strings.HasPrefix(c.Text, prefix) {
			n++
		}
	}
	return n
}

func (g *fakeGuest) has(cmd execution.Command) bool {
	for _, c := range g.calls {
		if c == cmd {
			return true
		}
	}
	return false
}

func noSleep(context.Context, time.Duration) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		Argus: config.Argus{
			Resources:  "https://example.com/argus/resources/",
			Build:      "Beta",
			Arch:       "x64",
			RetryCount: 2,
		},
		OpenStack: config.OpenStack{ImageUsername: "administrator"},
	}
}

func newTestManager(g *fakeGuest, osType OSType) *Manager {
	exec := retry.NewExecutor(g, retry.Policy{MaxAttempts: 3, Delay: time.Second}, retry.WithSleeper(noSleep))
	return NewManager(exec, testConfig(), osType, zerolog.Nop())
}
