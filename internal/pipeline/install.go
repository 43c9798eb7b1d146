package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/iambrandonn/pepper/internal/procattr"
	"github.com/iambrandonn/pepper/internal/progress"
	"github.com/iambrandonn/pepper/internal/registry"
	"github.com/iambrandonn/pepper/internal/secrets"
)

// DefaultInstallTimeout bounds each install command
const DefaultInstallTimeout = 60 * time.Second

const installErrorMax = 200

var errInstallStopped = errors.New("install stopped by user")

var (
	installLinePattern  = regexp.MustCompile(`(?i)^\s*install_command:[ \t]*(.+)`)
	trailingMarkup      = regexp.MustCompile("[*_`]+$")
	leadingAgentCommand = regexp.MustCompile(`^claude\b`)
)

// InstallCommands extracts every "install_command: <cmd>" line from memory
// content. Trailing markdown emphasis is stripped and a leading bare
// "claude" is replaced with agentCommand.
func InstallCommands(content, agentCommand string) []string {
	var cmds []string
	for _, line := range strings.Split(content, "\n") {
		m := installLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		cmd := strings.TrimSpace(m[1])
		cmd = strings.TrimSpace(trailingMarkup.ReplaceAllString(cmd, ""))
		if agentCommand != "" {
			cmd = leadingAgentCommand.ReplaceAllLiteralString(cmd, agentCommand)
		}
		if cmd != "" {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

// Installer runs the install commands documented in freshly authored
// memories through the shell. Failures are reported and never returned.
type Installer struct {
	agentCommand string
	timeout      time.Duration
	registry     *registry.Registry
	logger       *slog.Logger
	environ      func() []string
}

// NewInstaller creates an installer. timeout <= 0 uses DefaultInstallTimeout.
// reg may be nil, in which case install commands can only be stopped by
// cancelling the context.
func NewInstaller(agentCommand string, timeout time.Duration, reg *registry.Registry, logger *slog.Logger) *Installer {
	if timeout <= 0 {
		timeout = DefaultInstallTimeout
	}
	return &Installer{
		agentCommand: agentCommand,
		timeout:      timeout,
		registry:     reg,
		logger:       logger,
		environ:      os.Environ,
	}
}

// Install runs each install command in content in order. Commands run under
// key in the registry; killing it stops the current command and skips the
// rest.
func (i *Installer) Install(ctx context.Context, key, content string, sink progress.Sink) {
	for _, cmd := range InstallCommands(content, i.agentCommand) {
		if ctx.Err() != nil {
			return
		}
		sink.Emit(progress.EventToolInstall, map[string]any{
			"message": "Installing: " + cmd,
			"command": cmd,
			"status":  "installing",
		})

		err := i.run(ctx, key, cmd)
		if errors.Is(err, errInstallStopped) {
			i.logger.Info("install stopped", "key", key, "command", cmd)
			sink.Emit(progress.EventWarning, map[string]any{
				"message": "Install stopped: " + cmd,
				"command": cmd,
				"status":  "stopped",
			})
			return
		}
		if err != nil {
			msg := secrets.Redact(truncate(err.Error(), installErrorMax))
			i.logger.Warn("install command failed", "command", cmd, "error", msg)
			sink.Emit(progress.EventWarning, map[string]any{
				"message": fmt.Sprintf("Install failed (%s): %s", cmd, msg),
				"command": cmd,
				"status":  "failed",
			})
			continue
		}

		i.logger.Info("install command succeeded", "command", cmd)
		sink.Emit(progress.EventToolInstall, map[string]any{
			"message": "Installed: " + cmd,
			"command": cmd,
			"status":  "installed",
		})
	}
}

func (i *Installer) run(ctx context.Context, key, command string) error {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	procattr.Set(cmd)
	cmd.Cancel = func() error {
		return procattr.KillTree(cmd.Process)
	}
	cmd.WaitDelay = time.Second
	cmd.Env = secrets.SanitizeEnv(i.environ(), nil)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		return err
	}

	var reg *registry.Registration
	if key != "" && i.registry != nil {
		reg = i.registry.Register(key, installHandle{cmd}, "install")
		defer reg.Release()
	}

	err := cmd.Wait()
	if reg.Stopped() {
		return errInstallStopped
	}
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("timed out after %s", i.timeout)
	}
	if err != nil {
		detail := strings.TrimSpace(out.String())
		if detail == "" {
			return err
		}
		return fmt.Errorf("%w: %s", err, detail)
	}
	return nil
}

// installHandle lets the registry stop a running install command
type installHandle struct {
	cmd *exec.Cmd
}

func (h installHandle) Stop() error {
	return procattr.KillTree(h.cmd.Process)
}
