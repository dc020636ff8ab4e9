package registry

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// OSSupervisor runs real processes.
type OSSupervisor struct {
	// Out receives a foreground child's output in addition to the log file.
	// Nil means os.Stdout.
	Out io.Writer
}

func (s OSSupervisor) out() io.Writer {
	if s.Out == nil {
		return os.Stdout
	}
	return s.Out
}

func openLog(logPath string) (*os.File, error) {
	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

func buildCmd(ctx context.Context, c Command) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)
	return cmd
}

// Spawn starts a detached child writing to logPath. The child is reaped in a
// goroutine so liveness checks in this process do not see a zombie.
func (s OSSupervisor) Spawn(c Command, logPath string) (int, error) {
	logf, err := openLog(logPath)
	if err != nil {
		return 0, err
	}
	defer logf.Close()

	cmd := buildCmd(context.Background(), c)
	cmd.Stdin = nil
	cmd.Stdout = logf
	cmd.Stderr = logf
	detach(cmd)
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

// Run starts a foreground child. When Out is a terminal the child gets a
// pseudo-terminal so it keeps its interactive log formatting.
func (s OSSupervisor) Run(ctx context.Context, c Command, logPath string, started func(pid int)) (int, error) {
	logf, err := openLog(logPath)
	if err != nil {
		return 0, err
	}
	defer logf.Close()

	out := io.MultiWriter(s.out(), logf)
	cmd := buildCmd(ctx, c)

	if f, ok := s.out().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		ptmx, err := startPTY(cmd)
		if err == nil {
			started(cmd.Process.Pid)
			_, _ = io.Copy(out, ptmx)
			_ = ptmx.Close()
			return exitCode(cmd.Wait())
		}
		log.Debug().Err(err).Msg("pty unavailable, using pipes")
		cmd = buildCmd(ctx, c)
	}

	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	started(cmd.Process.Pid)
	return exitCode(cmd.Wait())
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), nil
	}
	return 0, err
}
