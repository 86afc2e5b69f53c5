package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"

	"sundial/internal/task/engine"
	"sundial/internal/task/scheduler"
)

const maxExecResult = 4 << 10

// ExecJob runs one process per run. Its combined output becomes the result.
type ExecJob struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// NewExecJob splits a shell-style command line when no args are given.
func NewExecJob(command string, args []string, dir string, env []string) (*ExecJob, error) {
	command = strings.TrimSpace(command)
	if len(args) == 0 && strings.ContainsAny(command, " \t'\"") {
		words, err := shellquote.Split(command)
		if err != nil {
			return nil, fmt.Errorf("command %q: %w", command, err)
		}
		if len(words) == 0 {
			return nil, errors.New("command is empty")
		}
		command, args = words[0], words[1:]
	}
	if command == "" {
		return nil, errors.New("command is empty")
	}
	return &ExecJob{Command: command, Args: args, Dir: dir, Env: env}, nil
}

func (j *ExecJob) Execute(ctx context.Context, jc *scheduler.JobExecutionContext) error {
	cmd := exec.CommandContext(ctx, j.Command, j.Args...)
	cmd.Dir = j.Dir
	cmd.Env = append(os.Environ(),
		"SUNDIAL_JOB_ID="+jc.JobID(),
		"SUNDIAL_TRIGGER_ID="+jc.TriggerID(),
		"SUNDIAL_RUN_ID="+jc.RunID,
	)
	cmd.Env = append(cmd.Env, j.Env...)

	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if len(text) > maxExecResult {
		text = text[len(text)-maxExecResult:]
	}
	jc.SetResult(text)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &exitErr):
		jc.SetItem("exec.exit_code", exitErr.ExitCode())
		return fmt.Errorf("%s exited with code %d", j.Command, exitErr.ExitCode())
	case errors.Is(err, exec.ErrNotFound):
		return engine.NoRetry(err)
	default:
		return err
	}
}
