package exec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// LocalExec executes commands directly on the local system without sandboxing.
type LocalExec struct{}

// NewLocalExec creates a new LocalExec executor.
func NewLocalExec() *LocalExec {
	return &LocalExec{}
}

// Name returns the executor type name.
func (e *LocalExec) Name() ExecutorType {
	return ExecutorTypeLocal
}

// Available returns true since local execution is always available.
func (e *LocalExec) Available() bool {
	return true
}

// Run executes a command locally with the given options.
// A non-zero exit code is reported through Result.ExitCode, not the error
// return; the error return is reserved for commands that failed to start.
func (e *LocalExec) Run(ctx context.Context, cmd []string, opts *Opts) (Result, error) {
	if len(cmd) == 0 {
		return Result{}, fmt.Errorf("command cannot be empty")
	}
	if opts == nil {
		opts = &Opts{}
	}

	startTime := time.Now()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, cmd[0], cmd[1:]...)

	if opts.WorkDir != "" {
		if _, err := os.Stat(opts.WorkDir); os.IsNotExist(err) {
			return Result{}, fmt.Errorf("working directory does not exist: %s", opts.WorkDir)
		}
		execCmd.Dir = opts.WorkDir
	}

	if len(opts.Env) > 0 {
		execCmd.Env = append(os.Environ(), opts.Env...)
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	err := execCmd.Run()
	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
			err = nil // Caller inspects ExitCode instead.
		} else {
			exitCode = -1
		}
	}

	return Result{
		Stdout:       stdout.String(),
		Stderr:       stderr.String(),
		ExitCode:     exitCode,
		Duration:     time.Since(startTime),
		ExecutorUsed: string(e.Name()),
	}, err
}
