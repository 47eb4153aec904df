package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// CommandParser runs the analysis tool as a subprocess and decodes the JSON
// report it writes to stdout.
type CommandParser struct {
	command []string
	timeout time.Duration
	logger  *slog.Logger
}

func NewCommandParser(command []string, timeout time.Duration, logger *slog.Logger) (*CommandParser, error) {
	if len(command) == 0 || strings.TrimSpace(command[0]) == "" {
		return nil, errors.New("analysis command is required")
	}
	if _, err := exec.LookPath(command[0]); err != nil {
		return nil, fmt.Errorf("analysis command not found: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandParser{
		command: append([]string(nil), command...),
		timeout: timeout,
		logger:  logger,
	}, nil
}

func (p *CommandParser) Parse(ctx context.Context, in Input) (TestRun, error) {
	if err := in.Validate(); err != nil {
		return TestRun{}, err
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	args := append(append([]string(nil), p.command[1:]...), commandArgs(in)...)
	cmd := exec.CommandContext(ctx, p.command[0], args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	started := time.Now()
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return TestRun{}, fmt.Errorf("analysis of %s: %w", in.Out, ctxErr)
	}
	if err != nil {
		return TestRun{}, fmt.Errorf("analysis failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	p.logger.Info("analysis finished", "out", in.Out, "duration_ms", time.Since(started).Milliseconds())
	return Decode(&stdout)
}

func commandArgs(in Input) []string {
	args := []string{"--out", in.Out}
	if in.Err != "" {
		args = append(args, "--err", in.Err)
	}
	if in.Set != "" {
		args = append(args, "--set", in.Set)
	}
	if in.Meta != "" {
		args = append(args, "--meta", in.Meta)
	}
	if in.Solu != "" {
		args = append(args, "--solu", in.Solu)
	}
	if in.Readers != "" {
		if _, err := os.Stat(in.Readers); err == nil {
			args = append(args, "--readers", in.Readers)
		}
	}
	return args
}
