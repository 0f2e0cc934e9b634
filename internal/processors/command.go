package processors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/deployer/internal/config"
	"github.com/aristath/deployer/internal/deployment"
	"github.com/aristath/deployer/internal/pipeline"
)

// commandLineProcessor runs a shell command with a timeout
type commandLineProcessor struct {
	base
	command    string
	workingDir string
	timeout    time.Duration
	log        zerolog.Logger
}

func newCommandLineProcessor(bc pipeline.BuildContext, cfg config.ProcessorConfig) (pipeline.Processor, error) {
	command := cfg.String("command", "")
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("%s: command is required", CommandLine)
	}

	timeout := cfg.Seconds("timeout", 30*time.Second)
	if timeout <= 0 {
		return nil, fmt.Errorf("%s: timeout must be positive", CommandLine)
	}

	return &commandLineProcessor{
		command:    command,
		workingDir: cfg.String("workingDir", bc.LocalRepoPath),
		timeout:    timeout,
		log:        bc.Log.With().Str("processor", CommandLine).Logger(),
	}, nil
}

func (p *commandLineProcessor) Execute(ctx context.Context, in pipeline.Input) (*deployment.ChangeSet, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", p.command)
	cmd.Dir = p.workingDir
	// children of the shell can hold the output pipes open after it is killed
	cmd.WaitDelay = 500 * time.Millisecond
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	out := strings.TrimSpace(output.String())
	in.Execution.SetStatusDetail(out)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("command timed out after %s", p.timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("command failed: %w", err)
	}

	p.log.Debug().Dur("took", time.Since(start)).Msg("Command completed")
	return nil, nil
}

// delayProcessor pauses the chain
type delayProcessor struct {
	base
	delay time.Duration
}

func newDelayProcessor(_ pipeline.BuildContext, cfg config.ProcessorConfig) (pipeline.Processor, error) {
	delay := cfg.Seconds("seconds", 5*time.Second)
	if delay < 0 {
		return nil, fmt.Errorf("%s: seconds must not be negative", Delay)
	}
	return &delayProcessor{delay: delay}, nil
}

func (p *delayProcessor) Execute(ctx context.Context, _ pipeline.Input) (*deployment.ChangeSet, error) {
	timer := time.NewTimer(p.delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
