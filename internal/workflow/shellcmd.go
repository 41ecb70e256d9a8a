package workflow

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/DaveCBeck/thala-sub003/internal/model"
)

// ShellCommandWorkflow runs a local command and saves its combined output.
// Payload: {"command": ..., "args": [...], "working_dir": ...}. Zero-cost:
// it makes no metered external calls, so it is exempt from budget and
// stagger gating.
type ShellCommandWorkflow struct {
	logger    *zap.Logger
	outputDir string
}

// NewShellCommandWorkflow creates the built-in shell-command workflow.
func NewShellCommandWorkflow(outputDir string, logger *zap.Logger) *ShellCommandWorkflow {
	return &ShellCommandWorkflow{
		logger:    logger.Named("shell-command"),
		outputDir: outputDir,
	}
}

// Phases implements Workflow.
func (w *ShellCommandWorkflow) Phases() []string {
	return []string{"run", "save"}
}

// ZeroCost implements Workflow.
func (w *ShellCommandWorkflow) ZeroCost() bool { return true }

// ResumeFrom implements Workflow.
func (w *ShellCommandWorkflow) ResumeFrom(lastPhase string) string { return "run" }

// Run implements Workflow.
func (w *ShellCommandWorkflow) Run(ctx context.Context, task *model.Task, checkpoint CheckpointFunc, resumeFrom string) (Result, error) {
	command, _ := task.Payload["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("shell_command task %s has no command in payload", task.ID)
	}

	var args []string
	if rawArgs, ok := task.Payload["args"].([]any); ok {
		for _, a := range rawArgs {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: before run", ErrCanceled)
	}
	checkpoint("run", map[string]any{"command": command}, nil)

	cmd := exec.CommandContext(ctx, command, args...)
	if dir, ok := task.Payload["working_dir"].(string); ok && dir != "" {
		cmd.Dir = dir
	}

	w.logger.Info("Executing command",
		zap.String("task_id", task.ID),
		zap.String("command", command),
		zap.Strings("args", args))

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: command interrupted", ErrCanceled)
		}
		return nil, fmt.Errorf("command failed: %s: %w", strings.TrimSpace(string(output)), err)
	}

	checkpoint("save", nil, map[string]any{"output_bytes": len(output)})

	return Result{"output": string(output)}, nil
}

// SaveOutputs implements Workflow.
func (w *ShellCommandWorkflow) SaveOutputs(ctx context.Context, task *model.Task, result Result) ([]string, error) {
	if err := os.MkdirAll(w.outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	output, _ := result["output"].(string)
	path := filepath.Join(w.outputDir, task.ID+".log")
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write output: %w", err)
	}
	return []string{path}, nil
}
