package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
)

var (
	fencedBlockRe   = regexp.MustCompile("(?s)```(?:sh|bash|shell|console)?\\s*\n(.*?)```")
	inlineCommandRe = regexp.MustCompile("`([^`\n]+)`")
	artifactDeclRe  = regexp.MustCompile(`(?m)^ARTIFACT\s+([A-Za-z0-9_.-]+)=(.*)$`)
)

// CommandExecutor runs a task's command block locally through a shell.
// It serves the command and verify kinds and doubles as the generic
// fallback executor.
type CommandExecutor struct {
	Shell   string // Defaults to "sh"
	WorkDir string
}

// NewCommandExecutor creates a CommandExecutor running in workDir.
func NewCommandExecutor(workDir string) *CommandExecutor {
	return &CommandExecutor{Shell: "sh", WorkDir: workDir}
}

// Execute extracts the task's command and runs it under the attempt
// context. Output lines of the form "ARTIFACT name=value" become declared
// artifacts. A task body with no extractable command is a permanent
// failure: retrying cannot produce one.
func (e *CommandExecutor) Execute(ctx context.Context, task Task) (Result, error) {
	script, ok := ExtractCommand(task.Body)
	if !ok {
		return Result{TaskID: task.ID}, Permanent(fmt.Errorf("task %s: no command block in body", task.ID))
	}

	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", script)
	cmd.Dir = e.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, stderr, err := drainCommand(cmd)
	output := string(stdout)
	if len(stderr) > 0 {
		output += string(stderr)
	}
	res := Result{
		TaskID:    task.ID,
		Output:    output,
		Artifacts: parseArtifacts(task.ID, string(stdout)),
	}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("task %s: %w", task.ID, err)
	}
	return res, nil
}

// ExtractCommand pulls the executable command out of a task body: the
// first fenced shell block, or the first inline backtick command.
func ExtractCommand(body string) (string, bool) {
	if m := fencedBlockRe.FindStringSubmatch(body); m != nil {
		script := strings.TrimSpace(m[1])
		if script != "" {
			return script, true
		}
	}
	if m := inlineCommandRe.FindStringSubmatch(body); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return "", false
}

func parseArtifacts(taskID, stdout string) []Artifact {
	var arts []Artifact
	for _, m := range artifactDeclRe.FindAllStringSubmatch(stdout, -1) {
		arts = append(arts, Artifact{Name: m[1], Value: strings.TrimSpace(m[2])})
	}
	return arts
}

// drainCommand starts cmd and reads both pipes concurrently before
// waiting, so output larger than the pipe buffer cannot deadlock Wait.
func drainCommand(cmd *exec.Cmd) (stdout, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start: %w", err)
	}

	var wg sync.WaitGroup
	var outBuf, errBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&outBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&errBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	if waitErr != nil {
		if errBuf.Len() > 0 {
			return outBuf.Bytes(), errBuf.Bytes(), fmt.Errorf("command failed: %w (stderr: %s)", waitErr, errBuf.String())
		}
		return outBuf.Bytes(), errBuf.Bytes(), fmt.Errorf("command failed: %w", waitErr)
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// RunCheck runs a bare shell command and returns its combined output.
// Backs the gate's exit criterion and contract checks.
func (e *CommandExecutor) RunCheck(ctx context.Context, command string) (string, error) {
	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = e.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, stderr, err := drainCommand(cmd)
	out := string(stdout)
	if len(stderr) > 0 {
		out += string(stderr)
	}
	return out, err
}
