package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// CommandAgent invokes an external binary as an opaque agent step: Input is
// marshaled to JSON on stdin, Output is unmarshaled from JSON on stdout.
// Follows the exec.CommandContext convention for shelling out to external
// tooling rather than any in-process agent SDK.
type CommandAgent struct {
	Path    string
	Args    []string
	Timeout time.Duration
}

var _ Agent = (*CommandAgent)(nil)

// Execute runs the configured command, bounding it by Timeout in addition to
// whatever deadline ctx already carries: every agent step is an opaque
// callable with a bounded runtime.
func (a *CommandAgent) Execute(ctx context.Context, in Input) (Output, error) {
	if a.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return Output{}, fmt.Errorf("agents: marshal input: %w", err)
	}

	cmd := exec.CommandContext(ctx, a.Path, a.Args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = 500 * time.Millisecond

	stdout, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return Output{}, fmt.Errorf("agents: %s exited: %w (stderr: %s)", a.Path, err, exitErr.Stderr)
		}
		return Output{}, fmt.Errorf("agents: run %s: %w", a.Path, err)
	}

	var out Output
	if err := json.Unmarshal(stdout, &out); err != nil {
		return Output{}, fmt.Errorf("agents: unmarshal output of %s: %w", a.Path, err)
	}
	return out, nil
}
