package probe

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// CommandProbe runs a command that should succeed if the engine is healthy.
type CommandProbe struct{ Command string }

// buildShellAwareCommand avoids invoking a shell unless obvious shell
// metacharacters are present.
func buildShellAwareCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return trueCommand(ctx)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return shellCommand(ctx, cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

func (p CommandProbe) Alive(ctx context.Context) (bool, error) {
	cmd := buildShellAwareCommand(ctx, p.Command)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return false, nil
	}
	if ctx.Err() != nil {
		return false, nil
	}
	return false, err
}

func (p CommandProbe) Describe() string { return "cmd:" + p.Command }
