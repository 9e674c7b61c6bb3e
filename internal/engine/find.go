package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// FindRunning returns the PIDs of processes whose executable name matches the
// base name of binary, excluding the current process.
func FindRunning(ctx context.Context, binary string) ([]int, error) {
	want := strings.TrimSuffix(filepath.Base(binary), ".exe")
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	self := int32(os.Getpid())
	var pids []int
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if strings.TrimSuffix(name, ".exe") == want {
			pids = append(pids, int(p.Pid))
		}
	}
	return pids, nil
}

// terminatePID asks a foreign process to exit, then kills it if it is still
// present after the context expires.
func terminatePID(ctx context.Context, pid int) error {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil
	}
	if err := p.TerminateWithContext(ctx); err != nil {
		return p.KillWithContext(context.Background())
	}
	for {
		ok, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
		if err != nil || !ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return p.KillWithContext(context.Background())
		case <-time.After(pollInterval):
		}
	}
}
