package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/proxyvisor/internal/engine"
)

// PIDProbe checks that a process with the given PID exists and is not a zombie.
type PIDProbe struct{ PID int }

func (p PIDProbe) Alive(ctx context.Context) (bool, error) { return pidAlive(ctx, p.PID) }
func (p PIDProbe) Describe() string                        { return fmt.Sprintf("pid:%d", p.PID) }

// PIDFileProbe reads the engine pidfile. A recorded start time that no longer
// matches the live process means the PID was reused and the engine is gone.
type PIDFileProbe struct{ Path string }

func (p PIDFileProbe) Alive(ctx context.Context) (bool, error) {
	rec, err := engine.ReadPIDFile(p.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if rec.StartUnix > 0 {
		if cur := engine.ProcStartUnix(rec.PID); cur > 0 && cur != rec.StartUnix {
			return false, nil
		}
	}
	return pidAlive(ctx, rec.PID)
}

func (p PIDFileProbe) Describe() string { return "pidfile:" + p.Path }

func pidAlive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	ok, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !ok {
		return false, err
	}
	proc, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false, nil
	}
	if st, err := proc.StatusWithContext(ctx); err == nil && slices.Contains(st, gopsproc.Zombie) {
		return false, nil
	}
	return true, nil
}
