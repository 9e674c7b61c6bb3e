package engine

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// BinaryName is the engine executable name on this platform.
func BinaryName() string {
	if runtime.GOOS == "windows" {
		return "mihomo.exe"
	}
	return "mihomo"
}

// Candidates lists the locations searched for the engine binary, in order.
// An explicit path always comes first.
func Candidates(explicit string) []string {
	var out []string
	if explicit != "" {
		out = append(out, explicit)
	}
	if runtime.GOOS != "windows" {
		out = append(out, "/usr/local/bin/mihomo", "/usr/bin/mihomo", "/opt/mihomo/mihomo")
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		out = append(out, filepath.Join(dir, BinaryName()), filepath.Join(dir, "resources", BinaryName()))
	}
	return out
}

// LookupBinary returns the first existing candidate, falling back to PATH.
func LookupBinary(explicit string) (string, error) {
	for _, p := range Candidates(explicit) {
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, nil
		}
	}
	if explicit == "" {
		if p, err := exec.LookPath(BinaryName()); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, BinaryName())
}
