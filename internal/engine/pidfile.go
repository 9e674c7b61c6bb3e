package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDRecord is the content of the engine pidfile: the PID on the first line,
// optionally followed by a JSON line with metadata.
type PIDRecord struct {
	PID       int    `json:"-"`
	StartUnix int64  `json:"start_unix,omitempty"`
	Binary    string `json:"binary,omitempty"`
}

// WritePIDFile records pid and its start time at path.
func WritePIDFile(path string, pid int, binary string) error {
	if path == "" || pid <= 0 {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	meta, _ := json.Marshal(PIDRecord{StartUnix: ProcStartUnix(pid), Binary: binary})
	data := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	return os.WriteFile(path, []byte(data), 0o600)
}

// ReadPIDFile parses a pidfile written by WritePIDFile. Legacy files holding
// only a PID are accepted.
func ReadPIDFile(path string) (PIDRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return PIDRecord{}, err
	}
	pidLine, rest, _ := strings.Cut(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return PIDRecord{}, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	var rec PIDRecord
	if rest = strings.TrimSpace(rest); rest != "" {
		// metadata is advisory; a broken line still yields the PID
		_ = json.Unmarshal([]byte(rest), &rec)
	}
	rec.PID = pid
	return rec, nil
}

func removePIDFile(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}
