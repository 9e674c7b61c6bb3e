// Package env composes the environment the engine process is started with.
package env

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

type Var map[string]string

// Env layers variables over an optional copy of the daemon's own environment.
// Later layers win: OS base, then env files, then explicit variables.
type Env struct {
	Var       Var
	inheritOS bool
	files     Var
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// InheritOS makes Merge start from os.Environ().
func (e *Env) InheritOS(on bool) *Env {
	e.inheritOS = on
	return e
}

// WithSet returns a copy of e with k=v set.
func (e *Env) WithSet(k, v string) *Env {
	n := &Env{Var: make(Var, len(e.Var)+1), inheritOS: e.inheritOS, files: e.files}
	for kk, vv := range e.Var {
		n.Var[kk] = vv
	}
	if k != "" {
		n.Var[k] = v
	}
	return n
}

// Set sets k=v in place.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	if k != "" {
		e.Var[k] = v
	}
}

// SetPairs sets every well-formed "K=V" entry of pairs.
func (e *Env) SetPairs(pairs []string) {
	for _, kv := range pairs {
		if k, v, ok := splitPair(kv); ok {
			e.Set(k, v)
		}
	}
}

// LoadFiles reads simple .env files in order; later files win.
func (e *Env) LoadFiles(paths ...string) error {
	for _, p := range paths {
		m, err := ReadFile(p)
		if err != nil {
			return fmt.Errorf("env file %s: %w", p, err)
		}
		if e.files == nil {
			e.files = make(Var)
		}
		for k, v := range m {
			e.files[k] = v
		}
	}
	return nil
}

// Merge composes the final "K=V" list with extra applied last, then expands
// ${VAR} references against the composed map (one pass, no recursion). The
// result is sorted by key.
func (e *Env) Merge(extra []string) []string {
	m := make(Var)
	if e.inheritOS {
		for _, kv := range os.Environ() {
			if k, v, ok := splitPair(kv); ok {
				m[k] = v
			}
		}
	}
	for k, v := range e.files {
		m[k] = v
	}
	for k, v := range e.Var {
		if k != "" {
			m[k] = v
		}
	}
	for _, kv := range extra {
		if k, v, ok := splitPair(kv); ok {
			m[k] = v
		}
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

// ReadFile parses a .env file with godotenv: comments, quoting, escapes and
// an optional "export " prefix follow the usual dotenv rules.
func ReadFile(path string) (Var, error) {
	m, err := godotenv.Read(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	return Var(m), nil
}

func splitPair(kv string) (string, string, bool) {
	i := strings.IndexByte(kv, '=')
	if i <= 0 {
		return "", "", false
	}
	return kv[:i], kv[i+1:], true
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
