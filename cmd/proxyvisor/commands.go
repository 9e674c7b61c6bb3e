package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loykin/proxyvisor/internal/apitls"
	"github.com/loykin/proxyvisor/internal/config"
	"github.com/loykin/proxyvisor/pkg/client"
)

type command struct {
	flags *GlobalFlags
	out   io.Writer
}

func (c command) stdout() io.Writer {
	if c.out != nil {
		return c.out
	}
	return os.Stdout
}

// apiURL derives the daemon URL from its own [server] settings. Wildcard
// listen addresses are reached through loopback.
func apiURL(s config.ServerConfig) string {
	scheme := "http://"
	if s.TLS.Enabled {
		scheme = "https://"
	}
	host, port, err := net.SplitHostPort(s.Listen)
	if err != nil {
		return scheme + s.Listen + s.BasePath
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return scheme + net.JoinHostPort(host, port) + strings.TrimRight(s.BasePath, "/")
}

// client builds an API client and checks that the daemon answers.
func (c command) client(ctx context.Context) (*client.Client, error) {
	url, token, ca := c.flags.APIUrl, c.flags.Token, c.flags.CACert
	if url == "" || token == "" {
		cfg, err := config.Load(c.flags.ConfigPath)
		switch {
		case err == nil:
			if url == "" {
				url = apiURL(cfg.Server)
			}
			if token == "" {
				token = cfg.Server.Token
			}
			if ca == "" && cfg.Server.TLS.Enabled {
				ca = apitls.CAPath(cfg.Server.TLS)
			}
		case url == "":
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	cl := client.New(client.Config{
		BaseURL:  url,
		Timeout:  c.flags.APITimeout,
		Token:    token,
		CACert:   ca,
		Insecure: c.flags.Insecure,
	})
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - please start daemon first with 'proxyvisor serve'", url)
	}
	return cl, nil
}

func (c command) ConfigGet(ctx context.Context, f ConfigGetFlags) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if f.Key == "" && f.YAML {
		data, err := cl.GetConfigYAML(ctx)
		if err != nil {
			return err
		}
		_, err = c.stdout().Write(data)
		return err
	}
	doc, err := cl.GetConfig(ctx)
	if err != nil {
		return err
	}
	var v any = doc
	if f.Key != "" {
		val, ok := doc[f.Key]
		if !ok {
			return fmt.Errorf("key %q is not set", f.Key)
		}
		v = val
	}
	if f.YAML {
		return printYAML(c.stdout(), v)
	}
	return printJSON(c.stdout(), v)
}

func (c command) ConfigSet(ctx context.Context, f ConfigSetFlags) error {
	if f.File == "" && len(f.Pairs) == 0 {
		return errors.New("nothing to set: pass key=value pairs or --file")
	}
	if f.File != "" && len(f.Pairs) > 0 {
		return errors.New("--file cannot be combined with key=value pairs")
	}
	var patch map[string]any
	if len(f.Pairs) > 0 {
		var err error
		if patch, err = parsePairs(f.Pairs); err != nil {
			return err
		}
	}
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if f.File != "" {
		// #nosec G304 -- path supplied by the operator
		data, err := os.ReadFile(f.File)
		if err != nil {
			return fmt.Errorf("read %s: %w", f.File, err)
		}
		if err := cl.PutConfigYAML(ctx, data); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.stdout(), "configuration replaced from %s\n", f.File)
		return nil
	}
	if _, err := cl.PatchConfig(ctx, patch); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.stdout(), "updated %d key(s)\n", len(patch))
	return nil
}

func (c command) ConfigUnset(ctx context.Context, keys []string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	patch := make(map[string]any, len(keys))
	for _, k := range keys {
		patch[k] = nil
	}
	if _, err := cl.PatchConfig(ctx, patch); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.stdout(), "removed %d key(s)\n", len(keys))
	return nil
}

func (c command) ConfigPath(ctx context.Context) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	loc, err := cl.ConfigLocation(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.stdout(), loc)
}

func (c command) BackupList(ctx context.Context) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	list, err := cl.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		_, _ = fmt.Fprintln(c.stdout(), "no backups")
		return nil
	}
	for _, b := range list {
		label := b.Label
		if label == "" {
			label = "-"
		}
		_, _ = fmt.Fprintf(c.stdout(), "%s\t%s\t%s\t%d\n", b.ID, b.CreatedAt.Local().Format("2006-01-02 15:04:05"), label, b.Size)
	}
	return nil
}

func (c command) BackupCreate(ctx context.Context, label string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	id, err := cl.CreateBackup(ctx, label)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.stdout(), id)
	return nil
}

func (c command) BackupRestore(ctx context.Context, id string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := cl.RestoreBackup(ctx, id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.stdout(), "restored %s\n", id)
	return nil
}

func (c command) BackupRename(ctx context.Context, id, label string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	next, err := cl.RenameBackup(ctx, id, label)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.stdout(), next)
	return nil
}

func (c command) BackupDelete(ctx context.Context, id string) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := cl.DeleteBackup(ctx, id); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.stdout(), "deleted %s\n", id)
	return nil
}

func (c command) EngineStatus(ctx context.Context) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.stdout(), st)
}

func (c command) EngineStart(ctx context.Context) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	pid, err := cl.Start(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.stdout(), "engine started (pid %d)\n", pid)
	return nil
}

func (c command) EngineStop(ctx context.Context) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := cl.Stop(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.stdout(), "engine stopped")
	return nil
}

func (c command) EngineCheck(ctx context.Context) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	st, err := cl.Check(ctx)
	if err != nil {
		return err
	}
	return printJSON(c.stdout(), st)
}

func (c command) EngineVersion(ctx context.Context) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	v, err := cl.Version(ctx)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.stdout(), v)
	return nil
}

func (c command) EngineResources(ctx context.Context) error {
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	res, err := cl.Resources(ctx)
	if err != nil {
		return err
	}
	if res.Latest == nil {
		_, _ = fmt.Fprintln(c.stdout(), "no samples yet")
		return nil
	}
	l := res.Latest
	_, _ = fmt.Fprintf(c.stdout(), "pid %d  cpu %.1f%%  rss %.1f MiB  threads %d  samples %d\n",
		l.PID, l.CPUPercent, float64(l.MemoryRSS)/(1<<20), l.NumThreads, len(res.History))
	return nil
}

func (c command) EngineAutoRestart(ctx context.Context, arg string) error {
	enabled, err := parseOnOff(arg)
	if err != nil {
		return err
	}
	cl, err := c.client(ctx)
	if err != nil {
		return err
	}
	if err := cl.SetAutoRestart(ctx, enabled); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.stdout(), "auto-restart %s\n", arg)
	return nil
}

// parsePairs turns key=value arguments into a patch. Values are YAML scalars
// or flow collections; anything YAML rejects is kept as a plain string.
func parsePairs(pairs []string) (map[string]any, error) {
	patch := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, raw, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid pair %q, expected key=value", p)
		}
		var v any = raw
		if strings.TrimSpace(raw) != "" {
			if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
				v = raw
			}
		}
		patch[k] = v
	}
	return patch, nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "enable", "enabled":
		return true, nil
	case "off", "false", "disable", "disabled":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}
