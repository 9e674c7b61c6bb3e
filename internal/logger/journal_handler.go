package logger

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/journal"
)

// JournalHandler sends records to the systemd journal with attributes as
// upper-case journal fields.
type JournalHandler struct {
	level      slog.Level
	identifier string
	attrs      []slog.Attr
	groups     []string
}

func NewJournalHandler(level slog.Level, identifier string) *JournalHandler {
	return &JournalHandler{level: level, identifier: identifier}
}

// JournalAvailable reports whether the journal socket is reachable.
func JournalAvailable() bool {
	return journal.Enabled()
}

func (h *JournalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *JournalHandler) Handle(_ context.Context, r slog.Record) error {
	fields := map[string]string{"SYSLOG_IDENTIFIER": h.identifier}
	for _, a := range h.attrs {
		addJournalField(fields, a, h.groups)
	}
	r.Attrs(func(a slog.Attr) bool {
		addJournalField(fields, a, h.groups)
		return true
	})
	return journal.Send(r.Message, journalPriority(r.Level), fields)
}

func (h *JournalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := *h
	n.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &n
}

func (h *JournalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	n := *h
	n.groups = append(append([]string{}, h.groups...), name)
	return &n
}

func journalPriority(level slog.Level) journal.Priority {
	switch {
	case level >= slog.LevelError:
		return journal.PriErr
	case level >= slog.LevelWarn:
		return journal.PriWarning
	case level >= slog.LevelInfo:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}

// journalFieldName upper-cases key and replaces characters the journal
// rejects. Field names may not start with an underscore.
func journalFieldName(groups []string, key string) string {
	if len(groups) > 0 {
		key = strings.Join(groups, "_") + "_" + key
	}
	var b strings.Builder
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return strings.TrimLeft(b.String(), "_")
}

func addJournalField(fields map[string]string, a slog.Attr, groups []string) {
	if a.Equal(slog.Attr{}) {
		return
	}
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		sub := append(append([]string{}, groups...), a.Key)
		for _, ga := range v.Group() {
			addJournalField(fields, ga, sub)
		}
		return
	}
	name := journalFieldName(groups, a.Key)
	if name == "" {
		return
	}
	switch v.Kind() {
	case slog.KindInt64:
		fields[name] = strconv.FormatInt(v.Int64(), 10)
	case slog.KindBool:
		fields[name] = strconv.FormatBool(v.Bool())
	default:
		fields[name] = v.String()
	}
}
