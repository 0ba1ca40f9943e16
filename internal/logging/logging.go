// Package logging builds the root slog handler of the runtime.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

// SecurityKey marks records that also go to the security log.
const SecurityKey = "security"

type Options struct {
	Level slog.Leveler
	// Format is "json" (default) or "text".
	Format string
	Output io.Writer
	// SecurityLog is a file that receives a JSON copy of every record
	// carrying security=true.
	SecurityLog string
	// Journal adds the systemd journal when the process runs as a unit.
	Journal bool
}

// New returns the root logger and a closer for the files it opened.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var (
		handlers []slog.Handler
		closers  multiCloser
	)
	if opts.Format == "text" {
		handlers = append(handlers, slog.NewTextHandler(opts.Output, handlerOpts))
	} else {
		handlers = append(handlers, slog.NewJSONHandler(opts.Output, handlerOpts))
	}

	if opts.SecurityLog != "" {
		f, err := os.OpenFile(opts.SecurityLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("open security log: %w", err)
		}
		closers = append(closers, f)
		handlers = append(handlers, &securityHandler{Handler: slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})})
	}

	if opts.Journal && underSystemd() {
		journal, err := slogjournal.NewHandler(&slogjournal.Options{
			Level: opts.Level,
			ReplaceGroup: func(key string) string {
				return toJournalKey(key)
			},
			ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
				a.Key = toJournalKey(a.Key)
				return a
			},
		})
		if err != nil {
			slog.New(handlers[0]).Warn("systemd journal unavailable", "error", err)
		} else {
			handlers = append(handlers, journal)
		}
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), closers, nil
	}
	return slog.New(slogmulti.Fanout(handlers...)), closers, nil
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log level %q: %w", s, err)
	}
	return l, nil
}

// securityHandler passes on only records marked security=true, either
// on the record or through With.
type securityHandler struct {
	slog.Handler
	marked bool
}

func (h *securityHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.marked && !isSecurity(r) {
		return nil
	}
	return h.Handler.Handle(ctx, r)
}

func (h *securityHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	marked := h.marked
	for _, a := range attrs {
		marked = marked || isSecurityAttr(a)
	}
	return &securityHandler{Handler: h.Handler.WithAttrs(attrs), marked: marked}
}

func (h *securityHandler) WithGroup(name string) slog.Handler {
	return &securityHandler{Handler: h.Handler.WithGroup(name), marked: h.marked}
}

func isSecurity(r slog.Record) bool {
	found := false
	r.Attrs(func(a slog.Attr) bool {
		found = isSecurityAttr(a)
		return !found
	})
	return found
}

func isSecurityAttr(a slog.Attr) bool {
	v := a.Value.Resolve()
	return a.Key == SecurityKey && v.Kind() == slog.KindBool && v.Bool()
}

func toJournalKey(str string) string {
	str = strings.ToUpper(str)
	return strings.Map(func(r rune) rune {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, str)
}

func underSystemd() bool {
	content, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return false
	}
	parts := strings.Split(strings.TrimSpace(string(content)), ":")
	return len(parts) >= 3 && strings.HasSuffix(path.Dir(parts[2]), ".service")
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var first error
	for _, c := range m {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
