package synapse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

// diagnosticsLimit bounds the stderr kept for the failure tracker.
const diagnosticsLimit = 2048

// Plugin is a compiled wasm tool. Each call instantiates a fresh module so
// nothing survives between invocations.
type Plugin struct {
	manifest domain.ToolManifest
	compiled wazero.CompiledModule
	rt       wazero.Runtime
	logger   *slog.Logger
}

// Execute runs the module's _start with the call arguments as JSON on stdin
// and returns what it wrote to stdout.
//
// Protocol:
//   - Input:  {"arguments": {...}, "grant": "<token>", "handles": {"SECRET": "<handle>"}}
//   - Output: stdout, capped at the budget's output limit
//   - Errors: stderr, kept as diagnostics only
func (p *Plugin) Execute(ctx context.Context, inv *domain.Invocation) (res *domain.ExecResult, err error) {
	deadline := inv.Budget.MaxWallTime
	if cpu := inv.Budget.MaxCPUTime; cpu > 0 && (deadline <= 0 || cpu < deadline) {
		// wasm runs on one goroutine, so CPU time cannot exceed wall time.
		deadline = cpu
	}
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	runCtx = withInvocation(runCtx, inv)

	input, err := json.Marshal(pluginInput(inv))
	if err != nil {
		return nil, domain.NewError(domain.KindToolFault, "encode input", err)
	}

	stdout := newCappedBuffer(inv.Budget.MaxOutputBytes)
	stderr := newCappedBuffer(diagnosticsLimit)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("synapse: plugin panicked", "panic", r)
			res, err = nil, domain.Errorf(domain.KindToolFault, "%s crashed", p.manifest.Name)
		}
	}()

	moduleCfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(stdout).
		WithStderr(stderr).
		WithStartFunctions("_start").
		WithName("")

	start := time.Now()
	mod, runErr := p.rt.InstantiateModule(runCtx, p.compiled, moduleCfg)
	if mod != nil {
		defer mod.Close(context.WithoutCancel(ctx))
	}
	diag := stderr.String()

	if runErr != nil {
		if kerr := p.classify(ctx, runCtx, runErr, diag); kerr != nil {
			p.logger.Warn("synapse: plugin failed",
				"kind", kerr.Kind,
				"elapsed", time.Since(start),
				"error", runErr,
			)
			return &domain.ExecResult{Diagnostics: diag}, kerr
		}
	}

	if diag != "" {
		p.logger.Debug("synapse: plugin stderr", "stderr", diag)
	}
	return &domain.ExecResult{
		Output:      stdout.Bytes(),
		ContentType: "application/json",
		Diagnostics: diag,
		Truncated:   stdout.Truncated(),
	}, nil
}

// classify maps an instantiation error to a domain error, or nil when the
// module exited cleanly.
func (p *Plugin) classify(parent, run context.Context, err error, diag string) *domain.Error {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case 0:
			return nil
		case sys.ExitCodeDeadlineExceeded:
			return domain.NewError(domain.KindResourceLimitExceeded, p.manifest.Name+" exceeded its time budget", err)
		case sys.ExitCodeContextCanceled:
			if parent.Err() != nil {
				return domain.NewError(domain.KindCancelled, "", err)
			}
			return domain.NewError(domain.KindResourceLimitExceeded, p.manifest.Name+" was stopped", err)
		default:
			return domain.NewError(domain.KindToolFault,
				fmt.Sprintf("%s exited with code %d", p.manifest.Name, exitErr.ExitCode()),
				errors.Join(err, errors.New(diag)))
		}
	}
	if errors.Is(run.Err(), context.DeadlineExceeded) {
		return domain.NewError(domain.KindResourceLimitExceeded, p.manifest.Name+" exceeded its time budget", err)
	}
	return domain.NewError(domain.KindToolFault, p.manifest.Name+" trapped", err)
}

func pluginInput(inv *domain.Invocation) map[string]any {
	handles := make(map[string]string, len(inv.Handles))
	for h, name := range inv.Handles {
		handles[name] = h
	}
	return map[string]any{
		"arguments": inv.Call.Arguments,
		"grant":     inv.GrantToken,
		"handles":   handles,
	}
}

// ExportedFunctions returns the names the module exports.
func (p *Plugin) ExportedFunctions() []string {
	defs := p.compiled.ExportedFunctions()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	return names
}

func (p *Plugin) Name() string { return p.manifest.Name }

func (p *Plugin) Manifest() domain.ToolManifest { return p.manifest }

// Close releases the plugin's runtime.
func (p *Plugin) Close(ctx context.Context) {
	if p.rt != nil {
		p.rt.Close(ctx)
	}
}

// cappedBuffer keeps at most limit bytes and silently drops the rest, so a
// chatty module can neither fail on write nor exhaust host memory.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	if limit <= 0 {
		limit = 256 << 10
	}
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(b []byte) (int, error) {
	room := c.limit - c.buf.Len()
	if room <= 0 {
		if len(b) > 0 {
			c.truncated = true
		}
		return len(b), nil
	}
	if len(b) > room {
		c.buf.Write(b[:room])
		c.truncated = true
		return len(b), nil
	}
	return c.buf.Write(b)
}

func (c *cappedBuffer) Bytes() []byte   { return c.buf.Bytes() }
func (c *cappedBuffer) String() string  { return c.buf.String() }
func (c *cappedBuffer) Truncated() bool { return c.truncated }
