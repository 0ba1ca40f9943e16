package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/manthysbr/aulerun/internal/core/domain"
	"github.com/manthysbr/aulerun/internal/safety"
)

const (
	// secretHandlePrefix marks opaque secret handles handed to tools.
	secretHandlePrefix = "aule-secret-"
	// teardownGrace is how long the host waits past a sandbox's own wall
	// limit before cancelling it from outside.
	teardownGrace = 2 * time.Second
	// grantSlack keeps a grant valid slightly past the wall budget.
	grantSlack = 30 * time.Second
)

// EgressGate is the egress proxy as seen by the pipeline.
type EgressGate interface {
	Bind(inv *domain.Invocation) domain.Egress
	CheckEndpoint(inv *domain.Invocation, rawURL string) (domain.Capability, error)
	AllowsScope(scope string) bool
}

// GrantIssuer signs capability grants into tokens.
type GrantIssuer interface {
	Sign(grant domain.CapabilityGrant) (string, error)
}

// PipelineDeps wires a ToolPipeline.
type PipelineDeps struct {
	Registry *domain.ToolRegistry
	Schemas  *SchemaValidator
	Policy   domain.Policy
	Sandbox  domain.SandboxConfig
	Executor domain.Executor
	Egress   EgressGate
	Grants   GrantIssuer
	Leaks    *safety.LeakDetector
	Filter   *safety.Filter
	KV       domain.KVStore
	Audit    *AuditLog
	Failures *FailureTracker
}

// ToolPipeline mediates every tool call: schema, capability and endpoint
// checks, credential handles, leak scans, sandboxed execution and the
// safety filter. Every call yields exactly one audit entry.
type ToolPipeline struct {
	logger   *slog.Logger
	deps     PipelineDeps
	now      func() time.Time
	teardown time.Duration
}

func NewToolPipeline(logger *slog.Logger, deps PipelineDeps) *ToolPipeline {
	if deps.Schemas == nil {
		deps.Schemas = NewSchemaValidator()
	}
	if deps.Leaks == nil {
		deps.Leaks = safety.NewLeakDetector()
	}
	return &ToolPipeline{logger: logger, deps: deps, now: time.Now, teardown: teardownGrace}
}

// Registry returns the tool registry the pipeline resolves names against.
func (p *ToolPipeline) Registry() *domain.ToolRegistry { return p.deps.Registry }

// Invoke runs one tool call. A non-nil error is a tool-error result for the
// worker; res still carries the call id, tool name and duration.
func (p *ToolPipeline) Invoke(ctx context.Context, call domain.ToolCall) (res domain.ToolResult, err error) {
	start := p.now()
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	res = domain.ToolResult{CallID: call.ID, ToolName: call.ToolName}

	var (
		inv         *domain.Invocation
		manifest    *domain.ToolManifest
		diagnostics string
	)
	defer func() {
		res.Duration = p.now().Sub(start)
		p.finish(ctx, call, manifest, inv, res, err, diagnostics)
	}()

	m, ok := p.deps.Registry.Get(call.ToolName)
	if !ok {
		msg := fmt.Sprintf("unknown tool %q", call.ToolName)
		if s := p.deps.Registry.Suggest(call.ToolName); s != "" {
			msg += fmt.Sprintf(", did you mean %q?", s)
		}
		return res, domain.NewError(domain.KindToolFault, msg, nil)
	}
	manifest = &m

	if err := p.deps.Schemas.ValidateArguments(ctx, m, call.Arguments); err != nil {
		return res, err
	}

	// Stages 1 and 2 on the declared and requested scopes.
	granted, err := p.authorize(m, call)
	if err != nil {
		return res, err
	}

	budget := m.Budget.Clamp(p.deps.Sandbox.DefaultBudget, p.deps.Sandbox.MaxBudget)
	inv = &domain.Invocation{
		ID:       uuid.NewString(),
		Call:     call,
		Manifest: m,
		Budget:   budget,
		Handles:  map[string]string{},
		KV:       p.deps.KV,
		Started:  start,
	}
	inv.Grant = domain.CapabilityGrant{
		InvocationID: inv.ID,
		JobID:        call.JobID,
		Tool:         m.Name,
		Capabilities: granted,
		ExpiresAt:    start.Add(budget.MaxWallTime + p.teardown + grantSlack),
	}

	// Stage 2 on concrete destinations known before execution.
	if err := p.checkDestinations(inv); err != nil {
		return res, err
	}

	// Stage 3: the tool only ever sees handles.
	for _, c := range granted.OfKind(domain.CapSecret) {
		if c.Scope == "" || strings.ContainsAny(c.Scope, "*?[") {
			continue
		}
		inv.Handles[secretHandlePrefix+uuid.NewString()] = c.Scope
	}

	// Stage 4.
	if err := p.preScan(ctx, inv); err != nil {
		return res, err
	}

	token, err := p.deps.Grants.Sign(inv.Grant)
	if err != nil {
		return res, domain.NewError(domain.KindInternal, "", fmt.Errorf("sign grant: %w", err))
	}
	inv.GrantToken = token
	if granted.HasKind(domain.CapNetwork) || granted.HasKind(domain.CapSecret) {
		inv.Egress = p.deps.Egress.Bind(inv)
	}

	// Stage 5.
	out, err := p.execute(ctx, inv)
	if out != nil {
		diagnostics = out.Diagnostics
	}
	if err != nil {
		return res, err
	}
	if err := p.checkExercised(ctx, inv); err != nil {
		return res, err
	}

	// Stage 6.
	content := out.Output
	truncated := out.Truncated
	if budget.MaxOutputBytes > 0 && len(content) > budget.MaxOutputBytes {
		content = []byte(truncateUTF8(string(content), budget.MaxOutputBytes))
		truncated = true
	}
	if leak, found := p.deps.Leaks.HasHard(content); found {
		p.deps.Audit.RecordSecurityEvent(ctx, inv, domain.KindCredentialLeakDetected, "tool output carries "+leak.Name)
		return res, domain.NewError(domain.KindCredentialLeakDetected, "", fmt.Errorf("output of %s matched %s", m.Name, leak.Name))
	}
	if !truncated && len(m.OutputSchema) > 0 {
		if err := p.deps.Schemas.ValidateOutput(ctx, m, content); err != nil {
			diagnostics = "output schema: " + err.Error()
			return res, domain.Errorf(domain.KindToolFault, "%s returned malformed output", m.Name)
		}
	}

	src := p.provenance(m, out.ContentType)
	verdict, wrapped := p.deps.Filter.Process(string(content), src)
	if verdict.Kind == domain.VerdictBlock {
		p.deps.Audit.RecordSecurityEvent(ctx, inv, domain.KindSafetyBlocked, verdict.Reason)
	}
	if truncated {
		wrapped += "\n[output truncated]"
	}
	res.Content = wrapped
	res.Verdict = verdict
	res.Truncated = truncated
	return res, nil
}

// authorize applies the capability check and the allowlist to capabilities
// named by scope. Network requests are checked last so a wrong destination
// reports EndpointNotAllowed.
func (p *ToolPipeline) authorize(m domain.ToolManifest, call domain.ToolCall) (domain.CapabilitySet, error) {
	policy := p.deps.Policy.Tools[m.Name].Grants
	if len(call.RequestedCapabilities) == 0 {
		return grantable(m.Capabilities, policy), nil
	}

	var granted domain.CapabilitySet
	for _, c := range call.RequestedCapabilities {
		if c.Kind == domain.CapNetwork {
			if !m.Capabilities.HasKind(domain.CapNetwork) {
				return nil, domain.NewError(domain.KindCapabilityDenied, "",
					fmt.Errorf("%s requested %s without any network capability", m.Name, c))
			}
			continue
		}
		if !m.Capabilities.Covers(c) || !policy.Covers(c) {
			return nil, domain.NewError(domain.KindCapabilityDenied, "", fmt.Errorf("%s requested %s", m.Name, c))
		}
		granted = append(granted, c)
	}
	for _, c := range call.RequestedCapabilities.OfKind(domain.CapNetwork) {
		host, _, _ := strings.Cut(c.Scope, "/")
		switch {
		case !m.Capabilities.Covers(c):
			return nil, domain.NewError(domain.KindEndpointNotAllowed, host, fmt.Errorf("%s not declared by %s", c, m.Name))
		case !policy.Covers(c):
			return nil, domain.NewError(domain.KindEndpointNotAllowed, host, fmt.Errorf("%s not granted to %s", c, m.Name))
		case !p.deps.Egress.AllowsScope(c.Scope):
			return nil, domain.NewError(domain.KindEndpointNotAllowed, host, fmt.Errorf("%s not in deployment allowlist", c.Scope))
		}
		granted = append(granted, c)
	}
	return granted, nil
}

// grantable intersects declared capabilities with the deployment policy.
// A broad declaration narrowed by policy yields the policy's scopes.
func grantable(declared, policy domain.CapabilitySet) domain.CapabilitySet {
	var out domain.CapabilitySet
	for _, d := range declared {
		if policy.Covers(d) {
			out = append(out, d)
			continue
		}
		for _, pc := range policy.OfKind(d.Kind) {
			if d.Covers(pc) {
				out = append(out, pc)
			}
		}
	}
	return out
}

// checkDestinations validates the endpoint of remote tools and any url
// argument of network-capable tools before the tool runs.
func (p *ToolPipeline) checkDestinations(inv *domain.Invocation) error {
	m := inv.Manifest
	if !m.Capabilities.HasKind(domain.CapNetwork) {
		return nil
	}
	var targets []string
	if m.Kind == domain.ToolRemote {
		targets = append(targets, m.Source)
	}
	if raw, ok := inv.Call.Arguments["url"].(string); ok && strings.TrimSpace(raw) != "" {
		raw = strings.TrimSpace(raw)
		if !strings.Contains(raw, "://") {
			raw = "https://" + raw
		}
		targets = append(targets, raw)
	}
	for _, t := range targets {
		if _, err := p.deps.Egress.CheckEndpoint(inv, t); err != nil {
			return err
		}
	}
	return nil
}

func (p *ToolPipeline) preScan(ctx context.Context, inv *domain.Invocation) error {
	payload, err := json.Marshal(inv.Call.Arguments)
	if err != nil {
		return domain.NewError(domain.KindInvalidArguments, "arguments are not JSON", err)
	}
	if leak, found := p.deps.Leaks.HasHard(payload); found {
		p.deps.Audit.RecordSecurityEvent(ctx, inv, domain.KindCredentialLeakDetected, "tool arguments carry "+leak.Name)
		return domain.NewError(domain.KindCredentialLeakDetected, "", fmt.Errorf("arguments of %s matched %s", inv.Manifest.Name, leak.Name))
	}
	return nil
}

// execute runs the executor under an outer deadline and converts panics
// and deadline overruns into classified errors.
func (p *ToolPipeline) execute(ctx context.Context, inv *domain.Invocation) (out *domain.ExecResult, err error) {
	runCtx := ctx
	if inv.Budget.MaxWallTime > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Budget.MaxWallTime+p.teardown)
		defer cancel()
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("tool panicked", "tool", inv.Manifest.Name, "panic", r, "stack", string(debug.Stack()))
				out = &domain.ExecResult{Diagnostics: fmt.Sprintf("panic: %v", r)}
				err = domain.NewError(domain.KindToolFault, "tool crashed", fmt.Errorf("panic: %v", r))
			}
		}()
		out, err = p.deps.Executor.Execute(runCtx, inv)
	}()

	switch {
	case ctx.Err() != nil:
		return out, domain.NewError(domain.KindCancelled, "", ctx.Err())
	case err == nil && out == nil:
		return nil, domain.NewError(domain.KindToolFault, "tool produced no result", nil)
	case err == nil:
		return out, nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) &&
		(domain.KindOf(err) == domain.KindInternal || domain.KindOf(err) == domain.KindCancelled):
		return out, domain.NewError(domain.KindResourceLimitExceeded, "wall time exceeded", err)
	case domain.KindOf(err) == domain.KindInternal:
		return out, domain.NewError(domain.KindToolFault, "", err)
	}
	return out, err
}

// checkExercised enforces that nothing was used beyond the manifest and
// the grant.
func (p *ToolPipeline) checkExercised(ctx context.Context, inv *domain.Invocation) error {
	for _, c := range inv.Exercised() {
		if inv.Manifest.Capabilities.Covers(c) && inv.Grant.Capabilities.Covers(c) {
			continue
		}
		p.deps.Audit.RecordSecurityEvent(ctx, inv, domain.KindCapabilityDenied, "exercised undeclared capability "+c.String())
		return domain.NewError(domain.KindCapabilityDenied, "", fmt.Errorf("%s exercised %s", inv.Manifest.Name, c))
	}
	return nil
}

func (p *ToolPipeline) provenance(m domain.ToolManifest, contentType string) domain.Provenance {
	tier := domain.TrustTool
	if m.Kind == domain.ToolRemote || m.Capabilities.HasKind(domain.CapNetwork) {
		tier = domain.TrustExternal
	}
	return domain.Provenance{Origin: "tool:" + m.Name, Tier: tier, ContentType: contentType}
}

func (p *ToolPipeline) finish(ctx context.Context, call domain.ToolCall, m *domain.ToolManifest, inv *domain.Invocation,
	res domain.ToolResult, err error, diagnostics string) {
	entry := domain.AuditEntry{
		JobID:      call.JobID,
		CallID:     call.ID,
		ToolName:   call.ToolName,
		Outcome:    domain.AuditOutcomeOK,
		Verdict:    res.Verdict.Kind,
		DurationMS: res.Duration.Milliseconds(),
	}
	if inv != nil {
		entry.Granted = inv.Grant.Capabilities.Strings()
	}
	if err != nil {
		entry.Outcome = string(domain.KindOf(err))
		entry.Detail = domain.PublicMessage(err)
		p.logger.Warn("tool call failed", "tool", call.ToolName, "job_id", call.JobID, "kind", domain.KindOf(err), "error", err)
	} else {
		p.logger.Info("tool executed", "tool", call.ToolName, "job_id", call.JobID, "verdict", res.Verdict.Kind, "duration", res.Duration)
	}
	p.deps.Audit.Record(ctx, entry)

	if err != nil && m != nil && p.deps.Failures != nil {
		if _, _, ferr := p.deps.Failures.RecordFailure(context.WithoutCancel(ctx), m.Name, err, diagnostics); ferr != nil {
			p.logger.Error("failed to record tool failure", "tool", m.Name, "error", ferr)
		}
	}
}
