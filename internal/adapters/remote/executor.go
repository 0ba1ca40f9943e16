// Package remote runs tools hosted behind an HTTP JSON endpoint. Calls go
// through the invocation's egress, so remote tools get the same endpoint
// checks and credential injection as sandboxed ones.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

type Executor struct {
	logger *slog.Logger
}

func NewExecutor(logger *slog.Logger) *Executor {
	return &Executor{logger: logger}
}

var _ domain.Executor = (*Executor)(nil)

// Execute POSTs {"arguments": ...} to the manifest Source URL.
func (e *Executor) Execute(ctx context.Context, inv *domain.Invocation) (*domain.ExecResult, error) {
	if inv.Egress == nil {
		return nil, domain.Errorf(domain.KindEndpointNotAllowed, "%s has no network access", inv.Manifest.Name)
	}
	body, err := json.Marshal(map[string]any{"arguments": inv.Call.Arguments})
	if err != nil {
		return nil, domain.NewError(domain.KindToolFault, "encode arguments", err)
	}

	resp, err := inv.Egress.Do(ctx, domain.EgressRequest{
		Method: http.MethodPost,
		URL:    inv.Manifest.Source,
		Headers: map[string]string{
			"Content-Type": "application/json",
			"Accept":       "application/json",
		},
		Body: body,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewError(domain.KindCancelled, "", err)
		}
		return nil, err
	}

	res := &domain.ExecResult{
		Output:      resp.Body,
		ContentType: resp.ContentType,
		Truncated:   resp.Truncated,
	}
	if resp.Status < 200 || resp.Status > 299 {
		res.Diagnostics = fmt.Sprintf("HTTP %d: %s", resp.Status, snippet(resp.Body))
		e.logger.Warn("remote tool returned error status", "tool", inv.Manifest.Name, "status", resp.Status)
		return res, domain.Errorf(domain.KindToolFault, "%s returned HTTP %d", inv.Manifest.Name, resp.Status)
	}
	return res, nil
}

func snippet(b []byte) string {
	if len(b) > 512 {
		return string(b[:512])
	}
	return string(b)
}
