// Package docker runs container tools: one throwaway container per call,
// no network, read-only root filesystem, memory and CPU capped from the
// invocation budget.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

const (
	containerUser  = "65534:65534"
	inputEnv       = "AULE_TOOL_INPUT"
	labelManaged   = "aule.managed"
	labelCall      = "aule.call_id"
	exitOOMKilled  = 137
	diagnosticsCap = 2048
)

// API is the subset of the Docker client the manager uses.
type API interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

type Manager struct {
	cli     API
	logger  *slog.Logger
	runtime string
}

// NewManager connects to the Docker daemon from the environment.
// containerRuntime selects an OCI runtime such as "runsc"; empty uses the
// daemon default.
func NewManager(logger *slog.Logger, containerRuntime string) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewManagerWithClient(cli, logger, containerRuntime), nil
}

func NewManagerWithClient(cli API, logger *slog.Logger, containerRuntime string) *Manager {
	return &Manager{cli: cli, logger: logger, runtime: containerRuntime}
}

var _ domain.Executor = (*Manager)(nil)

const (
	minNanoCPUs = 1e7
	maxNanoCPUs = 1e9
)

// cpuQuota spreads the CPU budget over the wall budget, so a container
// killed at its wall deadline has used at most cpu of CPU time. The quota
// is clamped to between 0.01 and one CPU.
func cpuQuota(cpu, wall time.Duration) int64 {
	if cpu <= 0 || wall <= 0 {
		return maxNanoCPUs
	}
	n := int64(float64(cpu) / float64(wall) * 1e9)
	return min(max(n, minNanoCPUs), maxNanoCPUs)
}

// Execute implements domain.Executor for container tools. The manifest
// Source is the image and Command the entrypoint arguments. Input arrives
// as JSON in AULE_TOOL_INPUT; stdout is the result. Containers have no
// network and no host services, so they get no grant token.
func (m *Manager) Execute(ctx context.Context, inv *domain.Invocation) (*domain.ExecResult, error) {
	input, err := json.Marshal(map[string]any{
		"arguments": inv.Call.Arguments,
	})
	if err != nil {
		return nil, domain.NewError(domain.KindToolFault, "encode input", err)
	}

	wall := inv.Budget.MaxWallTime
	if wall <= 0 {
		wall = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, wall)
	defer cancel()

	cfg := &container.Config{
		Image:           inv.Manifest.Source,
		Cmd:             inv.Manifest.Command,
		Env:             []string{inputEnv + "=" + string(input), "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"},
		User:            containerUser,
		NetworkDisabled: true,
		Labels: map[string]string{
			labelManaged: "true",
			labelCall:    inv.Call.ID,
		},
	}
	pids := int64(64)
	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Runtime:        m.runtime,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=16m",
		},
		Resources: container.Resources{
			Memory:     inv.Budget.MaxMemoryBytes,
			MemorySwap: inv.Budget.MaxMemoryBytes,
			NanoCPUs:   cpuQuota(inv.Budget.MaxCPUTime, wall),
			PidsLimit:  &pids,
		},
	}

	id, err := m.create(runCtx, cfg, hostCfg, "aule-tool-"+inv.ID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewError(domain.KindCancelled, "", err)
		}
		return nil, domain.NewError(domain.KindToolFault, "container create failed", err)
	}
	defer func() {
		rmCtx, rmCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer rmCancel()
		if err := m.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			m.logger.Warn("docker: failed to remove tool container", "container", id, "error", err)
		}
	}()

	if err := m.cli.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		return nil, domain.NewError(domain.KindToolFault, "container start failed", err)
	}

	status, err := m.wait(runCtx, id)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, domain.NewError(domain.KindCancelled, "", err)
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			return nil, domain.NewError(domain.KindResourceLimitExceeded, inv.Manifest.Name+" exceeded its time budget", err)
		}
		return nil, domain.NewError(domain.KindToolFault, "container wait failed", err)
	}

	stdout, stderr, err := m.logs(context.WithoutCancel(ctx), id, inv.Budget.MaxOutputBytes)
	if err != nil {
		return nil, domain.NewError(domain.KindToolFault, "read container output", err)
	}
	res := &domain.ExecResult{
		Output:      stdout.Bytes(),
		Truncated:   stdout.truncated,
		Diagnostics: stderr.String(),
	}

	switch status {
	case 0:
		return res, nil
	case exitOOMKilled:
		return res, domain.Errorf(domain.KindResourceLimitExceeded, "%s was killed (memory budget)", inv.Manifest.Name)
	default:
		return res, domain.Errorf(domain.KindToolFault, "%s exited with code %d", inv.Manifest.Name, status)
	}
}

func (m *Manager) create(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error) {
	netCfg := &network.NetworkingConfig{}
	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if client.IsErrNotFound(err) {
		reader, pullErr := m.cli.ImagePull(ctx, cfg.Image, image.PullOptions{})
		if pullErr != nil {
			return "", fmt.Errorf("failed to pull image %s: %w", cfg.Image, pullErr)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = m.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	}
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (m *Manager) wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := m.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case st := <-statusCh:
		if st.Error != nil {
			return 0, errors.New(st.Error.Message)
		}
		return st.StatusCode, nil
	case err := <-errCh:
		return 0, err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *Manager) logs(ctx context.Context, id string, maxOutput int) (*limitBuffer, *limitBuffer, error) {
	rc, err := m.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()
	stdout, stderr := newLimitBuffer(maxOutput), newLimitBuffer(diagnosticsCap)
	if _, err := stdcopy.StdCopy(stdout, stderr, rc); err != nil {
		return nil, nil, err
	}
	return stdout, stderr, nil
}

// ReapOrphans removes tool containers left behind by a previous process.
func (m *Manager) ReapOrphans(ctx context.Context) (int, error) {
	args := filters.NewArgs()
	args.Add("label", labelManaged+"=true")
	containers, err := m.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return 0, fmt.Errorf("list tool containers: %w", err)
	}
	removed := 0
	for _, c := range containers {
		if err := m.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			m.logger.Warn("docker: failed to reap container", "container", c.ID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("docker: reaped orphaned tool containers", "count", removed)
	}
	return removed, nil
}

type limitBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func newLimitBuffer(limit int) *limitBuffer {
	if limit <= 0 {
		limit = 256 << 10
	}
	return &limitBuffer{limit: limit}
}

func (b *limitBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.Len()
	if len(p) > room {
		b.truncated = true
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p)
}
