package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/manthysbr/aulerun/internal/core/domain"
)

// Env holds the process-level settings read from the environment.
type Env struct {
	DBPath     string
	PluginDir  string
	Addr       string
	ConfigPath string
	KeyPath    string
	AuditLog   string
}

// EnvFromOS reads AULE_* variables with the kernel's defaults.
func EnvFromOS() Env {
	return Env{
		DBPath:     getenv("AULE_DB_PATH", "aule.db"),
		PluginDir:  getenv("AULE_PLUGIN_DIR", "plugins"),
		Addr:       getenv("AULE_ADDR", ":8080"),
		ConfigPath: getenv("AULE_CONFIG", "aule.yaml"),
		KeyPath:    os.Getenv("AULE_SECRET_KEY_PATH"),
		AuditLog:   os.Getenv("AULE_AUDIT_LOG"),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Load returns defaults overlaid by the YAML file at path (if it exists)
// and then by environment overrides. The result is validated.
func Load(path string) (*domain.RuntimeConfig, error) {
	cfg := domain.DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := decodeYAML(raw, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(raw []byte, cfg *domain.RuntimeConfig) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *domain.RuntimeConfig) error {
	if v := os.Getenv("AULE_MAX_CONCURRENT_JOBS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AULE_MAX_CONCURRENT_JOBS: %w", err)
		}
		cfg.Scheduler.MaxConcurrentJobs = n
	}
	if v := os.Getenv("AULE_LIVENESS_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("AULE_LIVENESS_WINDOW: %w", err)
		}
		cfg.Scheduler.LivenessWindow = d
	}
	if v := os.Getenv("AULE_LLM_MODE"); v != "" {
		cfg.Providers.LLM.Mode = v
	}
	if v := os.Getenv("AULE_LLM_BASE_URL"); v != "" {
		cfg.Providers.LLM.BaseURL = v
	}
	if v := os.Getenv("AULE_LLM_MODEL"); v != "" {
		cfg.Providers.LLM.DefaultModel = v
	}
	if v := os.Getenv("AULE_LLM_PROTOCOL"); v != "" {
		cfg.Providers.LLM.Protocol = v
	}
	return nil
}

// Validate rejects configurations that break runtime invariants, most
// importantly the timeout layering: sandbox wall limit < step timeout <
// liveness window.
func Validate(cfg *domain.RuntimeConfig) error {
	s, w, sb := cfg.Scheduler, cfg.Worker, cfg.Sandbox
	var errs []error
	if s.MaxConcurrentJobs < 1 {
		errs = append(errs, errors.New("scheduler.max_concurrent_jobs must be at least 1"))
	}
	if s.MaxPending < 0 {
		errs = append(errs, errors.New("scheduler.max_pending cannot be negative"))
	}
	if s.MaxRequeues < 0 {
		errs = append(errs, errors.New("scheduler.max_requeues cannot be negative"))
	}
	if s.SweepInterval <= 0 || s.SweepInterval > s.LivenessWindow {
		errs = append(errs, errors.New("scheduler.sweep_interval must be positive and within the liveness window"))
	}
	if w.MaxSteps < 1 {
		errs = append(errs, errors.New("worker.max_steps must be at least 1"))
	}
	if w.ToolRetryCap < 1 {
		errs = append(errs, errors.New("worker.tool_retry_cap must be at least 1"))
	}
	if w.ModelRetries < 0 {
		errs = append(errs, errors.New("worker.model_retries cannot be negative"))
	}
	if w.UtilityThreshold < 0 || w.UtilityThreshold >= 1 {
		errs = append(errs, errors.New("worker.utility_threshold must be in [0, 1)"))
	}
	if w.UtilityDecay <= 0 || w.UtilityDecay > 1 {
		errs = append(errs, errors.New("worker.utility_decay must be in (0, 1]"))
	}
	if sb.MaxBudget.MaxWallTime <= 0 || sb.MaxBudget.MaxWallTime >= w.StepTimeout {
		errs = append(errs, fmt.Errorf("sandbox.max_budget.max_wall_time (%s) must be below worker.step_timeout (%s)", sb.MaxBudget.MaxWallTime, w.StepTimeout))
	}
	if w.StepTimeout >= s.LivenessWindow {
		errs = append(errs, fmt.Errorf("worker.step_timeout (%s) must be below scheduler.liveness_window (%s)", w.StepTimeout, s.LivenessWindow))
	}
	switch llm := cfg.Providers.LLM; {
	case llm.Mode != "openai" && llm.Mode != "gemini":
		errs = append(errs, fmt.Errorf("providers.llm.mode: unsupported %q", llm.Mode))
	case llm.Protocol != "" && llm.Protocol != "native" && llm.Protocol != "react":
		errs = append(errs, fmt.Errorf("providers.llm.protocol: unsupported %q", llm.Protocol))
	}
	for _, m := range cfg.Policy.Credentials {
		switch m.Location.Kind {
		case "bearer":
		case "header", "query":
			if m.Location.Name == "" {
				errs = append(errs, fmt.Errorf("credential %s: %s location needs a name", m.Secret, m.Location.Kind))
			}
		default:
			errs = append(errs, fmt.Errorf("credential %s: unknown location %q", m.Secret, m.Location.Kind))
		}
		if len(m.Hosts) == 0 {
			errs = append(errs, fmt.Errorf("credential %s: no hosts", m.Secret))
		}
	}
	return errors.Join(errs...)
}
