package domain

import "time"

// ProviderConfig holds configuration for the model providers
type ProviderConfig struct {
	LLM LLMProviderConfig `json:"llm" yaml:"llm"`
}

// LLMProviderConfig configures the model collaborator
type LLMProviderConfig struct {
	Mode         string `json:"mode" yaml:"mode"`                 // "openai" or "gemini"
	BaseURL      string `json:"base_url" yaml:"base_url"`         // "http://localhost:11434/v1"
	APIKeyName   string `json:"api_key_name" yaml:"api_key_name"` // secret holding the key
	DefaultModel string `json:"default_model" yaml:"default_model"`
	Stream       bool   `json:"stream" yaml:"stream"`
	// Protocol selects how tools reach an openai-mode model: "native"
	// function calling or "react" text prompting.
	Protocol string        `json:"protocol" yaml:"protocol"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
}

// SchedulerConfig bounds admission and liveness.
type SchedulerConfig struct {
	MaxConcurrentJobs int           `json:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`
	MaxPending        int           `json:"max_pending" yaml:"max_pending"`
	PreemptPriority   Priority      `json:"preempt_priority" yaml:"preempt_priority"`
	LivenessWindow    time.Duration `json:"liveness_window" yaml:"liveness_window"`
	SweepInterval     time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	MaxRequeues       int           `json:"max_requeues" yaml:"max_requeues"`
	CancelGrace       time.Duration `json:"cancel_grace" yaml:"cancel_grace"`
}

// WorkerConfig bounds one reasoning loop.
type WorkerConfig struct {
	MaxSteps         int           `json:"max_steps" yaml:"max_steps"`
	StepTimeout      time.Duration `json:"step_timeout" yaml:"step_timeout"`
	ToolRetryCap     int           `json:"tool_retry_cap" yaml:"tool_retry_cap"`
	ModelRetries     int           `json:"model_retries" yaml:"model_retries"`
	ModelBackoff     time.Duration `json:"model_backoff" yaml:"model_backoff"`
	ModelBackoffMax  time.Duration `json:"model_backoff_max" yaml:"model_backoff_max"`
	UtilityThreshold float64       `json:"utility_threshold" yaml:"utility_threshold"`
	UtilityDecay     float64       `json:"utility_decay" yaml:"utility_decay"`
	ParallelTools    bool          `json:"parallel_tools" yaml:"parallel_tools"`
	MemoryItems      int           `json:"memory_items" yaml:"memory_items"`
}

// SandboxConfig holds the deployment-wide sandbox limits.
type SandboxConfig struct {
	DefaultBudget        ResourceBudget `json:"default_budget" yaml:"default_budget"`
	MaxBudget            ResourceBudget `json:"max_budget" yaml:"max_budget"`
	AllowPrivateNetworks bool           `json:"allow_private_networks" yaml:"allow_private_networks"`
	UpstreamProxy        string         `json:"upstream_proxy" yaml:"upstream_proxy"`
	MaxResponseBytes     int64          `json:"max_response_bytes" yaml:"max_response_bytes"`
	ContainerRuntime     string         `json:"container_runtime" yaml:"container_runtime"`
}

// SafetyConfig tunes the safety filter.
type SafetyConfig struct {
	MaxContentLength  int `json:"max_content_length" yaml:"max_content_length"`
	BlockOnCriticalAt int `json:"block_on_critical_at" yaml:"block_on_critical_at"`
}

// CredentialLocation says where the host puts a secret on an outbound request.
type CredentialLocation struct {
	Kind string `json:"kind" yaml:"kind"` // "bearer", "header" or "query"
	Name string `json:"name,omitempty" yaml:"name"`
}

// CredentialMapping binds a secret to the hosts it may be sent to.
type CredentialMapping struct {
	Secret   string             `json:"secret" yaml:"secret"`
	Hosts    []string           `json:"hosts" yaml:"hosts"`
	Location CredentialLocation `json:"location" yaml:"location"`
}

// ToolPolicy lists what the deployment lets one tool hold.
type ToolPolicy struct {
	Grants CapabilitySet `json:"grants" yaml:"grants"`
}

// Policy is loaded once and shared read-only by every job.
type Policy struct {
	Tools       map[string]ToolPolicy `json:"tools" yaml:"tools"`
	Allowlist   []string              `json:"allowlist" yaml:"allowlist"`
	Credentials []CredentialMapping   `json:"credentials" yaml:"credentials"`
}

// RuntimeConfig is the whole runtime configuration.
type RuntimeConfig struct {
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Worker    WorkerConfig    `json:"worker" yaml:"worker"`
	Sandbox   SandboxConfig   `json:"sandbox" yaml:"sandbox"`
	Safety    SafetyConfig    `json:"safety" yaml:"safety"`
	Policy    Policy          `json:"policy" yaml:"policy"`
	Providers ProviderConfig  `json:"providers" yaml:"providers"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Scheduler: SchedulerConfig{
			MaxConcurrentJobs: 4,
			MaxPending:        100,
			PreemptPriority:   PriorityCritical,
			LivenessWindow:    5 * time.Minute,
			SweepInterval:     30 * time.Second,
			MaxRequeues:       1,
			CancelGrace:       10 * time.Second,
		},
		Worker: WorkerConfig{
			MaxSteps:         10,
			StepTimeout:      3 * time.Minute,
			ToolRetryCap:     3,
			ModelRetries:     3,
			ModelBackoff:     time.Second,
			ModelBackoffMax:  20 * time.Second,
			UtilityThreshold: 0.05,
			UtilityDecay:     0.85,
			MemoryItems:      5,
		},
		Sandbox: SandboxConfig{
			DefaultBudget: ResourceBudget{
				MaxMemoryBytes: 64 << 20,
				MaxCPUTime:     10 * time.Second,
				MaxWallTime:    30 * time.Second,
				MaxOutputBytes: 256 << 10,
			},
			MaxBudget: ResourceBudget{
				MaxMemoryBytes: 2 << 30,
				MaxCPUTime:     60 * time.Second,
				MaxWallTime:    120 * time.Second,
				MaxOutputBytes: 1 << 20,
			},
			MaxResponseBytes: 1 << 20,
		},
		Safety: SafetyConfig{
			MaxContentLength:  100_000,
			BlockOnCriticalAt: 3,
		},
		Policy: Policy{
			Tools: map[string]ToolPolicy{
				"note_write": {Grants: CapabilitySet{MustCapability("kv:notes")}},
				"note_read":  {Grants: CapabilitySet{MustCapability("kv:notes")}},
			},
			Credentials: []CredentialMapping{
				{Secret: "OPENAI_API_KEY", Hosts: []string{"api.openai.com"}, Location: CredentialLocation{Kind: "bearer"}},
				{Secret: "ANTHROPIC_API_KEY", Hosts: []string{"api.anthropic.com"}, Location: CredentialLocation{Kind: "header", Name: "x-api-key"}},
			},
		},
		Providers: ProviderConfig{
			LLM: LLMProviderConfig{
				Mode:         "openai",
				BaseURL:      "http://localhost:11434/v1",
				DefaultModel: "gemma3:12b",
				Protocol:     "react",
				Timeout:      2 * time.Minute,
			},
		},
	}
}
