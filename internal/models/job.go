package models

// JobConfig represents the parsed job.yaml configuration.
type JobConfig struct {
	Name                *string           `yaml:"name,omitempty" json:"name,omitempty"`
	RunsDir             string            `yaml:"runs_dir" json:"runs_dir"`
	NConcurrentSessions int               `yaml:"n_concurrent_sessions" json:"n_concurrent_sessions"`
	LogLevel            string            `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	Agent               AgentConfig       `yaml:"agent" json:"agent"`
	Environment         EnvironmentConfig `yaml:"environment" json:"environment"`
	Limits              LimitsConfig      `yaml:"limits" json:"limits"`
	Selection           SelectionConfig   `yaml:"selection" json:"selection"`
	Success             SuccessConfig     `yaml:"success,omitempty" json:"success,omitempty"`
	Server              ServerConfig      `yaml:"server,omitempty" json:"server,omitempty"`
}

// AgentConfig describes how to reach the agent under evaluation.
type AgentConfig struct {
	URL               string   `yaml:"url" json:"url"`
	Token             string   `yaml:"token,omitempty" json:"-"`
	UsePathToken      bool     `yaml:"use_path_token" json:"use_path_token"`
	Version           string   `yaml:"version,omitempty" json:"version,omitempty"`
	RequestTimeoutSec float64  `yaml:"request_timeout_sec" json:"request_timeout_sec"`
	MaxAttempts       int      `yaml:"max_attempts" json:"max_attempts"`
	InitialBackoffMs  int      `yaml:"initial_backoff_ms" json:"initial_backoff_ms"`
	MaxBackoffMs      int      `yaml:"max_backoff_ms" json:"max_backoff_ms"`
	Tools             []string `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// EnvironmentConfig describes the simulated desktop backend.
type EnvironmentConfig struct {
	Type              string         `yaml:"type" json:"type"`
	URL               string         `yaml:"url,omitempty" json:"url,omitempty"`
	Image             string         `yaml:"image,omitempty" json:"image,omitempty"`
	Controller        string         `yaml:"controller,omitempty" json:"controller,omitempty"`
	ProviderName      string         `yaml:"provider_name,omitempty" json:"provider_name,omitempty"`
	OSType            string         `yaml:"os_type,omitempty" json:"os_type,omitempty"`
	Region            string         `yaml:"region,omitempty" json:"region,omitempty"`
	ScreenWidth       int            `yaml:"screen_width" json:"screen_width"`
	ScreenHeight      int            `yaml:"screen_height" json:"screen_height"`
	CPUs              int            `yaml:"cpus,omitempty" json:"cpus,omitempty"`
	Memory            string         `yaml:"memory,omitempty" json:"memory,omitempty"`
	StepTimeoutSec    float64        `yaml:"step_timeout_sec" json:"step_timeout_sec"`
	AcquireTimeoutSec float64        `yaml:"acquire_timeout_sec" json:"acquire_timeout_sec"`
	ProviderConfig    map[string]any `yaml:"provider_config,omitempty" json:"provider_config,omitempty"`
}

// LimitsConfig bounds every session of the job.
type LimitsConfig struct {
	MaxSteps      int     `yaml:"max_steps" json:"max_steps"`
	MaxSeconds    float64 `yaml:"max_seconds" json:"max_seconds"`
	GraceSec      float64 `yaml:"grace_sec" json:"grace_sec"`
	MaxCodeLength int     `yaml:"max_code_length" json:"max_code_length"`
}

// ToLimits converts the config block into session limits.
func (l LimitsConfig) ToLimits() Limits {
	return Limits{
		MaxSteps:      l.MaxSteps,
		MaxSeconds:    l.MaxSeconds,
		GraceSeconds:  l.GraceSec,
		MaxCodeLength: l.MaxCodeLength,
	}
}

// SelectionConfig picks which tasks of which slice run.
type SelectionConfig struct {
	CatalogRoot     string `yaml:"catalog_root" json:"catalog_root"`
	Slice           string `yaml:"slice" json:"slice"`
	Mode            string `yaml:"mode" json:"mode"`
	Domain          string `yaml:"domain,omitempty" json:"domain,omitempty"`
	Example         string `yaml:"example,omitempty" json:"example,omitempty"`
	K               int    `yaml:"k,omitempty" json:"k,omitempty"`
	Seed            int64  `yaml:"seed" json:"seed"`
	Indices         []int  `yaml:"indices,omitempty" json:"indices,omitempty"`
	NoExternalDrive bool   `yaml:"no_external_drive" json:"no_external_drive"`
	NoProxy         bool   `yaml:"no_proxy" json:"no_proxy"`
}

// SuccessConfig selects the success predicate per domain.
type SuccessConfig struct {
	Default string            `yaml:"default,omitempty" json:"default,omitempty"`
	Domains map[string]string `yaml:"domains,omitempty" json:"domains,omitempty"`
}

// ServerConfig configures the HTTP surface of the serve command.
type ServerConfig struct {
	Addr           string   `yaml:"addr,omitempty" json:"addr,omitempty"`
	Token          string   `yaml:"token,omitempty" json:"-"`
	RequireAuth    *bool    `yaml:"require_auth,omitempty" json:"require_auth,omitempty"`
	MaxConcurrent  int      `yaml:"max_concurrent,omitempty" json:"max_concurrent,omitempty"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty"`
}

// AuthRequired reports whether requests must carry a token. Defaults to true.
func (s ServerConfig) AuthRequired() bool {
	return s.RequireAuth == nil || *s.RequireAuth
}
