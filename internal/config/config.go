// Package config provides centralized configuration management for the
// investigation core.
//
// Responsibilities:
//   - Load configuration from YAML files with environment variable overrides
//   - Provide typed access to all settings with sane defaults
//   - Validate configuration at startup (invalid config is fatal)
//   - Watch for file changes and apply the dynamically-safe subset
//
// Integration points:
//   - cmd/kubeinquest: loads config before wiring any component
//   - every internal package: receives its section by value at construction
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration for the process.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Reports   ReportsConfig   `mapstructure:"reports"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	Host        string   `mapstructure:"host"`
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// MonitorConfig controls the snapshot loop, detection windows, and the
// investigation scheduler.
type MonitorConfig struct {
	CheckInterval               time.Duration `mapstructure:"check_interval"`
	Cooldown                    time.Duration `mapstructure:"cooldown"`
	DebounceK                   int           `mapstructure:"debounce_k"`
	MaxConcurrentInvestigations int           `mapstructure:"max_concurrent_investigations"`
	InvestigationTimeout        time.Duration `mapstructure:"investigation_timeout"`
	AdapterTimeout              time.Duration `mapstructure:"adapter_timeout"`
	GracePeriod                 time.Duration `mapstructure:"grace_period"`
	AutoStart                   bool          `mapstructure:"auto_start"`
}

// LLMConfig controls the knowledge-augmented investigator. When SafeMode is
// true the LLM adapter is disabled entirely and agentic dispatch is rejected.
type LLMConfig struct {
	SafeMode      bool           `mapstructure:"safe_mode"`
	Provider      string         `mapstructure:"provider"` // ollama | openai | custom
	Timeout       time.Duration  `mapstructure:"timeout"`
	MaxIterations int            `mapstructure:"max_iterations"`
	Temperature   float64        `mapstructure:"temperature"`
	MaxTokens     int            `mapstructure:"max_tokens"`
	Ollama        EndpointConfig `mapstructure:"ollama"`
	OpenAI        EndpointConfig `mapstructure:"openai"`
}

// EndpointConfig describes one LLM provider endpoint.
type EndpointConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// AnalyzerConfig controls the external analyzer tool invocation.
type AnalyzerConfig struct {
	Binary string `mapstructure:"binary"`
}

// ReportsConfig controls report persistence and the in-memory archive.
type ReportsConfig struct {
	Dir         string `mapstructure:"dir"`
	ArchiveSize int    `mapstructure:"archive_size"`
}

// KnowledgeConfig controls the knowledge corpus index.
type KnowledgeConfig struct {
	Dir  string `mapstructure:"dir"`
	TopK int    `mapstructure:"top_k"`
}

// ClusterConfig controls the Kubernetes client.
type ClusterConfig struct {
	Kubeconfig string  `mapstructure:"kubeconfig"`
	QPS        float32 `mapstructure:"qps"`
	Burst      int     `mapstructure:"burst"`
	RateLimit  float64 `mapstructure:"rate_limit"` // client-side requests/sec
}

// AuditConfig controls the embedded audit trail database.
type AuditConfig struct {
	DBPath     string `mapstructure:"db_path"`
	QueryLimit int    `mapstructure:"query_limit"`
}

// LoggingConfig controls the zap root logger.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug | info | warn | error
	Format     string `mapstructure:"format"` // json | console
	File       string `mapstructure:"file"`   // empty = stdout only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// DefaultConfig returns a Config populated with every default value.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "",
			Port:        8085,
			CORSOrigins: []string{"*"},
		},
		Monitor: MonitorConfig{
			CheckInterval:               30 * time.Second,
			Cooldown:                    5 * time.Minute,
			DebounceK:                   2,
			MaxConcurrentInvestigations: 2,
			InvestigationTimeout:        120 * time.Second,
			AdapterTimeout:              10 * time.Second,
			GracePeriod:                 2 * time.Second,
			AutoStart:                   true,
		},
		LLM: LLMConfig{
			SafeMode:      true,
			Provider:      "ollama",
			Timeout:       20 * time.Second,
			MaxIterations: 6,
			Temperature:   0.1,
			MaxTokens:     1024,
			Ollama: EndpointConfig{
				BaseURL: "http://localhost:11434",
				Model:   "llama3.1",
			},
			OpenAI: EndpointConfig{
				BaseURL: "https://api.openai.com",
				Model:   "gpt-4o-mini",
			},
		},
		Analyzer: AnalyzerConfig{
			Binary: "k8sgpt",
		},
		Reports: ReportsConfig{
			Dir:         "./reports",
			ArchiveSize: 500,
		},
		Knowledge: KnowledgeConfig{
			Dir:  "./knowledge",
			TopK: 3,
		},
		Cluster: ClusterConfig{
			Kubeconfig: "",
			QPS:        20,
			Burst:      40,
			RateLimit:  10,
		},
		Audit: AuditConfig{
			DBPath:     "./kubeinquest.db",
			QueryLimit: 200,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			File:       "",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// Validate returns all configuration errors found. An empty slice means the
// configuration is usable.
func (c *Config) Validate() []error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server: port must be between 1 and 65535, got %d", c.Server.Port))
	}

	if c.Monitor.CheckInterval < 5*time.Second {
		errs = append(errs, fmt.Errorf("monitor: check_interval must be at least 5s, got %s", c.Monitor.CheckInterval))
	}
	if c.Monitor.Cooldown <= 0 {
		errs = append(errs, fmt.Errorf("monitor: cooldown must be positive, got %s", c.Monitor.Cooldown))
	}
	if c.Monitor.DebounceK < 1 {
		errs = append(errs, fmt.Errorf("monitor: debounce_k must be at least 1, got %d", c.Monitor.DebounceK))
	}
	if c.Monitor.MaxConcurrentInvestigations < 1 {
		errs = append(errs, fmt.Errorf("monitor: max_concurrent_investigations must be at least 1, got %d", c.Monitor.MaxConcurrentInvestigations))
	}
	if c.Monitor.InvestigationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("monitor: investigation_timeout must be positive, got %s", c.Monitor.InvestigationTimeout))
	}
	if c.Monitor.AdapterTimeout <= 0 {
		errs = append(errs, fmt.Errorf("monitor: adapter_timeout must be positive, got %s", c.Monitor.AdapterTimeout))
	}

	switch c.LLM.Provider {
	case "ollama", "openai", "custom":
	default:
		errs = append(errs, fmt.Errorf("llm: invalid provider %q (must be ollama, openai, or custom)", c.LLM.Provider))
	}
	if c.LLM.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("llm: max_iterations must be at least 1, got %d", c.LLM.MaxIterations))
	}
	if c.LLM.Temperature < 0 {
		errs = append(errs, fmt.Errorf("llm: temperature cannot be negative, got %g", c.LLM.Temperature))
	}
	if !c.LLM.SafeMode && c.LLM.Provider == "openai" && c.LLM.OpenAI.APIKey == "" {
		errs = append(errs, fmt.Errorf("llm: openai api_key is required when safe_mode is off"))
	}

	if c.Reports.Dir == "" {
		errs = append(errs, fmt.Errorf("reports: dir is required"))
	}
	if c.Reports.ArchiveSize < 1 {
		errs = append(errs, fmt.Errorf("reports: archive_size must be at least 1, got %d", c.Reports.ArchiveSize))
	}

	if c.Knowledge.TopK < 1 {
		errs = append(errs, fmt.Errorf("knowledge: top_k must be at least 1, got %d", c.Knowledge.TopK))
	}

	if c.Audit.DBPath == "" {
		errs = append(errs, fmt.Errorf("audit: db_path is required"))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging: invalid log level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging: invalid log format %q", c.Logging.Format))
	}

	return errs
}
