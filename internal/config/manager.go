package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Manager provides thread-safe access to the loaded configuration.
type Manager interface {
	// Load reads the config file (if present) and applies env overrides.
	Load(ctx context.Context) error

	// Get returns the current configuration. Always non-nil after Load.
	Get(ctx context.Context) *Config

	// Validate checks the current configuration and returns a combined error.
	Validate(ctx context.Context) error

	// Watch registers a callback invoked after each successful reload
	// triggered by a config file change.
	Watch(ctx context.Context, onChange func(*Config)) error

	// Reload re-reads the config file and swaps the active configuration.
	Reload(ctx context.Context) error
}

type viperManager struct {
	mu       sync.RWMutex
	v        *viper.Viper
	cfg      *Config
	path     string
	onChange func(*Config)
}

var _ Manager = (*viperManager)(nil)

// NewManager creates a Manager bound to the given config file path. The file
// does not have to exist; defaults and environment variables still apply.
func NewManager(path string) (Manager, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/kubeinquest")
	}

	v.SetEnvPrefix("KUBEINQUEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m := &viperManager{v: v, path: path, cfg: DefaultConfig()}
	m.setDefaults()
	return m, nil
}

func (m *viperManager) setDefaults() {
	d := DefaultConfig()

	m.v.SetDefault("server.host", d.Server.Host)
	m.v.SetDefault("server.port", d.Server.Port)
	m.v.SetDefault("server.cors_origins", d.Server.CORSOrigins)

	m.v.SetDefault("monitor.check_interval", d.Monitor.CheckInterval)
	m.v.SetDefault("monitor.cooldown", d.Monitor.Cooldown)
	m.v.SetDefault("monitor.debounce_k", d.Monitor.DebounceK)
	m.v.SetDefault("monitor.max_concurrent_investigations", d.Monitor.MaxConcurrentInvestigations)
	m.v.SetDefault("monitor.investigation_timeout", d.Monitor.InvestigationTimeout)
	m.v.SetDefault("monitor.adapter_timeout", d.Monitor.AdapterTimeout)
	m.v.SetDefault("monitor.grace_period", d.Monitor.GracePeriod)
	m.v.SetDefault("monitor.auto_start", d.Monitor.AutoStart)

	m.v.SetDefault("llm.safe_mode", d.LLM.SafeMode)
	m.v.SetDefault("llm.provider", d.LLM.Provider)
	m.v.SetDefault("llm.timeout", d.LLM.Timeout)
	m.v.SetDefault("llm.max_iterations", d.LLM.MaxIterations)
	m.v.SetDefault("llm.temperature", d.LLM.Temperature)
	m.v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	m.v.SetDefault("llm.ollama.base_url", d.LLM.Ollama.BaseURL)
	m.v.SetDefault("llm.ollama.model", d.LLM.Ollama.Model)
	m.v.SetDefault("llm.openai.base_url", d.LLM.OpenAI.BaseURL)
	m.v.SetDefault("llm.openai.model", d.LLM.OpenAI.Model)

	m.v.SetDefault("analyzer.binary", d.Analyzer.Binary)

	m.v.SetDefault("reports.dir", d.Reports.Dir)
	m.v.SetDefault("reports.archive_size", d.Reports.ArchiveSize)

	m.v.SetDefault("knowledge.dir", d.Knowledge.Dir)
	m.v.SetDefault("knowledge.top_k", d.Knowledge.TopK)

	m.v.SetDefault("cluster.kubeconfig", d.Cluster.Kubeconfig)
	m.v.SetDefault("cluster.qps", d.Cluster.QPS)
	m.v.SetDefault("cluster.burst", d.Cluster.Burst)
	m.v.SetDefault("cluster.rate_limit", d.Cluster.RateLimit)

	m.v.SetDefault("audit.db_path", d.Audit.DBPath)
	m.v.SetDefault("audit.query_limit", d.Audit.QueryLimit)

	m.v.SetDefault("logging.level", d.Logging.Level)
	m.v.SetDefault("logging.format", d.Logging.Format)
	m.v.SetDefault("logging.file", d.Logging.File)
	m.v.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	m.v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	m.v.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
}

func (m *viperManager) Load(ctx context.Context) error {
	if err := m.v.ReadInConfig(); err != nil {
		// A missing file is fine: defaults + env carry the configuration.
		// A file that exists but cannot be parsed is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if _, statErr := os.Stat(m.v.ConfigFileUsed()); statErr == nil {
				return fmt.Errorf("failed to read config file %s: %w", m.v.ConfigFileUsed(), err)
			}
		}
	}

	cfg, err := m.unmarshal()
	if err != nil {
		return err
	}
	m.applyEnvOverrides(cfg)

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}

func (m *viperManager) unmarshal() (*Config, error) {
	cfg := DefaultConfig()
	if err := m.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides handles secrets and a few short aliases that do not fit
// the KUBEINQUEST_ key scheme.
func (m *viperManager) applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.LLM.OpenAI.APIKey = key
	}
	if mode := os.Getenv("AGENT_SAFE_MODE"); mode != "" {
		cfg.LLM.SafeMode = strings.EqualFold(mode, "true") || mode == "1"
	}
	if kc := os.Getenv("KUBECONFIG"); kc != "" && cfg.Cluster.Kubeconfig == "" {
		cfg.Cluster.Kubeconfig = kc
	}
}

func (m *viperManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *viperManager) Validate(ctx context.Context) error {
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	errs := cfg.Validate()
	if len(errs) == 0 {
		return nil
	}
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Error())
	}
	return fmt.Errorf("configuration validation failed: %s", strings.Join(parts, "; "))
}

func (m *viperManager) Watch(ctx context.Context, onChange func(*Config)) error {
	m.mu.Lock()
	m.onChange = onChange
	m.mu.Unlock()

	m.v.OnConfigChange(func(e fsnotify.Event) {
		// Debounce editors that fire multiple events per save.
		time.Sleep(100 * time.Millisecond)
		if err := m.Reload(ctx); err != nil {
			return
		}
		m.mu.RLock()
		cb, cfg := m.onChange, m.cfg
		m.mu.RUnlock()
		if cb != nil {
			cb(cfg)
		}
	})
	m.v.WatchConfig()
	return nil
}

func (m *viperManager) Reload(ctx context.Context) error {
	if err := m.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to re-read config: %w", err)
	}
	cfg, err := m.unmarshal()
	if err != nil {
		return err
	}
	m.applyEnvOverrides(cfg)
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("reloaded config is invalid: %v", errs[0])
	}

	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	return nil
}
